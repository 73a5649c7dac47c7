package auth

import (
	"net/http"
	"time"

	autherr "github.com/alexjbarnes/authgate/internal/errors"
)

// Request and cookie names shared with clients.
const (
	HeaderApplicationKey = "X-APPLICATION-KEY"
	HeaderServerToken    = "X-SERVER-TOKEN"
	HeaderServerKey      = "X-SERVER-KEY"

	CookieAccessToken  = "X-ACCESS-TOKEN"
	CookieRefreshToken = "X-REFRESH-TOKEN"
)

// Channel is how a client proved it may call the user-facing routes.
type Channel int

const (
	ChannelWeb Channel = iota + 1
	ChannelMobile
)

func (c Channel) String() string {
	switch c {
	case ChannelWeb:
		return "web"
	case ChannelMobile:
		return "mobile"
	}

	return "unknown"
}

// Gate admits browser requests from the configured origin and mobile
// requests carrying an allow-listed application key.
type Gate struct {
	origin  string
	appKeys map[string]struct{}
}

// NewGate creates a Gate for the web origin and mobile application keys.
func NewGate(origin string, appKeys []string) *Gate {
	keys := make(map[string]struct{}, len(appKeys))
	for _, k := range appKeys {
		keys[k] = struct{}{}
	}

	return &Gate{origin: origin, appKeys: keys}
}

// Check returns the channel r arrived on, or Forbidden.
func (g *Gate) Check(r *http.Request) (Channel, error) {
	if key := r.Header.Get(HeaderApplicationKey); key != "" {
		if _, ok := g.appKeys[key]; ok {
			return ChannelMobile, nil
		}
	}

	if origin := r.Header.Get("Origin"); origin != "" && origin == g.origin {
		return ChannelWeb, nil
	}

	return 0, autherr.Forbidden()
}

// refreshCookie returns the refresh token presented by r, or "".
func refreshCookie(r *http.Request) string {
	c, err := r.Cookie(CookieRefreshToken)
	if err != nil {
		return ""
	}

	return c.Value
}

// cookieJar writes the token cookies scoped to one domain.
type cookieJar struct {
	domain string
}

func (j cookieJar) cookie(name, value, path string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   j.domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	}
}

func (j cookieJar) setAccess(w http.ResponseWriter, token string) {
	http.SetCookie(w, j.cookie(CookieAccessToken, token, "/", int(accessTokenExpiry.Seconds())))
}

func (j cookieJar) setRefresh(w http.ResponseWriter, token string, validFor time.Duration) {
	http.SetCookie(w, j.cookie(CookieRefreshToken, token, "/auth", int(validFor.Seconds())))
}

// clear expires both token cookies. A negative MaxAge is sent as
// Max-Age=0.
func (j cookieJar) clear(w http.ResponseWriter) {
	http.SetCookie(w, j.cookie(CookieAccessToken, "", "/", -1))
	http.SetCookie(w, j.cookie(CookieRefreshToken, "", "/auth", -1))
}
