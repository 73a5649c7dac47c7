package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	autherr "github.com/alexjbarnes/authgate/internal/errors"
	"github.com/alexjbarnes/authgate/internal/metrics"
	"github.com/alexjbarnes/authgate/internal/models"
)

// Refresh token lifetimes by how the session was opened.
const (
	signupRefreshValidity  = 60 * time.Minute
	signinRefreshValidity  = 180 * time.Minute
	staySignedInValidity   = 30 * 24 * time.Hour
	renewedRefreshValidity = signinRefreshValidity
)

const (
	deletedUserMessage = "Unauthenticated - Deleted User"
	lockedUserMessage  = "Unauthenticated - Locked User"
)

// Deps are the collaborators of the auth handlers.
type Deps struct {
	OTPs   OTPStore
	Keys   AdminKeyStore
	Tokens *Tokens
	Users  UserDirectory
	Terms  TermsSource
	Mail   Mailer
	Gate   *Gate
	// CookieDomain scopes the token cookies.
	CookieDomain string
	Logger       *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Handler serves the /auth routes.
type Handler struct {
	otps    OTPStore
	keys    AdminKeyStore
	tokens  *Tokens
	users   UserDirectory
	terms   TermsSource
	mail    Mailer
	gate    *Gate
	cookies cookieJar
	logger  *slog.Logger
	now     func() time.Time
}

// NewHandler creates a Handler from d.
func NewHandler(d Deps) *Handler {
	now := d.Now
	if now == nil {
		now = time.Now
	}

	return &Handler{
		otps:    d.OTPs,
		keys:    d.Keys,
		tokens:  d.Tokens,
		users:   d.Users,
		terms:   d.Terms,
		mail:    d.Mail,
		gate:    d.Gate,
		cookies: cookieJar{domain: d.CookieDomain},
		logger:  d.Logger,
		now:     now,
	}
}

type requestResponse struct {
	RequestID        string `json:"requestId"`
	CodeExpireAt     string `json:"codeExpireAt"`
	ShouldRenewToken bool   `json:"shouldRenewToken,omitempty"`
}

type sudoResponse struct {
	VerificationExpiresAt string `json:"verificationExpiresAt"`
	ShouldRenewToken      bool   `json:"shouldRenewToken,omitempty"`
}

type signedInResponse struct {
	// The misspelling is part of the client contract.
	NeedNewTNCAccept bool `json:"needNewTNCAccpet,omitempty"`
}

type verifyResponse struct {
	Email    string         `json:"email"`
	Purpose  models.Purpose `json:"purpose"`
	Verified bool           `json:"verified"`
	ExpireAt string         `json:"expireAt,omitempty"`
}

type loginResponse struct {
	ServerAdminToken string `json:"serverAdminToken"`
	ExpiresAt        string `json:"expiresAt"`
}

// serve adapts fn to an http.HandlerFunc. Any error fn returns is
// written by writeError.
func (h *Handler) serve(route string, fn func(w http.ResponseWriter, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			h.writeError(w, r, route, err)
		}
	}
}

// writeError maps err to its status and writes {"error": message}.
// Internal errors are logged and reported without detail.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, route string, err error) {
	kind := autherr.KindOf(err)

	attrs := []any{
		slog.String("route", route),
		slog.String("ip", remoteIP(r)),
		slog.String("error", err.Error()),
	}

	if kind == autherr.KindInternal {
		h.logger.Error("auth: request failed", attrs...)
	} else {
		h.logger.Debug("auth: request rejected", append(attrs, slog.String("kind", kind.String()))...)
	}

	writeJSON(w, kind.Status(), map[string]string{"error": autherr.PublicMessage(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// checkUser enforces the purpose-specific profile rules: signup needs
// no existing profile, signin and sudo need a live one.
func (h *Handler) checkUser(ctx context.Context, email string, purpose models.Purpose) (*models.UserProfile, error) {
	profile, err := h.users.GetUserProfile(ctx, email)
	if err != nil && !errors.Is(err, autherr.ErrNotFound) {
		return nil, fmt.Errorf("looking up user profile: %w", err)
	}

	if purpose == models.PurposeSignup {
		if profile != nil {
			return nil, autherr.Conflict()
		}

		return nil, nil
	}

	if profile == nil {
		return nil, autherr.Unauthenticated("")
	}

	if profile.Deleted {
		return nil, autherr.Unauthenticated(deletedUserMessage)
	}

	if profile.Locked {
		return nil, autherr.Unauthenticated(lockedUserMessage)
	}

	return profile, nil
}

// checkSudo verifies the caller's refresh token belongs to email.
func (h *Handler) checkSudo(r *http.Request, email string) (*RefreshSession, error) {
	sess, err := h.tokens.VerifyRefresh(refreshCookie(r))
	if err != nil {
		return nil, err
	}

	if sess.Email != email {
		return nil, autherr.Forbidden()
	}

	return sess, nil
}

// HandleRequest returns the POST /auth/request handler. It creates an
// OTP request and mails the plaintext code.
func (h *Handler) HandleRequest() http.HandlerFunc {
	return h.serve("request", func(w http.ResponseWriter, r *http.Request) error {
		if _, err := h.gate.Check(r); err != nil {
			return err
		}

		var body otpRequestBody
		if err := decodeBody(r, requestSchema, &body, false); err != nil {
			return err
		}

		if !validEmail(body.Email) {
			return autherr.BadRequest()
		}

		var shouldRenew bool

		if body.Purpose == models.PurposeSudo {
			sess, err := h.checkSudo(r, body.Email)
			if err != nil {
				return err
			}

			shouldRenew = sess.AboutToExpire
		}

		if _, err := h.checkUser(r.Context(), body.Email, body.Purpose); err != nil {
			return err
		}

		code, err := NewPasscode()
		if err != nil {
			return err
		}

		o := newOTPRequest(body.Email, body.Purpose, code, h.now())

		if err := h.otps.CreateOTP(o); err != nil {
			if errors.Is(err, autherr.ErrDuplicate) {
				return autherr.Wrap(autherr.KindConflict, err)
			}

			return fmt.Errorf("creating otp request: %w", err)
		}

		if err := h.mail.SendPasscode(r.Context(), body.Email, code); err != nil {
			return fmt.Errorf("sending passcode: %w", err)
		}

		metrics.OTPRequested.WithLabelValues(string(body.Purpose)).Inc()

		h.logger.Info("auth: otp requested",
			slog.String("purpose", string(body.Purpose)),
			slog.String("request_id", o.ID),
			slog.String("ip", remoteIP(r)),
		)

		writeJSON(w, http.StatusCreated, requestResponse{
			RequestID:        o.ID,
			CodeExpireAt:     FormatTime(o.ExpireAt),
			ShouldRenewToken: shouldRenew,
		})

		return nil
	})
}

// HandleCode returns the POST /auth/request/{requestId}/code handler.
// A correct code verifies the request; signup and signin then receive
// a fresh token pair as cookies.
func (h *Handler) HandleCode() http.HandlerFunc {
	return h.serve("code", func(w http.ResponseWriter, r *http.Request) error {
		channel, err := h.gate.Check(r)
		if err != nil {
			return err
		}

		var body codeBody
		if err := decodeBody(r, codeSchema, &body, false); err != nil {
			return err
		}

		if body.StaySignedIn != nil && channel != ChannelMobile {
			return autherr.BadRequest()
		}

		id := r.PathValue("requestId")

		o, err := h.otps.GetOTP(id)
		if err != nil {
			return fmt.Errorf("reading otp request: %w", err)
		}

		if o == nil {
			return autherr.NotFound()
		}

		var (
			sess    *RefreshSession
			profile *models.UserProfile
		)

		next, err := transition(o, codeEntry{
			Email:    body.Email,
			Passcode: body.Passcode,
			Now:      h.now(),
			Precheck: func() error {
				if o.Purpose == models.PurposeSudo {
					s, err := h.checkSudo(r, o.Email)
					if err != nil {
						return err
					}

					sess = s
				}

				p, err := h.checkUser(r.Context(), o.Email, o.Purpose)
				profile = p

				return err
			},
		})
		if err != nil {
			if autherr.KindOf(err) == autherr.KindPasscodeNotMatch {
				metrics.OTPEntered.WithLabelValues(string(o.Purpose), "passcode_mismatch").Inc()
			}

			return err
		}

		if err := h.otps.MarkOTPVerified(id, next.ExpireAt); err != nil {
			switch {
			case errors.Is(err, autherr.ErrAlreadyVerified):
				return autherr.Wrap(autherr.KindConflict, err)
			case errors.Is(err, autherr.ErrNotFound):
				return autherr.Wrap(autherr.KindNotFound, err)
			}

			return fmt.Errorf("marking otp verified: %w", err)
		}

		metrics.OTPEntered.WithLabelValues(string(o.Purpose), "verified").Inc()

		h.logger.Info("auth: otp verified",
			slog.String("purpose", string(o.Purpose)),
			slog.String("request_id", id),
			slog.String("channel", channel.String()),
		)

		if o.Purpose == models.PurposeSudo {
			writeJSON(w, http.StatusOK, sudoResponse{
				VerificationExpiresAt: FormatTime(next.ExpireAt),
				ShouldRenewToken:      sess != nil && sess.AboutToExpire,
			})

			return nil
		}

		validFor := signupRefreshValidity
		if o.Purpose == models.PurposeSignin {
			validFor = signinRefreshValidity
			if body.StaySignedIn != nil && *body.StaySignedIn {
				validFor = staySignedInValidity
			}
		}

		if err := h.issueSession(w, o.Email, validFor); err != nil {
			return err
		}

		var resp signedInResponse
		if o.Purpose == models.PurposeSignin && profile != nil {
			resp.NeedNewTNCAccept = h.tncOutdated(r.Context(), profile)
		}

		writeJSON(w, http.StatusCreated, resp)

		return nil
	})
}

// issueSession sets a fresh access and refresh token pair as cookies.
func (h *Handler) issueSession(w http.ResponseWriter, email string, validFor time.Duration) error {
	access, err := h.tokens.IssueAccess(email)
	if err != nil {
		return err
	}

	refresh, err := h.tokens.IssueRefresh(email, validFor)
	if err != nil {
		return err
	}

	h.cookies.setAccess(w, access)
	h.cookies.setRefresh(w, refresh, validFor)

	return nil
}

// tncOutdated reports whether the user accepted an older terms version
// than the latest one. The lookup is best effort: a failure is logged
// and treated as up to date, since the code is already spent.
func (h *Handler) tncOutdated(ctx context.Context, profile *models.UserProfile) bool {
	tnc, err := h.terms.LatestTnC(ctx)
	if err != nil {
		h.logger.Warn("auth: latest tnc lookup failed", slog.String("error", err.Error()))
		return false
	}

	return profile.TncVersion < tnc.Version
}

// HandleVerify returns the GET /auth/request/{requestId}/verify handler
// used by other servers to confirm a user completed an OTP flow.
func (h *Handler) HandleVerify() http.HandlerFunc {
	return h.serve("verify", func(w http.ResponseWriter, r *http.Request) error {
		caller, err := h.tokens.VerifyServerAdmin(r.Header.Get(HeaderServerToken))
		if err != nil {
			return err
		}

		id := r.PathValue("requestId")

		o, err := h.otps.GetOTP(id)
		if err != nil {
			return fmt.Errorf("reading otp request: %w", err)
		}

		if o == nil {
			return autherr.NotFound()
		}

		if o.Purpose == models.PurposeSignin {
			if err := h.users.UpdateLastLogin(r.Context(), o.Email, h.now()); err != nil {
				return fmt.Errorf("updating last login: %w", err)
			}
		}

		h.logger.Debug("auth: otp status read",
			slog.String("request_id", id),
			slog.String("caller", caller.Nickname),
			slog.String("account_type", string(caller.AccountType)),
		)

		resp := verifyResponse{
			Email:    o.Email,
			Purpose:  o.Purpose,
			Verified: o.Verified,
		}
		if o.Verified {
			resp.ExpireAt = FormatTime(o.ExpireAt)
		}

		writeJSON(w, http.StatusOK, resp)

		return nil
	})
}

// HandleLogout returns the DELETE /auth/logout handler. It revokes the
// presented refresh token and clears both cookies.
func (h *Handler) HandleLogout() http.HandlerFunc {
	return h.serve("logout", func(w http.ResponseWriter, r *http.Request) error {
		token := refreshCookie(r)
		if token == "" {
			return autherr.Unauthenticated("")
		}

		if _, err := h.gate.Check(r); err != nil {
			return err
		}

		if _, err := h.tokens.VerifyRefresh(token); err != nil {
			return err
		}

		if err := h.tokens.Revoke(token); err != nil {
			return err
		}

		h.cookies.clear(w)
		w.WriteHeader(http.StatusOK)

		return nil
	})
}

// HandleRenew returns the GET /auth/renew handler. A new access token is
// always issued; a new refresh token only when the body asks for one
// and the current token is close to expiry.
func (h *Handler) HandleRenew() http.HandlerFunc {
	return h.serve("renew", func(w http.ResponseWriter, r *http.Request) error {
		token := refreshCookie(r)
		if token == "" {
			return autherr.Unauthenticated("")
		}

		if _, err := h.gate.Check(r); err != nil {
			return err
		}

		var body renewBody
		if err := decodeBody(r, renewSchema, &body, true); err != nil {
			return err
		}

		sess, err := h.tokens.VerifyRefresh(token)
		if err != nil {
			return err
		}

		if body.RenewRefreshToken {
			// Sessions opened by signup have no profile yet and are not
			// eligible for a long-lived token.
			if _, err := h.checkUser(r.Context(), sess.Email, models.PurposeSignin); err != nil {
				if k := autherr.KindOf(err); k == autherr.KindUnauthenticated {
					return autherr.Wrap(autherr.KindForbidden, err)
				}

				return err
			}
		}

		access, err := h.tokens.IssueAccess(sess.Email)
		if err != nil {
			return err
		}

		if body.RenewRefreshToken && sess.AboutToExpire {
			refresh, err := h.tokens.IssueRefresh(sess.Email, renewedRefreshValidity)
			if err != nil {
				return err
			}

			h.cookies.setRefresh(w, refresh, renewedRefreshValidity)
		}

		h.cookies.setAccess(w, access)
		w.WriteHeader(http.StatusOK)

		return nil
	})
}

// HandleLogin returns the POST /auth/login handler. A server presents
// its admin key and receives a server-admin token.
func (h *Handler) HandleLogin() http.HandlerFunc {
	return h.serve("login", func(w http.ResponseWriter, r *http.Request) error {
		keyID := r.Header.Get(HeaderServerKey)
		if keyID == "" {
			return autherr.Unauthenticated("")
		}

		key, err := h.keys.GetAdminKey(keyID)
		if err != nil {
			return fmt.Errorf("reading admin key: %w", err)
		}

		if key == nil {
			return autherr.Forbidden()
		}

		token, expiresAt, err := h.tokens.IssueServerAdmin(key.Nickname, key.AccountType)
		if err != nil {
			return err
		}

		h.logger.Info("auth: server login",
			slog.String("nickname", key.Nickname),
			slog.String("account_type", string(key.AccountType)),
			slog.String("ip", remoteIP(r)),
		)

		writeJSON(w, http.StatusOK, loginResponse{
			ServerAdminToken: token,
			ExpiresAt:        FormatTime(expiresAt),
		})

		return nil
	})
}
