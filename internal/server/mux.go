// Package server provides HTTP server construction for authgate.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/alexjbarnes/authgate/internal/auth"
	"github.com/alexjbarnes/authgate/internal/metrics"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Handler *auth.Handler
	Logger  *slog.Logger
	// RequestRatePerMinute bounds POST /auth/request per client IP.
	RequestRatePerMinute int
	// TrustedProxies may set the client IP through X-Forwarded-For.
	TrustedProxies []netip.Prefix
}

type route struct {
	method  string
	path    string
	name    string
	handler http.Handler
}

// NewMux builds the HTTP handler for the /auth routes. Known paths with
// an unsupported method answer 405, anything else 404. Every request
// passes through panic recovery and the request log.
func NewMux(cfg MuxConfig) http.Handler {
	limiter := newMultiLimiter(
		rate.Limit(float64(cfg.RequestRatePerMinute)/60),
		cfg.RequestRatePerMinute,
		limiterIdleTTL,
	)

	ips := ipResolver{trusted: cfg.TrustedProxies}

	h := cfg.Handler
	routes := []route{
		{http.MethodPost, "/auth/request", "request", withRateLimit(limiter, ips, h.HandleRequest())},
		{http.MethodPost, "/auth/request/{requestId}/code", "code", h.HandleCode()},
		{http.MethodGet, "/auth/request/{requestId}/verify", "verify", h.HandleVerify()},
		{http.MethodDelete, "/auth/logout", "logout", h.HandleLogout()},
		{http.MethodGet, "/auth/renew", "renew", h.HandleRenew()},
		{http.MethodPost, "/auth/login", "login", h.HandleLogin()},
	}

	mux := http.NewServeMux()
	for _, rt := range routes {
		mux.Handle(rt.method+" "+rt.path, metrics.Instrument(rt.name, rt.handler))
		mux.Handle(rt.path, metrics.Instrument(rt.name, http.HandlerFunc(methodNotAllowed)))
	}

	mux.Handle("/", metrics.Instrument("unknown", http.HandlerFunc(notFound)))

	return withRecover(cfg.Logger, withRequestLog(cfg.Logger, ips, mux))
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "Not Found")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
