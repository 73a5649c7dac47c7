package server

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"runtime/debug"
	"strings"
	"time"

	"github.com/alexjbarnes/authgate/internal/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}

	return w.ResponseWriter.Write(p)
}

// withRecover turns a handler panic into a 500 response.
func withRecover(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				logger.Error("panic",
					slog.Any("panic", v),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				)
				writeError(w, http.StatusInternalServerError, "Server Error")
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func withRequestLog(logger *slog.Logger, ips ipResolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(sr, r)

		if sr.status == 0 {
			sr.status = http.StatusOK
		}

		logger.Log(r.Context(), levelForStatus(sr.status), "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sr.status),
			slog.String("remote_ip", ips.clientIP(r)),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func levelForStatus(code int) slog.Level {
	if code >= 500 {
		return slog.LevelError
	}

	if code >= 400 {
		return slog.LevelWarn
	}

	return slog.LevelInfo
}

func withRateLimit(l *multiLimiter, ips ipResolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(ips.clientIP(r)) {
			metrics.RateLimited.Inc()
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "Too Many Requests")

			return
		}

		next.ServeHTTP(w, r)
	})
}

// ipResolver finds the client address of a request. X-Forwarded-For is
// only read when the socket peer is a trusted proxy, and then from the
// right: the first hop that is not a trusted proxy is the client.
type ipResolver struct {
	trusted []netip.Prefix
}

func (p ipResolver) isTrusted(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, pfx := range p.trusted {
		if pfx.Contains(addr) {
			return true
		}
	}

	return false
}

func (p ipResolver) clientIP(r *http.Request) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		peer = host
	}

	addr, err := netip.ParseAddr(peer)
	if err != nil || !p.isTrusted(addr) {
		return peer
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	client := peer

	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}

		client = hop.Unmap().String()
		if !p.isTrusted(hop) {
			break
		}
	}

	return client
}
