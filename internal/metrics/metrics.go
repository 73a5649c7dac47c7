// Package metrics holds the Prometheus collectors for the gateway and
// the small HTTP server that exposes them.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authgate_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "authgate_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	OTPRequested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authgate_otp_requested_total",
		Help: "OTP requests created, by purpose.",
	}, []string{"purpose"})

	OTPEntered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authgate_otp_entered_total",
		Help: "Code entry attempts, by purpose and outcome.",
	}, []string{"purpose", "outcome"})

	TokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authgate_tokens_issued_total",
		Help: "Signed tokens issued, by kind.",
	}, []string{"kind"})

	UpstreamRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authgate_upstream_retries_total",
		Help: "Upstream calls retried after a server token renewal.",
	}, []string{"api"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authgate_rate_limited_total",
		Help: "Requests rejected by the per-IP limiter.",
	})
)

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Instrument records request count and latency for next under route.
func Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// NewServer returns an http.Server serving /metrics and /healthz. The
// health func is called with a short deadline on every check.
func NewServer(addr string, health func(context.Context) error) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()

		if err := health(ctx); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
	})

	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
}

// Serve runs srv until ctx is cancelled, then shuts it down.
func Serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)

	go func() {
		logger.Info("metrics listening", slog.String("addr", srv.Addr))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}

		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
