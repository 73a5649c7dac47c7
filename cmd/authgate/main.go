package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/authgate/internal/auth"
	"github.com/alexjbarnes/authgate/internal/config"
	"github.com/alexjbarnes/authgate/internal/logging"
	"github.com/alexjbarnes/authgate/internal/mail"
	"github.com/alexjbarnes/authgate/internal/metrics"
	"github.com/alexjbarnes/authgate/internal/server"
	"github.com/alexjbarnes/authgate/internal/state"
	"github.com/alexjbarnes/authgate/internal/userapi"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

const (
	sweepInterval   = 10 * time.Minute
	sweepRetention  = time.Hour
	upstreamTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("authgate starting",
		slog.String("version", Version),
		slog.String("addr", cfg.ListenAddr),
		slog.String("origin", cfg.WebpageOrigin),
		slog.Int("application_keys", len(cfg.ApplicationKeys)),
	)

	var appState *state.State
	if cfg.DBPath != "" {
		appState, err = state.LoadAt(cfg.DBPath)
	} else {
		appState, err = state.Load()
	}

	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	tokens := auth.NewTokens(cfg.JWTAccessKey, cfg.JWTRefreshKey, appState, time.Now)

	serverTokens := auth.NewServerTokenSource(appState, tokens, cfg.ServerAdminKey)
	if _, err := serverTokens.Token(context.Background()); err != nil {
		return fmt.Errorf("deriving server admin token: %w", err)
	}

	httpClient := &http.Client{Timeout: upstreamTimeout}

	users := userapi.NewClient(cfg.UserAPIURL, serverTokens, httpClient, logger)

	terms, err := userapi.NewTnCClient(cfg.TNCAPIURL, cfg.ServerApplicationKey, cfg.TNCCacheTTL, httpClient)
	if err != nil {
		return err
	}
	defer terms.Close()

	handler := auth.NewHandler(auth.Deps{
		OTPs:         appState,
		Keys:         appState,
		Tokens:       tokens,
		Users:        users,
		Terms:        terms,
		Mail:         mail.NewClient(cfg.MailAPIURL, cfg.MailAPIToken, cfg.MailSender, cfg.MailReplyTo, httpClient),
		Gate:         auth.NewGate(cfg.WebpageOrigin, cfg.ApplicationKeys),
		CookieDomain: cfg.ServerDomain,
		Logger:       logger,
	})

	mux := server.NewMux(server.MuxConfig{
		Handler:              handler,
		Logger:               logger,
		RequestRatePerMinute: cfg.RequestRatePerMinute,
		TrustedProxies:       cfg.ProxyPrefixes(),
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serveAPI(gctx, srv, logger)
	})

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			ms := metrics.NewServer(cfg.MetricsAddr, func(context.Context) error {
				return appState.Ping()
			})

			return metrics.Serve(gctx, ms, logger)
		})
	}

	g.Go(func() error {
		return appState.Sweep(gctx, sweepInterval, sweepRetention, logger)
	})

	return g.Wait()
}

// serveAPI runs srv until ctx is cancelled.
func serveAPI(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	go func() {
		<-ctx.Done()
		logger.Info("shutting down API server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("API server listening", slog.String("addr", srv.Addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server: %w", err)
	}

	return nil
}
