package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"finitefield.org/hanko-login/internal/login/config"
	"finitefield.org/hanko-login/internal/login/httpserver"
	"finitefield.org/hanko-login/internal/login/httpserver/middleware"
	"finitefield.org/hanko-login/internal/login/i18n"
	"finitefield.org/hanko-login/internal/login/identity"
	"finitefield.org/hanko-login/internal/login/metrics"
	"finitefield.org/hanko-login/internal/login/observability"
	"finitefield.org/hanko-login/internal/login/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("login")

	rootCtx := observability.WithLogger(context.Background(), logger)

	provider, err := buildProvider(rootCtx, logger, cfg.Identity)
	if err != nil {
		logger.Fatal("failed to initialise identity provider", zap.Error(err))
	}

	sessions, err := buildSessions(logger, cfg.Session)
	if err != nil {
		logger.Fatal("failed to initialise session manager", zap.Error(err))
	}

	bundle, err := i18n.Load(cfg.UI.DefaultLanguage, nil)
	if err != nil {
		logger.Fatal("failed to load translations", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		PerMinute: cfg.RateLimit.PerMinute,
		Burst:     cfg.RateLimit.Burst,
	})
	defer limiter.Stop()

	srv, err := httpserver.New(httpserver.Config{
		Address:        cfg.Server.Addr,
		Environment:    cfg.Server.Environment,
		RegisterPath:   cfg.UI.RegisterPath,
		Provider:       provider,
		Sessions:       sessions,
		Bundle:         bundle,
		Metrics:        metrics.NewCollector(registry),
		Gatherer:       registry,
		RateLimiter:    limiter,
		Logger:         logger,
		TraceProjectID: cfg.Identity.FirebaseProjectID,
		CookieSecure:   cfg.Session.CookieSecure,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,

		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
	})
	if err != nil {
		logger.Fatal("failed to build http server", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(rootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	logger.Info("login server listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("environment", cfg.Server.Environment),
		zap.Bool("firebase", cfg.Identity.UsesFirebase()),
	)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
		return
	}
	logger.Info("login server stopped")
}

func buildProvider(ctx context.Context, logger *zap.Logger, cfg config.IdentityConfig) (identity.Provider, error) {
	if !cfg.UsesFirebase() {
		logger.Warn("firebase project not configured; using static development accounts",
			zap.Int("accounts", len(cfg.DevAccounts)),
		)
		return identity.NewStaticProvider(cfg.DevAccounts), nil
	}

	provider, err := identity.NewFirebaseProvider(ctx, identity.FirebaseConfig{
		ProjectID:       cfg.FirebaseProjectID,
		APIKey:          cfg.FirebaseAPIKey,
		CredentialsFile: cfg.FirebaseCredentialsFile,
		Timeout:         cfg.Timeout,

		Endpoint:            cfg.Endpoint,
		SecureTokenEndpoint: cfg.SecureTokenEndpoint,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("firebase identity provider enabled", zap.String("project", cfg.FirebaseProjectID))
	return provider, nil
}

func buildSessions(logger *zap.Logger, cfg config.SessionConfig) (*session.Manager, error) {
	hashKey := cfg.HashKey
	if len(hashKey) == 0 {
		logger.Warn("session hash key not configured; sessions will not survive a restart")
		hashKey = session.GenerateKey(32)
	}
	blockKey := cfg.BlockKey
	if len(blockKey) == 0 {
		blockKey = session.GenerateKey(32)
	}
	return session.NewManager(session.Config{
		CookieName:       cfg.CookieName,
		HashKey:          hashKey,
		BlockKey:         blockKey,
		CookieSecure:     cfg.CookieSecure,
		IdleTimeout:      cfg.IdleTimeout,
		Lifetime:         cfg.Lifetime,
		RememberLifetime: cfg.RememberLifetime,
	})
}
