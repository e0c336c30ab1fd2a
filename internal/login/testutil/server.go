package testutil

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"finitefield.org/hanko-login/internal/login/httpserver"
	"finitefield.org/hanko-login/internal/login/httpserver/middleware"
	"finitefield.org/hanko-login/internal/login/identity"
	"finitefield.org/hanko-login/internal/login/metrics"
	"finitefield.org/hanko-login/internal/login/session"
)

// Credentials accepted by the default test provider.
const (
	Email    = "meu@email.com"
	Password = "123456"
)

// ServerOption customises the HTTP server configuration for tests.
type ServerOption func(*httpserver.Config)

// WithProvider overrides the identity provider.
func WithProvider(provider identity.Provider) ServerOption {
	return func(cfg *httpserver.Config) {
		cfg.Provider = provider
	}
}

// WithRateLimit enables the sign-in limiter with the given budget.
func WithRateLimit(perMinute, burst int) ServerOption {
	return func(cfg *httpserver.Config) {
		cfg.RateLimiter = middleware.NewRateLimiter(middleware.RateLimiterConfig{
			PerMinute: perMinute,
			Burst:     burst,
		})
	}
}

// WithMetrics records into registry and exposes it on /metrics.
func WithMetrics(registry *prometheus.Registry) ServerOption {
	return func(cfg *httpserver.Config) {
		cfg.Metrics = metrics.NewCollector(registry)
		cfg.Gatherer = registry
	}
}

// WithEnvironment sets the deployment label.
func WithEnvironment(env string) ServerOption {
	return func(cfg *httpserver.Config) {
		cfg.Environment = env
	}
}

// WithTrustedProxy takes client addresses from forwarding headers.
func WithTrustedProxy() ServerOption {
	return func(cfg *httpserver.Config) {
		cfg.TrustProxyHeaders = true
	}
}

// WithClock drives the server, the session manager and the default provider
// from now.
func WithClock(now func() time.Time) ServerOption {
	return func(cfg *httpserver.Config) {
		cfg.Now = now
	}
}

// NewServer constructs an httptest server running the login HTTP stack with
// a static provider that accepts Email and Password.
func NewServer(t testing.TB, opts ...ServerOption) *httptest.Server {
	t.Helper()

	var cfg httpserver.Config
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.Provider == nil {
		var providerOpts []identity.StaticOption
		if cfg.Now != nil {
			providerOpts = append(providerOpts, identity.WithClock(cfg.Now))
		}
		cfg.Provider = identity.NewStaticProvider(map[string]string{Email: Password}, providerOpts...)
	}
	if cfg.Sessions == nil {
		sessions, err := session.NewManager(session.Config{
			HashKey:          session.GenerateKey(32),
			BlockKey:         session.GenerateKey(32),
			IdleTimeout:      30 * time.Minute,
			Lifetime:         12 * time.Hour,
			RememberLifetime: 30 * 24 * time.Hour,
			Now:              cfg.Now,
		})
		if err != nil {
			t.Fatalf("session manager: %v", err)
		}
		cfg.Sessions = sessions
	}
	if cfg.RateLimiter != nil {
		t.Cleanup(cfg.RateLimiter.Stop)
	}

	srv, err := httpserver.New(cfg)
	if err != nil {
		t.Fatalf("httpserver: %v", err)
	}

	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}
