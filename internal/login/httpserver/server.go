package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	custommw "finitefield.org/hanko-login/internal/login/httpserver/middleware"
	"finitefield.org/hanko-login/internal/login/httpserver/ui"
	"finitefield.org/hanko-login/internal/login/i18n"
	"finitefield.org/hanko-login/internal/login/identity"
	"finitefield.org/hanko-login/internal/login/metrics"
	"finitefield.org/hanko-login/internal/login/observability"
	"finitefield.org/hanko-login/public"
)

// Config holds runtime options for the login HTTP server.
type Config struct {
	Address      string
	Environment  string
	LoginPath    string
	LogoutPath   string
	RegisterPath string

	Provider      identity.Provider
	Authenticator custommw.Authenticator
	Sessions      custommw.SessionStore
	Bundle        *i18n.Bundle
	Metrics       metrics.Recorder
	Gatherer      prometheus.Gatherer
	RateLimiter   *custommw.RateLimiter
	Logger        *zap.Logger

	TraceProjectID string
	CookieSecure   bool
	Now            func() time.Time

	// TrustProxyHeaders installs chi's RealIP so the rate limiter and logs see
	// the forwarded client address. Leave it off unless a proxy rewrites them.
	TrustProxyHeaders bool

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// New constructs the HTTP server with middleware stack and embedded assets.
func New(cfg Config) (*http.Server, error) {
	if cfg.Provider == nil {
		panic("httpserver: identity provider is required")
	}
	if cfg.Sessions == nil {
		panic("httpserver: session store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	bundle := cfg.Bundle
	if bundle == nil {
		bundle = i18n.Default()
	}
	authenticator := cfg.Authenticator
	if authenticator == nil {
		authenticator = custommw.NewProviderAuthenticator(cfg.Provider)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}

	loginPath := firstNonEmpty(cfg.LoginPath, "/login")
	logoutPath := firstNonEmpty(cfg.LogoutPath, "/logout")
	registerPath := firstNonEmpty(cfg.RegisterPath, "/register")

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	if cfg.TrustProxyHeaders {
		router.Use(chimw.RealIP)
	}
	router.Use(observability.InjectLogger(logger))
	router.Use(observability.Trace(cfg.TraceProjectID))
	router.Use(observability.RequestLogger())
	router.Use(observability.Recovery(logger))
	router.Use(custommw.SecurityHeaders(cfg.CookieSecure))
	router.Use(custommw.Environment(cfg.Environment))
	router.Use(chimw.Timeout(requestTimeout))

	staticContent, err := public.StaticFS()
	if err != nil {
		return nil, err
	}
	router.Handle("/public/static/*", http.StripPrefix("/public/static/", http.FileServer(http.FS(staticContent))))
	router.Get("/healthz", healthz)
	if cfg.Gatherer != nil {
		router.Handle("/metrics", metrics.Handler(cfg.Gatherer))
	}

	auth := newAuthHandlers(authHandlersConfig{
		Provider:      cfg.Provider,
		Authenticator: authenticator,
		Metrics:       recorder,
		LoginPath:     loginPath,
		LogoutPath:    logoutPath,
		RegisterPath:  registerPath,
		CookieSecure:  cfg.CookieSecure,
		Now:           now,
	})
	home := ui.NewHandlers(logoutPath)

	router.Group(func(r chi.Router) {
		r.Use(custommw.Session(cfg.Sessions))
		r.Use(custommw.HTMX())
		r.Use(custommw.NoStore())
		r.Use(custommw.Language(bundle))
		r.Use(custommw.CSRF(custommw.CSRFConfig{
			Secure:       cfg.CookieSecure,
			ErrorHandler: http.HandlerFunc(auth.CSRFRejected),
		}))

		r.Get(loginPath, auth.LoginForm)
		if cfg.RateLimiter != nil {
			rejected := http.HandlerFunc(auth.RateLimited)
			r.With(
				cfg.RateLimiter.Middleware(rejected),
				cfg.RateLimiter.KeyedMiddleware("email", submittedEmail, rejected),
			).Post(loginPath, auth.LoginSubmit)
		} else {
			r.Post(loginPath, auth.LoginSubmit)
		}
		r.Post(logoutPath, auth.Logout)

		var authOpts []custommw.AuthOption
		if refresher, ok := cfg.Provider.(identity.Refresher); ok {
			authOpts = append(authOpts, custommw.WithTokenRefresh(refresher, cfg.CookieSecure, now))
		}
		r.Group(func(r chi.Router) {
			r.Use(custommw.Auth(authenticator, loginPath, authOpts...))
			r.Get("/", home.Home)
		})
	})

	return &http.Server{
		Addr:         cfg.Address,
		Handler:      router,
		ReadTimeout:  durationOr(cfg.ReadTimeout, 10*time.Second),
		WriteTimeout: durationOr(cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:  durationOr(cfg.IdleTimeout, 60*time.Second),
	}, nil
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}
