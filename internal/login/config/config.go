// Package config loads runtime settings from defaults, an optional .env file,
// the process environment and explicit overrides, in increasing precedence.
package config

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"finitefield.org/hanko-login/internal/login/i18n"
)

const (
	defaultEnvFile         = ".env"
	defaultHTTPAddr        = ":8080"
	defaultEnvironment     = "Development"
	defaultLogLevel        = "info"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultIdentityTimeout = 10 * time.Second
	defaultSessionIdle     = 30 * time.Minute
	defaultSessionLifetime = 12 * time.Hour
	defaultSessionRemember = 30 * 24 * time.Hour
	defaultRateLimitPerMin = 10
	defaultRateLimitBurst  = 5
	defaultRegisterPath    = "/register"
	defaultLanguage        = "pt-BR"
	defaultSessionCookie   = "login_session"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server    ServerConfig
	Identity  IdentityConfig
	Session   SessionConfig
	RateLimit RateLimitConfig
	UI        UIConfig
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string
	Environment     string
	LogLevel        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable it only behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

// IdentityConfig selects and configures the identity provider. A Firebase
// project enables the Firebase provider; otherwise DevAccounts back an
// in-memory provider.
type IdentityConfig struct {
	FirebaseProjectID       string
	FirebaseAPIKey          string
	FirebaseCredentialsFile string
	Endpoint                string
	SecureTokenEndpoint     string
	Timeout                 time.Duration
	DevAccounts             map[string]string
}

// UsesFirebase reports whether the Firebase provider is configured.
func (c IdentityConfig) UsesFirebase() bool {
	return strings.TrimSpace(c.FirebaseProjectID) != ""
}

// SessionConfig controls the session cookie. Empty keys mean the server
// generates ephemeral ones at start-up.
type SessionConfig struct {
	CookieName       string
	HashKey          []byte
	BlockKey         []byte
	CookieSecure     bool
	IdleTimeout      time.Duration
	Lifetime         time.Duration
	RememberLifetime time.Duration
}

// RateLimitConfig throttles sign-in attempts per client address.
type RateLimitConfig struct {
	PerMinute int
	Burst     int
}

// UIConfig holds presentation settings.
type UIConfig struct {
	RegisterPath    string
	DefaultLanguage string
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// Option customises Load.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
}

// WithEnvFile overrides the .env path. An empty path disables the file.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap supplies explicit values that win over every other source.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// Load resolves the configuration and validates it.
func Load(opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	var invalid []string
	hashKey, ok := hexWithDefault(lookup, "LOGIN_SESSION_HASH_KEY")
	if !ok {
		invalid = append(invalid, "Session.HashKey")
	}
	blockKey, ok := hexWithDefault(lookup, "LOGIN_SESSION_BLOCK_KEY")
	if !ok {
		invalid = append(invalid, "Session.BlockKey")
	}

	cfg := Config{
		Server: ServerConfig{
			Addr:            stringWithDefault(lookup, "LOGIN_HTTP_ADDR", defaultHTTPAddr),
			Environment:     stringWithDefault(lookup, "LOGIN_ENVIRONMENT", defaultEnvironment),
			LogLevel:        stringWithDefault(lookup, "LOGIN_LOG_LEVEL", defaultLogLevel),
			ReadTimeout:     durationWithDefault(lookup, "LOGIN_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    durationWithDefault(lookup, "LOGIN_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     durationWithDefault(lookup, "LOGIN_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: durationWithDefault(lookup, "LOGIN_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),

			TrustProxyHeaders: boolWithDefault(lookup, "LOGIN_TRUST_PROXY_HEADERS", false),
		},
		Identity: IdentityConfig{
			FirebaseProjectID:       stringWithDefault(lookup, "LOGIN_FIREBASE_PROJECT_ID", ""),
			FirebaseAPIKey:          stringWithDefault(lookup, "LOGIN_FIREBASE_API_KEY", ""),
			FirebaseCredentialsFile: stringWithDefault(lookup, "LOGIN_FIREBASE_CREDENTIALS_FILE", ""),
			Endpoint:                stringWithDefault(lookup, "LOGIN_IDENTITY_ENDPOINT", ""),
			SecureTokenEndpoint:     stringWithDefault(lookup, "LOGIN_SECURE_TOKEN_ENDPOINT", ""),
			Timeout:                 durationWithDefault(lookup, "LOGIN_IDENTITY_TIMEOUT", defaultIdentityTimeout),
			DevAccounts:             accountsWithDefault(lookup, "LOGIN_DEV_ACCOUNTS"),
		},
		Session: SessionConfig{
			CookieName:       stringWithDefault(lookup, "LOGIN_SESSION_COOKIE_NAME", defaultSessionCookie),
			HashKey:          hashKey,
			BlockKey:         blockKey,
			CookieSecure:     boolWithDefault(lookup, "LOGIN_SESSION_COOKIE_SECURE", false),
			IdleTimeout:      durationWithDefault(lookup, "LOGIN_SESSION_IDLE_TIMEOUT", defaultSessionIdle),
			Lifetime:         durationWithDefault(lookup, "LOGIN_SESSION_LIFETIME", defaultSessionLifetime),
			RememberLifetime: durationWithDefault(lookup, "LOGIN_SESSION_REMEMBER_LIFETIME", defaultSessionRemember),
		},
		RateLimit: RateLimitConfig{
			PerMinute: intWithDefault(lookup, "LOGIN_RATELIMIT_PER_MIN", defaultRateLimitPerMin),
			Burst:     intWithDefault(lookup, "LOGIN_RATELIMIT_BURST", defaultRateLimitBurst),
		},
		UI: UIConfig{
			RegisterPath:    stringWithDefault(lookup, "LOGIN_REGISTER_PATH", defaultRegisterPath),
			DefaultLanguage: stringWithDefault(lookup, "LOGIN_DEFAULT_LANGUAGE", defaultLanguage),
		},
	}

	if lang, ok := i18n.Normalize(cfg.UI.DefaultLanguage); ok {
		cfg.UI.DefaultLanguage = lang
	} else {
		invalid = append(invalid, "UI.DefaultLanguage")
	}

	if err := validateConfig(cfg, invalid); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config, invalid []string) error {
	missing := append([]string(nil), invalid...)

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		missing = append(missing, "Server.Addr")
	}
	if cfg.Identity.UsesFirebase() {
		if strings.TrimSpace(cfg.Identity.FirebaseAPIKey) == "" {
			missing = append(missing, "Identity.FirebaseAPIKey")
		}
	} else if len(cfg.Identity.DevAccounts) == 0 {
		missing = append(missing, "Identity.DevAccounts")
	}
	if cfg.Identity.Timeout <= 0 {
		missing = append(missing, "Identity.Timeout")
	}
	if len(cfg.Session.HashKey) > 0 && len(cfg.Session.HashKey) < 32 {
		missing = append(missing, "Session.HashKey")
	}
	switch len(cfg.Session.BlockKey) {
	case 0, 16, 24, 32:
	default:
		missing = append(missing, "Session.BlockKey")
	}
	if cfg.Session.Lifetime <= 0 {
		missing = append(missing, "Session.Lifetime")
	}
	if cfg.RateLimit.PerMinute <= 0 {
		missing = append(missing, "RateLimit.PerMinute")
	}
	if cfg.RateLimit.Burst <= 0 {
		missing = append(missing, "RateLimit.Burst")
	}
	if !strings.HasPrefix(cfg.UI.RegisterPath, "/") {
		missing = append(missing, "UI.RegisterPath")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: dedupe(missing)}
	}
	return nil
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0]
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

// hexWithDefault decodes a hex encoded key. ok is false when a value is set but malformed.
func hexWithDefault(lookup func(string) (string, bool), key string) ([]byte, bool) {
	raw, found := lookup(key)
	raw = strings.TrimSpace(raw)
	if !found || raw == "" {
		return nil, true
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return nil, false
	}
	return decoded, true
}

// accountsWithDefault parses "email=password,email2=password2". Passwords
// cannot contain commas.
func accountsWithDefault(lookup func(string) (string, bool), key string) map[string]string {
	values := make(map[string]string)
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return values
	}
	for _, entry := range strings.Split(raw, ",") {
		email, password, found := strings.Cut(strings.TrimSpace(entry), "=")
		email = strings.ToLower(strings.TrimSpace(email))
		if !found || email == "" || password == "" {
			continue
		}
		values[email] = password
	}
	return values
}
