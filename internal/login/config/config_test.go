package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaultsWithDevAccounts(t *testing.T) {
	env := map[string]string{
		"LOGIN_DEV_ACCOUNTS": "Meu@Email.com=123456, outro@email.com=abcdef",
	}

	cfg, err := Load(WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Addr != defaultHTTPAddr {
		t.Errorf("expected default addr, got %q", cfg.Server.Addr)
	}
	if cfg.Server.ShutdownTimeout != defaultShutdownTimeout {
		t.Errorf("expected default shutdown timeout, got %s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Identity.UsesFirebase() {
		t.Errorf("expected static provider selection")
	}
	want := map[string]string{"meu@email.com": "123456", "outro@email.com": "abcdef"}
	if !reflect.DeepEqual(cfg.Identity.DevAccounts, want) {
		t.Errorf("unexpected dev accounts: %#v", cfg.Identity.DevAccounts)
	}
	if cfg.Session.CookieName != defaultSessionCookie {
		t.Errorf("unexpected cookie name %q", cfg.Session.CookieName)
	}
	if cfg.Session.HashKey != nil || cfg.Session.BlockKey != nil {
		t.Errorf("expected empty session keys by default")
	}
	if cfg.RateLimit.PerMinute != defaultRateLimitPerMin || cfg.RateLimit.Burst != defaultRateLimitBurst {
		t.Errorf("unexpected rate limit %+v", cfg.RateLimit)
	}
	if cfg.UI.RegisterPath != "/register" || cfg.UI.DefaultLanguage != "pt-BR" {
		t.Errorf("unexpected ui config %+v", cfg.UI)
	}
	if cfg.Server.TrustProxyHeaders {
		t.Errorf("expected proxy headers to be ignored by default")
	}
}

func TestLoadNormalizesDefaultLanguage(t *testing.T) {
	cases := map[string]string{
		"pt-br": "pt-BR",
		"EN":    "en",
		"en-US": "en",
	}
	for in, want := range cases {
		env := map[string]string{
			"LOGIN_DEV_ACCOUNTS":     "a@b.c=123456",
			"LOGIN_DEFAULT_LANGUAGE": in,
		}
		cfg, err := Load(WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
		if err != nil {
			t.Fatalf("Load with %q: %v", in, err)
		}
		if cfg.UI.DefaultLanguage != want {
			t.Fatalf("DefaultLanguage for %q = %q, want %q", in, cfg.UI.DefaultLanguage, want)
		}
	}
}

func TestLoadFirebaseOverrides(t *testing.T) {
	env := map[string]string{
		"LOGIN_HTTP_ADDR":                 ":9090",
		"LOGIN_ENVIRONMENT":               "Production",
		"LOGIN_FIREBASE_PROJECT_ID":       "hanko-prod",
		"LOGIN_FIREBASE_API_KEY":          "api-key",
		"LOGIN_IDENTITY_TIMEOUT":          "3s",
		"LOGIN_SECURE_TOKEN_ENDPOINT":     "http://localhost:9099/securetoken.googleapis.com/v1/token",
		"LOGIN_TRUST_PROXY_HEADERS":       "true",
		"LOGIN_SESSION_HASH_KEY":          "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f",
		"LOGIN_SESSION_BLOCK_KEY":         "000102030405060708090a0b0c0d0e0f",
		"LOGIN_SESSION_COOKIE_SECURE":     "yes",
		"LOGIN_SESSION_REMEMBER_LIFETIME": "72h",
		"LOGIN_RATELIMIT_PER_MIN":         "20",
		"LOGIN_RATELIMIT_BURST":           "not-a-number",
	}

	cfg, err := Load(WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Addr != ":9090" || cfg.Server.Environment != "Production" {
		t.Errorf("unexpected server config %+v", cfg.Server)
	}
	if !cfg.Identity.UsesFirebase() {
		t.Fatalf("expected firebase provider selection")
	}
	if cfg.Identity.SecureTokenEndpoint != "http://localhost:9099/securetoken.googleapis.com/v1/token" {
		t.Errorf("unexpected secure token endpoint %q", cfg.Identity.SecureTokenEndpoint)
	}
	if !cfg.Server.TrustProxyHeaders {
		t.Errorf("expected proxy headers to be trusted")
	}
	if cfg.Identity.Timeout != 3*time.Second {
		t.Errorf("unexpected identity timeout %s", cfg.Identity.Timeout)
	}
	if len(cfg.Session.HashKey) != 32 || len(cfg.Session.BlockKey) != 16 {
		t.Errorf("unexpected key lengths %d/%d", len(cfg.Session.HashKey), len(cfg.Session.BlockKey))
	}
	if !cfg.Session.CookieSecure {
		t.Errorf("expected secure cookie")
	}
	if cfg.Session.RememberLifetime != 72*time.Hour {
		t.Errorf("unexpected remember lifetime %s", cfg.Session.RememberLifetime)
	}
	if cfg.RateLimit.PerMinute != 20 {
		t.Errorf("expected per minute override, got %d", cfg.RateLimit.PerMinute)
	}
	if cfg.RateLimit.Burst != defaultRateLimitBurst {
		t.Errorf("expected malformed burst to fall back, got %d", cfg.RateLimit.Burst)
	}
}

func TestLoadValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want []string
	}{
		{
			name: "no provider",
			env:  map[string]string{},
			want: []string{"Identity.DevAccounts"},
		},
		{
			name: "firebase without api key",
			env:  map[string]string{"LOGIN_FIREBASE_PROJECT_ID": "demo"},
			want: []string{"Identity.FirebaseAPIKey"},
		},
		{
			name: "bad session keys",
			env: map[string]string{
				"LOGIN_DEV_ACCOUNTS":      "a@b.c=123456",
				"LOGIN_SESSION_HASH_KEY":  "zz",
				"LOGIN_SESSION_BLOCK_KEY": "0001",
			},
			want: []string{"Session.HashKey", "Session.BlockKey"},
		},
		{
			name: "relative register path",
			env: map[string]string{
				"LOGIN_DEV_ACCOUNTS":  "a@b.c=123456",
				"LOGIN_REGISTER_PATH": "register",
			},
			want: []string{"UI.RegisterPath"},
		},
		{
			name: "language without catalog",
			env: map[string]string{
				"LOGIN_DEV_ACCOUNTS":     "a@b.c=123456",
				"LOGIN_DEFAULT_LANGUAGE": "ja",
			},
			want: []string{"UI.DefaultLanguage"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(WithEnvMap(tc.env), WithoutSystemEnv(), WithEnvFile(""))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected ValidationError, got %T", err)
			}
			if !reflect.DeepEqual(vErr.Fields(), tc.want) {
				t.Fatalf("unexpected fields %v, want %v", vErr.Fields(), tc.want)
			}
		})
	}
}

func TestLoadReadsDotEnvBelowExplicitValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# local settings\nexport LOGIN_DEV_ACCOUNTS=\"meu@email.com=123456\"\nLOGIN_HTTP_ADDR=:7000\nLOGIN_LOG_LEVEL='debug'\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := Load(
		WithEnvFile(path),
		WithEnvMap(map[string]string{"LOGIN_HTTP_ADDR": ":7100"}),
		WithoutSystemEnv(),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Addr != ":7100" {
		t.Errorf("expected explicit value to win, got %q", cfg.Server.Addr)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("expected log level from .env, got %q", cfg.Server.LogLevel)
	}
	if cfg.Identity.DevAccounts["meu@email.com"] != "123456" {
		t.Errorf("expected dev account from .env, got %#v", cfg.Identity.DevAccounts)
	}
}

func TestLoadIgnoresMissingDotEnv(t *testing.T) {
	_, err := Load(
		WithEnvFile(filepath.Join(t.TempDir(), "missing.env")),
		WithEnvMap(map[string]string{"LOGIN_DEV_ACCOUNTS": "a@b.c=123456"}),
		WithoutSystemEnv(),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
