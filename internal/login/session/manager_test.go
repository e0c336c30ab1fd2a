package session

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

type fixedClock struct {
	current time.Time
}

func (c *fixedClock) Now() time.Time {
	return c.current
}

func newTestManager(t *testing.T) (*Manager, *fixedClock) {
	t.Helper()

	hashKey := []byte("12345678901234567890123456789012")
	blockKey := []byte("abcdefghijklmnopqrstuv0123456789")
	clock := &fixedClock{current: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	httpOnly := true
	mgr, err := NewManager(Config{
		CookieName:       "test_session",
		HashKey:          hashKey,
		BlockKey:         blockKey,
		CookiePath:       "/",
		CookieHTTPOnly:   &httpOnly,
		IdleTimeout:      10 * time.Minute,
		Lifetime:         2 * time.Hour,
		RememberLifetime: 48 * time.Hour,
		Now:              clock.Now,
	})
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	return mgr, clock
}

func TestManager_NewSessionLifecycle(t *testing.T) {
	mgr, clock := newTestManager(t)

	req := httptest.NewRequest(http.MethodGet, "/login", nil)
	sess, err := mgr.Load(req)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if _, err := ulid.ParseStrict(sess.ID()); err != nil {
		t.Fatalf("expected ulid session ID, got %q: %v", sess.ID(), err)
	}
	if !sess.CreatedAt().Equal(clock.current) {
		t.Fatalf("unexpected CreatedAt: %v", sess.CreatedAt())
	}

	sess.SetUser(&User{UID: "user-1", Email: "meu@email.com", Roles: []string{"member"}})
	sess.SetRememberMe(true)
	sess.SetFlash("notice.logged_out")
	token, err := sess.EnsureCSRFToken()
	if err != nil || token == "" {
		t.Fatalf("expected csrf token: %v", err)
	}
	if want := clock.current.Add(48 * time.Hour); !sess.ExpiresAt().Equal(want) {
		t.Fatalf("expected remember-me expiry %v, got %v", want, sess.ExpiresAt())
	}

	rec := httptest.NewRecorder()
	if err := mgr.Save(rec, sess); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if sess.Dirty() {
		t.Fatalf("expected session to be clean after save")
	}

	cookie := findCookie(rec.Result().Cookies(), "test_session")
	if cookie == nil {
		t.Fatalf("expected session cookie to be set")
	}

	clock.current = clock.current.Add(5 * time.Minute)
	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.AddCookie(cookie)
	sess2, err := mgr.Load(req2)
	if err != nil {
		t.Fatalf("Load existing error: %v", err)
	}
	if sess2.User().Email != "meu@email.com" {
		t.Fatalf("expected user to persist")
	}
	if !sess2.RememberMe() {
		t.Fatalf("expected remember-me flag")
	}
	if sess2.CSRFToken() != token {
		t.Fatalf("expected csrf token to persist")
	}
	if got := sess2.PopFlash(); got != "notice.logged_out" {
		t.Fatalf("expected flash, got %q", got)
	}
	if got := sess2.PopFlash(); got != "" {
		t.Fatalf("expected flash to be consumed, got %q", got)
	}
}

func TestManager_IdleTimeout(t *testing.T) {
	mgr, clock := newTestManager(t)
	sess, err := mgr.Load(httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	rec := httptest.NewRecorder()
	if err := mgr.Save(rec, sess); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	cookie := findCookie(rec.Result().Cookies(), "test_session")

	clock.current = clock.current.Add(20 * time.Minute)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	if _, err := mgr.Load(req); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestManager_RememberMeSkipsIdleTimeout(t *testing.T) {
	mgr, clock := newTestManager(t)
	sess := mgr.New()
	sess.SetRememberMe(true)
	rec := httptest.NewRecorder()
	if err := mgr.Save(rec, sess); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	cookie := findCookie(rec.Result().Cookies(), "test_session")

	clock.current = clock.current.Add(3 * time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	if _, err := mgr.Load(req); err != nil {
		t.Fatalf("expected remember-me session to survive idle period, got %v", err)
	}
}

func TestManager_TamperedCookieStartsFresh(t *testing.T) {
	mgr, _ := newTestManager(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "test_session", Value: "garbage"})
	sess, err := mgr.Load(req)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if sess.User() != nil || !sess.Dirty() {
		t.Fatalf("expected a fresh session")
	}
}

func TestSession_RenewRotatesIdentifiers(t *testing.T) {
	mgr, clock := newTestManager(t)
	sess := mgr.New()
	oldID := sess.ID()
	oldToken, _ := sess.EnsureCSRFToken()

	sess.Renew(clock.current.Add(time.Minute))
	if sess.ID() == oldID {
		t.Fatalf("expected new session id")
	}
	if sess.CSRFToken() != "" {
		t.Fatalf("expected csrf token to be reset")
	}
	newToken, _ := sess.EnsureCSRFToken()
	if newToken == oldToken {
		t.Fatalf("expected fresh csrf token")
	}
}

func TestManager_RefreshTokenRoundTrip(t *testing.T) {
	mgr, _ := newTestManager(t)
	sess, _ := mgr.Load(httptest.NewRequest(http.MethodGet, "/", nil))
	sess.SetRememberMe(true)
	sess.SetUser(&User{UID: "user-1"})
	sess.SetRefreshToken("refresh-1")

	rec := httptest.NewRecorder()
	if err := mgr.Save(rec, sess); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	cookie := findCookie(rec.Result().Cookies(), "test_session")
	if cookie == nil {
		t.Fatalf("expected session cookie")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	loaded, err := mgr.Load(req)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if loaded.RefreshToken() != "refresh-1" {
		t.Fatalf("expected refresh token to survive the cookie, got %q", loaded.RefreshToken())
	}

	loaded.SetUser(nil)
	if loaded.RefreshToken() != "" {
		t.Fatalf("expected refresh token dropped with the user")
	}
}

func TestNewManagerValidatesKeys(t *testing.T) {
	if _, err := NewManager(Config{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig without hash key, got %v", err)
	}
	if _, err := NewManager(Config{HashKey: GenerateKey(32), BlockKey: []byte("short")}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for bad block key, got %v", err)
	}
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}
