package httpserver_test

import (
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"finitefield.org/hanko-login/internal/login/testutil"
)

type browser struct {
	t      *testing.T
	base   string
	client *http.Client
}

func newBrowser(t *testing.T, baseURL string) *browser {
	t.Helper()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &browser{
		t:    t,
		base: baseURL,
		client: &http.Client{
			Jar: jar,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (b *browser) do(req *http.Request) (*http.Response, []byte) {
	b.t.Helper()

	resp, err := b.client.Do(req)
	require.NoError(b.t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(b.t, err)
	return resp, body
}

func (b *browser) get(path string, headers map[string]string) (*http.Response, []byte) {
	b.t.Helper()

	req, err := http.NewRequest(http.MethodGet, b.base+path, nil)
	require.NoError(b.t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return b.do(req)
}

func (b *browser) post(path string, form url.Values, headers map[string]string) (*http.Response, []byte) {
	b.t.Helper()

	req, err := http.NewRequest(http.MethodPost, b.base+path, strings.NewReader(form.Encode()))
	require.NoError(b.t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return b.do(req)
}

// csrfToken loads path and returns the token embedded in its forms.
func (b *browser) csrfToken(path string) string {
	b.t.Helper()

	resp, body := b.get(path, nil)
	require.Equal(b.t, http.StatusOK, resp.StatusCode)
	token := testutil.ParseHTML(b.t, body).Find(`input[name="csrf_token"]`).First().AttrOr("value", "")
	require.NotEmpty(b.t, token)
	return token
}

func credentials(token, email, password string) url.Values {
	return url.Values{
		"csrf_token": {token},
		"email":      {email},
		"password":   {password},
	}
}

func TestLoginPageRendersPortugueseByDefault(t *testing.T) {
	t.Parallel()

	ts := testutil.NewServer(t)
	b := newBrowser(t, ts.URL)

	resp, body := b.get("/login", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "no-store, max-age=0", resp.Header.Get("Cache-Control"))
	require.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))

	doc := testutil.ParseHTML(t, body)
	require.Equal(t, "Entrar", doc.Find("title").Text())
	require.Equal(t, "Entrar", doc.Find("h1").Text())
	require.Equal(t, "/login", doc.Find("form#login-form").AttrOr("hx-post", ""))
	require.Equal(t, "/register", doc.Find("p.register a").AttrOr("href", ""))
	require.Equal(t, "Development", doc.Find(".env-badge").Text())
}

func TestLoginPageHonoursAcceptLanguage(t *testing.T) {
	t.Parallel()

	ts := testutil.NewServer(t, testutil.WithEnvironment("Production"))
	b := newBrowser(t, ts.URL)

	resp, body := b.get("/login", map[string]string{"Accept-Language": "en-US,en;q=0.9"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Values("Vary"), "Accept-Language")

	doc := testutil.ParseHTML(t, body)
	require.Equal(t, "en", doc.Find("html").AttrOr("lang", ""))
	require.Equal(t, "Sign in", doc.Find("h1").Text())
	require.Equal(t, 0, doc.Find(".env-badge").Length())
}

func TestLoginFailureKeepsCredentials(t *testing.T) {
	t.Parallel()

	ts := testutil.NewServer(t)
	b := newBrowser(t, ts.URL)
	token := b.csrfToken("/login")

	resp, body := b.post("/login", credentials(token, testutil.Email, "654321"), nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Empty(t, resp.Header.Get("Location"))

	doc := testutil.ParseHTML(t, body)
	require.Equal(t, "E-mail ou senha inválidos.", doc.Find("#login-feedback .alert-error").Text())
	require.Equal(t, testutil.Email, doc.Find(`input[name="email"]`).AttrOr("value", ""))
	require.Equal(t, "654321", doc.Find(`input[name="password"]`).AttrOr("value", ""))

	resp, _ = b.get("/", nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "/login", resp.Header.Get("Location"))
}

func TestLoginFailureOverHTMXReturnsFragment(t *testing.T) {
	t.Parallel()

	ts := testutil.NewServer(t)
	b := newBrowser(t, ts.URL)
	token := b.csrfToken("/login")

	form := url.Values{"email": {testutil.Email}, "password": {""}}
	resp, body := b.post("/login", form, map[string]string{
		"HX-Request":   "true",
		"X-CSRF-Token": token,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, resp.Header.Get("HX-Redirect"))

	doc := testutil.ParseHTML(t, body)
	require.Equal(t, 0, doc.Find("form").Length())
	require.Equal(t, "Informe a senha.", doc.Find(".alert-error").Text())
}

func TestLoginSuccessNavigatesToRoot(t *testing.T) {
	t.Parallel()

	ts := testutil.NewServer(t)
	b := newBrowser(t, ts.URL)
	token := b.csrfToken("/login")

	resp, _ := b.post("/login", credentials(token, testutil.Email, testutil.Password), nil)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/", resp.Header.Get("Location"))

	resp, body := b.get("/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := testutil.ParseHTML(t, body)
	require.Equal(t, "Olá, meu@email.com", strings.TrimSpace(doc.Find("h1").Text()))

	resp, _ = b.get("/login", nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "/", resp.Header.Get("Location"))
}

func TestLoginSuccessOverHTMXUsesHXRedirect(t *testing.T) {
	t.Parallel()

	ts := testutil.NewServer(t)
	b := newBrowser(t, ts.URL)
	token := b.csrfToken("/login")

	form := url.Values{"email": {testutil.Email}, "password": {testutil.Password}, "remember": {"on"}}
	resp, _ := b.post("/login", form, map[string]string{
		"HX-Request":   "true",
		"X-CSRF-Token": token,
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "/", resp.Header.Get("HX-Redirect"))

	var authCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "Authorization" {
			authCookie = c
		}
	}
	require.NotNil(t, authCookie)
	require.True(t, authCookie.HttpOnly)
	require.Greater(t, authCookie.MaxAge, 0)
}

func TestLogoutClearsSessionAndShowsNotice(t *testing.T) {
	t.Parallel()

	ts := testutil.NewServer(t)
	b := newBrowser(t, ts.URL)
	token := b.csrfToken("/login")

	resp, _ := b.post("/login", credentials(token, testutil.Email, testutil.Password), nil)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	homeToken := b.csrfToken("/")
	require.NotEqual(t, token, homeToken, "sign-in must rotate the csrf token")

	resp, _ = b.post("/logout", url.Values{"csrf_token": {homeToken}}, nil)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/login?status=logged_out", resp.Header.Get("Location"))

	resp, body := b.get("/login?status=logged_out", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := testutil.ParseHTML(t, body)
	require.Equal(t, "Você saiu da sua conta.", doc.Find(".alert-notice").Text())

	resp, _ = b.get("/", nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestLoginRejectsMissingCSRFToken(t *testing.T) {
	t.Parallel()

	ts := testutil.NewServer(t)
	b := newBrowser(t, ts.URL)
	_ = b.csrfToken("/login")

	resp, body := b.post("/login", url.Values{"email": {testutil.Email}, "password": {testutil.Password}}, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	doc := testutil.ParseHTML(t, body)
	require.Equal(t, "Sua sessão de formulário expirou. Recarregue a página.", doc.Find(".alert-error").Text())
	require.NotEmpty(t, doc.Find(`input[name="csrf_token"]`).AttrOr("value", ""))
}

func TestLoginRateLimitAndMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	ts := testutil.NewServer(t, testutil.WithRateLimit(1, 2), testutil.WithMetrics(registry))
	b := newBrowser(t, ts.URL)
	token := b.csrfToken("/login")

	resp, _ := b.post("/login", credentials(token, testutil.Email, "wrong-1"), nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = b.post("/login", credentials(token, testutil.Email, testutil.Password), nil)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	// sign-in rotated the csrf token
	token = b.csrfToken("/")
	resp, body := b.post("/login", credentials(token, testutil.Email, testutil.Password), nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))
	doc := testutil.ParseHTML(t, body)
	require.Equal(t, "Muitas tentativas. Aguarde um instante e tente novamente.", doc.Find(".alert-error").Text())

	resp, body = b.get("/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	exposition := string(body)
	require.Contains(t, exposition, `hanko_login_sign_in_total{code="INVALID_LOGIN_CREDENTIALS",result="rejected"} 1`)
	require.Contains(t, exposition, `hanko_login_sign_in_total{code="none",result="success"} 1`)
	require.Contains(t, exposition, `hanko_login_rate_limited_total{route="/login"} 1`)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func authCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == "Authorization" {
			return c
		}
	}
	return nil
}

func TestRememberMeOutlivesIDToken(t *testing.T) {
	t.Parallel()

	clock := &testClock{now: time.Now()}
	ts := testutil.NewServer(t, testutil.WithClock(clock.Now))
	b := newBrowser(t, ts.URL)
	token := b.csrfToken("/login")

	form := credentials(token, testutil.Email, testutil.Password)
	form.Set("remember", "on")
	resp, _ := b.post("/login", form, nil)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	first := authCookie(resp)
	require.NotNil(t, first)

	// static tokens live one hour
	clock.Advance(2 * time.Hour)

	resp, body := b.get("/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Olá, meu@email.com", strings.TrimSpace(testutil.ParseHTML(t, body).Find("h1").Text()))
	renewed := authCookie(resp)
	require.NotNil(t, renewed, "expected a fresh token cookie")
	require.NotEqual(t, first.Value, renewed.Value)
	require.Greater(t, renewed.MaxAge, 0)

	clock.Advance(2 * time.Hour)
	resp, _ = b.get("/login", nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "/", resp.Header.Get("Location"))
	resp, _ = b.get("/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestExpiredTokenWithoutRememberMeRedirects(t *testing.T) {
	t.Parallel()

	clock := &testClock{now: time.Now()}
	ts := testutil.NewServer(t, testutil.WithClock(clock.Now))
	b := newBrowser(t, ts.URL)
	token := b.csrfToken("/login")

	resp, _ := b.post("/login", credentials(token, testutil.Email, testutil.Password), nil)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	// each visit stays inside the idle timeout; the third is past the token ttl
	for i := 0; i < 2; i++ {
		clock.Advance(25 * time.Minute)
		resp, _ = b.get("/", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	clock.Advance(25 * time.Minute)
	resp, _ = b.get("/", nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "/login?reason=expired", resp.Header.Get("Location"))
}

func TestLoginRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	t.Parallel()

	ts := testutil.NewServer(t, testutil.WithRateLimit(1, 1))
	b := newBrowser(t, ts.URL)
	token := b.csrfToken("/login")

	throttled := 0
	for i := 0; i < 10; i++ {
		email := "user" + strconv.Itoa(i) + "@email.com"
		resp, _ := b.post("/login", credentials(token, email, "wrong"), map[string]string{
			"X-Forwarded-For": "10.0.0." + strconv.Itoa(i),
		})
		if resp.StatusCode == http.StatusTooManyRequests {
			throttled++
		}
	}
	require.Equal(t, 9, throttled)
}

func TestLoginRateLimitPerAccountBehindProxy(t *testing.T) {
	t.Parallel()

	ts := testutil.NewServer(t, testutil.WithRateLimit(1, 1), testutil.WithTrustedProxy())
	b := newBrowser(t, ts.URL)
	token := b.csrfToken("/login")

	throttled := 0
	for i := 0; i < 10; i++ {
		resp, _ := b.post("/login", credentials(token, " Meu@Email.com", "wrong"), map[string]string{
			"X-Forwarded-For": "10.0.0." + strconv.Itoa(i),
		})
		if resp.StatusCode == http.StatusTooManyRequests {
			throttled++
		}
	}
	require.Equal(t, 9, throttled)

	resp, _ := b.post("/login", credentials(token, "outro@email.com", "wrong"), map[string]string{
		"X-Forwarded-For": "10.0.1.1",
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthzAndStaticAssets(t *testing.T) {
	t.Parallel()

	ts := testutil.NewServer(t)
	b := newBrowser(t, ts.URL)

	resp, body := b.get("/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", string(body))

	resp, body = b.get("/public/static/app.css", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), ".login-card")
}
