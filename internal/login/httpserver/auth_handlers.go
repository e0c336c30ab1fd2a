package httpserver

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/a-h/templ"
	"go.uber.org/zap"

	"finitefield.org/hanko-login/internal/login/form"
	custommw "finitefield.org/hanko-login/internal/login/httpserver/middleware"
	"finitefield.org/hanko-login/internal/login/httpserver/ui"
	"finitefield.org/hanko-login/internal/login/identity"
	"finitefield.org/hanko-login/internal/login/metrics"
	"finitefield.org/hanko-login/internal/login/observability"
	appsession "finitefield.org/hanko-login/internal/login/session"
	"finitefield.org/hanko-login/internal/login/templates/auth"
)

const (
	statusLoggedOut = "logged_out"

	noticeLoggedOut      = "notice.logged_out"
	noticeSessionExpired = "notice.session_expired"
	noticeRateLimited    = "notice.rate_limited"
	noticeCSRF           = "notice.csrf"
)

type authHandlersConfig struct {
	Provider      identity.Provider
	Authenticator custommw.Authenticator
	Metrics       metrics.Recorder
	LoginPath     string
	LogoutPath    string
	RegisterPath  string
	CookieSecure  bool
	Now           func() time.Time
}

type authHandlers struct {
	provider      identity.Provider
	authenticator custommw.Authenticator
	metrics       metrics.Recorder
	loginPath     string
	logoutPath    string
	registerPath  string
	cookieSecure  bool
	now           func() time.Time
}

func newAuthHandlers(cfg authHandlersConfig) *authHandlers {
	if cfg.Provider == nil {
		panic("auth: identity provider is required")
	}
	if cfg.Authenticator == nil {
		panic("auth: authenticator is required")
	}
	return &authHandlers{
		provider:      cfg.Provider,
		authenticator: cfg.Authenticator,
		metrics:       cfg.Metrics,
		loginPath:     cfg.LoginPath,
		logoutPath:    cfg.LogoutPath,
		registerPath:  cfg.RegisterPath,
		cookieSecure:  cfg.CookieSecure,
		now:           cfg.Now,
	}
}

// httpNavigator records where the form asked to go so the handler can answer
// with a redirect once the request has been processed.
type httpNavigator struct {
	target string
}

func (n *httpNavigator) Navigate(path string) {
	n.target = path
}

type loginFormState struct {
	Email    string
	Password string
	Remember bool
	Error    string
	Notice   string
}

func (h *authHandlers) LoginForm(w http.ResponseWriter, r *http.Request) {
	if h.isAuthenticated(r) {
		http.Redirect(w, r, form.RootPath, http.StatusFound)
		return
	}

	data := h.buildLoginPageData(r, nil)
	h.renderLoginPage(w, r, data, http.StatusOK)
}

func (h *authHandlers) LoginSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.FromContext(ctx)
	tr := custommw.TranslatorFromContext(ctx)

	if err := r.ParseForm(); err != nil {
		state := &loginFormState{Error: tr.Message(err)}
		h.renderLoginPage(w, r, h.buildLoginPageData(r, state), http.StatusBadRequest)
		return
	}

	nav := &httpNavigator{}
	loginForm := form.New(form.Dependencies{
		Provider:   h.provider,
		Translator: tr,
		Navigator:  nav,
	})
	for _, field := range []string{form.FieldEmail, form.FieldPassword} {
		loginForm.HandleInput(field, r.PostFormValue(field))
	}
	remember := parseCheckbox(r.PostFormValue("remember"))
	maskedEmail := observability.MaskEmail(loginForm.State().Email)

	started := h.now()
	session, err := loginForm.Submit(ctx)
	elapsed := h.now().Sub(started)

	if err != nil {
		code := identity.CodeOf(err)
		h.metrics.RecordSignIn(metrics.ResultRejected, string(code), elapsed)
		logger.Warn("sign in rejected",
			zap.String("code", string(code)),
			zap.String("email", maskedEmail),
			zap.Duration("latency", elapsed),
			zap.Error(err),
		)

		creds := loginForm.State()
		state := &loginFormState{
			Email:    creds.Email,
			Password: creds.Password,
			Remember: remember,
			Error:    loginForm.ErrorMessage(),
		}
		data := h.buildLoginPageData(r, state)
		if custommw.IsHTMXRequest(ctx) {
			h.renderFeedback(w, r, data, http.StatusOK)
			return
		}
		h.renderLoginPage(w, r, data, http.StatusUnauthorized)
		return
	}

	h.metrics.RecordSignIn(metrics.ResultSuccess, "", elapsed)
	logger.Info("sign in succeeded",
		zap.String("user_id", session.Account.UID),
		zap.String("email", maskedEmail),
		zap.Bool("remember", remember),
	)

	if sess, ok := custommw.SessionFromContext(ctx); ok {
		sess.Renew(h.now())
		sess.SetRememberMe(remember)
		sess.SetUser(&appsession.User{
			UID:         session.Account.UID,
			Email:       session.Account.Email,
			DisplayName: session.Account.DisplayName,
			Roles:       append([]string(nil), session.Account.Roles...),
		})
		if remember {
			sess.SetRefreshToken(session.RefreshToken)
		} else {
			sess.SetRefreshToken("")
		}
	}
	h.setAuthCookie(w, r, session.IDToken, remember)

	h.redirect(w, r, firstNonEmpty(nav.target, form.RootPath))
}

func (h *authHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.FromContext(ctx)

	if sess, ok := custommw.SessionFromContext(ctx); ok {
		if user := sess.User(); user != nil {
			if revoker, ok := h.provider.(identity.Revoker); ok {
				if err := revoker.RevokeSessions(ctx, user.UID); err != nil {
					logger.Warn("revoke sessions failed", zap.String("user_id", user.UID), zap.Error(err))
				}
			}
			logger.Info("signed out", zap.String("user_id", user.UID))
		}
		sess.SetUser(nil)
		sess.Renew(h.now())
	}
	h.clearAuthCookie(w, r)
	h.metrics.RecordLogout()

	h.redirect(w, r, h.loginURLWithParams(map[string]string{"status": statusLoggedOut}))
}

// RateLimited answers sign-in attempts over the per-client budget.
func (h *authHandlers) RateLimited(w http.ResponseWriter, r *http.Request) {
	h.metrics.RecordRateLimited(observability.SanitizeRoute(r.URL.Path))
	h.rejectWithNotice(w, r, noticeRateLimited, http.StatusTooManyRequests)
}

// CSRFRejected answers unsafe requests with a missing or stale token.
func (h *authHandlers) CSRFRejected(w http.ResponseWriter, r *http.Request) {
	h.rejectWithNotice(w, r, noticeCSRF, http.StatusForbidden)
}

func (h *authHandlers) rejectWithNotice(w http.ResponseWriter, r *http.Request, key string, status int) {
	tr := custommw.TranslatorFromContext(r.Context())
	state := &loginFormState{Error: tr.T(key)}
	if r.PostForm != nil {
		state.Email = strings.TrimSpace(r.PostForm.Get(form.FieldEmail))
		state.Remember = parseCheckbox(r.PostForm.Get("remember"))
	}
	data := h.buildLoginPageData(r, state)
	if custommw.IsHTMXRequest(r.Context()) {
		h.renderFeedback(w, r, data, http.StatusOK)
		return
	}
	h.renderLoginPage(w, r, data, status)
}

func (h *authHandlers) buildLoginPageData(r *http.Request, state *loginFormState) auth.LoginPageData {
	ctx := r.Context()
	tr := custommw.TranslatorFromContext(ctx)

	data := auth.LoginPageData{
		Base:         ui.BaseFor(r, "login.title"),
		LoginPath:    h.loginPath,
		RegisterPath: h.registerPath,
	}

	if state != nil {
		data.Email = state.Email
		data.Password = state.Password
		data.Remember = state.Remember
		data.Error = state.Error
		data.Notice = state.Notice
	} else if sess, ok := custommw.SessionFromContext(ctx); ok {
		data.Remember = sess.RememberMe()
	}

	if data.Notice == "" && data.Error == "" {
		if key := h.noticeKey(r); key != "" {
			data.Notice = tr.T(key)
		}
	}
	return data
}

// noticeKey picks the notice from the pending session flash, then from the query string.
func (h *authHandlers) noticeKey(r *http.Request) string {
	if sess, ok := custommw.SessionFromContext(r.Context()); ok {
		if key := sess.PopFlash(); key != "" {
			return key
		}
	}
	q := r.URL.Query()
	if q.Get("status") == statusLoggedOut {
		return noticeLoggedOut
	}
	switch q.Get("reason") {
	case "expired", custommw.ReasonTokenExpired:
		return noticeSessionExpired
	}
	return ""
}

func (h *authHandlers) renderLoginPage(w http.ResponseWriter, r *http.Request, data auth.LoginPageData, status int) {
	templ.Handler(auth.LoginPage(data), templ.WithStatus(status)).ServeHTTP(w, r)
}

func (h *authHandlers) renderFeedback(w http.ResponseWriter, r *http.Request, data auth.LoginPageData, status int) {
	templ.Handler(auth.LoginFeedback(data), templ.WithStatus(status)).ServeHTTP(w, r)
}

func (h *authHandlers) redirect(w http.ResponseWriter, r *http.Request, target string) {
	if custommw.IsHTMXRequest(r.Context()) {
		w.Header().Set("HX-Redirect", target)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (h *authHandlers) isAuthenticated(r *http.Request) bool {
	sess, ok := custommw.SessionFromContext(r.Context())
	if !ok || sess.User() == nil {
		return false
	}
	token := custommw.RequestToken(r)
	if token == "" {
		return false
	}
	user, err := h.authenticator.Authenticate(r, token)
	if err != nil {
		var authErr *custommw.AuthError
		if errors.As(err, &authErr) && authErr.Reason == custommw.ReasonTokenExpired {
			// the root route refreshes remembered sessions
			if h.canRefresh(sess) {
				return true
			}
			sess.SetFlash(noticeSessionExpired)
		}
		return false
	}
	return user != nil && user.UID == sess.User().UID
}

func (h *authHandlers) canRefresh(sess *appsession.Session) bool {
	if _, ok := h.provider.(identity.Refresher); !ok {
		return false
	}
	return sess.RememberMe() && sess.RefreshToken() != ""
}

// setAuthCookie stores the ID token. Remembered sessions keep the cookie for
// the session lifetime; the token inside is renewed by the auth middleware.
func (h *authHandlers) setAuthCookie(w http.ResponseWriter, r *http.Request, token string, remember bool) {
	if strings.TrimSpace(token) == "" {
		h.clearAuthCookie(w, r)
		return
	}
	var expires time.Time
	if remember {
		if sess, ok := custommw.SessionFromContext(r.Context()); ok {
			expires = sess.ExpiresAt()
		}
	}
	http.SetCookie(w, custommw.TokenCookie(token, expires, h.now(), h.cookieSecure || r.TLS != nil))
}

func (h *authHandlers) clearAuthCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     custommw.TokenCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   h.cookieSecure || r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *authHandlers) loginURLWithParams(params map[string]string) string {
	parsed, err := url.Parse(h.loginPath)
	if err != nil {
		return h.loginPath
	}
	q := parsed.Query()
	for key, val := range params {
		if strings.TrimSpace(val) == "" {
			continue
		}
		q.Set(key, val)
	}
	parsed.RawQuery = q.Encode()
	return parsed.String()
}

// submittedEmail keys the per-account sign-in budget.
func submittedEmail(r *http.Request) string {
	return strings.ToLower(strings.TrimSpace(r.PostFormValue(form.FieldEmail)))
}

func parseCheckbox(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "on", "yes":
		return true
	default:
		return false
	}
}
