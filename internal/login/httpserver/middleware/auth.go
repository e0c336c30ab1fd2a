package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"finitefield.org/hanko-login/internal/login/identity"
	"finitefield.org/hanko-login/internal/login/observability"
	appsession "finitefield.org/hanko-login/internal/login/session"
)

type authContextKey string

const userContextKey authContextKey = "auth.user"

// TokenCookieName holds the provider ID token issued at sign-in.
const TokenCookieName = "Authorization"

// User represents the authenticated account.
type User struct {
	UID         string
	Email       string
	DisplayName string
	Roles       []string
	Token       string
}

// Authenticator resolves an incoming Bearer token into a User.
type Authenticator interface {
	Authenticate(r *http.Request, token string) (*User, error)
}

var (
	// ErrUnauthorized is returned when authentication fails.
	ErrUnauthorized = errors.New("unauthorized")
)

// AuthError contains reason codes for failed authentication attempts.
type AuthError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *AuthError) Unwrap() error {
	return e.Err
}

// NewAuthError constructs an AuthError with the provided reason.
func NewAuthError(reason string, err error) error {
	return &AuthError{Reason: reason, Err: err}
}

const (
	// ReasonMissingToken indicates an auth attempt without credentials.
	ReasonMissingToken = "missing_token"
	// ReasonTokenInvalid indicates a malformed or invalid token.
	ReasonTokenInvalid = "token_invalid"
	// ReasonTokenExpired indicates an expired token which may be recoverable.
	ReasonTokenExpired = "token_expired"
)

// TokenVerifier is the part of identity.Provider the authenticator needs.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, token string) (*identity.Account, error)
}

// ProviderAuthenticator verifies tokens with the identity provider.
type ProviderAuthenticator struct {
	verifier TokenVerifier
}

// NewProviderAuthenticator constructs an authenticator backed by verifier.
func NewProviderAuthenticator(verifier TokenVerifier) *ProviderAuthenticator {
	if verifier == nil {
		panic("middleware: token verifier is required")
	}
	return &ProviderAuthenticator{verifier: verifier}
}

// Authenticate implements Authenticator.
func (a *ProviderAuthenticator) Authenticate(r *http.Request, token string) (*User, error) {
	account, err := a.verifier.VerifyIDToken(r.Context(), token)
	if err != nil {
		if identity.CodeOf(err) == identity.CodeTokenExpired {
			return nil, NewAuthError(ReasonTokenExpired, err)
		}
		return nil, NewAuthError(ReasonTokenInvalid, err)
	}
	if account == nil || account.UID == "" {
		return nil, NewAuthError(ReasonTokenInvalid, errors.New("token has no subject"))
	}
	return &User{
		UID:         account.UID,
		Email:       account.Email,
		DisplayName: account.DisplayName,
		Roles:       append([]string(nil), account.Roles...),
		Token:       token,
	}, nil
}

// AuthOption customises Auth.
type AuthOption func(*authOptions)

type authOptions struct {
	refresher    identity.Refresher
	cookieSecure bool
	now          func() time.Time
}

// WithTokenRefresh lets Auth exchange the refresh token of a remember-me
// session when the ID token has expired, rewriting the token cookie.
func WithTokenRefresh(refresher identity.Refresher, cookieSecure bool, now func() time.Time) AuthOption {
	return func(o *authOptions) {
		o.refresher = refresher
		o.cookieSecure = cookieSecure
		if now != nil {
			o.now = now
		}
	}
}

// Auth validates incoming requests and either attaches a User to context or redirects to login.
func Auth(authenticator Authenticator, loginPath string, opts ...AuthOption) func(http.Handler) http.Handler {
	if authenticator == nil {
		panic("middleware: authenticator is required")
	}
	if loginPath == "" {
		loginPath = "/login"
	}
	options := authOptions{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := observability.FromContext(r.Context())

			token := RequestToken(r)
			if token == "" {
				logger.Debug("auth failure", zap.String("reason", ReasonMissingToken))
				handleUnauthorized(w, r, loginPath, ReasonMissingToken)
				return
			}

			user, err := authenticator.Authenticate(r, token)
			if err != nil && options.refresher != nil && isExpired(err) {
				if refreshed, ok := options.refresh(w, r, authenticator); ok {
					user, err = refreshed, nil
				}
			}
			if err != nil || user == nil {
				reason := ReasonTokenInvalid
				var authErr *AuthError
				if errors.As(err, &authErr) {
					if authErr.Reason != "" {
						reason = authErr.Reason
					}
					err = authErr.Err
				}
				if err == nil {
					err = ErrUnauthorized
				}
				logger.Info("auth failure", zap.String("reason", reason), zap.Error(err))
				clearSessionUser(r.Context())
				handleUnauthorized(w, r, loginPath, reason)
				return
			}

			if sess, ok := SessionFromContext(r.Context()); ok {
				sess.SetUser(&appsession.User{
					UID:         user.UID,
					Email:       user.Email,
					DisplayName: user.DisplayName,
					Roles:       append([]string(nil), user.Roles...),
				})
			}

			ctx := context.WithValue(r.Context(), userContextKey, user)
			ctx = observability.WithLogger(ctx, logger.With(zap.String("user_id", user.UID)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// refresh swaps the stored refresh token for a new ID token. Only remember-me
// sessions whose user matches the new token are recovered.
func (o *authOptions) refresh(w http.ResponseWriter, r *http.Request, authenticator Authenticator) (*User, bool) {
	sess, ok := SessionFromContext(r.Context())
	if !ok || !sess.RememberMe() || sess.RefreshToken() == "" || sess.User() == nil {
		return nil, false
	}
	logger := observability.FromContext(r.Context())

	issued, err := o.refresher.Refresh(r.Context(), sess.RefreshToken())
	if err != nil {
		logger.Info("token refresh failed", zap.String("code", string(identity.CodeOf(err))), zap.Error(err))
		return nil, false
	}
	user, err := authenticator.Authenticate(r, issued.IDToken)
	if err != nil || user == nil || user.UID != sess.User().UID {
		logger.Warn("refreshed token rejected", zap.Error(err))
		return nil, false
	}

	sess.SetRefreshToken(issued.RefreshToken)
	http.SetCookie(w, TokenCookie(issued.IDToken, sess.ExpiresAt(), o.now(), o.cookieSecure || r.TLS != nil))
	logger.Debug("token refreshed", zap.String("user_id", user.UID))
	return user, true
}

func isExpired(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr) && authErr.Reason == ReasonTokenExpired
}

// TokenCookie builds the cookie carrying "Bearer <token>". A zero expires
// keeps it for the browser session only.
func TokenCookie(token string, expires, now time.Time, secure bool) *http.Cookie {
	cookie := &http.Cookie{
		Name:     TokenCookieName,
		Value:    "Bearer " + token,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	if !expires.IsZero() {
		expires = expires.UTC()
		cookie.Expires = expires
		if remaining := expires.Sub(now); remaining > 0 {
			cookie.MaxAge = int(remaining.Round(time.Second).Seconds())
		}
	}
	return cookie
}

// UserFromContext retrieves the authenticated user if present.
func UserFromContext(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(userContextKey).(*User)
	return user, ok && user != nil
}

// RequestToken returns the bearer token from the Authorization header or cookie.
func RequestToken(r *http.Request) string {
	if token := parseBearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return cookieToken(r)
}

func parseBearerToken(header string) string {
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func cookieToken(r *http.Request) string {
	for _, name := range []string{TokenCookieName, "__session"} {
		c, err := r.Cookie(name)
		if err != nil {
			continue
		}
		val := strings.TrimSpace(c.Value)
		if val == "" {
			continue
		}
		if bearer := parseBearerToken(val); bearer != "" {
			return bearer
		}
		return val
	}
	return ""
}

func handleUnauthorized(w http.ResponseWriter, r *http.Request, loginPath, reason string) {
	if reason == "" {
		reason = ReasonTokenInvalid
	}

	redirectURL := loginPath
	if reason == ReasonTokenExpired {
		if u, err := url.Parse(loginPath); err == nil {
			q := u.Query()
			q.Set("reason", "expired")
			u.RawQuery = q.Encode()
			redirectURL = u.String()
		}
	}

	if IsHTMXRequest(r.Context()) {
		w.Header().Set("HX-Redirect", redirectURL)
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

func clearSessionUser(ctx context.Context) {
	if sess, ok := SessionFromContext(ctx); ok {
		sess.SetUser(nil)
	}
}
