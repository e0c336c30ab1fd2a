package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/googleapi"
	identitytoolkit "google.golang.org/api/identitytoolkit/v3"
	"google.golang.org/api/option"
	htransport "google.golang.org/api/transport/http"
)

const (
	defaultFirebaseTimeout     = 10 * time.Second
	defaultSecureTokenEndpoint = "https://securetoken.googleapis.com/v1/token"
	maxSignInAttempts          = 3
	instrumentationName        = "finitefield.org/hanko-login/internal/login/identity"
)

var tracer = otel.Tracer(instrumentationName)

// FirebaseConfig stores the settings needed to talk to Firebase Authentication.
type FirebaseConfig struct {
	ProjectID       string
	APIKey          string
	CredentialsFile string
	Timeout         time.Duration

	// Endpoint overrides the Identity Toolkit base URL (emulator or tests).
	Endpoint string

	// SecureTokenEndpoint overrides the refresh token exchange URL.
	SecureTokenEndpoint string
}

// AdminClient is the subset of the Firebase Admin SDK auth client used here.
type AdminClient interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
	RevokeRefreshTokens(ctx context.Context, uid string) error
}

// FirebaseProvider signs users in with the Identity Toolkit password endpoint
// and verifies the resulting ID tokens with the Admin SDK.
type FirebaseProvider struct {
	toolkit *identitytoolkit.Service
	admin   AdminClient
	timeout time.Duration
	backoff gax.Backoff
	now     func() time.Time

	// refresh token exchange; the client appends the API key
	secureTokenURL string
	httpClient     *http.Client

	latency        metric.Float64Histogram
	latencyEnabled bool
}

var (
	_ Provider  = (*FirebaseProvider)(nil)
	_ Revoker   = (*FirebaseProvider)(nil)
	_ Refresher = (*FirebaseProvider)(nil)
)

// NewFirebaseProvider initialises the Admin SDK and the Identity Toolkit client.
func NewFirebaseProvider(ctx context.Context, cfg FirebaseConfig) (*FirebaseProvider, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("firebase project id is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("firebase api key is required")
	}

	var adminOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		adminOpts = append(adminOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, adminOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase app: %w", err)
	}
	authClient, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase auth client: %w", err)
	}

	toolkitOpts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		toolkitOpts = append(toolkitOpts, option.WithEndpoint(cfg.Endpoint))
	}
	toolkit, err := identitytoolkit.NewService(ctx, toolkitOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise identity toolkit client: %w", err)
	}

	tokenClient, _, err := htransport.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("initialise secure token client: %w", err)
	}

	p := newFirebaseProvider(toolkit, authClient, cfg.Timeout)
	p.httpClient = tokenClient
	if cfg.SecureTokenEndpoint != "" {
		p.secureTokenURL = cfg.SecureTokenEndpoint
	}
	return p, nil
}

func newFirebaseProvider(toolkit *identitytoolkit.Service, admin AdminClient, timeout time.Duration) *FirebaseProvider {
	if toolkit == nil || admin == nil {
		panic("identity: firebase clients are required")
	}
	if timeout <= 0 {
		timeout = defaultFirebaseTimeout
	}

	latency, err := otel.GetMeterProvider().Meter(instrumentationName).Float64Histogram(
		"identity.sign_in.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds of password sign-in calls to the identity provider"),
	)

	return &FirebaseProvider{
		toolkit: toolkit,
		admin:   admin,
		timeout: timeout,
		backoff: gax.Backoff{
			Initial:    100 * time.Millisecond,
			Max:        time.Second,
			Multiplier: 2,
		},
		now:            time.Now,
		secureTokenURL: defaultSecureTokenEndpoint,
		httpClient:     http.DefaultClient,
		latency:        latency,
		latencyEnabled: err == nil,
	}
}

// SignIn exchanges an email and password for an ID token. No local validation
// is applied; the provider decides what is acceptable.
func (p *FirebaseProvider) SignIn(ctx context.Context, email, password string) (*Session, error) {
	ctx, span := tracer.Start(ctx, "identity.SignIn", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("identity.provider", "firebase"))

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	started := p.now()
	resp, err := p.verifyPassword(ctx, email, password)
	p.recordLatency(ctx, p.now().Sub(started), err)
	if err != nil {
		err = classifyRemoteError(err)
		recordSpanError(span, err)
		return nil, err
	}

	account, err := p.verify(ctx, resp.IdToken)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	if account.Email == "" {
		account.Email = resp.Email
	}
	if account.DisplayName == "" {
		account.DisplayName = resp.DisplayName
	}
	span.SetAttributes(attribute.String("identity.uid", account.UID))

	sess := &Session{
		Account:      *account,
		IDToken:      resp.IdToken,
		RefreshToken: resp.RefreshToken,
	}
	if resp.ExpiresIn > 0 {
		sess.ExpiresAt = p.now().Add(time.Duration(resp.ExpiresIn) * time.Second).UTC()
	}
	return sess, nil
}

// verifyPassword calls the Identity Toolkit, retrying transient failures
// within the deadline already set on ctx.
func (p *FirebaseProvider) verifyPassword(ctx context.Context, email, password string) (*identitytoolkit.VerifyPasswordResponse, error) {
	req := &identitytoolkit.IdentitytoolkitRelyingpartyVerifyPasswordRequest{
		Email:             email,
		Password:          password,
		ReturnSecureToken: true,
	}

	var (
		resp     *identitytoolkit.VerifyPasswordResponse
		attempts int
	)
	retry := gax.WithRetry(func() gax.Retryer {
		return gax.OnErrorFunc(p.backoff, func(err error) bool {
			return attempts < maxSignInAttempts && isTransient(err)
		})
	})
	err := gax.Invoke(ctx, func(ctx context.Context, _ gax.CallSettings) error {
		attempts++
		r, err := p.toolkit.Relyingparty.VerifyPassword(req).Context(ctx).Do()
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, retry)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (p *FirebaseProvider) recordLatency(ctx context.Context, d time.Duration, err error) {
	if !p.latencyEnabled {
		return
	}
	result := "success"
	if err != nil {
		result = string(CodeOf(classifyRemoteError(err)))
	}
	p.latency.Record(ctx, float64(d)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// isTransient reports whether a sign-in call may succeed when repeated.
// Credential rejections are final.
func isTransient(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code >= http.StatusInternalServerError
	}
	return CodeOf(classifyRemoteError(err)) == CodeNetwork && !errors.Is(err, context.DeadlineExceeded)
}

type secureTokenResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
	UserID       string `json:"user_id"`
}

// Refresh exchanges a refresh token for a new ID token through the Secure
// Token API and verifies the result like SignIn does.
func (p *FirebaseProvider) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	ctx, span := tracer.Start(ctx, "identity.Refresh", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("identity.provider", "firebase"))

	if strings.TrimSpace(refreshToken) == "" {
		err := NewError(CodeTokenInvalid, errors.New("empty refresh token"))
		recordSpanError(span, err)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body, err := p.exchangeRefreshToken(ctx, refreshToken)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	account, err := p.verify(ctx, body.IDToken)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("identity.uid", account.UID))

	sess := &Session{
		Account:      *account,
		IDToken:      body.IDToken,
		RefreshToken: body.RefreshToken,
	}
	if sess.RefreshToken == "" {
		sess.RefreshToken = refreshToken
	}
	if secs, err := strconv.ParseInt(body.ExpiresIn, 10, 64); err == nil && secs > 0 {
		sess.ExpiresAt = p.now().Add(time.Duration(secs) * time.Second).UTC()
	}
	return sess, nil
}

func (p *FirebaseProvider) exchangeRefreshToken(ctx context.Context, refreshToken string) (*secureTokenResponse, error) {
	values := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.secureTokenURL, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, NewError(CodeUnknown, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, classifyRemoteError(err)
	}
	defer resp.Body.Close()

	if err := googleapi.CheckResponse(resp); err != nil {
		return nil, classifyRemoteError(err)
	}
	var body secureTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, NewError(CodeUnknown, fmt.Errorf("decode secure token response: %w", err))
	}
	if body.IDToken == "" {
		return nil, NewError(CodeTokenInvalid, errors.New("secure token response without id token"))
	}
	return &body, nil
}

// VerifyIDToken validates token with the Admin SDK and maps its claims.
func (p *FirebaseProvider) VerifyIDToken(ctx context.Context, token string) (*Account, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.verify(ctx, token)
}

// RevokeSessions invalidates every refresh token issued to uid.
func (p *FirebaseProvider) RevokeSessions(ctx context.Context, uid string) error {
	if strings.TrimSpace(uid) == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.admin.RevokeRefreshTokens(ctx, uid); err != nil {
		return classifyRemoteError(err)
	}
	return nil
}

func (p *FirebaseProvider) verify(ctx context.Context, token string) (*Account, error) {
	if strings.TrimSpace(token) == "" {
		return nil, NewError(CodeTokenInvalid, errors.New("empty id token"))
	}

	verified, err := p.admin.VerifyIDToken(ctx, token)
	if err != nil {
		if firebaseauth.IsIDTokenExpired(err) {
			return nil, NewError(CodeTokenExpired, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, NewError(CodeNetwork, err)
		}
		return nil, NewError(CodeTokenInvalid, err)
	}

	return &Account{
		UID:           verified.UID,
		Email:         claimString(verified.Claims["email"]),
		EmailVerified: claimBool(verified.Claims["email_verified"]),
		DisplayName:   claimString(verified.Claims["name"]),
		Roles:         claimStringSlice(verified.Claims["role"], verified.Claims["roles"]),
	}, nil
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(CodeOf(err)))
}
