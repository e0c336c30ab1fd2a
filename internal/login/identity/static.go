package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const defaultStaticTokenTTL = time.Hour

// StaticProvider keeps accounts in memory. It is used for local development
// when no Firebase project is configured, and by tests.
type StaticProvider struct {
	mu       sync.Mutex
	accounts map[string]staticAccount
	tokens   map[string]staticToken
	refresh  map[string]string
	ttl      time.Duration
	now      func() time.Time
}

type staticAccount struct {
	account  Account
	password string
	disabled bool
}

type staticToken struct {
	uid       string
	expiresAt time.Time
}

var (
	_ Provider  = (*StaticProvider)(nil)
	_ Revoker   = (*StaticProvider)(nil)
	_ Refresher = (*StaticProvider)(nil)
)

// StaticOption customises a StaticProvider.
type StaticOption func(*StaticProvider)

// WithTokenTTL overrides how long issued tokens stay valid.
func WithTokenTTL(ttl time.Duration) StaticOption {
	return func(p *StaticProvider) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) StaticOption {
	return func(p *StaticProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// WithDisabledAccount registers an account that exists but cannot sign in.
func WithDisabledAccount(email, password string) StaticOption {
	return func(p *StaticProvider) {
		p.add(email, password, true)
	}
}

// NewStaticProvider builds a provider from an email to password map.
func NewStaticProvider(accounts map[string]string, opts ...StaticOption) *StaticProvider {
	p := &StaticProvider{
		accounts: make(map[string]staticAccount, len(accounts)),
		tokens:   make(map[string]staticToken),
		refresh:  make(map[string]string),
		ttl:      defaultStaticTokenTTL,
		now:      time.Now,
	}
	for email, password := range accounts {
		p.add(email, password, false)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

func (p *StaticProvider) add(email, password string, disabled bool) {
	key := normalizeEmail(email)
	if key == "" {
		return
	}
	p.accounts[key] = staticAccount{
		account: Account{
			UID:           staticUID(key),
			Email:         key,
			EmailVerified: true,
		},
		password: password,
		disabled: disabled,
	}
}

// SignIn checks the credentials against the in-memory accounts.
func (p *StaticProvider) SignIn(ctx context.Context, email, password string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewError(CodeNetwork, err)
	}

	key := normalizeEmail(email)
	switch {
	case key == "":
		return nil, NewError(CodeInvalidEmail, errors.New("email is empty"))
	case password == "":
		return nil, NewError(CodeMissingPassword, errors.New("password is empty"))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	acct, ok := p.accounts[key]
	if !ok || acct.password != password {
		return nil, NewError(CodeInvalidCredentials, errors.New("email or password mismatch"))
	}
	if acct.disabled {
		return nil, NewError(CodeUserDisabled, fmt.Errorf("account %s is disabled", acct.account.UID))
	}

	refresh, err := randomToken()
	if err != nil {
		return nil, NewError(CodeUnknown, err)
	}
	p.refresh[refresh] = acct.account.UID
	return p.issueLocked(acct.account, refresh)
}

// Refresh issues a new ID token for a refresh token handed out by SignIn.
// Refresh tokens stay valid until RevokeSessions.
func (p *StaticProvider) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewError(CodeNetwork, err)
	}
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, NewError(CodeTokenInvalid, errors.New("empty refresh token"))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	uid, ok := p.refresh[refreshToken]
	if !ok {
		return nil, NewError(CodeTokenInvalid, errors.New("unknown refresh token"))
	}
	acct, ok := p.accountByUIDLocked(uid)
	if !ok {
		delete(p.refresh, refreshToken)
		return nil, NewError(CodeTokenInvalid, errors.New("account no longer exists"))
	}
	if acct.disabled {
		return nil, NewError(CodeUserDisabled, fmt.Errorf("account %s is disabled", uid))
	}
	return p.issueLocked(acct.account, refreshToken)
}

func (p *StaticProvider) issueLocked(account Account, refresh string) (*Session, error) {
	token, err := randomToken()
	if err != nil {
		return nil, NewError(CodeUnknown, err)
	}

	now := p.now()
	p.pruneLocked(now)
	expiresAt := now.Add(p.ttl).UTC()
	p.tokens[token] = staticToken{uid: account.UID, expiresAt: expiresAt}

	return &Session{
		Account:      copyAccount(account),
		IDToken:      token,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
	}, nil
}

func (p *StaticProvider) accountByUIDLocked(uid string) (staticAccount, bool) {
	for _, acct := range p.accounts {
		if acct.account.UID == uid {
			return acct, true
		}
	}
	return staticAccount{}, false
}

// VerifyIDToken resolves a token previously issued by SignIn.
func (p *StaticProvider) VerifyIDToken(_ context.Context, token string) (*Account, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, NewError(CodeTokenInvalid, errors.New("empty id token"))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	issued, ok := p.tokens[token]
	if !ok {
		return nil, NewError(CodeTokenInvalid, errors.New("unknown token"))
	}
	if p.now().After(issued.expiresAt) {
		delete(p.tokens, token)
		return nil, NewError(CodeTokenExpired, errors.New("token expired"))
	}
	acct, ok := p.accountByUIDLocked(issued.uid)
	if !ok {
		return nil, NewError(CodeTokenInvalid, errors.New("account no longer exists"))
	}
	account := copyAccount(acct.account)
	return &account, nil
}

// RevokeSessions drops every ID and refresh token issued to uid.
func (p *StaticProvider) RevokeSessions(_ context.Context, uid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for token, issued := range p.tokens {
		if issued.uid == uid {
			delete(p.tokens, token)
		}
	}
	for token, owner := range p.refresh {
		if owner == uid {
			delete(p.refresh, token)
		}
	}
	return nil
}

func (p *StaticProvider) pruneLocked(now time.Time) {
	for token, issued := range p.tokens {
		if now.After(issued.expiresAt) {
			delete(p.tokens, token)
		}
	}
}

func copyAccount(a Account) Account {
	if a.Roles != nil {
		a.Roles = append([]string(nil), a.Roles...)
	}
	return a
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func staticUID(email string) string {
	sum := sha256.Sum256([]byte(email))
	return "static-" + hex.EncodeToString(sum[:8])
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
