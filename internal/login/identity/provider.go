// Package identity wraps the external identity provider that owns user
// accounts: password sign-in, ID token verification and session revocation.
package identity

import (
	"context"
	"strings"
	"time"
)

// Account is the principal resolved from a provider-issued ID token.
type Account struct {
	UID           string
	Email         string
	EmailVerified bool
	DisplayName   string
	Roles         []string
}

// Session is the result of a successful password sign-in.
type Session struct {
	Account      Account
	IDToken      string
	RefreshToken string
	ExpiresAt    time.Time
}

// Provider signs users in and verifies the tokens it issued.
type Provider interface {
	SignIn(ctx context.Context, email, password string) (*Session, error)
	VerifyIDToken(ctx context.Context, token string) (*Account, error)
}

// Revoker is implemented by providers able to invalidate refresh tokens.
type Revoker interface {
	RevokeSessions(ctx context.Context, uid string) error
}

// Refresher is implemented by providers that exchange a refresh token for a
// new ID token. The returned session may carry a rotated refresh token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Session, error)
}

func claimString(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case *string:
		if v == nil {
			return ""
		}
		return strings.TrimSpace(*v)
	default:
		return ""
	}
}

func claimBool(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	default:
		return false
	}
}

func claimStringSlice(values ...any) []string {
	seen := make(map[string]struct{})
	var result []string

	appendValue := func(val string) {
		val = strings.TrimSpace(val)
		if val == "" {
			return
		}
		if _, ok := seen[val]; !ok {
			seen[val] = struct{}{}
			result = append(result, val)
		}
	}

	for _, value := range values {
		switch v := value.(type) {
		case string:
			appendValue(v)
		case []string:
			for _, item := range v {
				appendValue(item)
			}
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					appendValue(s)
				}
			}
		case map[string]any:
			for key, val := range v {
				if b, ok := val.(bool); ok && b {
					appendValue(key)
				}
			}
		}
	}
	return result
}
