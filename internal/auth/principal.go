// principal.go -- The resolved identity and its request-context plumbing.
package auth

import (
	"context"

	"github.com/MGallo-Code/portcullis/internal/store"
	"github.com/gofrs/uuid/v5"
)

// Method names how a principal authenticated.
type Method string

const (
	MethodCookie     Method = "cookie"
	MethodApiKey     Method = "api_key"
	MethodUserApiKey Method = "user_api_key"
)

// Principal is the authenticated identity for one request. Built fresh per request.
type Principal struct {
	UserID     int64   `json:"user_id"`
	Username   string  `json:"username"`
	Email      *string `json:"email,omitempty"`
	Admin      bool    `json:"admin"`
	Moderator  bool    `json:"moderator"`
	TrustLevel int     `json:"trust_level"`
	Method     Method  `json:"auth_method"`

	// SessionID is set for cookie principals.
	SessionID *uuid.UUID `json:"session_id,omitempty"`
	// ApiKeyID is set for server and user API key principals.
	ApiKeyID *uuid.UUID `json:"api_key_id,omitempty"`

	// token is the session row snapshot behind a cookie principal, for logout.
	token *store.SessionToken
}

// IsStaff reports whether the principal is an admin or moderator.
func (p *Principal) IsStaff() bool {
	return p.Admin || p.Moderator
}

func newPrincipal(u *store.User, m Method) *Principal {
	return &Principal{
		UserID:     u.ID,
		Username:   u.Username,
		Email:      u.Email,
		Admin:      u.Admin,
		Moderator:  u.Moderator,
		TrustLevel: u.TrustLevel,
		Method:     m,
	}
}

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext retrieves the principal injected by Provider.Middleware.
// Returns nil and false for anonymous requests.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok && p != nil
}
