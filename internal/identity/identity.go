package identity

import (
	"context"
	"time"
)

type contextKey string

const identityKey contextKey = "auth.identity"

// UsernameClaim is the ID token claim that carries the provider username
const UsernameClaim = "cognito:username"

// Claims are the identity attributes taken from a verified ID token.
// The JSON shape is the one returned by the status endpoint.
type Claims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	Username      string `json:"cognito:username,omitempty"`
}

// Identity is what the request identity resolver attaches to a request.
// The zero value is the anonymous identity.
type Identity struct {
	Claims *Claims
	// AccessToken is kept server side for global sign-out and never rendered.
	AccessToken string
	ExpiresAt   time.Time
}

// Anonymous returns the identity of a request without a valid session
func Anonymous() Identity {
	return Identity{}
}

// Authenticated reports whether the identity carries verified claims
func (i Identity) Authenticated() bool {
	return i.Claims != nil && i.Claims.Subject != ""
}

// WithIdentity attaches the resolved identity to the context
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext returns the identity attached by the resolver.
// ok is false when the resolver did not run for this request.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
