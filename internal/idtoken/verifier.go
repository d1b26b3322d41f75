package idtoken

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/auth-front/internal/identity"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any ID token that fails verification
var ErrInvalidToken = errors.New("invalid id token")

// ErrKeysUnavailable is returned when the provider's signing keys cannot be
// fetched. The token was not judged either way.
var ErrKeysUnavailable = errors.New("signing keys unavailable")

// DefaultAlgorithms are the signing algorithms accepted when none are configured
var DefaultAlgorithms = []string{"RS256"}

// Config configures a Verifier
type Config struct {
	Issuer     string
	ClientID   string
	Algorithms []string
	Leeway     time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Verifier checks ID tokens issued to this client by the identity provider
type Verifier struct {
	keys       KeySource
	issuer     string
	clientID   string
	algorithms []string
	leeway     time.Duration
	now        func() time.Time
}

// Verified is the result of a successful verification
type Verified struct {
	Claims    identity.Claims
	ExpiresAt time.Time
}

type idTokenClaims struct {
	jwt.RegisteredClaims
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Username      string `json:"cognito:username"`
	TokenUse      string `json:"token_use"`
}

// NewVerifier creates a Verifier for tokens from cfg.Issuer addressed to cfg.ClientID
func NewVerifier(keys KeySource, cfg Config) (*Verifier, error) {
	if keys == nil {
		return nil, fmt.Errorf("key source is required")
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	algs := cfg.Algorithms
	if len(algs) == 0 {
		algs = DefaultAlgorithms
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		keys:       keys,
		issuer:     cfg.Issuer,
		clientID:   cfg.ClientID,
		algorithms: algs,
		leeway:     cfg.Leeway,
		now:        now,
	}, nil
}

// Verify checks signature, issuer, audience and expiry of raw and returns
// its identity claims. A failure to obtain signing keys wraps
// ErrKeysUnavailable; every other failure wraps ErrInvalidToken.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Verified, error) {
	var claims idTokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(token *jwt.Token) (any, error) {
			kid, ok := token.Header["kid"].(string)
			if !ok || kid == "" {
				return nil, fmt.Errorf("token header missing kid")
			}
			return v.keys.Key(ctx, kid)
		},
		jwt.WithValidMethods(v.algorithms),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.clientID),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	if errors.Is(err, ErrKeysUnavailable) {
		return nil, fmt.Errorf("verifying id token: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims.TokenUse != "" && claims.TokenUse != "id" {
		return nil, fmt.Errorf("%w: token_use is %q", ErrInvalidToken, claims.TokenUse)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}

	return &Verified{
		Claims: identity.Claims{
			Subject:       claims.Subject,
			Email:         claims.Email,
			EmailVerified: claims.EmailVerified,
			Username:      claims.Username,
		},
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
