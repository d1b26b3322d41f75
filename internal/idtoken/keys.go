package idtoken

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dgellow/auth-front/internal/log"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// KeySource resolves the public key a token was signed with
type KeySource interface {
	Key(ctx context.Context, kid string) (any, error)
}

// minRefreshInterval bounds how often an unknown kid may force a JWKS refetch
const minRefreshInterval = time.Minute

// JWKSKeySource serves keys from the identity provider's JWKS endpoint
// through an auto-refreshing jwx cache. Registration is lazy so a slow
// provider does not block startup.
type JWKSKeySource struct {
	cache   *jwk.Cache
	jwksURL string

	mu          sync.Mutex
	registered  bool
	lastRefresh time.Time
}

// NewJWKSKeySource creates a key source for jwksURL. The cache goroutines
// live until ctx is done.
func NewJWKSKeySource(ctx context.Context, jwksURL string, httpClient *http.Client) (*JWKSKeySource, error) {
	if jwksURL == "" {
		return nil, fmt.Errorf("jwks URL is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(httpClient)))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}
	return &JWKSKeySource{cache: cache, jwksURL: jwksURL}, nil
}

func (s *JWKSKeySource) ensureRegistered(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registered {
		return nil
	}

	regCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.cache.Register(regCtx, s.jwksURL); err != nil {
		// Not remembered: the next request retries registration.
		return fmt.Errorf("%w: failed to register JWKS URL: %w", ErrKeysUnavailable, err)
	}
	s.registered = true
	s.lastRefresh = time.Now()
	return nil
}

// Key implements KeySource
func (s *JWKSKeySource) Key(ctx context.Context, kid string) (any, error) {
	if err := s.ensureRegistered(ctx); err != nil {
		return nil, err
	}

	set, err := s.cache.Lookup(ctx, s.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to lookup JWKS: %w", ErrKeysUnavailable, err)
	}

	key, found := set.LookupKeyID(kid)
	if !found {
		// The provider may have rotated keys since the last fetch.
		if set, err = s.refresh(ctx); err != nil {
			return nil, err
		}
		if key, found = set.LookupKeyID(kid); !found {
			return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
		}
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return raw, nil
}

func (s *JWKSKeySource) refresh(ctx context.Context) (jwk.Set, error) {
	s.mu.Lock()
	tooSoon := time.Since(s.lastRefresh) < minRefreshInterval
	if !tooSoon {
		s.lastRefresh = time.Now()
	}
	s.mu.Unlock()

	if tooSoon {
		set, err := s.cache.Lookup(ctx, s.jwksURL)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to lookup JWKS: %w", ErrKeysUnavailable, err)
		}
		return set, nil
	}

	log.LogDebugWithFields("idtoken", "Refreshing JWKS after unknown key ID", map[string]any{
		"jwks_url": s.jwksURL,
	})
	set, err := s.cache.Refresh(ctx, s.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to refresh JWKS: %w", ErrKeysUnavailable, err)
	}
	return set, nil
}

// StaticKeySource serves keys from a fixed set, for tests and for
// deployments that pin provider keys in configuration.
type StaticKeySource struct {
	set jwk.Set
}

// NewStaticKeySource wraps set
func NewStaticKeySource(set jwk.Set) *StaticKeySource {
	return &StaticKeySource{set: set}
}

// Key implements KeySource
func (s *StaticKeySource) Key(_ context.Context, kid string) (any, error) {
	key, found := s.set.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in key set", kid)
	}
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return raw, nil
}
