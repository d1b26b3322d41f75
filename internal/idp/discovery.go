package idp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/dgellow/auth-front/internal/log"
)

// Endpoints are the provider locations auth-front talks to
type Endpoints struct {
	Issuer           string `json:"issuer"`
	AuthorizationURL string `json:"authorization_endpoint"`
	TokenURL         string `json:"token_endpoint"`
	JWKSURL          string `json:"jwks_uri"`
	RevocationURL    string `json:"revocation_endpoint,omitempty"`
	EndSessionURL    string `json:"end_session_endpoint,omitempty"`
}

// Complete reports whether discovery can be skipped
func (e Endpoints) Complete() bool {
	return e.AuthorizationURL != "" && e.TokenURL != "" && e.JWKSURL != ""
}

// Merge fills the empty fields of e from discovered
func (e Endpoints) Merge(discovered Endpoints) Endpoints {
	pick := func(a, b string) string {
		if a != "" {
			return a
		}
		return b
	}
	return Endpoints{
		Issuer:           pick(e.Issuer, discovered.Issuer),
		AuthorizationURL: pick(e.AuthorizationURL, discovered.AuthorizationURL),
		TokenURL:         pick(e.TokenURL, discovered.TokenURL),
		JWKSURL:          pick(e.JWKSURL, discovered.JWKSURL),
		RevocationURL:    pick(e.RevocationURL, discovered.RevocationURL),
		EndSessionURL:    pick(e.EndSessionURL, discovered.EndSessionURL),
	}
}

// DiscoverOptions tunes discovery retries
type DiscoverOptions struct {
	HTTPClient *http.Client
	MaxTries   uint
}

// Discover fetches the provider's OpenID configuration for issuer. The
// provider may still be starting when auth-front boots, so failures are
// retried with exponential backoff.
func Discover(ctx context.Context, issuer string, opts DiscoverOptions) (*Endpoints, error) {
	if issuer == "" {
		return nil, fmt.Errorf("issuer is required for discovery")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.MaxTries == 0 {
		opts.MaxTries = 5
	}

	ctx = oidc.ClientContext(ctx, opts.HTTPClient)

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 200 * time.Millisecond
	provider, err := backoff.Retry(ctx, func() (*oidc.Provider, error) {
		return oidc.NewProvider(ctx, issuer)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(opts.MaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.LogWarnWithFields("idp", "OIDC discovery failed, retrying", map[string]any{
				"issuer": issuer,
				"error":  err.Error(),
				"wait":   wait.String(),
			})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC endpoints: %w", err)
	}

	var endpoints Endpoints
	if err := provider.Claims(&endpoints); err != nil {
		return nil, fmt.Errorf("failed to extract provider claims: %w", err)
	}
	if err := validateEndpoints(endpoints, issuer); err != nil {
		return nil, fmt.Errorf("invalid discovery document: %w", err)
	}
	return &endpoints, nil
}

// validateEndpoints rejects discovery documents that point token traffic
// at a different origin than the issuer over plain HTTP.
func validateEndpoints(e Endpoints, issuer string) error {
	if e.TokenURL == "" || e.JWKSURL == "" {
		return fmt.Errorf("token_endpoint and jwks_uri are required")
	}
	iss, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("parsing issuer: %w", err)
	}
	for name, raw := range map[string]string{"token_endpoint": e.TokenURL, "jwks_uri": e.JWKSURL} {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", name, err)
		}
		if u.Scheme != "https" && u.Host != iss.Host {
			return fmt.Errorf("%s %q must use https", name, raw)
		}
	}
	return nil
}
