package idp

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dgellow/auth-front/internal/identity"
	"github.com/dgellow/auth-front/internal/idtoken"
	"github.com/dgellow/auth-front/internal/log"
	"golang.org/x/oauth2"
)

// TokenSet is the result of a successful code exchange. It stays on the
// backend; only its sealed form reaches the browser.
type TokenSet struct {
	AccessToken  string
	IDToken      string
	RefreshToken string

	AccessTokenExpiry time.Time
	IDTokenExpiry     time.Time

	// Claims come from the verified ID token.
	Claims identity.Claims
}

// Client is the identity provider surface used by the auth endpoints
type Client interface {
	ExchangeCode(ctx context.Context, code string) (*TokenSet, error)
	GlobalSignOut(ctx context.Context, id identity.Identity) error
}

// OIDCConfig configures an OIDCClient
type OIDCConfig struct {
	Endpoints    Endpoints
	ClientID     string
	ClientSecret string
	// RedirectURI is sent verbatim; it must match the provider registration byte for byte.
	RedirectURI string
	Scopes      []string
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// OIDCClient exchanges authorization codes at the provider's token endpoint
// and verifies the returned ID token.
type OIDCClient struct {
	config     oauth2.Config
	verifier   *idtoken.Verifier
	signOut    SignOutStrategy
	httpClient *http.Client
	timeout    time.Duration
}

var _ Client = (*OIDCClient)(nil)

// NewOIDCClient creates a client. signOut may be nil, in which case global
// sign-out is a no-op.
func NewOIDCClient(cfg OIDCConfig, verifier *idtoken.Verifier, signOut SignOutStrategy) (*OIDCClient, error) {
	if cfg.Endpoints.TokenURL == "" {
		return nil, fmt.Errorf("token endpoint is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.RedirectURI == "" {
		return nil, fmt.Errorf("redirect URI is required")
	}
	if verifier == nil {
		return nil, fmt.Errorf("ID token verifier is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if signOut == nil {
		signOut = NoopSignOut{}
	}
	authStyle := oauth2.AuthStyleInHeader
	if cfg.ClientSecret == "" {
		authStyle = oauth2.AuthStyleInParams
	}

	return &OIDCClient{
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.Endpoints.AuthorizationURL,
				TokenURL:  cfg.Endpoints.TokenURL,
				AuthStyle: authStyle,
			},
		},
		verifier:   verifier,
		signOut:    signOut,
		httpClient: httpClient,
		timeout:    timeout,
	}, nil
}

// ExchangeCode trades code for a token set. Every failure is an *ExchangeError.
// Exchanges are never retried: a code is single-use, and a retry after an
// ambiguous failure would only ever come back as invalid_grant.
func (c *OIDCClient) ExchangeCode(ctx context.Context, code string) (*TokenSet, error) {
	if strings.TrimSpace(code) == "" {
		return nil, &ExchangeError{Kind: KindInvalidOrExpiredCode, Err: fmt.Errorf("empty code")}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	tok, err := c.config.Exchange(ctx, code)
	if err != nil {
		return nil, classifyExchangeError(err)
	}

	rawID, _ := tok.Extra("id_token").(string)
	if rawID == "" {
		return nil, &ExchangeError{Kind: KindProviderUnavailable, Redeemed: true, Err: fmt.Errorf("token response missing id_token")}
	}

	verified, err := c.verifier.Verify(ctx, rawID)
	if err != nil {
		return nil, &ExchangeError{Kind: KindProviderUnavailable, Redeemed: true, Err: fmt.Errorf("verifying id_token: %w", err)}
	}

	log.LogDebugWithFields("idp", "Authorization code exchanged", map[string]any{
		"sub":            verified.Claims.Subject,
		"id_token_exp":   verified.ExpiresAt.Format(time.RFC3339),
		"has_refresh":    tok.RefreshToken != "",
		"access_expires": tok.Expiry.Format(time.RFC3339),
	})

	return &TokenSet{
		AccessToken:       tok.AccessToken,
		IDToken:           rawID,
		RefreshToken:      tok.RefreshToken,
		AccessTokenExpiry: tok.Expiry,
		IDTokenExpiry:     verified.ExpiresAt,
		Claims:            verified.Claims,
	}, nil
}

// GlobalSignOut invalidates the identity's sessions at the provider.
// Anonymous identities are a no-op.
func (c *OIDCClient) GlobalSignOut(ctx context.Context, id identity.Identity) error {
	if !id.Authenticated() || id.AccessToken == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.signOut.SignOut(ctx, id)
}
