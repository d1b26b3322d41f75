package idp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dgellow/auth-front/internal/config"
	"github.com/dgellow/auth-front/internal/idtoken"
	"github.com/dgellow/auth-front/internal/log"
)

// Provider bundles everything built from the idp config section
type Provider struct {
	Endpoints Endpoints
	Client    *OIDCClient
	Verifier  *idtoken.Verifier
	HostedUI  HostedUI
}

// NewProvider discovers the provider (unless every endpoint is configured),
// then builds the verifier, the exchange client and the hosted UI locations.
func NewProvider(ctx context.Context, cfg config.IDPConfig, httpClient *http.Client) (*Provider, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	endpoints := Endpoints{
		Issuer:           cfg.Issuer,
		AuthorizationURL: cfg.AuthorizationURL,
		TokenURL:         cfg.TokenURL,
		JWKSURL:          cfg.JWKSURL,
		RevocationURL:    cfg.RevocationURL,
		EndSessionURL:    cfg.LogoutURL,
	}
	if !endpoints.Complete() {
		discovered, err := Discover(ctx, cfg.Issuer, DiscoverOptions{HTTPClient: httpClient})
		if err != nil {
			return nil, err
		}
		endpoints = endpoints.Merge(*discovered)
	}

	keys, err := idtoken.NewJWKSKeySource(ctx, endpoints.JWKSURL, httpClient)
	if err != nil {
		return nil, err
	}
	verifier, err := idtoken.NewVerifier(keys, idtoken.Config{
		Issuer:   cfg.Issuer,
		ClientID: cfg.ClientID,
		Leeway:   cfg.ClockSkew,
	})
	if err != nil {
		return nil, err
	}

	signOut, err := NewSignOutStrategy(ctx, cfg, endpoints, httpClient)
	if err != nil {
		return nil, err
	}

	client, err := NewOIDCClient(OIDCConfig{
		Endpoints:    endpoints,
		ClientID:     cfg.ClientID,
		ClientSecret: string(cfg.ClientSecret),
		RedirectURI:  cfg.RedirectURI,
		Scopes:       cfg.Scopes,
		Timeout:      cfg.Timeout,
		HTTPClient:   httpClient,
	}, verifier, signOut)
	if err != nil {
		return nil, err
	}

	style := LogoutStyle(cfg.LogoutStyle)
	if style == "" {
		style = LogoutStyleCognito
	}

	log.LogInfoWithFields("idp", "Identity provider configured", map[string]any{
		"issuer":      endpoints.Issuer,
		"token_url":   endpoints.TokenURL,
		"jwks_url":    endpoints.JWKSURL,
		"sign_out":    signOut.Name(),
		"redirectUri": cfg.RedirectURI,
	})

	return &Provider{
		Endpoints: endpoints,
		Client:    client,
		Verifier:  verifier,
		HostedUI: HostedUI{
			AuthorizationURL: endpoints.AuthorizationURL,
			EndSessionURL:    endpoints.EndSessionURL,
			ClientID:         cfg.ClientID,
			RedirectURI:      cfg.RedirectURI,
			LogoutURI:        cfg.LogoutURI,
			Scopes:           cfg.Scopes,
			Style:            style,
		},
	}, nil
}

// NewSignOutStrategy picks the global sign-out mechanism for cfg
func NewSignOutStrategy(ctx context.Context, cfg config.IDPConfig, endpoints Endpoints, httpClient *http.Client) (SignOutStrategy, error) {
	switch cfg.SignOut.Kind {
	case config.SignOutCognito:
		api, err := NewCognitoAPI(ctx, cfg.SignOut.Region, cfg.SignOut.Endpoint)
		if err != nil {
			return nil, err
		}
		return NewCognitoSignOut(api), nil
	case config.SignOutRevocation:
		return NewRevocationSignOut(endpoints.RevocationURL, cfg.ClientID, string(cfg.ClientSecret), httpClient)
	case config.SignOutNone:
		return NoopSignOut{}, nil
	case config.SignOutAuto:
		if endpoints.RevocationURL != "" {
			return NewRevocationSignOut(endpoints.RevocationURL, cfg.ClientID, string(cfg.ClientSecret), httpClient)
		}
		return NoopSignOut{}, nil
	default:
		return nil, fmt.Errorf("unknown sign-out kind: %s", cfg.SignOut.Kind)
	}
}
