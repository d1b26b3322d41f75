// Package devidp is a small OpenID Connect provider for local development
// and end-to-end tests. It signs every user in as one configured account
// without a login page.
package devidp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/dgellow/auth-front/internal/crypto"
	"github.com/dgellow/auth-front/internal/identity"
	jsonwriter "github.com/dgellow/auth-front/internal/json"
	"github.com/dgellow/auth-front/internal/log"
	"github.com/go-chi/chi/v5"
	josev3 "github.com/go-jose/go-jose/v3"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/ory/fosite"
	"github.com/ory/fosite/compose"
	"github.com/ory/fosite/handler/openid"
	fositestorage "github.com/ory/fosite/storage"
	fositejwt "github.com/ory/fosite/token/jwt"
)

// Paths served by Handler
const (
	DiscoveryPath  = "/.well-known/openid-configuration"
	JWKSPath       = "/.well-known/jwks.json"
	AuthorizePath  = "/oauth2/authorize"
	TokenPath      = "/oauth2/token"
	RevokePath     = "/oauth2/revoke"
	IntrospectPath = "/oauth2/introspect"
	LogoutPath     = "/logout"
)

// User is the account every authorization is granted to
type User struct {
	Subject       string
	Email         string
	EmailVerified bool
	Username      string
}

// Config configures the provider
type Config struct {
	// Issuer is the externally visible base URL, without a trailing slash.
	Issuer       string
	ClientID     string
	ClientSecret string
	// RedirectURIs and LogoutURIs are matched byte for byte.
	RedirectURIs []string
	LogoutURIs   []string
	User         User

	AccessTokenLifespan time.Duration
	IDTokenLifespan     time.Duration
	CodeLifespan        time.Duration

	// SigningKey is generated when nil.
	SigningKey *rsa.PrivateKey
}

// Provider is the dev identity provider
type Provider struct {
	cfg   Config
	oauth fosite.OAuth2Provider
	keyID string
	jwks  jose.JSONWebKeySet
}

type discoveryDocument struct {
	Issuer                 string   `json:"issuer"`
	AuthorizationEndpoint  string   `json:"authorization_endpoint"`
	TokenEndpoint          string   `json:"token_endpoint"`
	JWKSURI                string   `json:"jwks_uri"`
	RevocationEndpoint     string   `json:"revocation_endpoint"`
	IntrospectionEndpoint  string   `json:"introspection_endpoint"`
	EndSessionEndpoint     string   `json:"end_session_endpoint"`
	ResponseTypes          []string `json:"response_types_supported"`
	SubjectTypes           []string `json:"subject_types_supported"`
	SigningAlgs            []string `json:"id_token_signing_alg_values_supported"`
	Scopes                 []string `json:"scopes_supported"`
	TokenEndpointAuthMeths []string `json:"token_endpoint_auth_methods_supported"`
}

var supportedScopes = []string{"openid", "email", "profile"}

// New creates a provider from cfg
func New(cfg Config) (*Provider, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if strings.HasSuffix(cfg.Issuer, "/") {
		return nil, fmt.Errorf("issuer must not end with a slash")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if len(cfg.RedirectURIs) == 0 {
		return nil, fmt.Errorf("at least one redirect URI is required")
	}
	if cfg.User.Subject == "" {
		return nil, fmt.Errorf("user subject is required")
	}
	if cfg.AccessTokenLifespan == 0 {
		cfg.AccessTokenLifespan = time.Hour
	}
	if cfg.IDTokenLifespan == 0 {
		cfg.IDTokenLifespan = time.Hour
	}
	if cfg.CodeLifespan == 0 {
		cfg.CodeLifespan = 5 * time.Minute
	}

	key := cfg.SigningKey
	if key == nil {
		var err error
		if key, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
	}
	keyID, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, err
	}
	keyID = keyID[:16]

	globalSecret, err := crypto.RandomBytes(32)
	if err != nil {
		return nil, err
	}

	client := &fosite.DefaultClient{
		ID:            cfg.ClientID,
		RedirectURIs:  cfg.RedirectURIs,
		ResponseTypes: []string{"code"},
		GrantTypes:    []string{"authorization_code"},
		Scopes:        supportedScopes,
		Public:        cfg.ClientSecret == "",
	}
	if cfg.ClientSecret != "" {
		hashed, err := crypto.HashClientSecret(cfg.ClientSecret)
		if err != nil {
			return nil, fmt.Errorf("failed to hash client secret: %w", err)
		}
		client.Secret = hashed
	}

	store := fositestorage.NewMemoryStore()
	store.Clients[client.ID] = client

	fositeConfig := &fosite.Config{
		AccessTokenLifespan:   cfg.AccessTokenLifespan,
		AuthorizeCodeLifespan: cfg.CodeLifespan,
		IDTokenLifespan:       cfg.IDTokenLifespan,
		IDTokenIssuer:         cfg.Issuer,
		TokenURL:              cfg.Issuer + TokenPath,
		GlobalSecret:          globalSecret,
	}

	// fosite signs with go-jose v3 keys; the kid travels with the key.
	signingKey := &josev3.JSONWebKey{Key: key, KeyID: keyID, Algorithm: "RS256", Use: "sig"}
	getKey := func(context.Context) (interface{}, error) { return signingKey, nil }

	oauth := compose.Compose(
		fositeConfig,
		store,
		&compose.CommonStrategy{
			CoreStrategy:               compose.NewOAuth2HMACStrategy(fositeConfig),
			OpenIDConnectTokenStrategy: compose.NewOpenIDConnectStrategy(getKey, fositeConfig),
			Signer:                     &fositejwt.DefaultSigner{GetPrivateKey: getKey},
		},
		compose.OAuth2AuthorizeExplicitFactory,
		compose.OpenIDConnectExplicitFactory,
		compose.OAuth2TokenRevocationFactory,
		compose.OAuth2TokenIntrospectionFactory,
	)

	return &Provider{
		cfg:   cfg,
		oauth: oauth,
		keyID: keyID,
		jwks: jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &key.PublicKey,
			KeyID:     keyID,
			Algorithm: "RS256",
			Use:       "sig",
		}}},
	}, nil
}

// Issuer returns the configured issuer URL
func (p *Provider) Issuer() string {
	return p.cfg.Issuer
}

// KeyID returns the kid of the ID token signing key
func (p *Provider) KeyID() string {
	return p.keyID
}

// Handler returns the provider's HTTP surface
func (p *Provider) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get(DiscoveryPath, p.discovery)
	r.Get(JWKSPath, p.keys)
	r.Get(AuthorizePath, p.authorize)
	r.Post(TokenPath, p.token)
	r.Post(RevokePath, p.revoke)
	r.Post(IntrospectPath, p.introspect)
	r.Get(LogoutPath, p.logout)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_ = jsonwriter.Write(w, map[string]string{"status": "ok"})
	})
	return r
}

func (p *Provider) discovery(w http.ResponseWriter, r *http.Request) {
	iss := p.cfg.Issuer
	_ = jsonwriter.Write(w, discoveryDocument{
		Issuer:                 iss,
		AuthorizationEndpoint:  iss + AuthorizePath,
		TokenEndpoint:          iss + TokenPath,
		JWKSURI:                iss + JWKSPath,
		RevocationEndpoint:     iss + RevokePath,
		IntrospectionEndpoint:  iss + IntrospectPath,
		EndSessionEndpoint:     iss + LogoutPath,
		ResponseTypes:          []string{"code"},
		SubjectTypes:           []string{"public"},
		SigningAlgs:            []string{"RS256"},
		Scopes:                 supportedScopes,
		TokenEndpointAuthMeths: []string{"client_secret_basic", "client_secret_post", "none"},
	})
}

func (p *Provider) keys(w http.ResponseWriter, r *http.Request) {
	_ = jsonwriter.Write(w, p.jwks)
}

// authorize grants every valid request to the configured user
func (p *Provider) authorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Hosted login pages accept requests without state; fosite does not.
	if r.URL.Query().Get("state") == "" {
		state, err := crypto.GenerateSecureToken()
		if err != nil {
			jsonwriter.WriteInternalServerError(w, "failed to generate state")
			return
		}
		q := r.URL.Query()
		q.Set("state", state)
		r.URL.RawQuery = q.Encode()
	}

	ar, err := p.oauth.NewAuthorizeRequest(ctx, r)
	if err != nil {
		log.LogInfoWithFields("devidp", "Rejected authorization request", map[string]any{
			"error":        fosite.ErrorToRFC6749Error(err).GetDescription(),
			"redirect_uri": r.URL.Query().Get("redirect_uri"),
		})
		p.oauth.WriteAuthorizeError(ctx, w, ar, err)
		return
	}

	for _, scope := range ar.GetRequestedScopes() {
		ar.GrantScope(scope)
	}

	resp, err := p.oauth.NewAuthorizeResponse(ctx, ar, p.newSession())
	if err != nil {
		p.oauth.WriteAuthorizeError(ctx, w, ar, err)
		return
	}

	log.LogDebugWithFields("devidp", "Authorization granted", map[string]any{
		"client_id": ar.GetClient().GetID(),
		"sub":       p.cfg.User.Subject,
	})
	p.oauth.WriteAuthorizeResponse(ctx, w, ar, resp)
}

func (p *Provider) newSession() *openid.DefaultSession {
	now := time.Now().UTC()
	extra := map[string]interface{}{
		"email_verified": p.cfg.User.EmailVerified,
	}
	if p.cfg.User.Email != "" {
		extra["email"] = p.cfg.User.Email
	}
	if p.cfg.User.Username != "" {
		extra[identity.UsernameClaim] = p.cfg.User.Username
	}
	return &openid.DefaultSession{
		Claims: &fositejwt.IDTokenClaims{
			Subject:     p.cfg.User.Subject,
			AuthTime:    now,
			RequestedAt: now,
			Extra:       extra,
		},
		Headers: &fositejwt.Headers{},
		Subject: p.cfg.User.Subject,
	}
}

func (p *Provider) token(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ar, err := p.oauth.NewAccessRequest(ctx, r, new(openid.DefaultSession))
	if err != nil {
		log.LogInfoWithFields("devidp", "Rejected token request", map[string]any{
			"error": fosite.ErrorToRFC6749Error(err).GetDescription(),
		})
		p.oauth.WriteAccessError(ctx, w, ar, err)
		return
	}

	resp, err := p.oauth.NewAccessResponse(ctx, ar)
	if err != nil {
		p.oauth.WriteAccessError(ctx, w, ar, err)
		return
	}
	p.oauth.WriteAccessResponse(ctx, w, ar, resp)
}

func (p *Provider) revoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	err := p.oauth.NewRevocationRequest(ctx, r)
	if err != nil {
		log.LogDebugWithFields("devidp", "Revocation failed", map[string]any{
			"error": fosite.ErrorToRFC6749Error(err).GetDescription(),
		})
	}
	p.oauth.WriteRevocationResponse(ctx, w, err)
}

func (p *Provider) introspect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ir, err := p.oauth.NewIntrospectionRequest(ctx, r, new(openid.DefaultSession))
	if err != nil {
		p.oauth.WriteIntrospectionError(ctx, w, err)
		return
	}
	p.oauth.WriteIntrospectionResponse(ctx, w, ir)
}

// logout accepts both the Cognito (logout_uri) and the RP-initiated
// (post_logout_redirect_uri) parameter names.
func (p *Provider) logout(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") != p.cfg.ClientID {
		jsonwriter.WriteBadRequest(w, "unknown client_id")
		return
	}
	target := q.Get("logout_uri")
	if target == "" {
		target = q.Get("post_logout_redirect_uri")
	}
	if !slices.Contains(p.cfg.LogoutURIs, target) {
		log.LogInfoWithFields("devidp", "Rejected logout redirect", map[string]any{
			"logout_uri": target,
		})
		jsonwriter.WriteBadRequest(w, "logout URI is not registered")
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}
