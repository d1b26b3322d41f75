package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/dgellow/auth-front/internal/identity"
	"github.com/dgellow/auth-front/internal/idtoken"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/require"
)

// Issuer mints ID tokens the way the identity provider would, and hands out
// a verifier that trusts them.
type Issuer struct {
	URL      string
	ClientID string
	KeyID    string
	Key      *rsa.PrivateKey
	Keys     jwk.Set
	Now      func() time.Time
}

// NewIssuer creates an issuer with a fresh RSA key
func NewIssuer(t testing.TB) *Issuer {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.Import(&priv.PublicKey)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, "test-key"))
	require.NoError(t, key.Set(jwk.AlgorithmKey, "RS256"))
	require.NoError(t, key.Set(jwk.KeyUsageKey, "sig"))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(key))

	return &Issuer{
		URL:      "https://idp.test.local/pool",
		ClientID: "test-client",
		KeyID:    "test-key",
		Key:      priv,
		Keys:     set,
		Now:      time.Now,
	}
}

// Sign signs arbitrary claims with the issuer key
func (i *Issuer) Sign(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = i.KeyID
	signed, err := token.SignedString(i.Key)
	require.NoError(t, err)
	return signed
}

// IDToken returns a valid ID token for c that expires after ttl
func (i *Issuer) IDToken(t testing.TB, c identity.Claims, ttl time.Duration) string {
	t.Helper()
	now := i.Now()
	claims := jwt.MapClaims{
		"iss":            i.URL,
		"aud":            i.ClientID,
		"sub":            c.Subject,
		"email_verified": c.EmailVerified,
		"token_use":      "id",
		"iat":            now.Add(-time.Second).Unix(),
		"exp":            now.Add(ttl).Unix(),
	}
	if c.Email != "" {
		claims["email"] = c.Email
	}
	if c.Username != "" {
		claims[identity.UsernameClaim] = c.Username
	}
	return i.Sign(t, claims)
}

// Verifier returns a verifier that trusts this issuer
func (i *Issuer) Verifier(t testing.TB) *idtoken.Verifier {
	t.Helper()
	v, err := idtoken.NewVerifier(idtoken.NewStaticKeySource(i.Keys), idtoken.Config{
		Issuer:   i.URL,
		ClientID: i.ClientID,
		Now:      i.Now,
	})
	require.NoError(t, err)
	return v
}

// Alice is the identity used across scenario tests
var Alice = identity.Claims{
	Subject:       "u-1",
	Email:         "a@b.com",
	EmailVerified: true,
	Username:      "alice",
}
