package session

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/dgellow/auth-front/internal/idp"
	"github.com/dgellow/auth-front/internal/idtoken"
	"github.com/dgellow/auth-front/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	secret    = []byte("0123456789abcdef0123456789abcdef")
	oldSecret = []byte("fedcba9876543210fedcba9876543210")
)

func tokenSet(t *testing.T, issuer *testutil.Issuer, ttl time.Duration) *idp.TokenSet {
	t.Helper()
	now := issuer.Now()
	return &idp.TokenSet{
		AccessToken:       "access-token",
		IDToken:           issuer.IDToken(t, testutil.Alice, ttl),
		RefreshToken:      "refresh-token",
		AccessTokenExpiry: now.Add(ttl),
		IDTokenExpiry:     now.Add(ttl),
		Claims:            testutil.Alice,
	}
}

func TestCodecRoundTrip(t *testing.T) {
	issuer := testutil.NewIssuer(t)
	codec, err := NewCodec(secret, issuer.Verifier(t))
	require.NoError(t, err)

	ts := tokenSet(t, issuer, time.Hour)
	ts.AccessTokenExpiry = time.Now().Add(30 * time.Minute)

	value, expiry, err := codec.Encode(ts)
	require.NoError(t, err)
	assert.NotContains(t, value, "access-token")
	assert.NotContains(t, value, "refresh-token")
	assert.Equal(t, 5, len(strings.Split(value, ".")), "compact JWE")
	assert.WithinDuration(t, ts.AccessTokenExpiry, expiry, time.Second, "expiry follows the shortest-lived token")

	id, err := codec.Decode(context.Background(), value)
	require.NoError(t, err)
	require.True(t, id.Authenticated())
	assert.Equal(t, testutil.Alice, *id.Claims)
	assert.Equal(t, "access-token", id.AccessToken)
	assert.WithinDuration(t, expiry, id.ExpiresAt, time.Second)
}

func TestCodecEncodeRejects(t *testing.T) {
	issuer := testutil.NewIssuer(t)
	codec, err := NewCodec(secret, issuer.Verifier(t))
	require.NoError(t, err)

	_, _, err = codec.Encode(nil)
	assert.Error(t, err)

	_, _, err = codec.Encode(&idp.TokenSet{IDToken: "x"})
	assert.ErrorContains(t, err, "no expiry")

	_, _, err = codec.Encode(&idp.TokenSet{IDToken: "x", IDTokenExpiry: time.Now().Add(-time.Minute)})
	assert.ErrorContains(t, err, "already expired")
}

func TestCodecDecodeInvalid(t *testing.T) {
	issuer := testutil.NewIssuer(t)
	now := time.Now()
	clock := func() time.Time { return now }
	codec, err := NewCodec(secret, issuer.Verifier(t), WithClock(clock))
	require.NoError(t, err)

	valid, _, err := codec.Encode(tokenSet(t, issuer, time.Hour))
	require.NoError(t, err)

	otherCodec, err := NewCodec(oldSecret, issuer.Verifier(t))
	require.NoError(t, err)
	foreign, _, err := otherCodec.Encode(tokenSet(t, issuer, time.Hour))
	require.NoError(t, err)

	parts := strings.Split(valid, ".")
	tampered := strings.Join([]string{parts[0], parts[1], parts[2], flip(parts[3]), parts[4]}, ".")

	stranger := testutil.NewIssuer(t)
	unverifiable, _, err := codec.Encode(tokenSet(t, stranger, time.Hour))
	require.NoError(t, err)

	tests := []struct {
		name   string
		value  string
		clock  time.Time
		reason string
	}{
		{name: "empty", value: "", reason: ReasonEmpty},
		{name: "garbage", value: "not-a-session", reason: ReasonMalformed},
		{name: "signed token instead of session", value: issuer.IDToken(t, testutil.Alice, time.Hour), reason: ReasonMalformed},
		{name: "sealed with another secret", value: foreign, reason: ReasonUnknownKey},
		{name: "tampered ciphertext", value: tampered, reason: ReasonDecrypt},
		{name: "expired", value: valid, clock: now.Add(2 * time.Hour), reason: ReasonExpired},
		{name: "id token from another issuer", value: unverifiable, reason: ReasonToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.clock.IsZero() {
				codec.now = func() time.Time { return tt.clock }
				defer func() { codec.now = clock }()
			}

			id, err := codec.Decode(context.Background(), tt.value)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Equal(t, tt.reason, Reason(err))
			assert.False(t, id.Authenticated())
		})
	}
}

func TestCodecKeyRotation(t *testing.T) {
	issuer := testutil.NewIssuer(t)

	old, err := NewCodec(oldSecret, issuer.Verifier(t))
	require.NoError(t, err)
	value, _, err := old.Encode(tokenSet(t, issuer, time.Hour))
	require.NoError(t, err)

	rotated, err := NewCodec(secret, issuer.Verifier(t), WithPreviousSecrets(oldSecret))
	require.NoError(t, err)

	id, err := rotated.Decode(context.Background(), value)
	require.NoError(t, err)
	assert.Equal(t, "u-1", id.Claims.Subject)

	// new sessions are always sealed with the current secret
	fresh, _, err := rotated.Encode(tokenSet(t, issuer, time.Hour))
	require.NoError(t, err)
	_, err = old.Decode(context.Background(), fresh)
	assert.Equal(t, ReasonUnknownKey, Reason(err))
}

func TestNewCodecRequiresStrongSecret(t *testing.T) {
	issuer := testutil.NewIssuer(t)
	_, err := NewCodec([]byte("short"), issuer.Verifier(t))
	assert.Error(t, err)

	_, err = NewCodec(secret, nil)
	assert.ErrorContains(t, err, "verifier is required")
}

type keysDown struct{}

func (keysDown) Key(context.Context, string) (any, error) {
	return nil, fmt.Errorf("%w: jwks fetch timed out", idtoken.ErrKeysUnavailable)
}

func TestCodecDecodeWithoutSigningKeys(t *testing.T) {
	issuer := testutil.NewIssuer(t)
	codec, err := NewCodec(secret, issuer.Verifier(t))
	require.NoError(t, err)
	value, _, err := codec.Encode(tokenSet(t, issuer, time.Hour))
	require.NoError(t, err)

	verifier, err := idtoken.NewVerifier(keysDown{}, idtoken.Config{Issuer: issuer.URL, ClientID: issuer.ClientID, Now: issuer.Now})
	require.NoError(t, err)
	blind, err := NewCodec(secret, verifier)
	require.NoError(t, err)

	id, err := blind.Decode(context.Background(), value)
	require.Error(t, err)
	assert.ErrorIs(t, err, idtoken.ErrKeysUnavailable)
	assert.NotErrorIs(t, err, ErrInvalid)
	assert.Equal(t, "", Reason(err))
	assert.False(t, id.Authenticated())
}

func TestReasonOfOtherErrors(t *testing.T) {
	assert.Equal(t, "", Reason(nil))
	assert.Equal(t, "", Reason(assert.AnError))
}

// flip changes the first character of a base64url segment
func flip(s string) string {
	if s[0] == 'A' {
		return "B" + s[1:]
	}
	return "A" + s[1:]
}
