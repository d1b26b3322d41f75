package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/auth-front/internal/crypto"
	"github.com/dgellow/auth-front/internal/identity"
	"github.com/dgellow/auth-front/internal/idp"
	"github.com/dgellow/auth-front/internal/idtoken"
	"github.com/go-jose/go-jose/v4"
)

// payloadVersion is bumped whenever the sealed payload changes shape
const payloadVersion = 1

// contentType marks the JWE so a session cannot be confused with other sealed values
const contentType = "auth-front-session+json"

// ErrInvalid is returned by Decode for any value that must not be honored.
// The concrete error is an *InvalidError carrying the reason.
var ErrInvalid = errors.New("invalid session")

// Reasons reported by InvalidError. They are stable and used as metric labels.
const (
	ReasonEmpty      = "empty"
	ReasonMalformed  = "malformed"
	ReasonUnknownKey = "unknown_key"
	ReasonDecrypt    = "decrypt"
	ReasonVersion    = "version"
	ReasonExpired    = "expired"
	ReasonToken      = "token"
)

// InvalidError explains why a session value was rejected
type InvalidError struct {
	Reason string
	Err    error
}

func (e *InvalidError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("invalid session: %s", e.Reason)
	}
	return fmt.Sprintf("invalid session: %s: %v", e.Reason, e.Err)
}

func (e *InvalidError) Unwrap() error { return e.Err }

func (e *InvalidError) Is(target error) bool { return target == ErrInvalid }

// Reason returns the rejection reason of err, or "" if err is not an invalid-session error
func Reason(err error) string {
	var ie *InvalidError
	if errors.As(err, &ie) {
		return ie.Reason
	}
	return ""
}

func invalid(reason string, err error) error {
	return &InvalidError{Reason: reason, Err: err}
}

// TokenVerifier re-verifies the ID token held in a session
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (*idtoken.Verified, error)
}

// payload is what gets sealed into the cookie. The refresh token is never
// stored: an expired session always goes back through the provider login.
type payload struct {
	Version     int    `json:"v"`
	IDToken     string `json:"id_token"`
	AccessToken string `json:"access_token"`
	Expiry      int64  `json:"exp"`
}

type sealingKey struct {
	id  string
	key []byte
}

// Codec seals token sets into cookie values and opens them again
type Codec struct {
	current  sealingKey
	previous map[string]sealingKey
	verifier TokenVerifier
	now      func() time.Time
}

// Option configures a Codec
type Option func(*Codec)

// WithPreviousSecrets accepts sessions sealed under older secrets.
// They are only ever used to open values, never to seal.
func WithPreviousSecrets(secrets ...[]byte) Option {
	return func(c *Codec) {
		for _, s := range secrets {
			k, err := newSealingKey(s)
			if err != nil {
				continue
			}
			c.previous[k.id] = k
		}
	}
}

// WithClock overrides the clock used for expiry checks
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// NewCodec derives the sealing key from secret
func NewCodec(secret []byte, verifier TokenVerifier, opts ...Option) (*Codec, error) {
	if verifier == nil {
		return nil, fmt.Errorf("token verifier is required")
	}
	current, err := newSealingKey(secret)
	if err != nil {
		return nil, err
	}
	c := &Codec{
		current:  current,
		previous: map[string]sealingKey{},
		verifier: verifier,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	delete(c.previous, current.id)
	return c, nil
}

func newSealingKey(secret []byte) (sealingKey, error) {
	key, err := crypto.DeriveKey(secret, crypto.PurposeSessionEncryption)
	if err != nil {
		return sealingKey{}, err
	}
	sum := sha256.Sum256(key)
	return sealingKey{id: hex.EncodeToString(sum[:8]), key: key}, nil
}

// Encode seals ts and returns the cookie value and the session expiry,
// which is the earliest expiry among the tokens kept in the session.
func (c *Codec) Encode(ts *idp.TokenSet) (string, time.Time, error) {
	if ts == nil || ts.IDToken == "" {
		return "", time.Time{}, fmt.Errorf("token set has no ID token")
	}
	expiry := earliest(ts.IDTokenExpiry, ts.AccessTokenExpiry)
	if expiry.IsZero() {
		return "", time.Time{}, fmt.Errorf("token set has no expiry")
	}
	if !expiry.After(c.now()) {
		return "", time.Time{}, fmt.Errorf("token set already expired at %s", expiry.Format(time.RFC3339))
	}

	plaintext, err := json.Marshal(payload{
		Version:     payloadVersion,
		IDToken:     ts.IDToken,
		AccessToken: ts.AccessToken,
		Expiry:      expiry.Unix(),
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("marshaling session: %w", err)
	}

	encrypter, err := jose.NewEncrypter(jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: c.current.key, KeyID: c.current.id},
		(&jose.EncrypterOptions{}).WithContentType(contentType),
	)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("creating encrypter: %w", err)
	}
	obj, err := encrypter.Encrypt(plaintext)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sealing session: %w", err)
	}
	value, err := obj.CompactSerialize()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("serializing session: %w", err)
	}
	return value, time.Unix(expiry.Unix(), 0), nil
}

// Decode opens value and re-verifies the ID token inside it. A value that
// must not be honored yields an error matching ErrInvalid. When the token
// cannot be checked at all, the error wraps idtoken.ErrKeysUnavailable and
// says nothing about the value.
func (c *Codec) Decode(ctx context.Context, value string) (identity.Identity, error) {
	if value == "" {
		return identity.Anonymous(), invalid(ReasonEmpty, nil)
	}

	obj, err := jose.ParseEncryptedCompact(value,
		[]jose.KeyAlgorithm{jose.DIRECT},
		[]jose.ContentEncryption{jose.A256GCM},
	)
	if err != nil {
		return identity.Anonymous(), invalid(ReasonMalformed, err)
	}
	if cty, _ := obj.Header.ExtraHeaders[jose.HeaderContentType].(string); cty != contentType {
		return identity.Anonymous(), invalid(ReasonMalformed, fmt.Errorf("unexpected content type %q", cty))
	}

	key, ok := c.keyFor(obj.Header.KeyID)
	if !ok {
		return identity.Anonymous(), invalid(ReasonUnknownKey, fmt.Errorf("kid %q", obj.Header.KeyID))
	}
	plaintext, err := obj.Decrypt(key.key)
	if err != nil {
		return identity.Anonymous(), invalid(ReasonDecrypt, err)
	}

	var p payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return identity.Anonymous(), invalid(ReasonMalformed, err)
	}
	if p.Version != payloadVersion {
		return identity.Anonymous(), invalid(ReasonVersion, fmt.Errorf("version %d", p.Version))
	}
	expiry := time.Unix(p.Expiry, 0)
	if !expiry.After(c.now()) {
		return identity.Anonymous(), invalid(ReasonExpired, fmt.Errorf("expired at %s", expiry.Format(time.RFC3339)))
	}

	verified, err := c.verifier.Verify(ctx, p.IDToken)
	if errors.Is(err, idtoken.ErrKeysUnavailable) {
		return identity.Anonymous(), err
	}
	if err != nil {
		return identity.Anonymous(), invalid(ReasonToken, err)
	}

	claims := verified.Claims
	return identity.Identity{
		Claims:      &claims,
		AccessToken: p.AccessToken,
		ExpiresAt:   earliest(expiry, verified.ExpiresAt),
	}, nil
}

func (c *Codec) keyFor(kid string) (sealingKey, bool) {
	if kid == c.current.id {
		return c.current, true
	}
	k, ok := c.previous[kid]
	return k, ok
}

// earliest returns the earliest non-zero time, or zero if both are zero
func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	default:
		return a
	}
}
