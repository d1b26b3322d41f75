package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MinSecretLength is the minimum accepted length of a configured secret
const MinSecretLength = 32

// ErrSecretTooShort is returned when a configured secret is too weak to derive keys from
var ErrSecretTooShort = errors.New("secret must be at least 32 bytes")

// Key purposes. Each purpose yields an independent key from the same secret.
const (
	PurposeSessionEncryption = "auth-front session encryption v1"
	PurposeCodeLedger        = "auth-front code ledger v1"
)

// DeriveKey derives a 32-byte key for purpose from secret using HKDF-SHA256.
func DeriveKey(secret []byte, purpose string) ([]byte, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrSecretTooShort
	}
	r := hkdf.New(sha256.New, secret, nil, []byte(purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving %q key: %w", purpose, err)
	}
	return key, nil
}

// Digester produces keyed digests of sensitive values, so that lookups can be
// made on values that must never be stored verbatim.
type Digester struct {
	key []byte
}

// NewDigester derives the digest key from secret
func NewDigester(secret []byte) (*Digester, error) {
	key, err := DeriveKey(secret, PurposeCodeLedger)
	if err != nil {
		return nil, err
	}
	return &Digester{key: key}, nil
}

// Digest returns the hex HMAC-SHA256 of value
func (d *Digester) Digest(value string) string {
	mac := hmac.New(sha256.New, d.key)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
