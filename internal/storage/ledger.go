package storage

import (
	"context"
	"errors"
	"time"
)

// ErrLedgerUnavailable wraps backend failures. Callers fall back to the
// provider's own single-use enforcement when they see it.
var ErrLedgerUnavailable = errors.New("code ledger unavailable")

// CodeLedger records authorization codes that have already been presented
// for exchange. Keys are digests of the codes; raw codes are never stored.
type CodeLedger interface {
	// Claim marks key as used for ttl. It returns false if key was already
	// claimed and has not expired yet.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops a claim so the key can be claimed again. Releasing a
	// key that is not held is not an error.
	Release(ctx context.Context, key string) error
	Close() error
}

// NoopLedger claims every key. It leaves replay rejection to the provider.
type NoopLedger struct{}

func (NoopLedger) Claim(context.Context, string, time.Duration) (bool, error) { return true, nil }

func (NoopLedger) Release(context.Context, string) error { return nil }

func (NoopLedger) Close() error { return nil }
