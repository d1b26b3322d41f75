package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dgellow/auth-front/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestNewLedger(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name        string
		cfg         config.LedgerConfig
		wantType    any
		expectError string
	}{
		{name: "memory", cfg: config.LedgerConfig{Kind: config.LedgerMemory}, wantType: &MemoryLedger{}},
		{name: "default", cfg: config.LedgerConfig{}, wantType: &MemoryLedger{}},
		{name: "none", cfg: config.LedgerConfig{Kind: config.LedgerNone}, wantType: NoopLedger{}},
		{
			name:     "redis",
			cfg:      config.LedgerConfig{Kind: config.LedgerRedis, Redis: &config.RedisConfig{Addr: mr.Addr(), KeyPrefix: "x:"}},
			wantType: &RedisLedger{},
		},
		{name: "redis without section", cfg: config.LedgerConfig{Kind: config.LedgerRedis}, expectError: "requires a redis section"},
		{name: "firestore without section", cfg: config.LedgerConfig{Kind: config.LedgerFirestore}, expectError: "requires a firestore section"},
		{name: "unknown", cfg: config.LedgerConfig{Kind: "etcd"}, expectError: "unknown ledger kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger, err := NewLedger(context.Background(), tt.cfg)
			if tt.expectError != "" {
				assert.ErrorContains(t, err, tt.expectError)
				return
			}
			require.NoError(t, err)
			defer ledger.Close()
			assert.IsType(t, tt.wantType, ledger)
		})
	}
}

func TestCodeGuard(t *testing.T) {
	ledger := NewMemoryLedger(context.Background(), 0)
	defer ledger.Close()

	guard, err := NewCodeGuard(ledger, testSecret, time.Minute)
	require.NoError(t, err)

	fresh, err := guard.Claim(context.Background(), "abc123")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = guard.Claim(context.Background(), "abc123")
	require.NoError(t, err)
	assert.False(t, fresh)

	for key := range ledger.entries {
		assert.NotContains(t, key, "abc123", "raw codes are never stored")
		assert.Len(t, key, 64)
	}
	assert.Len(t, guard.Fingerprint("abc123"), 12)
}

type brokenLedger struct{}

func (brokenLedger) Claim(context.Context, string, time.Duration) (bool, error) {
	return false, errors.Join(ErrLedgerUnavailable, errors.New("connection refused"))
}

func (brokenLedger) Release(context.Context, string) error {
	return errors.Join(ErrLedgerUnavailable, errors.New("connection refused"))
}

func (brokenLedger) Close() error { return nil }

func TestCodeGuardRelease(t *testing.T) {
	ledger := NewMemoryLedger(context.Background(), 0)
	defer ledger.Close()

	guard, err := NewCodeGuard(ledger, testSecret, time.Minute)
	require.NoError(t, err)

	fresh, err := guard.Claim(context.Background(), "abc123")
	require.NoError(t, err)
	require.True(t, fresh)

	require.NoError(t, guard.Release(context.Background(), "abc123"))
	assert.Zero(t, ledger.Len())

	fresh, err = guard.Claim(context.Background(), "abc123")
	require.NoError(t, err)
	assert.True(t, fresh, "a released code can be claimed again")

	broken, err := NewCodeGuard(brokenLedger{}, testSecret, time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, broken.Release(context.Background(), "abc123"), ErrLedgerUnavailable)
}

func TestCodeGuardFailsOpen(t *testing.T) {
	guard, err := NewCodeGuard(brokenLedger{}, testSecret, time.Minute)
	require.NoError(t, err)

	fresh, err := guard.Claim(context.Background(), "abc123")
	assert.True(t, fresh)
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
}

func TestNewCodeGuardRejectsShortSecret(t *testing.T) {
	_, err := NewCodeGuard(NoopLedger{}, []byte("short"), time.Minute)
	assert.Error(t, err)
}
