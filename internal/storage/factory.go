package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/dgellow/auth-front/internal/config"
	"github.com/dgellow/auth-front/internal/crypto"
	"github.com/dgellow/auth-front/internal/log"
)

// NewLedger builds the ledger selected by cfg
func NewLedger(ctx context.Context, cfg config.LedgerConfig) (CodeLedger, error) {
	switch cfg.Kind {
	case config.LedgerMemory, "":
		return NewMemoryLedger(ctx, cfg.CleanupInterval), nil
	case config.LedgerRedis:
		if cfg.Redis == nil {
			return nil, fmt.Errorf("redis ledger requires a redis section")
		}
		return NewRedisLedger(ctx, RedisOptions{
			Addr:      cfg.Redis.Addr,
			Username:  cfg.Redis.Username,
			Password:  string(cfg.Redis.Password),
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
	case config.LedgerFirestore:
		if cfg.Firestore == nil {
			return nil, fmt.Errorf("firestore ledger requires a firestore section")
		}
		return NewFirestoreLedger(ctx, FirestoreOptions{
			ProjectID:       cfg.Firestore.ProjectID,
			Database:        cfg.Firestore.Database,
			Collection:      cfg.Firestore.Collection,
			CleanupInterval: cfg.CleanupInterval,
		})
	case config.LedgerNone:
		return NoopLedger{}, nil
	default:
		return nil, fmt.Errorf("unknown ledger kind: %s", cfg.Kind)
	}
}

// CodeGuard claims authorization codes in a ledger under their keyed digest
type CodeGuard struct {
	ledger   CodeLedger
	digester *crypto.Digester
	ttl      time.Duration
}

// NewCodeGuard creates a guard. secret keys the code digests.
func NewCodeGuard(ledger CodeLedger, secret []byte, ttl time.Duration) (*CodeGuard, error) {
	digester, err := crypto.NewDigester(secret)
	if err != nil {
		return nil, err
	}
	return &CodeGuard{ledger: ledger, digester: digester, ttl: ttl}, nil
}

// Claim reports whether code is presented for the first time. On a ledger
// failure it returns true together with the error, leaving the decision to
// the provider.
func (g *CodeGuard) Claim(ctx context.Context, code string) (bool, error) {
	key := g.digester.Digest(code)
	fresh, err := g.ledger.Claim(ctx, key, g.ttl)
	if err != nil {
		log.LogWarnWithFields("ledger", "Code ledger unavailable, relying on provider", map[string]any{
			"code":  log.Fingerprint(key),
			"error": err.Error(),
		})
		return true, err
	}
	return fresh, nil
}

// Release makes code claimable again. It is used when the provider never
// got to redeem the code, so a retry can still reach it.
func (g *CodeGuard) Release(ctx context.Context, code string) error {
	key := g.digester.Digest(code)
	if err := g.ledger.Release(ctx, key); err != nil {
		log.LogWarnWithFields("ledger", "Failed to release code claim", map[string]any{
			"code":  log.Fingerprint(key),
			"error": err.Error(),
		})
		return err
	}
	return nil
}

// Fingerprint returns a short loggable identifier for code
func (g *CodeGuard) Fingerprint(code string) string {
	return log.Fingerprint(g.digester.Digest(code))
}
