package storage

import (
	"context"
	"sync"
	"time"
)

var _ CodeLedger = (*MemoryLedger)(nil)

// MemoryLedger keeps claimed keys in process memory. It only protects a
// single replica.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry
	now     func() time.Time
	cleanup *CleanupManager
}

// NewMemoryLedger creates a ledger. When cleanupInterval is positive a
// background loop removes expired keys until ctx is done or Close is called.
func NewMemoryLedger(ctx context.Context, cleanupInterval time.Duration) *MemoryLedger {
	l := &MemoryLedger{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
	if cleanupInterval > 0 {
		l.cleanup = NewCleanupManager("memory", l, cleanupInterval)
		l.cleanup.Start(ctx)
	}
	return l
}

// Claim implements CodeLedger
func (l *MemoryLedger) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	l.entries[key] = now.Add(ttl)
	return true, nil
}

// Release implements CodeLedger
func (l *MemoryLedger) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	return nil
}

// CleanupExpired implements Cleaner
func (l *MemoryLedger) CleanupExpired(context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	count := 0
	for key, exp := range l.entries {
		if !now.Before(exp) {
			delete(l.entries, key)
			count++
		}
	}
	return count, nil
}

// Len returns the number of keys held, expired or not
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close stops the cleanup loop. It is safe to call more than once.
func (l *MemoryLedger) Close() error {
	l.mu.Lock()
	cleanup := l.cleanup
	l.cleanup = nil
	l.mu.Unlock()

	if cleanup != nil {
		cleanup.Stop()
	}
	return nil
}
