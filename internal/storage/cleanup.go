package storage

import (
	"context"
	"sync"
	"time"

	"github.com/dgellow/auth-front/internal/log"
)

// Cleaner removes expired ledger entries
type Cleaner interface {
	CleanupExpired(ctx context.Context) (int, error)
}

// CleanupManager handles periodic cleanup of expired ledger entries
type CleanupManager struct {
	name     string
	cleaner  Cleaner
	interval time.Duration
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(name string, cleaner Cleaner, interval time.Duration) *CleanupManager {
	return &CleanupManager{
		name:     name,
		cleaner:  cleaner,
		interval: interval,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the cleanup loop in a goroutine
func (cm *CleanupManager) Start(ctx context.Context) {
	log.LogDebugWithFields("cleanup", "Starting ledger cleanup", map[string]any{
		"ledger":   cm.name,
		"interval": cm.interval.String(),
	})

	go cm.run(ctx)
}

// Stop ends the loop and waits for it to exit. It is safe to call more than once.
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() {
		close(cm.stopChan)
		<-cm.doneChan
		log.LogDebugWithFields("cleanup", "Ledger cleanup stopped", map[string]any{
			"ledger": cm.name,
		})
	})
}

func (cm *CleanupManager) run(ctx context.Context) {
	defer close(cm.doneChan)

	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cm.cleanup(ctx)
		case <-cm.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (cm *CleanupManager) cleanup(ctx context.Context) {
	count, err := cm.cleaner.CleanupExpired(ctx)
	if err != nil {
		log.LogErrorWithFields("cleanup", "Failed to clean up expired codes", map[string]any{
			"ledger": cm.name,
			"error":  err.Error(),
		})
		return
	}

	if count > 0 {
		log.LogDebugWithFields("cleanup", "Cleaned up expired codes", map[string]any{
			"ledger": cm.name,
			"count":  count,
		})
	}
}
