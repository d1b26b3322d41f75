package storage

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dgellow/auth-front/internal/log"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	_ CodeLedger = (*FirestoreLedger)(nil)
	_ Cleaner    = (*FirestoreLedger)(nil)
)

// codeDoc is a claimed code in Firestore
type codeDoc struct {
	ClaimedAt time.Time `firestore:"claimed_at"`
	// ExpiresAt doubles as the field for a Firestore TTL policy.
	ExpiresAt time.Time `firestore:"expires_at"`
}

// FirestoreLedger claims keys by creating one document per key. Create fails
// with AlreadyExists when another replica claimed the key first.
type FirestoreLedger struct {
	client     *firestore.Client
	collection string
	now        func() time.Time
	cleanup    *CleanupManager
}

// FirestoreOptions configures NewFirestoreLedger
type FirestoreOptions struct {
	ProjectID       string
	Database        string
	Collection      string
	CleanupInterval time.Duration
}

// NewFirestoreLedger creates a Firestore-backed ledger
func NewFirestoreLedger(ctx context.Context, opts FirestoreOptions) (*FirestoreLedger, error) {
	if opts.ProjectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if opts.Collection == "" {
		return nil, fmt.Errorf("collection is required")
	}

	var client *firestore.Client
	var err error
	if opts.Database != "" && opts.Database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, opts.ProjectID, opts.Database)
	} else {
		client, err = firestore.NewClient(ctx, opts.ProjectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	l := &FirestoreLedger{
		client:     client,
		collection: opts.Collection,
		now:        time.Now,
	}
	if opts.CleanupInterval > 0 {
		l.cleanup = NewCleanupManager("firestore", l, opts.CleanupInterval)
		l.cleanup.Start(ctx)
	}
	return l, nil
}

// Claim implements CodeLedger. An existing document that has already expired
// is taken over inside a transaction.
func (l *FirestoreLedger) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := l.now()
	doc := codeDoc{ClaimedAt: now, ExpiresAt: now.Add(ttl)}
	ref := l.client.Collection(l.collection).Doc(key)

	_, err := ref.Create(ctx, doc)
	if err == nil {
		return true, nil
	}
	if status.Code(err) != codes.AlreadyExists {
		return false, fmt.Errorf("%w: firestore: %v", ErrLedgerUnavailable, err)
	}

	claimed := false
	err = l.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var existing codeDoc
			if err := snap.DataTo(&existing); err != nil {
				return err
			}
			if now.Before(existing.ExpiresAt) {
				claimed = false
				return nil
			}
		}
		claimed = true
		return tx.Set(ref, doc)
	})
	if err != nil {
		return false, fmt.Errorf("%w: firestore: %v", ErrLedgerUnavailable, err)
	}
	return claimed, nil
}

// Release implements CodeLedger. Deleting a missing document succeeds.
func (l *FirestoreLedger) Release(ctx context.Context, key string) error {
	if _, err := l.client.Collection(l.collection).Doc(key).Delete(ctx); err != nil {
		return fmt.Errorf("%w: firestore: %v", ErrLedgerUnavailable, err)
	}
	return nil
}

// CleanupExpired deletes expired code documents
func (l *FirestoreLedger) CleanupExpired(ctx context.Context) (int, error) {
	iter := l.client.Collection(l.collection).
		Where("expires_at", "<=", l.now()).
		Documents(ctx)
	defer iter.Stop()

	count := 0
	batch := l.client.Batch()
	batchSize := 0
	const maxBatchSize = 500 // Firestore batch write limit

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return count, fmt.Errorf("failed to iterate expired codes: %w", err)
		}

		batch.Delete(doc.Ref)
		batchSize++
		count++

		if batchSize >= maxBatchSize {
			if _, err := batch.Commit(ctx); err != nil {
				return count, fmt.Errorf("failed to commit batch: %w", err)
			}
			batch = l.client.Batch()
			batchSize = 0
		}
	}

	if batchSize > 0 {
		if _, err := batch.Commit(ctx); err != nil {
			return count, fmt.Errorf("failed to commit final batch: %w", err)
		}
	}

	return count, nil
}

// Close stops cleanup and closes the client
func (l *FirestoreLedger) Close() error {
	if l.cleanup != nil {
		l.cleanup.Stop()
	}
	if err := l.client.Close(); err != nil {
		log.LogWarnWithFields("firestore", "Failed to close Firestore client", map[string]any{
			"error": err.Error(),
		})
		return err
	}
	return nil
}
