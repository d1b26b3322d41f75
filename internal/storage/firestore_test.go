package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFirestoreLedgerConfig(t *testing.T) {
	t.Run("missing GCP project ID", func(t *testing.T) {
		_, err := NewFirestoreLedger(context.Background(), FirestoreOptions{Collection: "codes"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "projectID is required")
	})

	t.Run("missing collection", func(t *testing.T) {
		_, err := NewFirestoreLedger(context.Background(), FirestoreOptions{ProjectID: "test-project"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "collection is required")
	})
}
