package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/clinsync/internal/model"
)

// t0 is the base instant for store tests.
var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// createTestStore opens a fresh database in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func ref(entityType, id string) model.EntityRef {
	return model.EntityRef{Type: entityType, ID: id}
}

// createTestEntity builds an entity with minimal required fields.
func createTestEntity(entityType, id string, payload model.Object) *model.Entity {
	if payload == nil {
		payload = model.Object{}
	}
	return &model.Entity{
		SyncMetadata: model.SyncMetadata{
			LastModifiedUTC:  t0,
			ModifiedByUserID: "u-1",
			SyncState:        model.SyncPending,
		},
		Type:    entityType,
		ID:      id,
		Payload: payload,
	}
}
