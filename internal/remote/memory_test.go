package remote

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/clinsync/internal/model"
	"github.com/roach88/clinsync/internal/testutil"
)

func record(id string, changed time.Time) Record {
	return Record{
		Entity: model.Entity{
			SyncMetadata: model.SyncMetadata{LastModifiedUTC: testutil.Epoch, SyncState: model.SyncSynced},
			Type:         "Patient",
			ID:           id,
			Payload:      model.Object{"name": model.String(id)},
		},
		ChangedAt: changed,
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	m := NewMemoryAuthorityStore()
	ctx := context.Background()
	require.NoError(t, m.Put(ctx, record("P1", testutil.Epoch)))

	got, err := m.Get(ctx, model.EntityRef{Type: "Patient", ID: "P1"})
	require.NoError(t, err)
	got.Entity.Payload["name"] = model.String("mutated")

	again, err := m.Get(ctx, model.EntityRef{Type: "Patient", ID: "P1"})
	require.NoError(t, err)
	assert.Equal(t, model.String("P1"), again.Entity.Payload["name"])

	missing, err := m.Get(ctx, model.EntityRef{Type: "Patient", ID: "nope"})
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryStore_SinceOrderAndLimit(t *testing.T) {
	m := NewMemoryAuthorityStore()
	ctx := context.Background()
	m.Seed(record("P3", testutil.Epoch.Add(3*time.Second)))
	m.Seed(record("P1", testutil.Epoch.Add(1*time.Second)))
	m.Seed(record("P2", testutil.Epoch.Add(2*time.Second)))

	all, err := m.Since(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"P1", "P2", "P3"}, []string{all[0].Entity.ID, all[1].Entity.ID, all[2].Entity.ID})

	since := testutil.Epoch.Add(time.Second)
	after, err := m.Since(ctx, &since, 1)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "P2", after[0].Entity.ID)

	last, err := m.LastChangedAt(ctx)
	require.NoError(t, err)
	assert.Equal(t, testutil.Epoch.Add(3*time.Second), last)
}

func TestMemoryStore_EmptyLastChangedAt(t *testing.T) {
	last, err := NewMemoryAuthorityStore().LastChangedAt(context.Background())
	require.NoError(t, err)
	assert.True(t, last.IsZero())
}
