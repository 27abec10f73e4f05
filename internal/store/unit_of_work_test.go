package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/clinsync/internal/model"
)

func TestUnitOfWork_AddAndUpdate(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e := createTestEntity("Patient", "P1", model.Object{"name": model.String("Ada")})
	uow := s.NewUnitOfWork()
	uow.Add(e)
	uow.Add(&model.AuditEntry{ID: "a1", Action: "create", EntityType: "Patient", EntityID: "P1", ActorID: "u-1", At: t0})
	require.NoError(t, uow.Commit(ctx))
	assert.Equal(t, 0, uow.Len())

	got, err := s.GetEntity(ctx, "Patient", "P1")
	require.NoError(t, err)
	assert.Equal(t, model.String("Ada"), got.Payload["name"])
	assert.Equal(t, t0, got.LastModifiedUTC)

	got.Payload["name"] = model.String("Ada L.")
	uow.Update(got)
	require.NoError(t, uow.Commit(ctx))

	got, err = s.GetEntity(ctx, "Patient", "P1")
	require.NoError(t, err)
	assert.Equal(t, model.String("Ada L."), got.Payload["name"])

	audit, err := s.ListAudit(ctx, ref("Patient", "P1"))
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "create", audit[0].Action)
}

func TestUnitOfWork_IdentityChecks(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	uow := s.NewUnitOfWork()
	uow.Update(createTestEntity("Patient", "missing", nil))
	assert.ErrorIs(t, uow.Commit(ctx), ErrNotFound)

	uow.Add(createTestEntity("Patient", "P1", nil))
	require.NoError(t, uow.Commit(ctx))

	uow.Add(createTestEntity("Patient", "P1", nil))
	assert.ErrorIs(t, uow.Commit(ctx), ErrExists)
}

func TestUnitOfWork_RemoveKeepsTombstone(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	uow := s.NewUnitOfWork()
	uow.Add(createTestEntity("Patient", "P1", nil))
	require.NoError(t, uow.Commit(ctx))

	got, err := s.GetEntity(ctx, "Patient", "P1")
	require.NoError(t, err)
	uow.Remove(got)
	require.NoError(t, uow.Commit(ctx))

	got, err = s.GetEntity(ctx, "Patient", "P1")
	require.NoError(t, err)
	assert.True(t, got.Deleted)

	// Re-adding over a tombstone is allowed.
	uow.Add(createTestEntity("Patient", "P1", nil))
	require.NoError(t, uow.Commit(ctx))
	got, err = s.GetEntity(ctx, "Patient", "P1")
	require.NoError(t, err)
	assert.False(t, got.Deleted)
}

func TestUnitOfWork_InterceptorSeesPreviousAndMutates(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var seen []*Entry
	s.Use(InterceptorFunc(func(ctx context.Context, tx *Tx, entries []*Entry) error {
		seen = entries
		for _, entry := range entries {
			if e, ok := entry.Entity(); ok {
				e.ModifiedByUserID = "stamped"
			}
		}
		return nil
	}))

	uow := s.NewUnitOfWork()
	uow.Add(createTestEntity("Patient", "P1", nil))
	require.NoError(t, uow.Commit(ctx))
	require.Len(t, seen, 1)
	assert.Equal(t, EntryAdded, seen[0].State)
	assert.Nil(t, seen[0].Previous)

	next := createTestEntity("Patient", "P1", model.Object{"x": model.Int(1)})
	uow.Update(next)
	require.NoError(t, uow.Commit(ctx))
	require.Len(t, seen, 1)
	assert.Equal(t, EntryModified, seen[0].State)
	require.NotNil(t, seen[0].Previous)
	assert.Equal(t, "stamped", seen[0].Previous.ModifiedByUserID)

	got, err := s.GetEntity(ctx, "Patient", "P1")
	require.NoError(t, err)
	assert.Equal(t, "stamped", got.ModifiedByUserID)
}

func TestUnitOfWork_InterceptorErrorAbortsCommit(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	s.Use(InterceptorFunc(func(ctx context.Context, tx *Tx, entries []*Entry) error {
		if _, err := tx.Enqueue(ctx, ref("Patient", "P1"), model.OpCreate, t0, 0); err != nil {
			return err
		}
		return boom
	}))

	uow := s.NewUnitOfWork()
	uow.Add(createTestEntity("Patient", "P1", nil))
	assert.ErrorIs(t, uow.Commit(ctx), boom)

	_, err := s.GetEntity(ctx, "Patient", "P1")
	assert.ErrorIs(t, err, ErrNotFound)
	items, err := s.ListQueue(ctx, QueueFilter{})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestUnitOfWork_RejectsUnknownValues(t *testing.T) {
	s := createTestStore(t)

	uow := s.NewUnitOfWork()
	uow.Add("not an entity")
	assert.Error(t, uow.Commit(context.Background()))
}

func TestEntities_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e := createTestEntity("ClinicalNote", "N1", model.Object{
		"body":    model.String("note"),
		"addenda": model.Array{model.String("A1")},
		"big":     model.Int(1 << 60),
	})
	e.SignatureHash = "sig"
	e.LockHolder = "u-2"
	e.LockExpiresUTC = t0.Add(30 * time.Minute)
	e.SyncState = model.SyncSynced

	err := s.WithTx(ctx, func(tx *Tx) error { return tx.PutEntity(ctx, e) })
	require.NoError(t, err)

	got, err := s.GetEntity(ctx, "ClinicalNote", "N1")
	require.NoError(t, err)
	assert.Equal(t, e, got)

	list, err := s.ListEntities(ctx, "ClinicalNote")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = s.ListEntities(ctx, "Patient")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestConflicts_InsertListResolve(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	c := model.Conflict{
		ID:                "c1",
		EntityType:        "ClinicalNote",
		EntityID:          "N1",
		Phase:             model.PhasePull,
		Kind:              model.KindImmutabilityViolation,
		Reason:            model.ReasonLocalSigned,
		LocalModifiedUTC:  t0,
		RemoteModifiedUTC: t0.Add(time.Minute),
		Resolution:        model.ResolutionPending,
		LocalPayload:      model.Object{"body": model.String("a")},
		RemotePayload:     model.Object{"body": model.String("b")},
		DetectedAt:        t0,
	}
	require.NoError(t, s.InsertConflict(ctx, c))

	got, err := s.GetConflict(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, c, got)

	open, err := s.ListConflicts(ctx, ConflictFilter{OpenOnly: true})
	require.NoError(t, err)
	assert.Len(t, open, 1)
	n, err := s.CountOpenConflicts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = s.WithTx(ctx, func(tx *Tx) error {
		return tx.ResolveConflict(ctx, "c1", model.ResolutionKeptLocal, t0.Add(time.Hour))
	})
	require.NoError(t, err)

	got, err = s.GetConflict(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, got.Open())
	require.NotNil(t, got.ResolvedAt)
	assert.Equal(t, t0.Add(time.Hour), *got.ResolvedAt)

	// Already resolved.
	err = s.WithTx(ctx, func(tx *Tx) error {
		return tx.ResolveConflict(ctx, "c1", model.ResolutionKeptRemote, t0)
	})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetConflict(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMeta_Times(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	wm, err := s.PullWatermark(ctx)
	require.NoError(t, err)
	assert.Nil(t, wm)

	ts := t0.Add(1234 * time.Microsecond)
	require.NoError(t, s.SetTime(ctx, MetaPullWatermark, ts))

	wm, err = s.PullWatermark(ctx)
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.True(t, ts.Equal(*wm))
}
