package remote

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/clinsync/internal/model"
	"github.com/roach88/clinsync/internal/policy"
	"github.com/roach88/clinsync/internal/testutil"
)

func newAuthority(t *testing.T) (*Authority, *MemoryAuthorityStore, *testutil.FakeClock) {
	t.Helper()
	reg, err := policy.Default()
	require.NoError(t, err)
	mem := NewMemoryAuthorityStore()
	clock := testutil.NewFakeClock(testutil.Epoch)
	return NewAuthority(mem, reg, clock, nil), mem, clock
}

func pushItem(entityType, id string, op model.Operation, modified time.Time, payload model.Object) PushItem {
	return PushItem{
		EntityType:       entityType,
		EntityID:         id,
		Operation:        op,
		Payload:          payload,
		LastModifiedUTC:  modified,
		ModifiedByUserID: "u1",
	}
}

func pushOne(t *testing.T, a *Authority, item PushItem) PushOutcome {
	t.Helper()
	out, err := a.Push(context.Background(), []PushItem{item})
	require.NoError(t, err)
	require.Len(t, out, 1)
	return out[0]
}

func TestAuthority_AcceptsNewRecord(t *testing.T) {
	a, mem, _ := newAuthority(t)
	ctx := context.Background()

	out := pushOne(t, a, pushItem("Patient", "P1", model.OpCreate, testutil.Epoch, model.Object{"name": model.String("Ada")}))
	assert.Equal(t, StatusAccepted, out.Status)
	assert.Equal(t, testutil.Epoch, out.ChangedAt)

	rec, err := mem.Get(ctx, model.EntityRef{Type: "Patient", ID: "P1"})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.String("Ada"), rec.Entity.Payload["name"])
	assert.Equal(t, model.SyncSynced, rec.Entity.SyncState)
}

func TestAuthority_ChangeTimesStrictlyIncrease(t *testing.T) {
	a, _, _ := newAuthority(t)

	outs, err := a.Push(context.Background(), []PushItem{
		pushItem("Patient", "P1", model.OpCreate, testutil.Epoch, model.Object{}),
		pushItem("Patient", "P2", model.OpCreate, testutil.Epoch, model.Object{}),
	})
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.True(t, outs[1].ChangedAt.After(outs[0].ChangedAt))
}

func TestAuthority_Rejections(t *testing.T) {
	a, _, _ := newAuthority(t)

	tests := []struct {
		name string
		item PushItem
	}{
		{"unknown type", pushItem("Invoice", "I1", model.OpCreate, testutil.Epoch, nil)},
		{"missing id", pushItem("Patient", "", model.OpCreate, testutil.Epoch, nil)},
		{"bad operation", pushItem("Patient", "P1", "merge", testutil.Epoch, nil)},
		{"missing timestamp", pushItem("Patient", "P1", model.OpCreate, time.Time{}, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := pushOne(t, a, tt.item)
			assert.Equal(t, StatusRejected, out.Status)
			assert.NotEmpty(t, out.Reason)
		})
	}
}

func TestAuthority_StaleWriteConflicts(t *testing.T) {
	a, _, _ := newAuthority(t)

	pushOne(t, a, pushItem("Patient", "P1", model.OpCreate, testutil.Epoch.Add(time.Minute), model.Object{"v": model.Int(2)}))

	out := pushOne(t, a, pushItem("Patient", "P1", model.OpUpdate, testutil.Epoch, model.Object{"v": model.Int(1)}))
	assert.Equal(t, StatusConflict, out.Status)
	assert.Equal(t, model.ReasonRemoteNewer, out.Reason)
	require.NotNil(t, out.Remote)
	assert.Equal(t, model.Int(2), out.Remote.Entity.Payload["v"])

	tie := pushOne(t, a, pushItem("Patient", "P1", model.OpUpdate, testutil.Epoch.Add(time.Minute), model.Object{"v": model.Int(3)}))
	assert.Equal(t, StatusConflict, tie.Status)
	assert.Equal(t, model.ReasonTimestampTie, tie.Reason)
}

func TestAuthority_ObservedRemoteOverride(t *testing.T) {
	a, _, _ := newAuthority(t)

	remoteTS := testutil.Epoch.Add(time.Minute)
	pushOne(t, a, pushItem("Patient", "P1", model.OpCreate, remoteTS, model.Object{"v": model.Int(2)}))

	item := pushItem("Patient", "P1", model.OpUpdate, testutil.Epoch, model.Object{"v": model.Int(1)})
	item.ObservedRemoteUTC = &remoteTS
	out := pushOne(t, a, item)
	assert.Equal(t, StatusAccepted, out.Status)
}

func TestAuthority_IdempotentRepush(t *testing.T) {
	a, _, clock := newAuthority(t)

	item := pushItem("Patient", "P1", model.OpCreate, testutil.Epoch, model.Object{"v": model.Int(1)})
	first := pushOne(t, a, item)
	clock.Advance(time.Hour)
	second := pushOne(t, a, item)

	assert.Equal(t, StatusAccepted, second.Status)
	assert.Equal(t, first.ChangedAt, second.ChangedAt)
}

func TestAuthority_SignedRecordIsImmutable(t *testing.T) {
	a, _, _ := newAuthority(t)

	signed := pushItem("ClinicalNote", "N1", model.OpCreate, testutil.Epoch, model.Object{"body": model.String("final")})
	signed.SignatureHash = "sig"
	require.Equal(t, StatusAccepted, pushOne(t, a, signed).Status)

	edit := pushItem("ClinicalNote", "N1", model.OpUpdate, testutil.Epoch.Add(time.Hour), model.Object{"body": model.String("changed")})
	edit.SignatureHash = "sig"
	out := pushOne(t, a, edit)
	assert.Equal(t, StatusConflict, out.Status)
	assert.Equal(t, model.ReasonRemoteSigned, out.Reason)

	del := pushItem("ClinicalNote", "N1", model.OpDelete, testutil.Epoch.Add(time.Hour), model.Object{"body": model.String("final")})
	del.SignatureHash = "sig"
	assert.Equal(t, StatusConflict, pushOne(t, a, del).Status)

	addendum := pushItem("ClinicalNote", "N1", model.OpUpdate, testutil.Epoch.Add(time.Hour), model.Object{
		"body":    model.String("final"),
		"addenda": model.Array{model.String("A1")},
	})
	addendum.SignatureHash = "sig"
	assert.Equal(t, StatusAccepted, pushOne(t, a, addendum).Status)
}

func TestAuthority_LockHeldByOther(t *testing.T) {
	a, _, _ := newAuthority(t)

	held := pushItem("IntakeSession", "S1", model.OpCreate, testutil.Epoch, model.Object{})
	held.LockHolder = "nurse-a"
	held.LockExpiresUTC = testutil.Epoch.Add(30 * time.Minute)
	require.Equal(t, StatusAccepted, pushOne(t, a, held).Status)

	other := pushItem("IntakeSession", "S1", model.OpUpdate, testutil.Epoch.Add(time.Minute), model.Object{"step": model.Int(2)})
	other.LockHolder = "nurse-b"
	other.LockExpiresUTC = testutil.Epoch.Add(31 * time.Minute)
	out := pushOne(t, a, other)
	assert.Equal(t, StatusConflict, out.Status)
	assert.Equal(t, model.ReasonRemoteLockHeld, out.Reason)

	same := pushItem("IntakeSession", "S1", model.OpUpdate, testutil.Epoch.Add(time.Minute), model.Object{"step": model.Int(2)})
	same.LockHolder = "nurse-a"
	same.LockExpiresUTC = held.LockExpiresUTC
	assert.Equal(t, StatusAccepted, pushOne(t, a, same).Status)
}

func TestAuthority_DeleteKeepsTombstone(t *testing.T) {
	a, _, _ := newAuthority(t)
	ctx := context.Background()

	pushOne(t, a, pushItem("Patient", "P1", model.OpCreate, testutil.Epoch, model.Object{}))
	out := pushOne(t, a, pushItem("Patient", "P1", model.OpDelete, testutil.Epoch.Add(time.Second), model.Object{}))
	assert.Equal(t, StatusAccepted, out.Status)

	changes, err := a.Changes(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.True(t, changes[0].Entity.Deleted)

	// Deleting something never seen is a no-op.
	gone := pushOne(t, a, pushItem("Patient", "P9", model.OpDelete, testutil.Epoch, model.Object{}))
	assert.Equal(t, StatusAccepted, gone.Status)
	changes, err = a.Changes(ctx, nil, 10)
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

func TestAuthority_ChangesSinceWatermark(t *testing.T) {
	a, _, clock := newAuthority(t)
	ctx := context.Background()

	first := pushOne(t, a, pushItem("Patient", "P1", model.OpCreate, testutil.Epoch, model.Object{}))
	clock.Advance(time.Second)
	pushOne(t, a, pushItem("Patient", "P2", model.OpCreate, testutil.Epoch, model.Object{}))

	all, err := a.Changes(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "P1", all[0].Entity.ID)

	after, err := a.Changes(ctx, &first.ChangedAt, 10)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "P2", after[0].Entity.ID)

	limited, err := a.Changes(ctx, nil, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = a.Changes(ctx, nil, 0)
	assert.ErrorIs(t, err, ErrBadRequest)
}
