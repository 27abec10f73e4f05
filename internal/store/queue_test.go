package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/clinsync/internal/model"
)

func claimAll(t *testing.T, s *Store, now time.Time) []model.QueueItem {
	t.Helper()
	items, err := s.ClaimBatch(context.Background(), ClaimOptions{Limit: 100, Now: now})
	require.NoError(t, err)
	return items
}

func TestEnqueue_CoalescesByIdentity(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first, err := s.Enqueue(ctx, ref("Patient", "P1"), model.OpCreate, t0, 0)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, first.Status)
	assert.Equal(t, model.DefaultMaxRetries, first.MaxRetries)

	second, err := s.Enqueue(ctx, ref("Patient", "P1"), model.OpUpdate, t0.Add(time.Minute), 0)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, model.OpUpdate, second.Operation)
	assert.Equal(t, t0.Add(time.Minute), second.EnqueuedAt)

	items, err := s.ListQueue(ctx, QueueFilter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, model.OpUpdate, items[0].Operation)
}

func TestEnqueue_Validation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, ref("", "P1"), model.OpCreate, t0, 0)
	assert.Error(t, err)

	_, err = s.Enqueue(ctx, ref("Patient", "P1"), model.Operation("upsert"), t0, 0)
	assert.Error(t, err)
}

func TestClaimBatch_OldestFirst(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, ref("Patient", "C"), model.OpCreate, t0.Add(2*time.Second), 0)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, ref("Patient", "A"), model.OpCreate, t0, 0)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, ref("Patient", "B"), model.OpCreate, t0.Add(time.Second), 0)
	require.NoError(t, err)

	items := claimAll(t, s, t0.Add(time.Hour))
	require.Len(t, items, 3)
	assert.Equal(t, "A", items[0].EntityID)
	assert.Equal(t, "B", items[1].EntityID)
	assert.Equal(t, "C", items[2].EntityID)
	for _, item := range items {
		assert.Equal(t, model.StatusProcessing, item.Status)
		assert.NotEmpty(t, item.ClaimToken)
	}
}

func TestClaimBatch_Exclusive(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"P1", "P2", "P3"} {
		_, err := s.Enqueue(ctx, ref("Patient", id), model.OpCreate, t0.Add(time.Duration(i)*time.Second), 0)
		require.NoError(t, err)
	}

	a, err := s.ClaimBatch(ctx, ClaimOptions{Limit: 2, Now: t0})
	require.NoError(t, err)
	b, err := s.ClaimBatch(ctx, ClaimOptions{Limit: 2, Now: t0})
	require.NoError(t, err)
	c, err := s.ClaimBatch(ctx, ClaimOptions{Limit: 2, Now: t0})
	require.NoError(t, err)

	require.Len(t, a, 2)
	require.Len(t, b, 1)
	assert.Empty(t, c)
	assert.Equal(t, "P3", b[0].EntityID)
	assert.NotEqual(t, a[0].ClaimToken, b[0].ClaimToken)
}

func TestClaimBatch_Exclude(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	p1, err := s.Enqueue(ctx, ref("Patient", "P1"), model.OpCreate, t0, 0)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, ref("Patient", "P2"), model.OpCreate, t0.Add(time.Second), 0)
	require.NoError(t, err)

	items, err := s.ClaimBatch(ctx, ClaimOptions{Limit: 10, Now: t0, Exclude: []int64{p1.ID}})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "P2", items[0].EntityID)
}

func TestClaimBatch_ExcludeBeyondVariableLimit(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	p1, err := s.Enqueue(ctx, ref("Patient", "P1"), model.OpCreate, t0, 0)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, ref("Patient", "P2"), model.OpCreate, t0.Add(time.Second), 0)
	require.NoError(t, err)

	exclude := make([]int64, 0, 40000)
	for i := int64(1); len(exclude) < cap(exclude); i++ {
		exclude = append(exclude, p1.ID+i*1000)
	}
	exclude = append(exclude, p1.ID)

	items, err := s.ClaimBatch(ctx, ClaimOptions{Limit: 10, Now: t0, Exclude: exclude})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "P2", items[0].EntityID)
}

func TestClaimBatch_RequiresLimit(t *testing.T) {
	s := createTestStore(t)
	_, err := s.ClaimBatch(context.Background(), ClaimOptions{})
	assert.Error(t, err)
}

func TestComplete_RequiresClaimToken(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, ref("Patient", "P1"), model.OpCreate, t0, 0)
	require.NoError(t, err)
	items := claimAll(t, s, t0)
	require.Len(t, items, 1)

	stale := items[0]
	stale.ClaimToken = "someone-else"
	assert.ErrorIs(t, s.Complete(ctx, stale, t0), ErrClaimLost)

	require.NoError(t, s.Complete(ctx, items[0], t0))
	got, err := s.GetQueueItem(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)

	// A second completion finds no claim.
	assert.ErrorIs(t, s.Complete(ctx, items[0], t0), ErrClaimLost)
}

func TestFail_RetryBound(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, ref("Patient", "P1"), model.OpCreate, t0, 3)
	require.NoError(t, err)

	now := t0
	var last model.QueueItem
	attempts := 0
	for range 10 {
		items := claimAll(t, s, now)
		if len(items) == 0 {
			break
		}
		attempts++
		last, err = s.Fail(ctx, items[0], "unreachable", true, now, now)
		require.NoError(t, err)
		now = now.Add(time.Hour)
	}

	assert.Equal(t, 3, attempts)
	assert.Equal(t, model.StatusFailed, last.Status)
	assert.Equal(t, 3, last.RetryCount)
	assert.True(t, last.Exhausted())
	assert.True(t, last.NextAttemptAt.IsZero())
	assert.Equal(t, "unreachable", last.LastError)
}

func TestFail_BackoffDelaysNextClaim(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, ref("Patient", "P1"), model.OpCreate, t0, 0)
	require.NoError(t, err)
	items := claimAll(t, s, t0)
	require.Len(t, items, 1)

	failed, err := s.Fail(ctx, items[0], "timeout", true, t0.Add(time.Minute), t0)
	require.NoError(t, err)
	assert.Equal(t, 1, failed.RetryCount)
	assert.Equal(t, t0.Add(time.Minute), failed.NextAttemptAt)

	assert.Empty(t, claimAll(t, s, t0.Add(30*time.Second)))
	assert.Len(t, claimAll(t, s, t0.Add(time.Minute)), 1)
}

func TestFail_NonRetryableExhausts(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, ref("Patient", "P1"), model.OpCreate, t0, 5)
	require.NoError(t, err)
	items := claimAll(t, s, t0)

	failed, err := s.Fail(ctx, items[0], "rejected", false, t0, t0)
	require.NoError(t, err)
	assert.Equal(t, 5, failed.RetryCount)
	assert.True(t, failed.Exhausted())
	assert.Empty(t, claimAll(t, s, t0.Add(time.Hour)))
}

func TestEnqueue_RevivesExhaustedItem(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, ref("Patient", "P1"), model.OpCreate, t0, 1)
	require.NoError(t, err)
	items := claimAll(t, s, t0)
	_, err = s.Fail(ctx, items[0], "unreachable", true, t0, t0)
	require.NoError(t, err)

	revived, err := s.Enqueue(ctx, ref("Patient", "P1"), model.OpUpdate, t0.Add(time.Minute), 1)
	require.NoError(t, err)
	assert.Equal(t, items[0].ID, revived.ID)
	assert.Equal(t, model.StatusPending, revived.Status)
	assert.Equal(t, 0, revived.RetryCount)
	assert.Empty(t, revived.LastError)
}

func TestEnqueue_KeepsRetryStateOfFailedItem(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, ref("Patient", "P1"), model.OpCreate, t0, 3)
	require.NoError(t, err)
	items := claimAll(t, s, t0)
	_, err = s.Fail(ctx, items[0], "timeout", true, t0.Add(time.Minute), t0)
	require.NoError(t, err)

	again, err := s.Enqueue(ctx, ref("Patient", "P1"), model.OpUpdate, t0.Add(time.Second), 3)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, again.Status)
	assert.Equal(t, 1, again.RetryCount)
	assert.Equal(t, model.OpUpdate, again.Operation)
}

func TestEnqueue_WhileProcessingCoalescesOnFail(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, ref("Patient", "P1"), model.OpCreate, t0, 0)
	require.NoError(t, err)
	items := claimAll(t, s, t0)
	require.Len(t, items, 1)

	newer, err := s.Enqueue(ctx, ref("Patient", "P1"), model.OpUpdate, t0.Add(time.Second), 0)
	require.NoError(t, err)
	assert.NotEqual(t, items[0].ID, newer.ID)

	out, err := s.Fail(ctx, items[0], "timeout", true, t0, t0)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, out.ID)

	all, err := s.ListQueue(ctx, QueueFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, model.StatusPending, all[0].Status)
	assert.Equal(t, model.OpUpdate, all[0].Operation)
}

func TestRelease_ReturnsToPending(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, ref("Patient", "P1"), model.OpCreate, t0, 0)
	require.NoError(t, err)
	items := claimAll(t, s, t0)

	require.NoError(t, s.Release(ctx, items[0], t0))
	got, err := s.GetQueueItem(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, got.ClaimToken)
}

func TestRecoverAbandoned(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"P1", "P2"} {
		_, err := s.Enqueue(ctx, ref("Patient", id), model.OpCreate, t0, 0)
		require.NoError(t, err)
	}
	require.Len(t, claimAll(t, s, t0), 2)

	n, err := s.RecoverAbandoned(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	st, err := s.QueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.PendingCount)
	assert.Equal(t, 0, st.ProcessingCount)
}

func TestRecoverAbandoned_DropsSupersededClaim(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, ref("Patient", "P1"), model.OpCreate, t0, 0)
	require.NoError(t, err)
	require.Len(t, claimAll(t, s, t0), 1)
	_, err = s.Enqueue(ctx, ref("Patient", "P1"), model.OpDelete, t0.Add(time.Second), 0)
	require.NoError(t, err)

	n, err := s.RecoverAbandoned(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := s.ListQueue(ctx, QueueFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, model.OpDelete, all[0].Operation)
}

func TestRecoverStale_LeavesFreshClaims(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, ref("Patient", "P1"), model.OpCreate, t0, 0)
	require.NoError(t, err)
	stale := claimAll(t, s, t0)
	require.Len(t, stale, 1)

	later := t0.Add(10 * time.Minute)
	_, err = s.Enqueue(ctx, ref("Patient", "P2"), model.OpCreate, later, 0)
	require.NoError(t, err)
	fresh := claimAll(t, s, later)
	require.Len(t, fresh, 1)

	n, err := s.RecoverStale(ctx, t0.Add(5*time.Minute), later)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetQueueItem(ctx, stale[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Empty(t, got.ClaimToken)

	got, err = s.GetQueueItem(ctx, fresh[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, got.Status)
	require.NoError(t, s.Complete(ctx, fresh[0], later))
}

func TestPark(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, ref("ClinicalNote", "N1"), model.OpUpdate, t0, 0)
	require.NoError(t, err)
	items := claimAll(t, s, t0)

	require.NoError(t, s.Park(ctx, items[0], model.ReasonRemoteSigned, t0))
	got, err := s.GetQueueItem(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConflict, got.Status)
	assert.True(t, got.Terminal())
	assert.Empty(t, claimAll(t, s, t0.Add(time.Hour)))
}

func TestParkOpen_CreatesItemWhenNoneOpen(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.ParkOpen(ctx, ref("IntakeSession", "S1"), model.ReasonRemoteLockHeld, t0, 0)
	})
	require.NoError(t, err)

	items, err := s.ListQueue(ctx, QueueFilter{Status: model.StatusConflict})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "S1", items[0].EntityID)
	assert.Equal(t, model.ReasonRemoteLockHeld, items[0].LastError)
}

func TestSupersedeOpen(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	item, err := s.Enqueue(ctx, ref("Patient", "P1"), model.OpUpdate, t0, 0)
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *Tx) error {
		return tx.SupersedeOpen(ctx, item.Ref(), model.ReasonRemoteNewer, t0)
	})
	require.NoError(t, err)

	got, err := s.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
}

func TestQueueStatus_Accuracy(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	empty, err := s.QueueStatus(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty.OldestPendingAt)
	assert.Nil(t, empty.LastSyncAt)

	// P1 completed, P2 failed with retries left, P3 exhausted, P4 processing,
	// P5 and P6 pending.
	for i, id := range []string{"P1", "P2", "P3", "P4"} {
		_, err := s.Enqueue(ctx, ref("Patient", id), model.OpCreate, t0.Add(time.Duration(i)*time.Second), 0)
		require.NoError(t, err)
	}
	items := claimAll(t, s, t0)
	require.Len(t, items, 4)
	require.NoError(t, s.Complete(ctx, items[0], t0))
	_, err = s.Fail(ctx, items[1], "timeout", true, t0.Add(time.Hour), t0)
	require.NoError(t, err)
	_, err = s.Fail(ctx, items[2], "rejected", false, t0, t0)
	require.NoError(t, err)

	_, err = s.Enqueue(ctx, ref("Patient", "P5"), model.OpCreate, t0.Add(10*time.Second), 0)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, ref("Patient", "P6"), model.OpCreate, t0.Add(20*time.Second), 0)
	require.NoError(t, err)
	require.NoError(t, s.SetTime(ctx, MetaLastSyncAt, t0.Add(time.Minute)))

	st, err := s.QueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.PendingCount)
	assert.Equal(t, 1, st.ProcessingCount)
	assert.Equal(t, 2, st.FailedCount)
	assert.Equal(t, 1, st.ExhaustedCount)
	assert.Equal(t, 1, st.CompletedCount)
	require.NotNil(t, st.OldestPendingAt)
	assert.Equal(t, t0.Add(10*time.Second), *st.OldestPendingAt)
	require.NotNil(t, st.LastSyncAt)
	assert.Equal(t, t0.Add(time.Minute), *st.LastSyncAt)
}

func TestPruneCompleted(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"P1", "P2"} {
		_, err := s.Enqueue(ctx, ref("Patient", id), model.OpCreate, t0, 0)
		require.NoError(t, err)
	}
	items := claimAll(t, s, t0)
	require.NoError(t, s.Complete(ctx, items[0], t0))
	require.NoError(t, s.Complete(ctx, items[1], t0.Add(48*time.Hour)))

	n, err := s.PruneCompleted(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	left, err := s.ListQueue(ctx, QueueFilter{Status: model.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "P2", left[0].EntityID)
}

func TestCloseParked(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		return tx.ParkOpen(ctx, ref("IntakeSession", "S1"), "REMOTE_LOCK_HELD", t0, 0)
	}))

	var closed int64
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		var err error
		closed, err = tx.CloseParked(ctx, ref("IntakeSession", "S1"), "resolved", t0.Add(time.Minute))
		return err
	}))
	assert.EqualValues(t, 1, closed)

	st, err := s.QueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.ConflictCount)
	assert.Equal(t, 1, st.CompletedCount)
}
