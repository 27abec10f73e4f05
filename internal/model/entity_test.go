package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityImplementsSyncTracked(t *testing.T) {
	var tracked SyncTracked = &Entity{}
	tracked.SyncMeta().SyncState = SyncPending
	assert.Equal(t, SyncPending, tracked.(*Entity).SyncState)
}

func TestAuditEntryIsNotTracked(t *testing.T) {
	var v any = &AuditEntry{}
	_, ok := v.(SyncTracked)
	assert.False(t, ok)
}

func TestEntityLockActive(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := &Entity{LockHolder: "device-a", LockExpiresUTC: now.Add(time.Minute)}

	assert.True(t, e.LockActive(now))
	assert.False(t, e.LockActive(now.Add(time.Minute)), "expiry instant is not active")

	e.LockHolder = ""
	assert.False(t, e.LockActive(now))
}

func TestEntityClone(t *testing.T) {
	e := &Entity{Type: "Patient", ID: "P1", Payload: Object{"name": String("Ada")}}
	c := e.Clone()
	c.Payload["name"] = String("Grace")
	assert.Equal(t, String("Ada"), e.Payload["name"])
	assert.Nil(t, (*Entity)(nil).Clone())
}

func TestEntityValidate(t *testing.T) {
	require.Error(t, (&Entity{ID: "x"}).Validate())
	require.Error(t, (&Entity{Type: "Patient"}).Validate())
	require.NoError(t, (&Entity{Type: "Patient", ID: "P1"}).Validate())
}

func TestTimestampTruncates(t *testing.T) {
	loc := time.FixedZone("x", 3600)
	in := time.Date(2026, 1, 2, 3, 4, 5, 123456789, loc)
	out := Timestamp(in)

	assert.Equal(t, time.UTC, out.Location())
	assert.Equal(t, 123456000, out.Nanosecond())
	assert.True(t, in.Truncate(time.Microsecond).Equal(out))
}

func TestQueueItemTerminal(t *testing.T) {
	tests := []struct {
		item     QueueItem
		terminal bool
	}{
		{QueueItem{Status: StatusPending, MaxRetries: 3}, false},
		{QueueItem{Status: StatusProcessing, MaxRetries: 3}, false},
		{QueueItem{Status: StatusFailed, RetryCount: 2, MaxRetries: 3}, false},
		{QueueItem{Status: StatusFailed, RetryCount: 3, MaxRetries: 3}, true},
		{QueueItem{Status: StatusCompleted, MaxRetries: 3}, true},
		{QueueItem{Status: StatusConflict, MaxRetries: 3}, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.terminal, tt.item.Terminal(), "%+v", tt.item)
	}
}

func TestParseOperation(t *testing.T) {
	op, err := ParseOperation("update")
	require.NoError(t, err)
	assert.Equal(t, OpUpdate, op)

	_, err = ParseOperation("upsert")
	require.Error(t, err)
}
