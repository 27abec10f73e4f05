package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/clinsync/internal/model"
)

// Tx is a write transaction handed to WithTx callbacks and to unit-of-work
// interceptors. Everything done through one Tx commits or rolls back
// together.
type Tx struct {
	tx *sql.Tx
}

// GetEntity reads an entity inside the transaction.
func (t *Tx) GetEntity(ctx context.Context, entityType, entityID string) (*model.Entity, error) {
	return getEntity(ctx, t.tx, entityType, entityID)
}

// PutEntity writes an entity exactly as given.
func (t *Tx) PutEntity(ctx context.Context, e *model.Entity) error {
	return putEntity(ctx, t.tx, e)
}

// SetSyncState updates only the sync state column.
func (t *Tx) SetSyncState(ctx context.Context, ref model.EntityRef, state model.SyncState) error {
	return setSyncState(ctx, t.tx, ref, state)
}

// PurgeEntity removes an entity row entirely.
func (t *Tx) PurgeEntity(ctx context.Context, ref model.EntityRef) error {
	return purgeEntity(ctx, t.tx, ref)
}

// Enqueue upserts the open queue item for an identity. See Store.Enqueue.
func (t *Tx) Enqueue(ctx context.Context, ref model.EntityRef, op model.Operation, now time.Time, maxRetries int) (model.QueueItem, error) {
	return enqueue(ctx, t.tx, ref, op, now, maxRetries)
}

// OpenItem returns the pending or failed item for an identity.
func (t *Tx) OpenItem(ctx context.Context, ref model.EntityRef) (model.QueueItem, error) {
	return openItem(ctx, t.tx, ref)
}

// SupersedeOpen completes the open item for an identity because the
// remote version won. It is a no-op when no open item exists.
func (t *Tx) SupersedeOpen(ctx context.Context, ref model.EntityRef, reason string, now time.Time) error {
	return closeOpen(ctx, t.tx, ref, model.StatusCompleted, reason, now)
}

// ParkOpen moves the open item for an identity to StatusConflict, creating
// one when none exists, so the losing local write is kept for review.
func (t *Tx) ParkOpen(ctx context.Context, ref model.EntityRef, reason string, now time.Time, maxRetries int) error {
	return parkOpen(ctx, t.tx, ref, reason, now, maxRetries)
}

// CloseParked completes every parked (conflict) item for an identity once
// its conflict has been decided. Returns the number of items closed.
func (t *Tx) CloseParked(ctx context.Context, ref model.EntityRef, reason string, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'completed', last_error = ?, updated_at = ?
		WHERE entity_type = ? AND entity_id = ? AND status = 'conflict'
	`, reason, toMicros(now), ref.Type, ref.ID)
	if err != nil {
		return 0, fmt.Errorf("close parked %s: %w", ref, err)
	}
	return res.RowsAffected()
}

// InsertConflict records a conflict.
func (t *Tx) InsertConflict(ctx context.Context, c model.Conflict) error {
	return insertConflict(ctx, t.tx, c)
}

// AppendAudit records an audit entry.
func (t *Tx) AppendAudit(ctx context.Context, a *model.AuditEntry) error {
	return appendAudit(ctx, t.tx, a)
}

// SetMeta stores a sync_meta value.
func (t *Tx) SetMeta(ctx context.Context, key, value string) error {
	return setMeta(ctx, t.tx, key, value)
}

// GetMeta reads a sync_meta value, returning "" when unset.
func (t *Tx) GetMeta(ctx context.Context, key string) (string, error) {
	return getMeta(ctx, t.tx, key)
}
