package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/clinsync/internal/model"
)

const queueColumns = `id, entity_type, entity_id, operation, status, enqueued_at, retry_count,
	max_retries, next_attempt_at, last_attempt_at, last_error, claim_token`

// ClaimOptions controls one ClaimBatch call.
type ClaimOptions struct {
	Limit int
	Now   time.Time
	// Exclude lists item ids that must not be claimed, typically the items
	// already attempted during the current push.
	Exclude []int64
}

// QueueFilter narrows ListQueue.
type QueueFilter struct {
	Status     model.ItemStatus
	EntityType string
	Limit      int
}

// Enqueue records an intent to replicate an entity.
//
// If an open (pending or failed) item exists for the identity, its
// operation is overwritten and EnqueuedAt refreshed: only the latest intent
// is ever transmitted. A failed item that had exhausted its retries is
// revived as pending with a fresh retry budget. Otherwise a new pending item
// is inserted. An item currently being processed is left alone, and the new
// intent gets its own pending row.
func (s *Store) Enqueue(ctx context.Context, ref model.EntityRef, op model.Operation, now time.Time, maxRetries int) (model.QueueItem, error) {
	var item model.QueueItem
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		item, err = tx.Enqueue(ctx, ref, op, now, maxRetries)
		return err
	})
	return item, err
}

func enqueue(ctx context.Context, q querier, ref model.EntityRef, op model.Operation, now time.Time, maxRetries int) (model.QueueItem, error) {
	if ref.Type == "" || ref.ID == "" {
		return model.QueueItem{}, fmt.Errorf("enqueue: entity type and id are required")
	}
	if _, err := model.ParseOperation(string(op)); err != nil {
		return model.QueueItem{}, fmt.Errorf("enqueue %s: %w", ref, err)
	}
	if maxRetries <= 0 {
		maxRetries = model.DefaultMaxRetries
	}
	ts := toMicros(now)

	row := q.QueryRowContext(ctx, `
		INSERT INTO sync_queue
		(entity_type, entity_id, operation, status, enqueued_at, retry_count, max_retries, updated_at)
		VALUES (?, ?, ?, 'pending', ?, 0, ?, ?)
		ON CONFLICT(entity_type, entity_id) WHERE status IN ('pending', 'failed') DO UPDATE SET
			operation       = excluded.operation,
			enqueued_at     = excluded.enqueued_at,
			updated_at      = excluded.updated_at,
			status          = CASE WHEN sync_queue.retry_count >= sync_queue.max_retries THEN 'pending' ELSE sync_queue.status END,
			next_attempt_at = CASE WHEN sync_queue.retry_count >= sync_queue.max_retries THEN 0 ELSE sync_queue.next_attempt_at END,
			last_error      = CASE WHEN sync_queue.retry_count >= sync_queue.max_retries THEN '' ELSE sync_queue.last_error END,
			retry_count     = CASE WHEN sync_queue.retry_count >= sync_queue.max_retries THEN 0 ELSE sync_queue.retry_count END
		RETURNING `+queueColumns,
		ref.Type, ref.ID, string(op), ts, maxRetries, ts,
	)
	item, err := scanQueueItem(row)
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("enqueue %s: %w", ref, err)
	}
	return item, nil
}

// ClaimBatch selects up to Limit pending items and failed items that still
// have retries left and whose backoff has elapsed, oldest EnqueuedAt first,
// and marks them processing in the same transaction. The returned items
// carry a claim token; only its holder can move them on.
func (s *Store) ClaimBatch(ctx context.Context, opts ClaimOptions) ([]model.QueueItem, error) {
	if opts.Limit <= 0 {
		return nil, fmt.Errorf("claim batch: limit must be positive")
	}
	now := toMicros(opts.Now)

	var items []model.QueueItem
	err := s.WithTx(ctx, func(tx *Tx) error {
		query := `
			SELECT id FROM sync_queue
			WHERE (status = 'pending'
			   OR (status = 'failed' AND retry_count < max_retries AND next_attempt_at <= ?))`
		args := []any{now}
		if len(opts.Exclude) > 0 {
			// One JSON parameter keeps long drains under SQLite's
			// bound-variable limit.
			exclude, err := json.Marshal(opts.Exclude)
			if err != nil {
				return fmt.Errorf("claim batch: %w", err)
			}
			query += ` AND id NOT IN (SELECT value FROM json_each(?))`
			args = append(args, string(exclude))
		}
		query += ` ORDER BY enqueued_at ASC, id ASC LIMIT ?`
		args = append(args, opts.Limit)

		ids, err := queryIDs(ctx, tx.tx, query, args...)
		if err != nil {
			return fmt.Errorf("claim batch: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		token := uuid.NewString()
		updateArgs := []any{token, now, now}
		for _, id := range ids {
			updateArgs = append(updateArgs, id)
		}
		if _, err := tx.tx.ExecContext(ctx, `
			UPDATE sync_queue
			SET status = 'processing', claim_token = ?, last_attempt_at = ?, updated_at = ?
			WHERE id IN (`+placeholders(len(ids))+`)
		`, updateArgs...); err != nil {
			return fmt.Errorf("claim batch: %w", err)
		}

		selectArgs := make([]any, len(ids))
		for i, id := range ids {
			selectArgs[i] = id
		}
		rows, err := tx.tx.QueryContext(ctx, `
			SELECT `+queueColumns+` FROM sync_queue
			WHERE id IN (`+placeholders(len(ids))+`)
			ORDER BY enqueued_at ASC, id ASC
		`, selectArgs...)
		if err != nil {
			return fmt.Errorf("claim batch: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			item, err := scanQueueItem(rows)
			if err != nil {
				return err
			}
			items = append(items, item)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Complete marks a claimed item completed.
func (s *Store) Complete(ctx context.Context, item model.QueueItem, now time.Time) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.Complete(ctx, item, now)
	})
}

// Complete marks a claimed item completed inside the transaction.
func (t *Tx) Complete(ctx context.Context, item model.QueueItem, now time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'completed', claim_token = '', last_error = '', updated_at = ?
		WHERE id = ? AND claim_token = ? AND status = 'processing'
	`, toMicros(now), item.ID, item.ClaimToken)
	if err != nil {
		return fmt.Errorf("complete item %d: %w", item.ID, err)
	}
	return requireAffected(res, item.ID)
}

// Fail records a failed attempt on a claimed item and returns the item's
// new state. A retryable failure increments RetryCount and schedules the
// next attempt; a non-retryable one exhausts the item at once. RetryCount
// never exceeds MaxRetries.
//
// If a newer intent for the same entity was enqueued while this item was in
// flight, the claimed row is dropped in favour of it and the newer item is
// returned.
func (s *Store) Fail(ctx context.Context, item model.QueueItem, reason string, retryable bool, nextAttempt, now time.Time) (model.QueueItem, error) {
	var out model.QueueItem
	err := s.WithTx(ctx, func(tx *Tx) error {
		cur, err := claimedItem(ctx, tx.tx, item)
		if err != nil {
			return err
		}
		if open, err := openItem(ctx, tx.tx, cur.Ref()); err == nil {
			out = open
			return deleteItem(ctx, tx.tx, cur.ID)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		retries := cur.RetryCount + 1
		if !retryable || retries > cur.MaxRetries {
			retries = cur.MaxRetries
		}
		next := toMicros(nextAttempt)
		if retries >= cur.MaxRetries {
			next = 0
		}
		if _, err := tx.tx.ExecContext(ctx, `
			UPDATE sync_queue
			SET status = 'failed', retry_count = ?, next_attempt_at = ?, last_error = ?,
				claim_token = '', updated_at = ?
			WHERE id = ?
		`, retries, next, reason, toMicros(now), cur.ID); err != nil {
			return fmt.Errorf("fail item %d: %w", cur.ID, err)
		}
		out, err = getQueueItem(ctx, tx.tx, cur.ID)
		return err
	})
	return out, err
}

// Release returns a claimed item to pending without counting an attempt.
// Used when a push is cancelled mid-batch.
func (s *Store) Release(ctx context.Context, item model.QueueItem, now time.Time) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		cur, err := claimedItem(ctx, tx.tx, item)
		if err != nil {
			return err
		}
		return requeue(ctx, tx.tx, cur, now)
	})
}

// Park moves a claimed item to StatusConflict for manual reconciliation.
func (s *Store) Park(ctx context.Context, item model.QueueItem, reason string, now time.Time) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.Park(ctx, item, reason, now)
	})
}

// Park moves a claimed item to StatusConflict inside the transaction.
func (t *Tx) Park(ctx context.Context, item model.QueueItem, reason string, now time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'conflict', last_error = ?, claim_token = '', updated_at = ?
		WHERE id = ? AND claim_token = ? AND status = 'processing'
	`, reason, toMicros(now), item.ID, item.ClaimToken)
	if err != nil {
		return fmt.Errorf("park item %d: %w", item.ID, err)
	}
	return requireAffected(res, item.ID)
}

// RecoverAbandoned requeues every item left processing by a crashed or
// cancelled drain. Run it at startup before the first push. Returns the
// number of items recovered.
func (s *Store) RecoverAbandoned(ctx context.Context, now time.Time) (int, error) {
	return s.recoverProcessing(ctx, time.Time{}, now)
}

// RecoverStale requeues processing items claimed before claimedBefore.
// Claims taken after it are left to the drain that holds them.
func (s *Store) RecoverStale(ctx context.Context, claimedBefore, now time.Time) (int, error) {
	return s.recoverProcessing(ctx, claimedBefore, now)
}

// recoverProcessing requeues processing items. A zero claimedBefore
// matches every claim.
func (s *Store) recoverProcessing(ctx context.Context, claimedBefore, now time.Time) (int, error) {
	cutoff := int64(math.MaxInt64)
	if !claimedBefore.IsZero() {
		cutoff = toMicros(claimedBefore)
	}

	var n int
	err := s.WithTx(ctx, func(tx *Tx) error {
		rows, err := tx.tx.QueryContext(ctx, `
			SELECT `+queueColumns+` FROM sync_queue
			WHERE status = 'processing' AND last_attempt_at < ?
			ORDER BY enqueued_at DESC, id DESC
		`, cutoff)
		if err != nil {
			return fmt.Errorf("recover abandoned: %w", err)
		}
		var stuck []model.QueueItem
		for rows.Next() {
			item, err := scanQueueItem(rows)
			if err != nil {
				rows.Close()
				return err
			}
			stuck = append(stuck, item)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		// Newest first, so when two abandoned rows share an identity the newer
		// intent survives and the older one coalesces into it.
		for _, item := range stuck {
			if err := requeue(ctx, tx.tx, item, now); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// PruneCompleted deletes completed items last updated before cutoff.
func (s *Store) PruneCompleted(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_queue WHERE status = 'completed' AND updated_at < ?
	`, toMicros(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune completed: %w", err)
	}
	return res.RowsAffected()
}

// QueueStatus summarizes the queue. It is a pure read.
func (s *Store) QueueStatus(ctx context.Context) (model.QueueStatus, error) {
	var st model.QueueStatus

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*), SUM(CASE WHEN retry_count >= max_retries THEN 1 ELSE 0 END)
		FROM sync_queue
		GROUP BY status
	`)
	if err != nil {
		return st, fmt.Errorf("queue status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count, exhausted int
		if err := rows.Scan(&status, &count, &exhausted); err != nil {
			return st, fmt.Errorf("queue status: %w", err)
		}
		switch model.ItemStatus(status) {
		case model.StatusPending:
			st.PendingCount = count
		case model.StatusProcessing:
			st.ProcessingCount = count
		case model.StatusFailed:
			st.FailedCount = count
			st.ExhaustedCount = exhausted
		case model.StatusCompleted:
			st.CompletedCount = count
		case model.StatusConflict:
			st.ConflictCount = count
		}
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("queue status: %w", err)
	}

	var oldest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT MIN(enqueued_at) FROM sync_queue WHERE status = 'pending'
	`).Scan(&oldest); err != nil {
		return st, fmt.Errorf("queue status: %w", err)
	}
	st.OldestPendingAt = fromMicrosPtr(oldest)

	last, err := s.LastSyncAt(ctx)
	if err != nil {
		return st, err
	}
	st.LastSyncAt = last
	return st, nil
}

// ListQueue returns queue items ordered oldest first.
func (s *Store) ListQueue(ctx context.Context, f QueueFilter) ([]model.QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, f.EntityType)
	}
	query += ` ORDER BY enqueued_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	var items []model.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// GetQueueItem returns one item by id.
func (s *Store) GetQueueItem(ctx context.Context, id int64) (model.QueueItem, error) {
	return getQueueItem(ctx, s.db, id)
}

func getQueueItem(ctx context.Context, q querier, id int64) (model.QueueItem, error) {
	row := q.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return item, fmt.Errorf("queue item %d: %w", id, ErrNotFound)
	}
	return item, err
}

func openItem(ctx context.Context, q querier, ref model.EntityRef) (model.QueueItem, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM sync_queue
		WHERE entity_type = ? AND entity_id = ? AND status IN ('pending', 'failed')
	`, ref.Type, ref.ID)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return item, fmt.Errorf("open item %s: %w", ref, ErrNotFound)
	}
	return item, err
}

// claimedItem re-reads an item and checks the caller still holds its claim.
func claimedItem(ctx context.Context, q querier, item model.QueueItem) (model.QueueItem, error) {
	cur, err := getQueueItem(ctx, q, item.ID)
	if err != nil {
		return cur, err
	}
	if cur.Status != model.StatusProcessing || cur.ClaimToken != item.ClaimToken {
		return cur, fmt.Errorf("queue item %d: %w", item.ID, ErrClaimLost)
	}
	return cur, nil
}

// requeue returns a processing item to pending, or drops it when a newer
// open intent for the same entity exists.
func requeue(ctx context.Context, q querier, item model.QueueItem, now time.Time) error {
	if _, err := openItem(ctx, q, item.Ref()); err == nil {
		return deleteItem(ctx, q, item.ID)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if _, err := q.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'pending', claim_token = '', updated_at = ?
		WHERE id = ?
	`, toMicros(now), item.ID); err != nil {
		return fmt.Errorf("requeue item %d: %w", item.ID, err)
	}
	return nil
}

func closeOpen(ctx context.Context, q querier, ref model.EntityRef, status model.ItemStatus, reason string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = ?, last_error = ?, claim_token = '', updated_at = ?
		WHERE entity_type = ? AND entity_id = ? AND status IN ('pending', 'failed')
	`, string(status), reason, toMicros(now), ref.Type, ref.ID)
	if err != nil {
		return fmt.Errorf("close open item %s: %w", ref, err)
	}
	return nil
}

func parkOpen(ctx context.Context, q querier, ref model.EntityRef, reason string, now time.Time, maxRetries int) error {
	res, err := q.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'conflict', last_error = ?, claim_token = '', updated_at = ?
		WHERE entity_type = ? AND entity_id = ? AND status IN ('pending', 'failed')
	`, reason, toMicros(now), ref.Type, ref.ID)
	if err != nil {
		return fmt.Errorf("park open item %s: %w", ref, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if maxRetries <= 0 {
		maxRetries = model.DefaultMaxRetries
	}
	ts := toMicros(now)
	if _, err := q.ExecContext(ctx, `
		INSERT INTO sync_queue
		(entity_type, entity_id, operation, status, enqueued_at, max_retries, last_error, updated_at)
		VALUES (?, ?, 'update', 'conflict', ?, ?, ?, ?)
	`, ref.Type, ref.ID, ts, maxRetries, reason, ts); err != nil {
		return fmt.Errorf("park open item %s: %w", ref, err)
	}
	return nil
}

func deleteItem(ctx context.Context, q querier, id int64) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete item %d: %w", id, err)
	}
	return nil
}

func requireAffected(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("queue item %d: %w", id, ErrClaimLost)
	}
	return nil
}

func queryIDs(ctx context.Context, q querier, query string, args ...any) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func scanQueueItem(sc rowScanner) (model.QueueItem, error) {
	var (
		item                    model.QueueItem
		op, status              string
		enqueued, next, attempt int64
	)
	if err := sc.Scan(
		&item.ID, &item.EntityType, &item.EntityID, &op, &status, &enqueued,
		&item.RetryCount, &item.MaxRetries, &next, &attempt, &item.LastError, &item.ClaimToken,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return item, err
		}
		return item, fmt.Errorf("scan queue item: %w", err)
	}
	item.Operation = model.Operation(op)
	item.Status = model.ItemStatus(status)
	item.EnqueuedAt = fromMicros(enqueued)
	item.NextAttemptAt = fromMicros(next)
	item.LastAttemptAt = fromMicros(attempt)
	return item, nil
}
