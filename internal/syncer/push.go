package syncer

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/roach88/clinsync/internal/model"
	"github.com/roach88/clinsync/internal/policy"
	"github.com/roach88/clinsync/internal/remote"
	"github.com/roach88/clinsync/internal/resolve"
	"github.com/roach88/clinsync/internal/store"
)

// claimed is one queue item in flight together with the version pushed.
type claimed struct {
	item   model.QueueItem
	policy policy.EntityPolicy
	entity *model.Entity
	push   remote.PushItem
}

// Push drains the queue in batches and transmits each item's current
// entity state. Every eligible item is attempted at most once per call.
//
// Per-item failures and conflicts are reported in the result. An error is
// returned only when the local store fails or ctx is cancelled; claimed
// items that were not settled are then returned to pending.
func (e *Engine) Push(ctx context.Context) (*PushResult, error) {
	ctx, span := e.tracer.Start(ctx, "sync.push")
	defer span.End()

	res := newPushResult()
	var attempted []int64
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		items, err := e.store.ClaimBatch(ctx, store.ClaimOptions{
			Limit:   e.cfg.BatchSize,
			Now:     e.clock.Now(),
			Exclude: attempted,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return res, fmt.Errorf("push: %w", err)
		}
		if len(items) == 0 {
			break
		}
		for _, it := range items {
			attempted = append(attempted, it.ID)
		}
		if err := e.pushBatch(ctx, items, res); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return res, err
		}
	}

	span.SetAttributes(
		attribute.Int("clinsync.push.total", res.TotalPushed),
		attribute.Int("clinsync.push.success", res.SuccessCount),
		attribute.Int("clinsync.push.failure", res.FailureCount),
		attribute.Int("clinsync.push.conflict", res.ConflictCount),
	)
	e.logger.Info("push finished",
		zap.Int("total", res.TotalPushed),
		zap.Int("success", res.SuccessCount),
		zap.Int("failure", res.FailureCount),
		zap.Int("conflict", res.ConflictCount))
	return res, nil
}

func (e *Engine) pushBatch(ctx context.Context, items []model.QueueItem, res *PushResult) error {
	// Settling writes outcomes the remote has already acted on, so it must
	// not be abandoned half way when ctx is cancelled.
	sctx := context.WithoutCancel(ctx)

	var batch []*claimed
	for _, it := range items {
		c, err := e.prepare(ctx, it, res)
		if err != nil {
			e.release(sctx, items)
			return err
		}
		if c != nil {
			batch = append(batch, c)
		}
	}
	if len(batch) == 0 {
		return nil
	}

	pushItems := make([]remote.PushItem, len(batch))
	for i, c := range batch {
		pushItems[i] = c.push
	}
	outcomes, err := e.remote.Push(ctx, pushItems)
	if err != nil {
		if ctx.Err() != nil {
			e.releaseClaimed(sctx, batch)
			return ctx.Err()
		}
		retryable := !errors.Is(err, remote.ErrBadRequest)
		for _, c := range batch {
			if err := e.failItem(sctx, c.item, err, retryable, false, res); err != nil {
				return err
			}
		}
		return nil
	}

	for i, c := range batch {
		if err := e.settle(ctx, sctx, c, outcomes[i], res, false); err != nil {
			e.releaseClaimed(sctx, batch[i+1:])
			return err
		}
	}
	return nil
}

// prepare loads the entity for a claimed item. It returns nil when the
// item was settled without a remote call.
func (e *Engine) prepare(ctx context.Context, it model.QueueItem, res *PushResult) (*claimed, error) {
	p, err := e.policies.Lookup(it.EntityType)
	if err != nil {
		return nil, e.failItem(ctx, it, err, false, false, res)
	}

	ent, err := e.store.GetEntity(ctx, it.EntityType, it.EntityID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if it.Operation == model.OpDelete {
			// Purged after the delete was already settled elsewhere.
			if err := e.store.Complete(ctx, it, e.clock.Now()); err != nil {
				return nil, err
			}
			e.count(res, "accepted")
			return nil, nil
		}
		return nil, e.failMissing(ctx, it, res)
	case err != nil:
		return nil, fmt.Errorf("push: %w", err)
	}

	op := it.Operation
	switch {
	case ent.Deleted:
		op = model.OpDelete
	case op == model.OpDelete:
		// Re-created after the delete was queued.
		op = model.OpUpdate
	}
	return &claimed{item: it, policy: p, entity: ent, push: remote.ItemFromEntity(ent, op)}, nil
}

func (e *Engine) settle(ctx, sctx context.Context, c *claimed, out remote.PushOutcome, res *PushResult, retried bool) error {
	switch out.Status {
	case remote.StatusAccepted:
		if err := e.settleAccepted(sctx, c); err != nil {
			return e.claimError(c, err, res)
		}
		if !retried {
			e.count(res, "accepted")
		}
		return nil
	case remote.StatusRejected:
		return e.failItem(sctx, c.item, fmt.Errorf("%w: %s", remote.ErrBadRequest, out.Reason), false, retried, res)
	case remote.StatusConflict:
		if out.Remote == nil {
			return e.failItem(sctx, c.item, fmt.Errorf("conflict outcome without remote version"), true, retried, res)
		}
		return e.settleConflict(ctx, sctx, c, out, res, retried)
	default:
		return e.failItem(sctx, c.item, fmt.Errorf("unknown push status %q", out.Status), true, retried, res)
	}
}

// settleAccepted completes the item. The entity becomes Synced only if no
// newer local edit raced the push; an acknowledged tombstone is purged.
func (e *Engine) settleAccepted(ctx context.Context, c *claimed) error {
	return e.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.Complete(ctx, c.item, e.clock.Now()); err != nil {
			return err
		}
		cur, err := tx.GetEntity(ctx, c.item.EntityType, c.item.EntityID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !cur.LastModifiedUTC.Equal(c.push.LastModifiedUTC) {
			return nil
		}
		if cur.Deleted {
			return tx.PurgeEntity(ctx, cur.Ref())
		}
		if cur.SyncState != model.SyncPending {
			return nil
		}
		return tx.SetSyncState(ctx, cur.Ref(), model.SyncSynced)
	})
}

func (e *Engine) settleConflict(ctx, sctx context.Context, c *claimed, out remote.PushOutcome, res *PushResult, retried bool) error {
	remoteEnt := out.Remote.Entity.Clone()
	now := e.clock.Now()

	dec, err := resolve.Resolve(c.policy, c.entity, remoteEnt, now)
	if err != nil {
		return e.failItem(sctx, c.item, err, false, retried, res)
	}
	if retried && (dec.Outcome == resolve.KeepLocal || dec.Outcome == resolve.Merge) {
		// The authority refused the version even after seeing ours supersede
		// its own; a second round would not change that.
		dec = resolve.Decision{
			Outcome:    resolve.Park,
			Kind:       dec.Kind,
			Reason:     out.Reason,
			Resolution: model.ResolutionPending,
		}
	}

	conflict := e.newConflict(model.PhasePush, dec.Kind, dec.Reason, dec.Resolution, c.entity, remoteEnt)
	if !retried {
		res.ConflictCount++
		res.TotalPushed++
		e.metrics.ObserveItem(string(model.PhasePush), "conflict")
	}
	res.Conflicts = append(res.Conflicts, conflict)
	e.logger.Info("push conflict",
		zap.String("entity", c.item.Ref().String()),
		zap.String("reason", dec.Reason),
		zap.String("outcome", dec.Outcome.String()))

	switch dec.Outcome {
	case resolve.TakeRemote:
		err = e.store.WithTx(sctx, func(tx *store.Tx) error {
			if err := tx.InsertConflict(sctx, conflict); err != nil {
				return err
			}
			if dec.PreserveLocal {
				if err := tx.Park(sctx, c.item, dec.Reason, now); err != nil {
					return err
				}
			} else if err := tx.Complete(sctx, c.item, now); err != nil {
				return err
			}
			cur, err := tx.GetEntity(sctx, c.item.EntityType, c.item.EntityID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if cur != nil && !cur.LastModifiedUTC.Equal(c.push.LastModifiedUTC) {
				// A newer local edit is queued and will meet the remote
				// version on its own push.
				return nil
			}
			return applyRemote(sctx, tx, remoteEnt)
		})
		return e.claimError(c, err, res)

	case resolve.Park:
		err = e.store.WithTx(sctx, func(tx *store.Tx) error {
			if err := tx.InsertConflict(sctx, conflict); err != nil {
				return err
			}
			if err := tx.Park(sctx, c.item, dec.Reason, now); err != nil {
				return err
			}
			return tx.SetSyncState(sctx, c.item.Ref(), model.SyncConflict)
		})
		return e.claimError(c, err, res)

	case resolve.KeepLocal, resolve.Merge:
		next := c.entity
		settled := false
		err = e.store.WithTx(sctx, func(tx *store.Tx) error {
			if err := tx.InsertConflict(sctx, conflict); err != nil {
				return err
			}
			if dec.Outcome != resolve.Merge {
				return nil
			}
			base, merged := c.entity, dec.Merged
			cur, err := tx.GetEntity(sctx, c.item.EntityType, c.item.EntityID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				settled = true
				return tx.Complete(sctx, c.item, now)
			case err != nil:
				return err
			}
			if !cur.LastModifiedUTC.Equal(c.push.LastModifiedUTC) {
				// A local edit landed while the push was in flight; fold the
				// remote metadata into that version instead.
				again, err := resolve.Resolve(c.policy, cur, remoteEnt, now)
				if err != nil {
					return err
				}
				if again.Outcome != resolve.Merge {
					// The newer edit is queued and meets the remote version
					// on its own push.
					settled = true
					return tx.Complete(sctx, c.item, now)
				}
				base, merged = cur, again.Merged
			}
			next = merged.Clone()
			next.LastModifiedUTC = supersede(now, base.LastModifiedUTC, remoteEnt.LastModifiedUTC)
			next.ModifiedByUserID = model.SystemUserID
			next.SyncState = model.SyncPending
			return tx.PutEntity(sctx, next)
		})
		if err != nil || settled {
			return e.claimError(c, err, res)
		}
		return e.repush(ctx, sctx, c, next, remoteEnt, res)
	}
	return fmt.Errorf("push %s: unhandled outcome %s", c.item.Ref(), dec.Outcome)
}

// repush offers next again, declaring that it supersedes the remote
// version the authority just returned.
func (e *Engine) repush(ctx, sctx context.Context, c *claimed, next, remoteEnt *model.Entity, res *PushResult) error {
	item := remote.ItemFromEntity(next, c.push.Operation)
	observed := remoteEnt.LastModifiedUTC
	item.ObservedRemoteUTC = &observed
	c2 := &claimed{item: c.item, policy: c.policy, entity: next, push: item}

	outcomes, err := e.remote.Push(ctx, []remote.PushItem{item})
	if err != nil {
		if ctx.Err() != nil {
			e.releaseClaimed(sctx, []*claimed{c2})
			return ctx.Err()
		}
		return e.failItem(sctx, c.item, err, !errors.Is(err, remote.ErrBadRequest), true, res)
	}
	return e.settle(ctx, sctx, c2, outcomes[0], res, true)
}

// failItem records a failed attempt and reports it.
// counted is set when the item was already reported as a conflict.
func (e *Engine) failItem(ctx context.Context, it model.QueueItem, cause error, retryable, counted bool, res *PushResult) error {
	now := e.clock.Now()
	next := now.Add(e.cfg.Backoff.Delay(it.RetryCount + 1))
	updated, err := e.store.Fail(ctx, it, cause.Error(), retryable, next, now)
	if errors.Is(err, store.ErrClaimLost) {
		e.logger.Warn("queue claim lost", zap.Int64("item", it.ID), zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}

	var serr *SyncError
	switch {
	case !retryable:
		serr = newSyncError(CodeRejected, it.Ref(), cause)
	case updated.ID == it.ID && updated.Exhausted():
		serr = newSyncError(CodeRetriesExhausted, it.Ref(), fmt.Errorf("%w: %v", ErrTransport, cause))
	default:
		serr = newSyncError(CodeTransport, it.Ref(), fmt.Errorf("%w: %v", ErrTransport, cause))
	}
	res.Errors = append(res.Errors, serr)
	if !counted {
		e.count(res, "failed")
	}
	e.logger.Warn("push item failed",
		zap.String("entity", it.Ref().String()),
		zap.String("code", string(serr.Code)),
		zap.Int("retry_count", updated.RetryCount),
		zap.Error(cause))
	return nil
}

func (e *Engine) failMissing(ctx context.Context, it model.QueueItem, res *PushResult) error {
	cause := fmt.Errorf("entity %s not found locally", it.Ref())
	now := e.clock.Now()
	if _, err := e.store.Fail(ctx, it, cause.Error(), false, now, now); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	res.Errors = append(res.Errors, newSyncError(CodeMissingEntity, it.Ref(), cause))
	e.count(res, "failed")
	return nil
}

// claimError downgrades a lost claim to a logged warning; the item belongs
// to another drain now. Other errors propagate.
func (e *Engine) claimError(c *claimed, err error, res *PushResult) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrClaimLost) {
		e.logger.Warn("queue claim lost", zap.Int64("item", c.item.ID), zap.Error(err))
		return nil
	}
	return fmt.Errorf("push %s: %w", c.item.Ref(), err)
}

func (e *Engine) count(res *PushResult, outcome string) {
	res.TotalPushed++
	switch outcome {
	case "accepted":
		res.SuccessCount++
	case "failed":
		res.FailureCount++
	}
	e.metrics.ObserveItem(string(model.PhasePush), outcome)
}

func (e *Engine) release(ctx context.Context, items []model.QueueItem) {
	now := e.clock.Now()
	for _, it := range items {
		if err := e.store.Release(ctx, it, now); err != nil && !errors.Is(err, store.ErrClaimLost) {
			e.logger.Warn("release claimed item", zap.Int64("item", it.ID), zap.Error(err))
		}
	}
}

func (e *Engine) releaseClaimed(ctx context.Context, batch []*claimed) {
	items := make([]model.QueueItem, len(batch))
	for i, c := range batch {
		items[i] = c.item
	}
	e.release(ctx, items)
}
