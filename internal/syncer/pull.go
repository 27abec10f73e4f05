package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/roach88/clinsync/internal/guard"
	"github.com/roach88/clinsync/internal/model"
	"github.com/roach88/clinsync/internal/policy"
	"github.com/roach88/clinsync/internal/remote"
	"github.com/roach88/clinsync/internal/resolve"
	"github.com/roach88/clinsync/internal/store"
)

// pullStep is the outcome of applying one remote record. It is folded into
// the result only after its transaction commits.
type pullStep struct {
	applied  bool
	conflict *model.Conflict
}

// Pull fetches remote changes after since (a full snapshot when nil) and
// applies them oldest first, each in its own local transaction.
//
// The returned watermark is the greatest authority change time seen. Pull
// does not persist it; SyncNow does, or the caller via SaveWatermark.
func (e *Engine) Pull(ctx context.Context, since *time.Time) (*PullResult, error) {
	ctx, span := e.tracer.Start(ctx, "sync.pull")
	defer span.End()

	res := newPullResult()
	if since != nil {
		s := *since
		res.Watermark = &s
	}

	for {
		records, err := e.remote.Changes(ctx, res.Watermark, e.cfg.PullPageSize)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Errors = append(res.Errors, newSyncError(CodeTransport, model.EntityRef{}, fmt.Errorf("%w: %v", ErrTransport, err)))
			e.logger.Warn("pull failed", zap.Error(err))
			break
		}

		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if err := e.applyRecord(ctx, rec, res); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return res, err
			}
			wm := rec.ChangedAt
			res.Watermark = &wm
		}
		// The authority may cap a page below PullPageSize, so only an
		// empty page ends the pull.
		if len(records) == 0 {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("clinsync.pull.total", res.TotalPulled),
		attribute.Int("clinsync.pull.applied", res.AppliedCount),
		attribute.Int("clinsync.pull.skipped", res.SkippedCount),
		attribute.Int("clinsync.pull.conflict", res.ConflictCount),
	)
	e.logger.Info("pull finished",
		zap.Int("total", res.TotalPulled),
		zap.Int("applied", res.AppliedCount),
		zap.Int("skipped", res.SkippedCount),
		zap.Int("conflict", res.ConflictCount))
	return res, nil
}

// SaveWatermark persists the pull watermark used by the next SyncNow.
func (e *Engine) SaveWatermark(ctx context.Context, wm time.Time) error {
	return e.store.SetTime(ctx, store.MetaPullWatermark, wm)
}

func (e *Engine) applyRecord(ctx context.Context, rec remote.Record, res *PullResult) error {
	res.TotalPulled++
	incoming := rec.Entity.Clone()
	ref := incoming.Ref()

	p, err := e.policies.Lookup(incoming.Type)
	if err != nil {
		res.SkippedCount++
		res.Errors = append(res.Errors, newSyncError(CodeApply, ref, err))
		e.metrics.ObserveItem(string(model.PhasePull), "skipped")
		return nil
	}

	var step pullStep
	err = e.store.WithTx(ctx, func(tx *store.Tx) error {
		step = pullStep{}
		local, err := tx.GetEntity(ctx, ref.Type, ref.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if incoming.Deleted {
				return nil
			}
			step.applied = true
			return applyRemote(ctx, tx, incoming)
		case err != nil:
			return err
		}

		switch local.SyncState {
		case model.SyncSynced:
			return e.applyOverSynced(ctx, tx, p, local, incoming, &step)
		case model.SyncPending:
			return e.applyOverPending(ctx, tx, p, local, incoming, &step)
		default:
			// Already awaiting review.
			return nil
		}
	})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}

	outcome := "skipped"
	if step.applied {
		res.AppliedCount++
		outcome = "applied"
	} else {
		res.SkippedCount++
	}
	if step.conflict != nil {
		res.ConflictCount++
		res.Conflicts = append(res.Conflicts, *step.conflict)
		outcome = "conflict"
		e.logger.Info("pull conflict",
			zap.String("entity", ref.String()),
			zap.String("reason", step.conflict.Reason),
			zap.String("resolution", string(step.conflict.Resolution)))
	}
	e.metrics.ObserveItem(string(model.PhasePull), outcome)
	return nil
}

// applyOverSynced handles a remote change to a record with no local edits.
// Signed content is never overwritten; otherwise the authority's version
// wins unless it is older than what we hold.
func (e *Engine) applyOverSynced(ctx context.Context, tx *store.Tx, p policy.EntityPolicy, local, incoming *model.Entity, step *pullStep) error {
	verdict, err := guard.CheckIncoming(p, local, incoming)
	if err != nil {
		return err
	}
	if verdict == guard.Violation {
		c := e.newConflict(model.PhasePull, model.KindImmutabilityViolation, model.ReasonLocalSigned,
			model.ResolutionPending, local, incoming)
		step.conflict = &c
		if err := tx.InsertConflict(ctx, c); err != nil {
			return err
		}
		return tx.SetSyncState(ctx, local.Ref(), model.SyncConflict)
	}

	if incoming.LastModifiedUTC.Before(local.LastModifiedUTC) {
		return nil
	}
	step.applied = true
	if verdict == guard.MetadataOnly {
		merged := guard.MergeMetadata(p, local, incoming)
		merged.SyncMetadata = incoming.SyncMetadata
		return applyRemote(ctx, tx, merged)
	}
	return applyRemote(ctx, tx, incoming)
}

// applyOverPending handles a remote change to a record with unpushed local
// edits.
func (e *Engine) applyOverPending(ctx context.Context, tx *store.Tx, p policy.EntityPolicy, local, incoming *model.Entity, step *pullStep) error {
	now := e.clock.Now()

	same, err := guard.ContentEqual(local, incoming)
	if err != nil {
		return err
	}
	if same {
		// The authority already holds exactly our edit.
		step.applied = true
		if err := tx.SupersedeOpen(ctx, local.Ref(), "already on remote", now); err != nil {
			return err
		}
		return applyRemote(ctx, tx, incoming)
	}

	dec, err := resolve.Resolve(p, local, incoming, now)
	if err != nil {
		return err
	}
	c := e.newConflict(model.PhasePull, dec.Kind, dec.Reason, dec.Resolution, local, incoming)
	step.conflict = &c
	if err := tx.InsertConflict(ctx, c); err != nil {
		return err
	}

	switch dec.Outcome {
	case resolve.TakeRemote:
		step.applied = true
		if dec.PreserveLocal {
			if err := tx.ParkOpen(ctx, local.Ref(), dec.Reason, now, e.cfg.MaxRetries); err != nil {
				return err
			}
		} else if err := tx.SupersedeOpen(ctx, local.Ref(), dec.Reason, now); err != nil {
			return err
		}
		return applyRemote(ctx, tx, incoming)

	case resolve.KeepLocal:
		// The open queue item pushes the local version later.
		return nil

	case resolve.Merge:
		step.applied = true
		merged := dec.Merged.Clone()
		merged.LastModifiedUTC = supersede(now, local.LastModifiedUTC, incoming.LastModifiedUTC)
		merged.ModifiedByUserID = model.SystemUserID
		merged.SyncState = model.SyncPending
		if err := tx.PutEntity(ctx, merged); err != nil {
			return err
		}
		_, err := tx.Enqueue(ctx, merged.Ref(), model.OpUpdate, now, e.cfg.MaxRetries)
		return err

	case resolve.Park:
		if err := tx.ParkOpen(ctx, local.Ref(), dec.Reason, now, e.cfg.MaxRetries); err != nil {
			return err
		}
		return tx.SetSyncState(ctx, local.Ref(), model.SyncConflict)
	}
	return fmt.Errorf("unhandled outcome %s", dec.Outcome)
}
