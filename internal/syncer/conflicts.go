package syncer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/clinsync/internal/guard"
	"github.com/roach88/clinsync/internal/model"
	"github.com/roach88/clinsync/internal/stamp"
	"github.com/roach88/clinsync/internal/store"
)

// ErrConflictResolved is returned when resolving a conflict that is no
// longer open.
var ErrConflictResolved = errors.New("conflict already resolved")

// Choice is a manual decision on an open conflict.
type Choice string

const (
	// ChoiceLocal keeps the local version and pushes it again.
	ChoiceLocal Choice = "local"
	// ChoiceRemote replaces the local version with the recorded remote one.
	ChoiceRemote Choice = "remote"
)

// ParseChoice validates a choice name.
func ParseChoice(s string) (Choice, error) {
	switch Choice(s) {
	case ChoiceLocal, ChoiceRemote:
		return Choice(s), nil
	}
	return "", fmt.Errorf("unknown choice %q (want local or remote)", s)
}

// Conflicts lists recorded conflicts.
func (e *Engine) Conflicts(ctx context.Context, f store.ConflictFilter) ([]model.Conflict, error) {
	return e.store.ListConflicts(ctx, f)
}

// ResolveConflict applies a reviewer's decision to an open conflict.
//
// Keeping local re-stamps the local record past the remote version and
// queues it for push. Keeping remote rebuilds the remote snapshot recorded
// with the conflict and applies it; signed local content still cannot be
// replaced this way. Parked queue items for the entity are closed either
// way, and the decision is audited under the principal bound to ctx.
func (e *Engine) ResolveConflict(ctx context.Context, id string, choice Choice) (model.Conflict, error) {
	if _, err := ParseChoice(string(choice)); err != nil {
		return model.Conflict{}, err
	}

	actor := stamp.PrincipalFrom(ctx)
	var resolved model.Conflict
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		c, err := tx.GetConflict(ctx, id)
		if err != nil {
			return err
		}
		if !c.Open() {
			return fmt.Errorf("conflict %s: %w", id, ErrConflictResolved)
		}
		p, err := e.policies.Lookup(c.EntityType)
		if err != nil {
			return err
		}

		local, err := tx.GetEntity(ctx, c.EntityType, c.EntityID)
		if errors.Is(err, store.ErrNotFound) {
			local = nil
		} else if err != nil {
			return err
		}

		now := e.clock.Now()
		resolution := model.ResolutionKeptLocal
		switch choice {
		case ChoiceLocal:
			if local == nil {
				return fmt.Errorf("conflict %s: local record is gone: %w", id, store.ErrNotFound)
			}
			kept := local.Clone()
			kept.LastModifiedUTC = supersede(now, local.LastModifiedUTC, c.RemoteModifiedUTC)
			kept.ModifiedByUserID = actor
			kept.SyncState = model.SyncPending
			if err := tx.PutEntity(ctx, kept); err != nil {
				return err
			}
			if _, err := tx.CloseParked(ctx, c.Ref(), "resolved: kept local", now); err != nil {
				return err
			}
			op := model.OpUpdate
			if kept.Deleted {
				op = model.OpDelete
			}
			if _, err := tx.Enqueue(ctx, kept.Ref(), op, now, e.cfg.MaxRetries); err != nil {
				return err
			}

		case ChoiceRemote:
			resolution = model.ResolutionKeptRemote
			rebuilt := &model.Entity{
				SyncMetadata: model.SyncMetadata{
					LastModifiedUTC:  c.RemoteModifiedUTC,
					ModifiedByUserID: model.SystemUserID,
					SyncState:        model.SyncSynced,
				},
				Type:           c.EntityType,
				ID:             c.EntityID,
				Payload:        c.RemotePayload.Clone(),
				SignatureHash:  c.RemoteSignatureHash,
				LockHolder:     c.RemoteLockHolder,
				LockExpiresUTC: c.RemoteLockExpiresUTC,
				Deleted:        c.RemoteDeleted,
			}
			if err := guard.CheckLocal(p, local, rebuilt); err != nil {
				return err
			}
			if err := applyRemote(ctx, tx, rebuilt); err != nil {
				return err
			}
			if _, err := tx.CloseParked(ctx, c.Ref(), "resolved: kept remote", now); err != nil {
				return err
			}
			if err := tx.SupersedeOpen(ctx, c.Ref(), "resolved: kept remote", now); err != nil {
				return err
			}
		}

		if err := tx.ResolveConflict(ctx, id, resolution, now); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, &model.AuditEntry{
			ID:         e.ids.NewID(),
			Action:     "conflict.resolved",
			EntityType: c.EntityType,
			EntityID:   c.EntityID,
			ActorID:    actor,
			At:         model.Timestamp(now),
			Detail:     fmt.Sprintf("conflict=%s choice=%s", id, choice),
		}); err != nil {
			return err
		}

		c.Resolution = resolution
		ts := model.Timestamp(now)
		c.ResolvedAt = &ts
		resolved = c
		return nil
	})
	if err != nil {
		return model.Conflict{}, fmt.Errorf("resolve conflict %s: %w", id, err)
	}

	e.logger.Info("conflict resolved",
		zap.String("conflict", id),
		zap.String("entity", resolved.Ref().String()),
		zap.String("choice", string(choice)),
		zap.String("actor", actor))
	return resolved, nil
}
