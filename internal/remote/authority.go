package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/clinsync/internal/guard"
	"github.com/roach88/clinsync/internal/model"
	"github.com/roach88/clinsync/internal/policy"
)

// AuthorityStore persists the authority's records.
type AuthorityStore interface {
	// Get returns the record for ref, or nil when none exists.
	Get(ctx context.Context, ref model.EntityRef) (*Record, error)
	// Put inserts or replaces a record.
	Put(ctx context.Context, rec Record) error
	// Since returns records with ChangedAt after since (all when nil),
	// ordered by ChangedAt ascending.
	Since(ctx context.Context, since *time.Time, limit int) ([]Record, error)
	// LastChangedAt returns the greatest ChangedAt stored, zero when empty.
	LastChangedAt(ctx context.Context) (time.Time, error)
}

// Clock supplies wall time.
type Clock interface {
	Now() time.Time
}

// Authority is the server-side decision logic for pushed changes. It is an
// Endpoint, so tests and the local demo server can use it in-process.
//
// A pushed item is accepted unless:
//   - its type is unknown or the item is malformed (rejected)
//   - the stored record is signed and the item alters governed content,
//     the signature or the record's existence (conflict, REMOTE_SIGNED)
//   - the stored record holds an active lock for another holder
//     (conflict, REMOTE_LOCK_HELD)
//   - the stored record is newer, or equally new with other content, and
//     the item's ObservedRemoteUTC does not cover it (conflict)
//
// Re-pushing exactly the stored version is accepted without a change.
type Authority struct {
	store    AuthorityStore
	policies *policy.Registry
	clock    Clock
	logger   *zap.Logger

	// mu serializes decisions so the read-decide-write of one item cannot
	// interleave with another.
	mu sync.Mutex
}

// NewAuthority creates an authority over store.
func NewAuthority(store AuthorityStore, policies *policy.Registry, clock Clock, logger *zap.Logger) *Authority {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authority{store: store, policies: policies, clock: clock, logger: logger}
}

// Push implements Endpoint.
func (a *Authority) Push(ctx context.Context, items []PushItem) ([]PushOutcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	outcomes := make([]PushOutcome, 0, len(items))
	for _, item := range items {
		out, err := a.decide(ctx, item)
		if err != nil {
			return nil, fmt.Errorf("push %s: %w", item.Ref(), err)
		}
		a.logger.Debug("push decided",
			zap.String("entity", item.Ref().String()),
			zap.String("status", string(out.Status)),
			zap.String("reason", out.Reason))
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

// Changes implements Endpoint.
func (a *Authority) Changes(ctx context.Context, since *time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrBadRequest)
	}
	return a.store.Since(ctx, since, limit)
}

func (a *Authority) decide(ctx context.Context, item PushItem) (PushOutcome, error) {
	out := PushOutcome{EntityType: item.EntityType, EntityID: item.EntityID}
	reject := func(msg string) (PushOutcome, error) {
		out.Status = StatusRejected
		out.Reason = msg
		return out, nil
	}

	if item.EntityType == "" || item.EntityID == "" {
		return reject("entity type and id are required")
	}
	p, err := a.policies.Lookup(item.EntityType)
	if err != nil {
		return reject(err.Error())
	}
	if _, err := model.ParseOperation(string(item.Operation)); err != nil {
		return reject(err.Error())
	}
	if item.LastModifiedUTC.IsZero() {
		return reject("last_modified_utc is required")
	}

	cur, err := a.store.Get(ctx, item.Ref())
	if err != nil {
		return out, err
	}
	incoming := entityFromItem(item)

	if cur == nil {
		if item.Operation == model.OpDelete {
			out.Status = StatusAccepted
			return out, nil
		}
		return a.accept(ctx, out, incoming)
	}

	stored := &cur.Entity
	conflict := func(reason string) (PushOutcome, error) {
		out.Status = StatusConflict
		out.Reason = reason
		out.Remote = cur
		return out, nil
	}

	same, err := guard.ContentEqual(stored, incoming)
	if err != nil {
		return out, err
	}
	if same && stored.LastModifiedUTC.Equal(incoming.LastModifiedUTC) {
		out.Status = StatusAccepted
		out.ChangedAt = cur.ChangedAt
		return out, nil
	}

	if stored.Signed() {
		if err := guard.CheckLocal(p, stored, incoming); err != nil {
			if guard.IsImmutable(err) {
				return conflict(model.ReasonRemoteSigned)
			}
			return out, err
		}
	}

	now := a.clock.Now()
	if stored.LockActive(now) && stored.LockHolder != incoming.LockHolder {
		return conflict(model.ReasonRemoteLockHeld)
	}

	covered := item.ObservedRemoteUTC != nil && !stored.LastModifiedUTC.After(*item.ObservedRemoteUTC)
	if !covered {
		switch {
		case stored.LastModifiedUTC.After(incoming.LastModifiedUTC):
			return conflict(model.ReasonRemoteNewer)
		case stored.LastModifiedUTC.Equal(incoming.LastModifiedUTC) && !same:
			return conflict(model.ReasonTimestampTie)
		}
	}

	return a.accept(ctx, out, incoming)
}

func (a *Authority) accept(ctx context.Context, out PushOutcome, e *model.Entity) (PushOutcome, error) {
	changedAt, err := a.nextChange(ctx)
	if err != nil {
		return out, err
	}
	e.SyncState = model.SyncSynced
	if err := a.store.Put(ctx, Record{Entity: *e, ChangedAt: changedAt}); err != nil {
		return out, err
	}
	out.Status = StatusAccepted
	out.ChangedAt = changedAt
	return out, nil
}

// nextChange issues a change timestamp strictly greater than any before it.
func (a *Authority) nextChange(ctx context.Context) (time.Time, error) {
	last, err := a.store.LastChangedAt(ctx)
	if err != nil {
		return time.Time{}, err
	}
	ts := model.Timestamp(a.clock.Now())
	if !ts.After(last) {
		ts = last.Add(model.TimePrecision)
	}
	return ts, nil
}

func entityFromItem(item PushItem) *model.Entity {
	payload := item.Payload.Clone()
	if payload == nil {
		payload = model.Object{}
	}
	return &model.Entity{
		SyncMetadata: model.SyncMetadata{
			LastModifiedUTC:  model.Timestamp(item.LastModifiedUTC),
			ModifiedByUserID: item.ModifiedByUserID,
			SyncState:        model.SyncSynced,
		},
		Type:           item.EntityType,
		ID:             item.EntityID,
		Payload:        payload,
		SignatureHash:  item.SignatureHash,
		LockHolder:     item.LockHolder,
		LockExpiresUTC: item.LockExpiresUTC,
		Deleted:        item.Operation == model.OpDelete,
	}
}
