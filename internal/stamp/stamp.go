// Package stamp writes modification metadata onto tracked records as part
// of the commit that persists them.
package stamp

import (
	"context"
	"time"

	"github.com/roach88/clinsync/internal/model"
	"github.com/roach88/clinsync/internal/store"
)

type principalKey struct{}

// WithPrincipal binds the acting user to ctx.
func WithPrincipal(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, principalKey{}, userID)
}

// PrincipalFrom returns the user bound to ctx, or model.SystemUserID when
// the operation runs on behalf of no one.
func PrincipalFrom(ctx context.Context) string {
	if id, ok := ctx.Value(principalKey{}).(string); ok && id != "" {
		return id
	}
	return model.SystemUserID
}

// Clock supplies wall time.
type Clock interface {
	Now() time.Time
}

// Stamper is a store.Interceptor that stamps every added or modified
// SyncTracked value before it is written.
type Stamper struct {
	clock Clock
}

// New returns a Stamper reading time from clock.
func New(clock Clock) *Stamper {
	return &Stamper{clock: clock}
}

// BeforeCommit implements store.Interceptor.
//
// LastModifiedUTC becomes the current time, or one tick past the stored
// value when the clock has not moved beyond it, so the timestamp strictly
// increases per entity. Added records and records previously Synced become
// Pending; a record in Conflict stays there until it is reviewed.
func (s *Stamper) BeforeCommit(ctx context.Context, _ *store.Tx, entries []*store.Entry) error {
	principal := PrincipalFrom(ctx)
	now := model.Timestamp(s.clock.Now())

	for _, entry := range entries {
		tracked, ok := entry.Value.(model.SyncTracked)
		if !ok {
			continue
		}
		meta := tracked.SyncMeta()

		ts := now
		state := model.SyncPending
		if prev := entry.Previous; prev != nil {
			if floor := prev.LastModifiedUTC.Add(model.TimePrecision); ts.Before(floor) {
				ts = floor
			}
			if prev.SyncState == model.SyncConflict {
				state = model.SyncConflict
			}
		}

		meta.LastModifiedUTC = ts
		meta.ModifiedByUserID = principal
		meta.SyncState = state
	}
	return nil
}
