// Package remote defines the replication endpoint the sync engine talks to,
// an HTTP transport for it, and the authority that decides each pushed
// change on the server side.
package remote

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/clinsync/internal/model"
)

var (
	// ErrUnavailable marks transport failures worth retrying: the endpoint
	// was unreachable, timed out or answered with a server error.
	ErrUnavailable = errors.New("remote unavailable")
	// ErrBadRequest marks a request the endpoint refused as malformed.
	// Retrying it cannot succeed.
	ErrBadRequest = errors.New("remote rejected request")
)

// IsRetryable reports whether a batch-level error is a transient transport
// failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// PushItem is one local change offered to the authority.
type PushItem struct {
	EntityType       string          `json:"entity_type"`
	EntityID         string          `json:"entity_id"`
	Operation        model.Operation `json:"operation"`
	Payload          model.Object    `json:"payload"`
	LastModifiedUTC  time.Time       `json:"last_modified_utc"`
	ModifiedByUserID string          `json:"modified_by_user_id"`
	SignatureHash    string          `json:"signature_hash,omitempty"`
	LockHolder       string          `json:"lock_holder,omitempty"`
	LockExpiresUTC   time.Time       `json:"lock_expires_utc,omitzero"`

	// ObservedRemoteUTC is set when the client has seen the remote version
	// with this LastModifiedUTC and decided to supersede it.
	ObservedRemoteUTC *time.Time `json:"observed_remote_utc,omitempty"`
}

// Ref returns the pushed entity's identity.
func (p PushItem) Ref() model.EntityRef {
	return model.EntityRef{Type: p.EntityType, ID: p.EntityID}
}

// ItemFromEntity builds the push item for a local entity.
func ItemFromEntity(e *model.Entity, op model.Operation) PushItem {
	return PushItem{
		EntityType:       e.Type,
		EntityID:         e.ID,
		Operation:        op,
		Payload:          e.Payload,
		LastModifiedUTC:  e.LastModifiedUTC,
		ModifiedByUserID: e.ModifiedByUserID,
		SignatureHash:    e.SignatureHash,
		LockHolder:       e.LockHolder,
		LockExpiresUTC:   e.LockExpiresUTC,
	}
}

// Status is the authority's decision on one pushed item.
type Status string

const (
	StatusAccepted Status = "accepted"
	StatusConflict Status = "conflict"
	StatusRejected Status = "rejected"
)

// PushOutcome is the per-item answer to a push. Outcomes are returned in
// the order of the pushed items.
type PushOutcome struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Status     Status `json:"status"`
	// Reason is a conflict reason code or a rejection message.
	Reason string `json:"reason,omitempty"`
	// Remote is the authority's current version on conflict.
	Remote *Record `json:"remote,omitempty"`
	// ChangedAt is the authority change time of an accepted item.
	ChangedAt time.Time `json:"changed_at,omitzero"`
}

// Record is the authority's copy of an entity.
type Record struct {
	Entity model.Entity `json:"entity"`
	// ChangedAt is assigned by the authority and strictly increases across
	// all records. Pull watermarks are expressed in it.
	ChangedAt time.Time `json:"changed_at"`
}

// Endpoint is the remote replication endpoint.
type Endpoint interface {
	// Push offers a batch of changes. A non-nil error means the batch as a
	// whole was not processed.
	Push(ctx context.Context, items []PushItem) ([]PushOutcome, error)
	// Changes returns records changed after since, oldest first, at most
	// limit of them. A nil since requests a full snapshot.
	Changes(ctx context.Context, since *time.Time, limit int) ([]Record, error)
}
