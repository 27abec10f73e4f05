package model

import (
	"fmt"
	"time"
)

// SystemUserID is recorded as the modifier when no principal is bound to
// the operation (background sync, pulls, recovery).
const SystemUserID = "system"

// TimePrecision is the resolution of every persisted timestamp.
const TimePrecision = time.Microsecond

// Timestamp normalizes t to UTC at TimePrecision.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(TimePrecision)
}

// SyncState is the replication lifecycle of a tracked record.
type SyncState string

const (
	SyncPending  SyncState = "pending"
	SyncSynced   SyncState = "synced"
	SyncConflict SyncState = "conflict"
)

// Valid reports whether s is a known state.
func (s SyncState) Valid() bool {
	switch s {
	case SyncPending, SyncSynced, SyncConflict:
		return true
	}
	return false
}

// SyncMetadata is the modification metadata every tracked record carries.
type SyncMetadata struct {
	LastModifiedUTC  time.Time `json:"last_modified_utc"`
	ModifiedByUserID string    `json:"modified_by_user_id"`
	SyncState        SyncState `json:"sync_state"`
}

// SyncTracked is implemented by records that participate in replication.
// The metadata stamper only touches values implementing it.
type SyncTracked interface {
	SyncMeta() *SyncMetadata
}

// EntityRef identifies a record across replicas.
type EntityRef struct {
	Type string `json:"entity_type"`
	ID   string `json:"entity_id"`
}

func (r EntityRef) String() string {
	return r.Type + "/" + r.ID
}

// Entity is a syncable record. Payload holds the domain fields; the
// remaining columns are owned by the sync engine and the signature service.
type Entity struct {
	SyncMetadata

	Type    string `json:"entity_type"`
	ID      string `json:"entity_id"`
	Payload Object `json:"payload"`

	// SignatureHash is non-empty once the record is signed. A signed record's
	// governed fields never change again.
	SignatureHash string `json:"signature_hash,omitempty"`

	LockHolder     string    `json:"lock_holder,omitempty"`
	LockExpiresUTC time.Time `json:"lock_expires_utc,omitzero"`

	// Deleted marks a tombstone kept until the delete is acknowledged.
	Deleted bool `json:"deleted,omitempty"`
}

// SyncMeta implements SyncTracked.
func (e *Entity) SyncMeta() *SyncMetadata {
	return &e.SyncMetadata
}

// Ref returns the entity's identity.
func (e *Entity) Ref() EntityRef {
	return EntityRef{Type: e.Type, ID: e.ID}
}

// Signed reports whether the record carries a signature hash.
func (e *Entity) Signed() bool {
	return e.SignatureHash != ""
}

// LockActive reports whether a lock is held at now.
func (e *Entity) LockActive(now time.Time) bool {
	return e.LockHolder != "" && now.Before(e.LockExpiresUTC)
}

// Clone returns a deep copy.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Payload = e.Payload.Clone()
	return &c
}

// Validate checks identity fields.
func (e *Entity) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("entity type is required")
	}
	if e.ID == "" {
		return fmt.Errorf("entity id is required")
	}
	return nil
}

// AuditEntry records a clinical action. It is written through the same unit
// of work as entities but is not replicated, so it does not implement
// SyncTracked.
type AuditEntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	ActorID    string    `json:"actor_id"`
	At         time.Time `json:"at"`
	Detail     string    `json:"detail,omitempty"`
}
