package model

import "time"

// ConflictKind classifies why two replicas disagree.
type ConflictKind string

const (
	// KindImmutabilityViolation is an attempted change to signed content.
	// It is never resolved automatically.
	KindImmutabilityViolation ConflictKind = "immutability_violation"
	// KindConcurrentEdit is a divergent write on an unsigned draft.
	KindConcurrentEdit ConflictKind = "concurrent_edit"
	// KindLockContention is a write against a record locked by the other side.
	KindLockContention ConflictKind = "lock_contention"
)

// Reason codes recorded with every conflict.
const (
	ReasonRemoteSigned   = "REMOTE_SIGNED"
	ReasonLocalSigned    = "LOCAL_SIGNED"
	ReasonRemoteNewer    = "REMOTE_NEWER"
	ReasonLocalNewer     = "LOCAL_NEWER"
	ReasonTimestampTie   = "TIMESTAMP_TIE"
	ReasonLocalLockHeld  = "LOCAL_LOCK_HELD"
	ReasonRemoteLockHeld = "REMOTE_LOCK_HELD"
	ReasonRemoteDeleted  = "REMOTE_DELETED"
)

// Resolution is the outcome recorded for a conflict.
type Resolution string

const (
	ResolutionLocalWins      Resolution = "local_wins"
	ResolutionRemoteWins     Resolution = "remote_wins"
	ResolutionMetadataMerged Resolution = "metadata_merged"
	// ResolutionPending awaits manual or clinical review.
	ResolutionPending Resolution = "pending"
	// ResolutionKeptLocal and ResolutionKeptRemote are manual decisions.
	ResolutionKeptLocal  Resolution = "kept_local"
	ResolutionKeptRemote Resolution = "kept_remote"
)

// Phase names the pipeline that detected a conflict.
type Phase string

const (
	PhasePush Phase = "push"
	PhasePull Phase = "pull"
)

// Conflict is the audit record of one disagreement and its resolution.
// Both payloads are kept so the decision can be reconstructed.
type Conflict struct {
	ID                string       `json:"id"`
	EntityType        string       `json:"entity_type"`
	EntityID          string       `json:"entity_id"`
	Phase             Phase        `json:"phase"`
	Kind              ConflictKind `json:"kind"`
	Reason            string       `json:"reason"`
	LocalModifiedUTC  time.Time    `json:"local_modified_utc"`
	RemoteModifiedUTC time.Time    `json:"remote_modified_utc"`
	Resolution        Resolution   `json:"resolution"`
	LocalPayload      Object       `json:"local_payload,omitempty"`
	RemotePayload     Object       `json:"remote_payload,omitempty"`
	DetectedAt        time.Time    `json:"detected_at"`
	ResolvedAt        *time.Time   `json:"resolved_at,omitempty"`

	// The remaining Remote fields complete the remote snapshot so a manual
	// "keep remote" decision can rebuild that version.
	RemoteSignatureHash  string    `json:"remote_signature_hash,omitempty"`
	RemoteDeleted        bool      `json:"remote_deleted,omitempty"`
	RemoteLockHolder     string    `json:"remote_lock_holder,omitempty"`
	RemoteLockExpiresUTC time.Time `json:"remote_lock_expires_utc,omitzero"`
}

// Ref returns the conflicting entity's identity.
func (c Conflict) Ref() EntityRef {
	return EntityRef{Type: c.EntityType, ID: c.EntityID}
}

// Open reports whether the conflict still awaits review.
func (c Conflict) Open() bool {
	return c.Resolution == ResolutionPending
}
