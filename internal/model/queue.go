package model

import (
	"fmt"
	"time"
)

// DefaultMaxRetries bounds transport retries per queue item.
const DefaultMaxRetries = 3

// Operation is the replication intent carried by a queue item.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ParseOperation validates an operation name.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case OpCreate, OpUpdate, OpDelete:
		return op, nil
	}
	return "", fmt.Errorf("invalid operation %q: must be create, update or delete", s)
}

// ItemStatus is the lifecycle state of a queue item.
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusProcessing ItemStatus = "processing"
	StatusCompleted  ItemStatus = "completed"
	StatusFailed     ItemStatus = "failed"
	// StatusConflict parks an item for manual reconciliation.
	StatusConflict ItemStatus = "conflict"
)

// QueueItem is one outstanding intent to replicate one entity.
type QueueItem struct {
	ID            int64      `json:"id"`
	EntityType    string     `json:"entity_type"`
	EntityID      string     `json:"entity_id"`
	Operation     Operation  `json:"operation"`
	Status        ItemStatus `json:"status"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	NextAttemptAt time.Time  `json:"next_attempt_at,omitzero"`
	LastAttemptAt time.Time  `json:"last_attempt_at,omitzero"`
	LastError     string     `json:"last_error,omitempty"`
	ClaimToken    string     `json:"-"`
}

// Ref returns the identity of the entity the item replicates.
func (q QueueItem) Ref() EntityRef {
	return EntityRef{Type: q.EntityType, ID: q.EntityID}
}

// Exhausted reports whether a failed item has used all its retries.
func (q QueueItem) Exhausted() bool {
	return q.Status == StatusFailed && q.RetryCount >= q.MaxRetries
}

// Terminal reports whether the item will never be claimed again.
func (q QueueItem) Terminal() bool {
	switch q.Status {
	case StatusCompleted, StatusConflict:
		return true
	case StatusFailed:
		return q.Exhausted()
	}
	return false
}

// QueueStatus is a point-in-time summary of the queue.
type QueueStatus struct {
	PendingCount    int `json:"pending_count"`
	ProcessingCount int `json:"processing_count"`
	FailedCount     int `json:"failed_count"`
	// ExhaustedCount is the subset of FailedCount with no retries left.
	ExhaustedCount  int        `json:"exhausted_count"`
	CompletedCount  int        `json:"completed_count"`
	ConflictCount   int        `json:"conflict_count"`
	OldestPendingAt *time.Time `json:"oldest_pending_at"`
	LastSyncAt      *time.Time `json:"last_sync_at"`
}
