package syncer

import (
	"time"

	"github.com/roach88/clinsync/internal/model"
)

// PushResult summarizes one Push call.
type PushResult struct {
	TotalPushed   int              `json:"total_pushed"`
	SuccessCount  int              `json:"success_count"`
	FailureCount  int              `json:"failure_count"`
	ConflictCount int              `json:"conflict_count"`
	Conflicts     []model.Conflict `json:"conflicts"`
	Errors        []*SyncError     `json:"errors"`
}

func newPushResult() *PushResult {
	return &PushResult{Conflicts: []model.Conflict{}, Errors: []*SyncError{}}
}

// PullResult summarizes one Pull call.
type PullResult struct {
	TotalPulled   int              `json:"total_pulled"`
	AppliedCount  int              `json:"applied_count"`
	SkippedCount  int              `json:"skipped_count"`
	ConflictCount int              `json:"conflict_count"`
	Conflicts     []model.Conflict `json:"conflicts"`
	Errors        []*SyncError     `json:"errors"`
	// Watermark is the greatest change time seen, or the requested since
	// when nothing was pulled.
	Watermark *time.Time `json:"watermark"`
}

func newPullResult() *PullResult {
	return &PullResult{Conflicts: []model.Conflict{}, Errors: []*SyncError{}}
}

// SyncReport is the outcome of SyncNow.
type SyncReport struct {
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
	Duration    time.Duration    `json:"duration"`
	Push        *PushResult      `json:"push"`
	Pull        *PullResult      `json:"pull"`
	Conflicts   []model.Conflict `json:"conflicts"`
}
