package syncer

import (
	"errors"
	"fmt"

	"github.com/roach88/clinsync/internal/model"
)

var (
	// ErrSyncInProgress is returned when SyncNow is called while another
	// sync on the same engine is still running.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrTransport marks a per-item transport failure that will be retried.
	ErrTransport = errors.New("transport failure")
)

// ErrorCode categorizes per-item sync errors.
type ErrorCode string

const (
	// CodeTransport: the remote could not be reached. The item is retried.
	CodeTransport ErrorCode = "TRANSPORT"
	// CodeRetriesExhausted: a transport failure used the item's last retry.
	CodeRetriesExhausted ErrorCode = "RETRIES_EXHAUSTED"
	// CodeRejected: the remote refused the item as invalid.
	CodeRejected ErrorCode = "REJECTED"
	// CodeMissingEntity: the queued entity no longer exists locally.
	CodeMissingEntity ErrorCode = "MISSING_ENTITY"
	// CodeApply: a pulled change could not be applied locally.
	CodeApply ErrorCode = "APPLY_FAILED"
)

// SyncError is one per-item failure reported in a push or pull result.
type SyncError struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Entity  model.EntityRef `json:"entity"`

	err error
}

func (e *SyncError) Error() string {
	if e.Entity.Type != "" {
		return fmt.Sprintf("%s: %s (entity=%s)", e.Code, e.Message, e.Entity)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SyncError) Unwrap() error {
	return e.err
}

func newSyncError(code ErrorCode, ref model.EntityRef, err error) *SyncError {
	return &SyncError{Code: code, Message: err.Error(), Entity: ref, err: err}
}

// IsTransport reports whether err is a retried transport failure.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}
