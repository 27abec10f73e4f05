package syncer

import (
	"time"

	"github.com/google/uuid"
)

// Clock supplies wall time. SystemClock in production, testutil.FakeClock
// in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the system clock in UTC.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// IDGenerator issues ids for conflict and audit records.
type IDGenerator interface {
	NewID() string
}

// UUIDv7Generator generates time-sortable UUIDv7 ids, so conflict ids sort
// by detection time.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// NewID implements IDGenerator. Panics if UUID generation fails.
func (UUIDv7Generator) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
