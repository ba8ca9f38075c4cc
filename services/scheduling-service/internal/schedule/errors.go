package schedule

import (
	"errors"
	"fmt"

	"github.com/medtransit/scheduling/services/scheduling-service/internal/model"
)

var (
	ErrNotFound         = errors.New("schedule entry not found")
	ErrPermissionDenied = errors.New("permission denied")
)

// InvalidIntervalError is a caller error: inverted or empty interval, or a
// missing required identifier. Rejected before any store access.
type InvalidIntervalError struct {
	Reason string
}

func (e *InvalidIntervalError) Error() string {
	return "invalid schedule request: " + e.Reason
}

// ConflictError is the expected outcome when a candidate interval collides
// with the timeline. It carries the full conflict report so callers can render
// it or pick another slot.
type ConflictError struct {
	Conflict model.ScheduleConflict
}

func (e *ConflictError) Error() string {
	if e.Conflict.Message != "" {
		return e.Conflict.Message
	}
	return "schedule conflict"
}

// StaleStateError means another writer changed the entry's status between the
// read and the conditional write. Callers should re-read and retry once.
type StaleStateError struct {
	ID       string
	Expected model.Status
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("schedule entry %s is no longer in status %q", e.ID, e.Expected)
}

// InvalidTransitionError is a status change the state machine does not permit.
type InvalidTransitionError struct {
	From model.Status
	To   model.Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition: %s -> %s", e.From, e.To)
}

// StoreUnavailableError wraps a persistence failure. Transient; callers may
// retry with backoff. The engine itself never retries, so conflicts are never
// masked as outages.
type StoreUnavailableError struct {
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return "schedule store unavailable: " + e.Err.Error()
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}
