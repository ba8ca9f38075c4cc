package schedule

import (
	"context"
	"time"

	"github.com/medtransit/scheduling/services/scheduling-service/internal/model"
)

// EntryFilter narrows a timeline query. Zero From/To mean unbounded; the
// window is half-open, matching entries with StartTime < To and EndTime > From.
type EntryFilter struct {
	VehicleID string
	DriverID  string
	From      time.Time
	To        time.Time
	Statuses  []model.Status
	ExcludeID string
}

type UnavailabilityFilter struct {
	UserID string
	From   time.Time
	To     time.Time
}

// ReadView is the read-only surface a conflict predicate runs against. During
// an atomic insert/update the store hands the predicate a view bound to the
// transaction, so the re-check observes exactly the state the write will land on.
type ReadView interface {
	Find(ctx context.Context, f EntryFilter) ([]model.ScheduleEntry, error)
	FindUnavailability(ctx context.Context, f UnavailabilityFilter) ([]model.StaffUnavailability, error)
}

// ConflictPredicate re-evaluates a candidate against current store state.
// A returned conflict with HasConflict set aborts the write.
type ConflictPredicate func(ctx context.Context, view ReadView) (model.ScheduleConflict, error)

// ChangeEvent is the outbound fact recorded in the same unit of work as a
// successful mutation, for the notification collaborator to consume.
type ChangeEvent struct {
	EventType string
	Key       string
	Payload   []byte
}

// Store is the persistence contract. InsertIfNoConflict and UpdateIfNoConflict
// must evaluate the predicate and perform the write as one indivisible unit so
// two concurrent callers proposing overlapping intervals for the same resource
// cannot both succeed. UpdateStatus is a conditional write guarded by the
// caller's last-known status.
type Store interface {
	ReadView

	Get(ctx context.Context, id string) (model.ScheduleEntry, error)
	InsertIfNoConflict(ctx context.Context, entry model.ScheduleEntry, check ConflictPredicate, evt *ChangeEvent) (model.ScheduleEntry, error)
	UpdateIfNoConflict(ctx context.Context, entry model.ScheduleEntry, check ConflictPredicate, evt *ChangeEvent) (model.ScheduleEntry, error)
	UpdateStatus(ctx context.Context, id string, next, expected model.Status, evt *ChangeEvent) (model.ScheduleEntry, error)
}
