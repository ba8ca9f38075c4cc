package schedule

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/medtransit/scheduling/services/scheduling-service/internal/interval"
	"github.com/medtransit/scheduling/services/scheduling-service/internal/model"
)

// Event types emitted on successful mutations, consumed by the notification
// collaborator.
const (
	EventEntryCreated  = "transport.schedule.created.v1"
	EventEntryUpdated  = "transport.schedule.updated.v1"
	EventStatusChanged = "transport.schedule.status_changed.v1"
)

// Permission is the capability a caller presents to mutate the timeline.
// Derived from the auth collaborator's identity; validated here, never
// interpreted further.
type Permission struct {
	Actor string
	Role  string
}

const (
	RoleDispatcher = "dispatcher"
	RoleViewer     = "viewer"
)

func (p Permission) CanWrite() bool {
	return p.Role == RoleDispatcher
}

// DriverDirectory is an optional guardrail: deployments wire it to the staff
// directory so drivers who left the fleet cannot be assigned. Nil disables it.
type DriverDirectory interface {
	IsActiveDriver(ctx context.Context, driverID string) (bool, error)
}

type CreateRequest struct {
	VehicleID   string
	DriverID    string
	BookingID   string
	BookingType string
	StartTime   time.Time
	EndTime     time.Time
	Notes       string
}

// UpdateRequest carries the fields to change; nil pointers leave the current
// value in place. Status changes do not travel here; they go through
// Transition.
type UpdateRequest struct {
	VehicleID *string
	DriverID  *string
	StartTime *time.Time
	EndTime   *time.Time
	Notes     *string
}

// Lifecycle enforces the entry state machine and runs every mutation through
// the conflict checker before committing. The advisory check runs first for a
// fast, detailed rejection; the store then re-runs the same predicate inside
// its atomic write, which closes the race window between check and commit.
type Lifecycle struct {
	store   Store
	checker *ConflictChecker
	drivers DriverDirectory   // may be nil
	cache   AvailabilityCache // may be nil
	logger  *slog.Logger
}

func NewLifecycle(store Store, checker *ConflictChecker, drivers DriverDirectory, cache AvailabilityCache, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{
		store:   store,
		checker: checker,
		drivers: drivers,
		cache:   cache,
		logger:  logger,
	}
}

func (l *Lifecycle) Create(ctx context.Context, perm Permission, req CreateRequest) (model.ScheduleEntry, error) {
	if !perm.CanWrite() {
		return model.ScheduleEntry{}, ErrPermissionDenied
	}
	if err := validateCreate(req); err != nil {
		return model.ScheduleEntry{}, err
	}
	if err := l.checkDriverActive(ctx, req.DriverID); err != nil {
		return model.ScheduleEntry{}, err
	}

	check := CheckRequest{
		VehicleID: req.VehicleID,
		DriverID:  req.DriverID,
		Span:      interval.Span{Start: req.StartTime, End: req.EndTime},
	}
	conflict, err := l.checker.Check(ctx, check)
	if err != nil {
		return model.ScheduleEntry{}, &StoreUnavailableError{Err: err}
	}
	if conflict.HasConflict {
		return model.ScheduleEntry{}, &ConflictError{Conflict: conflict}
	}

	entry := model.ScheduleEntry{
		ID:          uuid.NewString(),
		VehicleID:   req.VehicleID,
		DriverID:    req.DriverID,
		BookingID:   req.BookingID,
		BookingType: req.BookingType,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Status:      model.StatusScheduled,
		Notes:       req.Notes,
		CreatedBy:   perm.Actor,
	}

	evt := l.changeEvent(EventEntryCreated, entry)
	stored, err := l.store.InsertIfNoConflict(ctx, entry, l.checker.Predicate(check), &evt)
	if err != nil {
		return model.ScheduleEntry{}, err
	}

	l.invalidate(ctx, stored)
	l.logger.Info("schedule entry created",
		"entry_id", stored.ID,
		"vehicle_id", stored.VehicleID,
		"driver_id", stored.DriverID,
		"booking_id", stored.BookingID,
	)
	return stored, nil
}

func (l *Lifecycle) Update(ctx context.Context, perm Permission, id string, req UpdateRequest) (model.ScheduleEntry, error) {
	if !perm.CanWrite() {
		return model.ScheduleEntry{}, ErrPermissionDenied
	}

	current, err := l.store.Get(ctx, id)
	if err != nil {
		return model.ScheduleEntry{}, err
	}
	if !current.Status.Active() {
		// Completed and cancelled entries left the timeline; rewriting their
		// intervals would falsify history.
		return model.ScheduleEntry{}, &InvalidTransitionError{From: current.Status, To: current.Status}
	}

	next := applyChanges(current, req)
	if err := validateEntry(next); err != nil {
		return model.ScheduleEntry{}, err
	}
	if next.DriverID != current.DriverID {
		if err := l.checkDriverActive(ctx, next.DriverID); err != nil {
			return model.ScheduleEntry{}, err
		}
	}

	if !touchesTimeline(current, next) {
		evt := l.changeEvent(EventEntryUpdated, next)
		stored, err := l.store.UpdateIfNoConflict(ctx, next, nil, &evt)
		if err != nil {
			return model.ScheduleEntry{}, err
		}
		return stored, nil
	}

	check := CheckRequest{
		VehicleID:      next.VehicleID,
		DriverID:       next.DriverID,
		Span:           next.Span(),
		ExcludeEntryID: next.ID,
	}
	conflict, err := l.checker.Check(ctx, check)
	if err != nil {
		return model.ScheduleEntry{}, &StoreUnavailableError{Err: err}
	}
	if conflict.HasConflict {
		return model.ScheduleEntry{}, &ConflictError{Conflict: conflict}
	}

	evt := l.changeEvent(EventEntryUpdated, next)
	stored, err := l.store.UpdateIfNoConflict(ctx, next, l.checker.Predicate(check), &evt)
	if err != nil {
		return model.ScheduleEntry{}, err
	}

	// Both the old and new allocations moved; drop cached availability for each.
	l.invalidate(ctx, current)
	l.invalidate(ctx, stored)
	l.logger.Info("schedule entry updated", "entry_id", stored.ID)
	return stored, nil
}

// Transition applies a status change through the state machine, guarded by
// optimistic concurrency on the entry's last-known status.
func (l *Lifecycle) Transition(ctx context.Context, perm Permission, id string, next model.Status) (model.ScheduleEntry, error) {
	if !perm.CanWrite() {
		return model.ScheduleEntry{}, ErrPermissionDenied
	}
	if !next.Valid() {
		return model.ScheduleEntry{}, &InvalidIntervalError{Reason: "unknown status " + string(next)}
	}

	current, err := l.store.Get(ctx, id)
	if err != nil {
		return model.ScheduleEntry{}, err
	}
	if !CanTransition(current.Status, next) {
		return model.ScheduleEntry{}, &InvalidTransitionError{From: current.Status, To: next}
	}

	updated := current
	updated.Status = next
	evt := l.changeEvent(EventStatusChanged, updated)
	stored, err := l.store.UpdateStatus(ctx, id, next, current.Status, &evt)
	if err != nil {
		return model.ScheduleEntry{}, err
	}

	l.invalidate(ctx, stored)
	l.logger.Info("schedule entry transitioned",
		"entry_id", stored.ID,
		"from", current.Status,
		"to", stored.Status,
	)
	return stored, nil
}

func (l *Lifecycle) Cancel(ctx context.Context, perm Permission, id string) (model.ScheduleEntry, error) {
	return l.Transition(ctx, perm, id, model.StatusCancelled)
}

func (l *Lifecycle) Complete(ctx context.Context, perm Permission, id string) (model.ScheduleEntry, error) {
	return l.Transition(ctx, perm, id, model.StatusCompleted)
}

func (l *Lifecycle) checkDriverActive(ctx context.Context, driverID string) error {
	if l.drivers == nil || driverID == "" {
		return nil
	}
	active, err := l.drivers.IsActiveDriver(ctx, driverID)
	if err != nil {
		return &StoreUnavailableError{Err: err}
	}
	if !active {
		return &InvalidIntervalError{Reason: "driver " + driverID + " is not active in the staff directory"}
	}
	return nil
}

func (l *Lifecycle) invalidate(ctx context.Context, e model.ScheduleEntry) {
	if l.cache == nil {
		return
	}
	l.cache.Invalidate(ctx, model.ResourceVehicle, e.VehicleID, e.StartTime, e.EndTime)
	if e.DriverID != "" {
		l.cache.Invalidate(ctx, model.ResourceDriver, e.DriverID, e.StartTime, e.EndTime)
	}
}

// changeEvent builds the ScheduleChanged fact recorded alongside the write.
func (l *Lifecycle) changeEvent(eventType string, e model.ScheduleEntry) ChangeEvent {
	payload, err := json.Marshal(map[string]any{
		"entry_id":     e.ID,
		"vehicle_id":   e.VehicleID,
		"driver_id":    e.DriverID,
		"booking_id":   e.BookingID,
		"booking_type": e.BookingType,
		"new_status":   string(e.Status),
		"start_time":   e.StartTime.UTC().Format(time.RFC3339),
		"end_time":     e.EndTime.UTC().Format(time.RFC3339),
	})
	if err != nil {
		// Marshal of a map of strings cannot fail; guard anyway.
		l.logger.Error("failed to build change event", "err", err)
	}
	return ChangeEvent{EventType: eventType, Key: e.ID, Payload: payload}
}

func validateCreate(req CreateRequest) error {
	return validateEntry(model.ScheduleEntry{
		VehicleID: req.VehicleID,
		BookingID: req.BookingID,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
	})
}

func validateEntry(e model.ScheduleEntry) error {
	if e.VehicleID == "" {
		return &InvalidIntervalError{Reason: "vehicle id is required"}
	}
	if e.BookingID == "" {
		return &InvalidIntervalError{Reason: "booking id is required"}
	}
	if !e.Span().Valid() {
		return &InvalidIntervalError{Reason: "start time must be before end time"}
	}
	return nil
}

func applyChanges(e model.ScheduleEntry, req UpdateRequest) model.ScheduleEntry {
	if req.VehicleID != nil {
		e.VehicleID = *req.VehicleID
	}
	if req.DriverID != nil {
		e.DriverID = *req.DriverID
	}
	if req.StartTime != nil {
		e.StartTime = *req.StartTime
	}
	if req.EndTime != nil {
		e.EndTime = *req.EndTime
	}
	if req.Notes != nil {
		e.Notes = *req.Notes
	}
	return e
}

func touchesTimeline(a, b model.ScheduleEntry) bool {
	return a.VehicleID != b.VehicleID ||
		a.DriverID != b.DriverID ||
		!a.StartTime.Equal(b.StartTime) ||
		!a.EndTime.Equal(b.EndTime)
}
