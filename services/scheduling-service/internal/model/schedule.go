package model

import (
	"time"

	"github.com/medtransit/scheduling/services/scheduling-service/internal/interval"
)

// Status is the lifecycle state of a schedule entry.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the status counts toward the timeline: scheduled and
// in_progress entries occupy their interval; completed and cancelled do not.
func (s Status) Active() bool {
	return s == StatusScheduled || s == StatusInProgress
}

// ScheduleEntry is one allocation of a vehicle (and optionally a driver) to a
// booking for a time interval. Entries are never physically deleted;
// cancellation is a status transition.
type ScheduleEntry struct {
	ID          string
	VehicleID   string
	DriverID    string // empty until a driver is assigned
	BookingID   string
	BookingType string // which booking collection the id refers to; never dereferenced here
	StartTime   time.Time
	EndTime     time.Time
	Status      Status
	Notes       string
	CreatedAt   time.Time
	CreatedBy   string
	UpdatedAt   time.Time
}

func (e ScheduleEntry) Span() interval.Span {
	return interval.Span{Start: e.StartTime, End: e.EndTime}
}

// StaffUnavailability is a period during which a person cannot be assigned.
// Written by staff-management workflows; read-only to this engine.
type StaffUnavailability struct {
	ID        string
	UserID    string
	StartTime time.Time
	EndTime   time.Time
	Status    string // unavailable | on_leave | sick
	Notes     string
}

func (u StaffUnavailability) Span() interval.Span {
	return interval.Span{Start: u.StartTime, End: u.EndTime}
}

// TimeSlot is one contiguous span within a queried window. Derived, not
// persisted. BookingID is set only when the slot is occupied.
type TimeSlot struct {
	StartTime   time.Time
	EndTime     time.Time
	IsAvailable bool
	BookingID   string
}

// ScheduleConflict is the result of a conflict check against a candidate
// interval: the active entries and staff-unavailability windows it collides
// with, plus a display message naming the first collision.
type ScheduleConflict struct {
	HasConflict    bool
	Entries        []ScheduleEntry
	Unavailability []StaffUnavailability
	Message        string
}

// ResourceKind distinguishes the two entity types the engine allocates time to.
type ResourceKind string

const (
	ResourceVehicle ResourceKind = "vehicle"
	ResourceDriver  ResourceKind = "driver"
)

// ResourceAvailability is a resource's full day picture: its entries in the
// window and the derived free/busy slot breakdown.
type ResourceAvailability struct {
	ResourceKind      ResourceKind
	ResourceID        string
	WindowStart       time.Time
	WindowEnd         time.Time
	Entries           []ScheduleEntry
	Slots             []TimeSlot
	IsAvailableAllDay bool
}
