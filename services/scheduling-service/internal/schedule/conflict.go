package schedule

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/medtransit/scheduling/services/scheduling-service/internal/interval"
	"github.com/medtransit/scheduling/services/scheduling-service/internal/model"
)

// CheckRequest is a candidate allocation to test against the timeline.
// ExcludeEntryID skips an entry's own prior allocation when re-validating an
// update.
type CheckRequest struct {
	VehicleID      string
	DriverID       string
	Span           interval.Span
	ExcludeEntryID string
}

// ConflictChecker reports collisions between a candidate interval and the
// active timeline: the vehicle's entries, the driver's entries, and the
// driver's staff-unavailability windows. Adjacent (touching) intervals are not
// conflicts; all comparisons are half-open.
type ConflictChecker struct {
	store Store
}

func NewConflictChecker(store Store) *ConflictChecker {
	return &ConflictChecker{store: store}
}

// Check runs an advisory conflict check against the store's current state.
// The result may be stale by the time the caller commits; the atomic write
// path re-runs the same check via Predicate.
func (c *ConflictChecker) Check(ctx context.Context, req CheckRequest) (model.ScheduleConflict, error) {
	return c.CheckAgainst(ctx, c.store, req)
}

// Predicate adapts a check request into the form the store's atomic
// insert/update re-evaluates inside its own unit of work.
func (c *ConflictChecker) Predicate(req CheckRequest) ConflictPredicate {
	return func(ctx context.Context, view ReadView) (model.ScheduleConflict, error) {
		return c.CheckAgainst(ctx, view, req)
	}
}

// CheckAgainst evaluates the candidate against an arbitrary read view.
func (c *ConflictChecker) CheckAgainst(ctx context.Context, view ReadView, req CheckRequest) (model.ScheduleConflict, error) {
	activeStatuses := []model.Status{model.StatusScheduled, model.StatusInProgress}

	vehicleHits, err := findOverlapping(ctx, view, EntryFilter{
		VehicleID: req.VehicleID,
		From:      req.Span.Start,
		To:        req.Span.End,
		Statuses:  activeStatuses,
		ExcludeID: req.ExcludeEntryID,
	}, req.Span)
	if err != nil {
		return model.ScheduleConflict{}, err
	}

	var driverHits []model.ScheduleEntry
	var unavailable []model.StaffUnavailability
	if req.DriverID != "" {
		driverHits, err = findOverlapping(ctx, view, EntryFilter{
			DriverID:  req.DriverID,
			From:      req.Span.Start,
			To:        req.Span.End,
			Statuses:  activeStatuses,
			ExcludeID: req.ExcludeEntryID,
		}, req.Span)
		if err != nil {
			return model.ScheduleConflict{}, err
		}

		windows, err := view.FindUnavailability(ctx, UnavailabilityFilter{
			UserID: req.DriverID,
			From:   req.Span.Start,
			To:     req.Span.End,
		})
		if err != nil {
			return model.ScheduleConflict{}, err
		}
		for _, w := range windows {
			if interval.Overlaps(w.Span(), req.Span) {
				unavailable = append(unavailable, w)
			}
		}
		sortUnavailability(unavailable)
	}

	conflict := model.ScheduleConflict{
		Entries:        dedupeEntries(append(vehicleHits, driverHits...)),
		Unavailability: unavailable,
	}
	conflict.HasConflict = len(conflict.Entries) > 0 || len(conflict.Unavailability) > 0
	if conflict.HasConflict {
		conflict.Message = conflictMessage(req, vehicleHits, driverHits, unavailable)
	}
	return conflict, nil
}

func findOverlapping(ctx context.Context, view ReadView, f EntryFilter, span interval.Span) ([]model.ScheduleEntry, error) {
	entries, err := view.Find(ctx, f)
	if err != nil {
		return nil, err
	}
	hits := entries[:0:0]
	for _, e := range entries {
		if interval.Overlaps(e.Span(), span) {
			hits = append(hits, e)
		}
	}
	sortEntries(hits)
	return hits, nil
}

// conflictMessage names the first colliding resource and its window so the UI
// has a stable, human-readable summary. Vehicle collisions win over driver
// collisions, which win over unavailability windows.
func conflictMessage(req CheckRequest, vehicleHits, driverHits []model.ScheduleEntry, unavailable []model.StaffUnavailability) string {
	if len(vehicleHits) > 0 {
		e := vehicleHits[0]
		return fmt.Sprintf("vehicle %s is already scheduled from %s to %s (booking %s)",
			e.VehicleID, formatInstant(e.StartTime), formatInstant(e.EndTime), e.BookingID)
	}
	if len(driverHits) > 0 {
		e := driverHits[0]
		return fmt.Sprintf("driver %s is already scheduled from %s to %s (booking %s)",
			e.DriverID, formatInstant(e.StartTime), formatInstant(e.EndTime), e.BookingID)
	}
	w := unavailable[0]
	return fmt.Sprintf("driver %s is %s from %s to %s",
		w.UserID, w.Status, formatInstant(w.StartTime), formatInstant(w.EndTime))
}

func formatInstant(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func sortEntries(entries []model.ScheduleEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].StartTime.Equal(entries[j].StartTime) {
			return entries[i].StartTime.Before(entries[j].StartTime)
		}
		if !entries[i].EndTime.Equal(entries[j].EndTime) {
			return entries[i].EndTime.Before(entries[j].EndTime)
		}
		return entries[i].ID < entries[j].ID
	})
}

func sortUnavailability(windows []model.StaffUnavailability) {
	sort.Slice(windows, func(i, j int) bool {
		if !windows[i].StartTime.Equal(windows[j].StartTime) {
			return windows[i].StartTime.Before(windows[j].StartTime)
		}
		return windows[i].ID < windows[j].ID
	})
}

func dedupeEntries(entries []model.ScheduleEntry) []model.ScheduleEntry {
	if len(entries) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(entries))
	out := entries[:0:0]
	for _, e := range entries {
		if _, ok := seen[e.ID]; ok {
			continue
		}
		seen[e.ID] = struct{}{}
		out = append(out, e)
	}
	sortEntries(out)
	return out
}
