package schedule

import (
	"context"
	"sort"
	"time"

	"github.com/medtransit/scheduling/services/scheduling-service/internal/interval"
	"github.com/medtransit/scheduling/services/scheduling-service/internal/model"
)

// AvailabilityQuery asks for a resource's free/busy breakdown. The window
// defaults to the calendar day of Date in Date's location; WindowStart and
// WindowEnd override it when non-zero.
type AvailabilityQuery struct {
	Kind        model.ResourceKind
	ResourceID  string
	Date        time.Time
	WindowStart time.Time
	WindowEnd   time.Time
}

// AvailabilityCache is an optional read-through cache for day availability.
// Implementations are consulted only for whole-day windows and must be
// explicitly invalidated on every write touching the resource.
type AvailabilityCache interface {
	Get(ctx context.Context, kind model.ResourceKind, id string, windowStart, windowEnd time.Time) (model.ResourceAvailability, bool)
	Set(ctx context.Context, avail model.ResourceAvailability)
	Invalidate(ctx context.Context, kind model.ResourceKind, id string, from, to time.Time)
}

// AvailabilityComputer derives a resource's slot breakdown from its active
// entries. Read-only: repeated calls with unchanged store state return
// identical results.
type AvailabilityComputer struct {
	store Store
	cache AvailabilityCache // may be nil
}

func NewAvailabilityComputer(store Store, cache AvailabilityCache) *AvailabilityComputer {
	return &AvailabilityComputer{store: store, cache: cache}
}

func (a *AvailabilityComputer) ComputeForResource(ctx context.Context, q AvailabilityQuery) (model.ResourceAvailability, error) {
	windowStart, windowEnd := resolveWindow(q)
	if !windowStart.Before(windowEnd) {
		return model.ResourceAvailability{}, &InvalidIntervalError{Reason: "availability window start must be before end"}
	}
	if q.ResourceID == "" {
		return model.ResourceAvailability{}, &InvalidIntervalError{Reason: "resource id is required"}
	}

	cacheable := a.cache != nil && isWholeDay(windowStart, windowEnd)
	if cacheable {
		if avail, ok := a.cache.Get(ctx, q.Kind, q.ResourceID, windowStart, windowEnd); ok {
			return avail, nil
		}
	}

	f := EntryFilter{
		From:     windowStart,
		To:       windowEnd,
		Statuses: []model.Status{model.StatusScheduled, model.StatusInProgress},
	}
	if q.Kind == model.ResourceDriver {
		f.DriverID = q.ResourceID
	} else {
		f.VehicleID = q.ResourceID
	}

	entries, err := a.store.Find(ctx, f)
	if err != nil {
		return model.ResourceAvailability{}, &StoreUnavailableError{Err: err}
	}
	sortEntries(entries)

	busySpans := make([]interval.Span, 0, len(entries))
	for _, e := range entries {
		if s, ok := interval.Clip(e.Span(), windowStart, windowEnd); ok {
			busySpans = append(busySpans, s)
		}
	}

	// Driver timelines additionally treat staff-unavailability windows as
	// busy: a slot covered by sick leave is not assignable even though no
	// booking occupies it.
	if q.Kind == model.ResourceDriver {
		windows, err := a.store.FindUnavailability(ctx, UnavailabilityFilter{
			UserID: q.ResourceID,
			From:   windowStart,
			To:     windowEnd,
		})
		if err != nil {
			return model.ResourceAvailability{}, &StoreUnavailableError{Err: err}
		}
		for _, w := range windows {
			if s, ok := interval.Clip(w.Span(), windowStart, windowEnd); ok {
				busySpans = append(busySpans, s)
			}
		}
		sortSpans(busySpans)
	}

	busy := interval.MergeSorted(busySpans)

	avail := model.ResourceAvailability{
		ResourceKind:      q.Kind,
		ResourceID:        q.ResourceID,
		WindowStart:       windowStart,
		WindowEnd:         windowEnd,
		Entries:           entries,
		Slots:             buildSlots(busy, entries, windowStart, windowEnd),
		IsAvailableAllDay: len(busy) == 0,
	}

	if cacheable {
		a.cache.Set(ctx, avail)
	}
	return avail, nil
}

func resolveWindow(q AvailabilityQuery) (time.Time, time.Time) {
	if !q.WindowStart.IsZero() && !q.WindowEnd.IsZero() {
		return q.WindowStart, q.WindowEnd
	}
	day := time.Date(q.Date.Year(), q.Date.Month(), q.Date.Day(), 0, 0, 0, 0, q.Date.Location())
	start, end := day, day.AddDate(0, 0, 1)
	if !q.WindowStart.IsZero() {
		start = q.WindowStart
	}
	if !q.WindowEnd.IsZero() {
		end = q.WindowEnd
	}
	return start, end
}

func isWholeDay(start, end time.Time) bool {
	return start.Hour() == 0 && start.Minute() == 0 && start.Second() == 0 && start.Nanosecond() == 0 &&
		end.Equal(start.AddDate(0, 0, 1))
}

// buildSlots interleaves merged busy spans with the free complement derived
// by interval.Gaps into one chronological slot list. A busy slot is attributed
// to the earliest entry overlapping it; unavailability-only spans carry no
// booking id.
func buildSlots(busy []interval.Span, entries []model.ScheduleEntry, windowStart, windowEnd time.Time) []model.TimeSlot {
	free := interval.Gaps(busy, windowStart, windowEnd)
	slots := make([]model.TimeSlot, 0, len(busy)+len(free))
	for len(busy) > 0 || len(free) > 0 {
		if len(free) == 0 || (len(busy) > 0 && busy[0].Start.Before(free[0].Start)) {
			b := busy[0]
			busy = busy[1:]
			slots = append(slots, model.TimeSlot{
				StartTime:   b.Start,
				EndTime:     b.End,
				IsAvailable: false,
				BookingID:   occupyingBooking(b, entries),
			})
			continue
		}
		g := free[0]
		free = free[1:]
		slots = append(slots, model.TimeSlot{StartTime: g.Start, EndTime: g.End, IsAvailable: true})
	}
	return slots
}

func occupyingBooking(span interval.Span, entries []model.ScheduleEntry) string {
	for _, e := range entries {
		if interval.Overlaps(e.Span(), span) {
			return e.BookingID
		}
	}
	return ""
}

func sortSpans(spans []interval.Span) {
	sort.Slice(spans, func(i, j int) bool {
		if !spans[i].Start.Equal(spans[j].Start) {
			return spans[i].Start.Before(spans[j].Start)
		}
		return spans[i].End.Before(spans[j].End)
	})
}
