package schedule_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/google/uuid"
	"github.com/medtransit/scheduling/services/scheduling-service/internal/model"
	"github.com/medtransit/scheduling/services/scheduling-service/internal/schedule"
	"github.com/medtransit/scheduling/services/scheduling-service/internal/storage"
)

func TestAvailabilityEmptyDay(t *testing.T) {
	store := storage.NewMemoryStore()
	comp := schedule.NewAvailabilityComputer(store, nil)

	avail, err := comp.ComputeForResource(context.Background(), schedule.AvailabilityQuery{
		Kind:       model.ResourceVehicle,
		ResourceID: "veh-1",
		Date:       day,
	})
	if err != nil {
		t.Fatalf("ComputeForResource: %v", err)
	}
	if !avail.IsAvailableAllDay {
		t.Error("empty timeline should be available all day")
	}
	if len(avail.Slots) != 1 {
		t.Fatalf("expected a single free slot, got %d", len(avail.Slots))
	}
	slot := avail.Slots[0]
	if !slot.IsAvailable || !slot.StartTime.Equal(day) || !slot.EndTime.Equal(day.AddDate(0, 0, 1)) {
		t.Errorf("free slot should cover the whole day, got %+v", slot)
	}
}

func TestAvailabilityRoundTrip(t *testing.T) {
	store := storage.NewMemoryStore()
	first := seedEntry(t, store, "veh-1", "", at(9, 0), at(11, 0), model.StatusScheduled)
	second := seedEntry(t, store, "veh-1", "", at(14, 0), at(16, 0), model.StatusScheduled)
	comp := schedule.NewAvailabilityComputer(store, nil)

	avail, err := comp.ComputeForResource(context.Background(), schedule.AvailabilityQuery{
		Kind:       model.ResourceVehicle,
		ResourceID: "veh-1",
		Date:       day,
	})
	if err != nil {
		t.Fatalf("ComputeForResource: %v", err)
	}
	if avail.IsAvailableAllDay {
		t.Error("occupied timeline reported as fully available")
	}

	want := []model.TimeSlot{
		{StartTime: day, EndTime: at(9, 0), IsAvailable: true},
		{StartTime: at(9, 0), EndTime: at(11, 0), IsAvailable: false, BookingID: first.BookingID},
		{StartTime: at(11, 0), EndTime: at(14, 0), IsAvailable: true},
		{StartTime: at(14, 0), EndTime: at(16, 0), IsAvailable: false, BookingID: second.BookingID},
		{StartTime: at(16, 0), EndTime: day.AddDate(0, 0, 1), IsAvailable: true},
	}
	if !reflect.DeepEqual(avail.Slots, want) {
		t.Errorf("slots mismatch\n got: %+v\nwant: %+v", avail.Slots, want)
	}
}

func TestAvailabilityDeterministic(t *testing.T) {
	store := storage.NewMemoryStore()
	seedEntry(t, store, "veh-1", "", at(9, 0), at(10, 0), model.StatusScheduled)
	seedEntry(t, store, "veh-1", "", at(9, 30), at(11, 0), model.StatusInProgress)
	comp := schedule.NewAvailabilityComputer(store, nil)

	q := schedule.AvailabilityQuery{Kind: model.ResourceVehicle, ResourceID: "veh-1", Date: day}
	baseline, err := comp.ComputeForResource(context.Background(), q)
	if err != nil {
		t.Fatalf("ComputeForResource: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := comp.ComputeForResource(context.Background(), q)
		if err != nil {
			t.Fatalf("ComputeForResource: %v", err)
		}
		if !reflect.DeepEqual(again.Slots, baseline.Slots) {
			t.Fatalf("slots changed between identical queries\n got: %+v\nwant: %+v", again.Slots, baseline.Slots)
		}
	}
}

func TestAvailabilityMergesOverlappingEntries(t *testing.T) {
	store := storage.NewMemoryStore()
	seedEntry(t, store, "veh-1", "", at(9, 0), at(11, 0), model.StatusScheduled)
	seedEntry(t, store, "veh-1", "", at(10, 0), at(12, 0), model.StatusScheduled)
	comp := schedule.NewAvailabilityComputer(store, nil)

	avail, err := comp.ComputeForResource(context.Background(), schedule.AvailabilityQuery{
		Kind:       model.ResourceVehicle,
		ResourceID: "veh-1",
		Date:       day,
	})
	if err != nil {
		t.Fatalf("ComputeForResource: %v", err)
	}

	var busy []model.TimeSlot
	for _, s := range avail.Slots {
		if !s.IsAvailable {
			busy = append(busy, s)
		}
	}
	if len(busy) != 1 {
		t.Fatalf("overlapping entries should merge to one busy slot, got %d", len(busy))
	}
	if !busy[0].StartTime.Equal(at(9, 0)) || !busy[0].EndTime.Equal(at(12, 0)) {
		t.Errorf("merged slot should span 09:00-12:00, got %+v", busy[0])
	}
}

func TestAvailabilityDriverIncludesUnavailability(t *testing.T) {
	store := storage.NewMemoryStore()
	seedEntry(t, store, "veh-1", "drv-1", at(9, 0), at(10, 0), model.StatusScheduled)
	store.AddUnavailability(model.StaffUnavailability{
		ID:        uuid.NewString(),
		UserID:    "drv-1",
		StartTime: at(13, 0),
		EndTime:   at(15, 0),
		Status:    "on_leave",
	})
	comp := schedule.NewAvailabilityComputer(store, nil)

	avail, err := comp.ComputeForResource(context.Background(), schedule.AvailabilityQuery{
		Kind:       model.ResourceDriver,
		ResourceID: "drv-1",
		Date:       day,
	})
	if err != nil {
		t.Fatalf("ComputeForResource: %v", err)
	}

	var busy []model.TimeSlot
	for _, s := range avail.Slots {
		if !s.IsAvailable {
			busy = append(busy, s)
		}
	}
	if len(busy) != 2 {
		t.Fatalf("expected booking and leave as separate busy slots, got %+v", busy)
	}
	if busy[1].BookingID != "" {
		t.Errorf("leave slot must not carry a booking id, got %q", busy[1].BookingID)
	}
}

func TestAvailabilityCustomWindowClipsEntries(t *testing.T) {
	store := storage.NewMemoryStore()
	// Entry starts before the window and ends inside it.
	seedEntry(t, store, "veh-1", "", at(7, 0), at(9, 30), model.StatusScheduled)
	comp := schedule.NewAvailabilityComputer(store, nil)

	avail, err := comp.ComputeForResource(context.Background(), schedule.AvailabilityQuery{
		Kind:        model.ResourceVehicle,
		ResourceID:  "veh-1",
		WindowStart: at(8, 0),
		WindowEnd:   at(18, 0),
	})
	if err != nil {
		t.Fatalf("ComputeForResource: %v", err)
	}
	if len(avail.Slots) == 0 || avail.Slots[0].IsAvailable {
		t.Fatalf("window should open with the clipped busy slot, got %+v", avail.Slots)
	}
	if !avail.Slots[0].StartTime.Equal(at(8, 0)) || !avail.Slots[0].EndTime.Equal(at(9, 30)) {
		t.Errorf("busy slot not clipped to window, got %+v", avail.Slots[0])
	}
}

func TestAvailabilityFullyBookedDayHasNoFreeSlots(t *testing.T) {
	store := storage.NewMemoryStore()
	seedEntry(t, store, "veh-1", "", day, at(12, 0), model.StatusScheduled)
	seedEntry(t, store, "veh-1", "", at(12, 0), day.AddDate(0, 0, 1), model.StatusInProgress)
	comp := schedule.NewAvailabilityComputer(store, nil)

	avail, err := comp.ComputeForResource(context.Background(), schedule.AvailabilityQuery{
		Kind:       model.ResourceVehicle,
		ResourceID: "veh-1",
		Date:       day,
	})
	if err != nil {
		t.Fatalf("ComputeForResource: %v", err)
	}
	if avail.IsAvailableAllDay {
		t.Error("fully booked day reported as available")
	}
	if len(avail.Slots) != 1 {
		t.Fatalf("back-to-back entries should merge into one busy slot, got %+v", avail.Slots)
	}
	if avail.Slots[0].IsAvailable {
		t.Error("fully covered window must yield no free slot")
	}
}

func TestAvailabilityRejectsInvertedWindow(t *testing.T) {
	comp := schedule.NewAvailabilityComputer(storage.NewMemoryStore(), nil)
	_, err := comp.ComputeForResource(context.Background(), schedule.AvailabilityQuery{
		Kind:        model.ResourceVehicle,
		ResourceID:  "veh-1",
		WindowStart: at(18, 0),
		WindowEnd:   at(8, 0),
	})
	var invalid *schedule.InvalidIntervalError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidIntervalError, got %v", err)
	}
}
