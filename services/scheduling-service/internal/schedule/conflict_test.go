package schedule_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/medtransit/scheduling/services/scheduling-service/internal/interval"
	"github.com/medtransit/scheduling/services/scheduling-service/internal/model"
	"github.com/medtransit/scheduling/services/scheduling-service/internal/schedule"
	"github.com/medtransit/scheduling/services/scheduling-service/internal/storage"
)

var day = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

func at(hour, min int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(min)*time.Minute)
}

func seedEntry(t *testing.T, store *storage.MemoryStore, vehicleID, driverID string, start, end time.Time, status model.Status) model.ScheduleEntry {
	t.Helper()
	entry := model.ScheduleEntry{
		ID:        uuid.NewString(),
		VehicleID: vehicleID,
		DriverID:  driverID,
		BookingID: uuid.NewString(),
		StartTime: start,
		EndTime:   end,
		Status:    status,
	}
	stored, err := store.InsertIfNoConflict(context.Background(), entry, nil, nil)
	if err != nil {
		t.Fatalf("seed entry: %v", err)
	}
	return stored
}

func TestCheckVehicleOverlap(t *testing.T) {
	store := storage.NewMemoryStore()
	existing := seedEntry(t, store, "veh-1", "", at(9, 0), at(11, 0), model.StatusScheduled)
	checker := schedule.NewConflictChecker(store)

	conflict, err := checker.Check(context.Background(), schedule.CheckRequest{
		VehicleID: "veh-1",
		Span:      interval.Span{Start: at(10, 0), End: at(12, 0)},
	})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !conflict.HasConflict {
		t.Fatal("expected a conflict")
	}
	if len(conflict.Entries) != 1 || conflict.Entries[0].ID != existing.ID {
		t.Fatalf("expected the seeded entry in the report, got %+v", conflict.Entries)
	}
	if !strings.Contains(conflict.Message, "veh-1") {
		t.Errorf("message should name the vehicle: %q", conflict.Message)
	}
}

func TestCheckTouchingIntervalsDoNotConflict(t *testing.T) {
	store := storage.NewMemoryStore()
	seedEntry(t, store, "veh-1", "drv-1", at(9, 0), at(11, 0), model.StatusScheduled)
	checker := schedule.NewConflictChecker(store)

	// Candidate starts exactly where the existing entry ends.
	conflict, err := checker.Check(context.Background(), schedule.CheckRequest{
		VehicleID: "veh-1",
		DriverID:  "drv-1",
		Span:      interval.Span{Start: at(11, 0), End: at(13, 0)},
	})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if conflict.HasConflict {
		t.Fatalf("touching intervals reported as conflict: %+v", conflict)
	}
}

func TestCheckIgnoresInactiveEntries(t *testing.T) {
	store := storage.NewMemoryStore()
	seedEntry(t, store, "veh-1", "", at(9, 0), at(11, 0), model.StatusCancelled)
	seedEntry(t, store, "veh-1", "", at(9, 0), at(11, 0), model.StatusCompleted)
	checker := schedule.NewConflictChecker(store)

	conflict, err := checker.Check(context.Background(), schedule.CheckRequest{
		VehicleID: "veh-1",
		Span:      interval.Span{Start: at(9, 30), End: at(10, 30)},
	})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if conflict.HasConflict {
		t.Fatalf("cancelled and completed entries must not block: %+v", conflict)
	}
}

func TestCheckDriverDoubleBookingAcrossVehicles(t *testing.T) {
	store := storage.NewMemoryStore()
	existing := seedEntry(t, store, "veh-1", "drv-1", at(9, 0), at(11, 0), model.StatusInProgress)
	checker := schedule.NewConflictChecker(store)

	// Different vehicle, same driver, overlapping interval.
	conflict, err := checker.Check(context.Background(), schedule.CheckRequest{
		VehicleID: "veh-2",
		DriverID:  "drv-1",
		Span:      interval.Span{Start: at(10, 0), End: at(12, 0)},
	})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !conflict.HasConflict {
		t.Fatal("driver double booking not detected")
	}
	if len(conflict.Entries) != 1 || conflict.Entries[0].ID != existing.ID {
		t.Fatalf("expected the driver's entry in the report, got %+v", conflict.Entries)
	}
}

func TestCheckVehicleOnlyEntryDoesNotBlockDriver(t *testing.T) {
	store := storage.NewMemoryStore()
	seedEntry(t, store, "veh-1", "", at(9, 0), at(11, 0), model.StatusScheduled)
	checker := schedule.NewConflictChecker(store)

	conflict, err := checker.Check(context.Background(), schedule.CheckRequest{
		VehicleID: "veh-2",
		DriverID:  "drv-1",
		Span:      interval.Span{Start: at(9, 0), End: at(11, 0)},
	})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if conflict.HasConflict {
		t.Fatalf("unassigned-driver entry must not block other drivers: %+v", conflict)
	}
}

func TestCheckStaffUnavailability(t *testing.T) {
	store := storage.NewMemoryStore()
	store.AddUnavailability(model.StaffUnavailability{
		ID:        uuid.NewString(),
		UserID:    "drv-1",
		StartTime: at(8, 0),
		EndTime:   at(12, 0),
		Status:    "sick",
	})
	checker := schedule.NewConflictChecker(store)

	conflict, err := checker.Check(context.Background(), schedule.CheckRequest{
		VehicleID: "veh-1",
		DriverID:  "drv-1",
		Span:      interval.Span{Start: at(10, 0), End: at(11, 0)},
	})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !conflict.HasConflict {
		t.Fatal("unavailability window not detected")
	}
	if len(conflict.Unavailability) != 1 {
		t.Fatalf("expected one unavailability hit, got %d", len(conflict.Unavailability))
	}
}

func TestCheckExcludesOwnEntryOnUpdate(t *testing.T) {
	store := storage.NewMemoryStore()
	existing := seedEntry(t, store, "veh-1", "drv-1", at(9, 0), at(11, 0), model.StatusScheduled)
	checker := schedule.NewConflictChecker(store)

	// Extending the same entry by an hour must not collide with itself.
	conflict, err := checker.Check(context.Background(), schedule.CheckRequest{
		VehicleID:      "veh-1",
		DriverID:       "drv-1",
		Span:           interval.Span{Start: at(9, 0), End: at(12, 0)},
		ExcludeEntryID: existing.ID,
	})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if conflict.HasConflict {
		t.Fatalf("entry conflicted with itself: %+v", conflict)
	}
}

func TestCheckReportsAllCollisionsDeterministically(t *testing.T) {
	store := storage.NewMemoryStore()
	first := seedEntry(t, store, "veh-1", "", at(8, 0), at(10, 0), model.StatusScheduled)
	second := seedEntry(t, store, "veh-1", "", at(11, 0), at(13, 0), model.StatusScheduled)
	checker := schedule.NewConflictChecker(store)

	for i := 0; i < 5; i++ {
		conflict, err := checker.Check(context.Background(), schedule.CheckRequest{
			VehicleID: "veh-1",
			Span:      interval.Span{Start: at(9, 0), End: at(12, 0)},
		})
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if len(conflict.Entries) != 2 {
			t.Fatalf("expected both entries reported, got %d", len(conflict.Entries))
		}
		if conflict.Entries[0].ID != first.ID || conflict.Entries[1].ID != second.ID {
			t.Fatalf("entries not in start-time order: %s, %s", conflict.Entries[0].ID, conflict.Entries[1].ID)
		}
	}
}
