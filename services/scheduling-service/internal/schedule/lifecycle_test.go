package schedule_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/medtransit/scheduling/services/scheduling-service/internal/interval"
	"github.com/medtransit/scheduling/services/scheduling-service/internal/model"
	"github.com/medtransit/scheduling/services/scheduling-service/internal/schedule"
	"github.com/medtransit/scheduling/services/scheduling-service/internal/storage"
)

var (
	dispatcher = schedule.Permission{Actor: "user-1", Role: schedule.RoleDispatcher}
	viewer     = schedule.Permission{Actor: "user-2", Role: schedule.RoleViewer}
)

func newLifecycle(store *storage.MemoryStore) *schedule.Lifecycle {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return schedule.NewLifecycle(store, schedule.NewConflictChecker(store), nil, nil, logger)
}

func createReq(vehicleID, driverID string, start, end time.Time) schedule.CreateRequest {
	return schedule.CreateRequest{
		VehicleID:   vehicleID,
		DriverID:    driverID,
		BookingID:   uuid.NewString(),
		BookingType: "patient_transport",
		StartTime:   start,
		EndTime:     end,
	}
}

func TestCreateSchedulesEntry(t *testing.T) {
	store := storage.NewMemoryStore()
	lc := newLifecycle(store)

	entry, err := lc.Create(context.Background(), dispatcher, createReq("veh-1", "drv-1", at(9, 0), at(11, 0)))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if entry.ID == "" {
		t.Error("entry should get an id")
	}
	if entry.Status != model.StatusScheduled {
		t.Errorf("new entry status = %s, want scheduled", entry.Status)
	}
	if entry.CreatedBy != dispatcher.Actor {
		t.Errorf("CreatedBy = %q, want %q", entry.CreatedBy, dispatcher.Actor)
	}

	events := store.Events()
	if len(events) != 1 {
		t.Fatalf("expected one change event, got %d", len(events))
	}
	evt := events[0]
	if evt.EventType != schedule.EventEntryCreated {
		t.Errorf("event type = %q, want %q", evt.EventType, schedule.EventEntryCreated)
	}
	if evt.Key != entry.ID {
		t.Errorf("event key = %q, want entry id %q", evt.Key, entry.ID)
	}
	var payload map[string]any
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		t.Fatalf("event payload is not JSON: %v", err)
	}
	if payload["new_status"] != "scheduled" {
		t.Errorf("payload new_status = %v, want scheduled", payload["new_status"])
	}
}

func TestCreateRejectsViewer(t *testing.T) {
	lc := newLifecycle(storage.NewMemoryStore())
	_, err := lc.Create(context.Background(), viewer, createReq("veh-1", "", at(9, 0), at(10, 0)))
	if !errors.Is(err, schedule.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestCreateRejectsInvalidInterval(t *testing.T) {
	lc := newLifecycle(storage.NewMemoryStore())
	cases := []struct {
		name string
		req  schedule.CreateRequest
	}{
		{"inverted", createReq("veh-1", "", at(11, 0), at(9, 0))},
		{"empty", createReq("veh-1", "", at(9, 0), at(9, 0))},
		{"no vehicle", createReq("", "", at(9, 0), at(10, 0))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := lc.Create(context.Background(), dispatcher, tc.req)
			var invalid *schedule.InvalidIntervalError
			if !errors.As(err, &invalid) {
				t.Fatalf("expected InvalidIntervalError, got %v", err)
			}
		})
	}
}

func TestCreateConflictReturnsReport(t *testing.T) {
	store := storage.NewMemoryStore()
	lc := newLifecycle(store)
	ctx := context.Background()

	first, err := lc.Create(ctx, dispatcher, createReq("veh-1", "", at(9, 0), at(11, 0)))
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}

	_, err = lc.Create(ctx, dispatcher, createReq("veh-1", "", at(10, 0), at(12, 0)))
	var conflict *schedule.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if len(conflict.Conflict.Entries) != 1 || conflict.Conflict.Entries[0].ID != first.ID {
		t.Fatalf("conflict report should name the existing entry, got %+v", conflict.Conflict)
	}
	if len(store.Events()) != 1 {
		t.Error("rejected create must not emit a change event")
	}
}

func TestConcurrentOverlappingCreatesExactlyOneWins(t *testing.T) {
	store := storage.NewMemoryStore()
	lc := newLifecycle(store)

	const writers = 16
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = lc.Create(context.Background(), dispatcher,
				createReq("veh-1", "", at(9, 0), at(11, 0)))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		default:
			var conflict *schedule.ConflictError
			if !errors.As(err, &conflict) {
				t.Fatalf("loser got unexpected error: %v", err)
			}
		}
	}
	if wins != 1 {
		t.Fatalf("exactly one concurrent create should win, got %d", wins)
	}
	if len(store.Events()) != 1 {
		t.Errorf("expected one change event, got %d", len(store.Events()))
	}
}

func TestConcurrentCreatesNeverProduceOverlap(t *testing.T) {
	store := storage.NewMemoryStore()
	lc := newLifecycle(store)
	rng := rand.New(rand.NewSource(42))

	// Random intervals across one day for one vehicle; after the dust
	// settles, no two stored entries may overlap.
	const attempts = 64
	reqs := make([]schedule.CreateRequest, attempts)
	for i := range reqs {
		startMin := rng.Intn(22 * 60)
		durMin := 30 + rng.Intn(150)
		reqs[i] = createReq("veh-1", "",
			day.Add(time.Duration(startMin)*time.Minute),
			day.Add(time.Duration(startMin+durMin)*time.Minute))
	}

	var wg sync.WaitGroup
	for _, req := range reqs {
		wg.Add(1)
		go func(req schedule.CreateRequest) {
			defer wg.Done()
			_, err := lc.Create(context.Background(), dispatcher, req)
			var conflict *schedule.ConflictError
			if err != nil && !errors.As(err, &conflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}(req)
	}
	wg.Wait()

	stored, err := store.Find(context.Background(), schedule.EntryFilter{VehicleID: "veh-1"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	for i := range stored {
		for j := i + 1; j < len(stored); j++ {
			if interval.Overlaps(stored[i].Span(), stored[j].Span()) {
				t.Fatalf("stored entries overlap: %v and %v",
					stored[i].Span(), stored[j].Span())
			}
		}
	}
}

func TestUpdateMovesEntry(t *testing.T) {
	store := storage.NewMemoryStore()
	lc := newLifecycle(store)
	ctx := context.Background()

	entry, err := lc.Create(ctx, dispatcher, createReq("veh-1", "drv-1", at(9, 0), at(11, 0)))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	newStart, newEnd := at(13, 0), at(15, 0)
	updated, err := lc.Update(ctx, dispatcher, entry.ID, schedule.UpdateRequest{
		StartTime: &newStart,
		EndTime:   &newEnd,
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !updated.StartTime.Equal(newStart) || !updated.EndTime.Equal(newEnd) {
		t.Errorf("interval not updated: %+v", updated)
	}
	if updated.DriverID != "drv-1" {
		t.Errorf("untouched field changed: driver %q", updated.DriverID)
	}

	events := store.Events()
	if len(events) != 2 || events[1].EventType != schedule.EventEntryUpdated {
		t.Fatalf("expected created then updated events, got %+v", events)
	}
}

func TestUpdateSelfOverlapAllowed(t *testing.T) {
	store := storage.NewMemoryStore()
	lc := newLifecycle(store)
	ctx := context.Background()

	entry, err := lc.Create(ctx, dispatcher, createReq("veh-1", "", at(9, 0), at(11, 0)))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Extending into the entry's own interval must not conflict with itself.
	newEnd := at(12, 0)
	if _, err := lc.Update(ctx, dispatcher, entry.ID, schedule.UpdateRequest{EndTime: &newEnd}); err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestUpdateConflictWithOtherEntry(t *testing.T) {
	store := storage.NewMemoryStore()
	lc := newLifecycle(store)
	ctx := context.Background()

	if _, err := lc.Create(ctx, dispatcher, createReq("veh-1", "", at(9, 0), at(11, 0))); err != nil {
		t.Fatalf("Create: %v", err)
	}
	entry, err := lc.Create(ctx, dispatcher, createReq("veh-1", "", at(13, 0), at(15, 0)))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	newStart := at(10, 0)
	newEnd := at(12, 0)
	_, err = lc.Update(ctx, dispatcher, entry.ID, schedule.UpdateRequest{StartTime: &newStart, EndTime: &newEnd})
	var conflict *schedule.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestUpdateTerminalEntryRejected(t *testing.T) {
	store := storage.NewMemoryStore()
	lc := newLifecycle(store)
	ctx := context.Background()

	entry, err := lc.Create(ctx, dispatcher, createReq("veh-1", "", at(9, 0), at(11, 0)))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := lc.Cancel(ctx, dispatcher, entry.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	notes := "late edit"
	_, err = lc.Update(ctx, dispatcher, entry.ID, schedule.UpdateRequest{Notes: &notes})
	var invalid *schedule.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestUpdateUnknownEntry(t *testing.T) {
	lc := newLifecycle(storage.NewMemoryStore())
	notes := "x"
	_, err := lc.Update(context.Background(), dispatcher, uuid.NewString(), schedule.UpdateRequest{Notes: &notes})
	if !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTransitionHappyPath(t *testing.T) {
	store := storage.NewMemoryStore()
	lc := newLifecycle(store)
	ctx := context.Background()

	entry, err := lc.Create(ctx, dispatcher, createReq("veh-1", "drv-1", at(9, 0), at(11, 0)))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	inProgress, err := lc.Transition(ctx, dispatcher, entry.ID, model.StatusInProgress)
	if err != nil {
		t.Fatalf("Transition to in_progress: %v", err)
	}
	if inProgress.Status != model.StatusInProgress {
		t.Errorf("status = %s, want in_progress", inProgress.Status)
	}

	done, err := lc.Complete(ctx, dispatcher, entry.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Status != model.StatusCompleted {
		t.Errorf("status = %s, want completed", done.Status)
	}

	events := store.Events()
	if len(events) != 3 {
		t.Fatalf("expected three change events, got %d", len(events))
	}
	for _, evt := range events[1:] {
		if evt.EventType != schedule.EventStatusChanged {
			t.Errorf("event type = %q, want %q", evt.EventType, schedule.EventStatusChanged)
		}
	}
}

func TestTransitionRejectedByStateMachine(t *testing.T) {
	store := storage.NewMemoryStore()
	lc := newLifecycle(store)
	ctx := context.Background()

	entry, err := lc.Create(ctx, dispatcher, createReq("veh-1", "", at(9, 0), at(11, 0)))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// scheduled -> completed skips in_progress.
	_, err = lc.Transition(ctx, dispatcher, entry.ID, model.StatusCompleted)
	var invalid *schedule.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.From != model.StatusScheduled || invalid.To != model.StatusCompleted {
		t.Errorf("error should carry the pair, got %+v", invalid)
	}
}

func TestCancelledEntryFreesItsInterval(t *testing.T) {
	store := storage.NewMemoryStore()
	lc := newLifecycle(store)
	ctx := context.Background()

	entry, err := lc.Create(ctx, dispatcher, createReq("veh-1", "", at(9, 0), at(11, 0)))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := lc.Cancel(ctx, dispatcher, entry.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// The slot is free again.
	if _, err := lc.Create(ctx, dispatcher, createReq("veh-1", "", at(9, 0), at(11, 0))); err != nil {
		t.Fatalf("Create after cancel: %v", err)
	}
}

func TestConcurrentCancelExactlyOneWins(t *testing.T) {
	store := storage.NewMemoryStore()
	lc := newLifecycle(store)
	ctx := context.Background()

	entry, err := lc.Create(ctx, dispatcher, createReq("veh-1", "", at(9, 0), at(11, 0)))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = lc.Cancel(ctx, dispatcher, entry.ID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var stale *schedule.StaleStateError
		var invalid *schedule.InvalidTransitionError
		if !errors.As(err, &stale) && !errors.As(err, &invalid) {
			t.Fatalf("loser got unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("exactly one concurrent cancel should win, got %d", wins)
	}
}

type closedDirectory struct{ active bool }

func (d closedDirectory) IsActiveDriver(context.Context, string) (bool, error) {
	return d.active, nil
}

func TestCreateChecksDriverDirectory(t *testing.T) {
	store := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lc := schedule.NewLifecycle(store, schedule.NewConflictChecker(store), closedDirectory{active: false}, nil, logger)

	_, err := lc.Create(context.Background(), dispatcher, createReq("veh-1", "drv-gone", at(9, 0), at(10, 0)))
	var invalid *schedule.InvalidIntervalError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected rejection for inactive driver, got %v", err)
	}

	// Entries without a driver skip the directory entirely.
	if _, err := lc.Create(context.Background(), dispatcher, createReq("veh-1", "", at(9, 0), at(10, 0))); err != nil {
		t.Fatalf("driverless create should pass: %v", err)
	}
}

func TestStaleUpdateDoesNotRevertCancelledStatus(t *testing.T) {
	store := storage.NewMemoryStore()
	entry := seedEntry(t, store, "veh-1", "drv-1", at(9, 0), at(11, 0), model.StatusScheduled)

	stale, err := store.Get(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := store.UpdateStatus(context.Background(), entry.ID, model.StatusCancelled, model.StatusScheduled, nil); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	// A caller that read the entry before the cancellation committed replays
	// its copy through an interval update.
	stale.Notes = "pickup moved to rear entrance"
	if _, err := store.UpdateIfNoConflict(context.Background(), stale, nil, nil); err != nil {
		t.Fatalf("UpdateIfNoConflict: %v", err)
	}

	got, err := store.Get(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusCancelled {
		t.Errorf("status = %s, want %s after a stale interval update", got.Status, model.StatusCancelled)
	}
	if got.Notes != stale.Notes {
		t.Errorf("notes = %q, want the updated value", got.Notes)
	}
}
