package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/medtransit/scheduling/services/scheduling-service/internal/model"
	"github.com/medtransit/scheduling/services/scheduling-service/internal/schedule"
)

// MemoryStore is a mutex-guarded schedule.Store used when no database is
// configured, and as a fixture in tests. All mutations run under one lock, so
// predicate evaluation and the write are a single critical section, matching
// the atomicity the Postgres store gets from its transaction.
type MemoryStore struct {
	mu             sync.Mutex
	entries        map[string]model.ScheduleEntry
	unavailability []model.StaffUnavailability
	events         []schedule.ChangeEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]model.ScheduleEntry)}
}

// lockedView exposes read access to a MemoryStore whose lock is already held,
// so a conflict predicate can query without re-entering the mutex.
type lockedView struct {
	s *MemoryStore
}

func (v lockedView) Find(_ context.Context, f schedule.EntryFilter) ([]model.ScheduleEntry, error) {
	return v.s.findLocked(f), nil
}

func (v lockedView) FindUnavailability(_ context.Context, f schedule.UnavailabilityFilter) ([]model.StaffUnavailability, error) {
	return v.s.findUnavailabilityLocked(f), nil
}

func (s *MemoryStore) Find(ctx context.Context, f schedule.EntryFilter) ([]model.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(f), nil
}

func (s *MemoryStore) FindUnavailability(ctx context.Context, f schedule.UnavailabilityFilter) ([]model.StaffUnavailability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findUnavailabilityLocked(f), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (model.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return model.ScheduleEntry{}, schedule.ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) InsertIfNoConflict(ctx context.Context, entry model.ScheduleEntry, check schedule.ConflictPredicate, evt *schedule.ChangeEvent) (model.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if check != nil {
		conflict, err := check(ctx, lockedView{s})
		if err != nil {
			return model.ScheduleEntry{}, &schedule.StoreUnavailableError{Err: err}
		}
		if conflict.HasConflict {
			return model.ScheduleEntry{}, &schedule.ConflictError{Conflict: conflict}
		}
	}

	now := time.Now().UTC()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	s.entries[entry.ID] = entry
	s.recordEvent(evt)
	return entry, nil
}

func (s *MemoryStore) UpdateIfNoConflict(ctx context.Context, entry model.ScheduleEntry, check schedule.ConflictPredicate, evt *schedule.ChangeEvent) (model.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[entry.ID]
	if !ok {
		return model.ScheduleEntry{}, schedule.ErrNotFound
	}

	if check != nil {
		conflict, err := check(ctx, lockedView{s})
		if err != nil {
			return model.ScheduleEntry{}, &schedule.StoreUnavailableError{Err: err}
		}
		if conflict.HasConflict {
			return model.ScheduleEntry{}, &schedule.ConflictError{Conflict: conflict}
		}
	}

	// Status never travels through this path; a stale caller copy must not
	// overwrite a transition that committed after the caller's read.
	entry.Status = current.Status
	entry.CreatedAt = current.CreatedAt
	entry.CreatedBy = current.CreatedBy
	entry.UpdatedAt = time.Now().UTC()
	s.entries[entry.ID] = entry
	s.recordEvent(evt)
	return entry, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, next, expected model.Status, evt *schedule.ChangeEvent) (model.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[id]
	if !ok {
		return model.ScheduleEntry{}, schedule.ErrNotFound
	}
	if current.Status != expected {
		return model.ScheduleEntry{}, &schedule.StaleStateError{ID: id, Expected: expected}
	}

	current.Status = next
	current.UpdatedAt = time.Now().UTC()
	s.entries[id] = current
	s.recordEvent(evt)
	return current, nil
}

// AddUnavailability seeds a staff-unavailability window. In production these
// rows come from the staff-management service; here they are fixture data.
func (s *MemoryStore) AddUnavailability(u model.StaffUnavailability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailability = append(s.unavailability, u)
}

// Events returns a copy of the change events recorded so far, in commit order.
func (s *MemoryStore) Events() []schedule.ChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schedule.ChangeEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *MemoryStore) recordEvent(evt *schedule.ChangeEvent) {
	if evt != nil {
		s.events = append(s.events, *evt)
	}
}

func (s *MemoryStore) findLocked(f schedule.EntryFilter) []model.ScheduleEntry {
	var out []model.ScheduleEntry
	for _, e := range s.entries {
		if !matchEntry(e, f) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *MemoryStore) findUnavailabilityLocked(f schedule.UnavailabilityFilter) []model.StaffUnavailability {
	var out []model.StaffUnavailability
	for _, u := range s.unavailability {
		if f.UserID != "" && u.UserID != f.UserID {
			continue
		}
		if !inWindow(u.StartTime, u.EndTime, f.From, f.To) {
			continue
		}
		out = append(out, u)
	}
	return out
}

func matchEntry(e model.ScheduleEntry, f schedule.EntryFilter) bool {
	if f.ExcludeID != "" && e.ID == f.ExcludeID {
		return false
	}
	if f.VehicleID != "" && e.VehicleID != f.VehicleID {
		return false
	}
	if f.DriverID != "" && e.DriverID != f.DriverID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if e.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return inWindow(e.StartTime, e.EndTime, f.From, f.To)
}

// inWindow applies the half-open window filter; zero bounds are open-ended.
func inWindow(start, end, from, to time.Time) bool {
	if !to.IsZero() && !start.Before(to) {
		return false
	}
	if !from.IsZero() && !end.After(from) {
		return false
	}
	return true
}
