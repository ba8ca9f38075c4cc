package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/medtransit/scheduling/libs/auth"
	"github.com/medtransit/scheduling/services/scheduling-service/internal/interval"
	"github.com/medtransit/scheduling/services/scheduling-service/internal/model"
	"github.com/medtransit/scheduling/services/scheduling-service/internal/schedule"
)

type ScheduleHandler struct {
	lifecycle    *schedule.Lifecycle
	checker      *schedule.ConflictChecker
	availability *schedule.AvailabilityComputer
	store        schedule.Store
	logger       *slog.Logger
}

func NewScheduleHandler(lifecycle *schedule.Lifecycle, checker *schedule.ConflictChecker, availability *schedule.AvailabilityComputer, store schedule.Store, logger *slog.Logger) *ScheduleHandler {
	return &ScheduleHandler{
		lifecycle:    lifecycle,
		checker:      checker,
		availability: availability,
		store:        store,
		logger:       logger,
	}
}

type createScheduleRequest struct {
	VehicleID   string `json:"vehicle_id"`
	DriverID    string `json:"driver_id"`
	BookingID   string `json:"booking_id"`
	BookingType string `json:"booking_type"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	Notes       string `json:"notes"`
}

type updateScheduleRequest struct {
	EntryID   string  `json:"entry_id"`
	VehicleID *string `json:"vehicle_id"`
	DriverID  *string `json:"driver_id"`
	StartTime *string `json:"start_time"`
	EndTime   *string `json:"end_time"`
	Notes     *string `json:"notes"`
}

type transitionRequest struct {
	EntryID string `json:"entry_id"`
	Status  string `json:"status"`
}

type checkScheduleRequest struct {
	VehicleID      string `json:"vehicle_id"`
	DriverID       string `json:"driver_id"`
	StartTime      string `json:"start_time"`
	EndTime        string `json:"end_time"`
	ExcludeEntryID string `json:"exclude_entry_id"`
}

type entryItem struct {
	EntryID     string `json:"entry_id"`
	VehicleID   string `json:"vehicle_id"`
	DriverID    string `json:"driver_id,omitempty"`
	BookingID   string `json:"booking_id"`
	BookingType string `json:"booking_type,omitempty"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	Status      string `json:"status"`
	Notes       string `json:"notes,omitempty"`
	CreatedAt   string `json:"created_at"`
	CreatedBy   string `json:"created_by,omitempty"`
	UpdatedAt   string `json:"updated_at"`
}

type unavailabilityItem struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Status    string `json:"status"`
}

type conflictBody struct {
	HasConflict    bool                 `json:"has_conflict"`
	Entries        []entryItem          `json:"entries,omitempty"`
	Unavailability []unavailabilityItem `json:"unavailability,omitempty"`
	Message        string               `json:"message,omitempty"`
}

type slotItem struct {
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	IsAvailable bool   `json:"is_available"`
	BookingID   string `json:"booking_id,omitempty"`
}

type availabilityResponse struct {
	ResourceKind      string      `json:"resource_kind"`
	ResourceID        string      `json:"resource_id"`
	WindowStart       string      `json:"window_start"`
	WindowEnd         string      `json:"window_end"`
	Entries           []entryItem `json:"entries"`
	Slots             []slotItem  `json:"slots"`
	IsAvailableAllDay bool        `json:"is_available_all_day"`
}

// Entries dispatches the collection path: POST creates, GET lists.
func (h *ScheduleHandler) Entries(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.create(w, r)
	case http.MethodGet:
		h.list(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *ScheduleHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	start, end, ok := h.parseInterval(w, req.StartTime, req.EndTime)
	if !ok {
		return
	}

	entry, err := h.lifecycle.Create(r.Context(), permissionFrom(r), schedule.CreateRequest{
		VehicleID:   strings.TrimSpace(req.VehicleID),
		DriverID:    strings.TrimSpace(req.DriverID),
		BookingID:   strings.TrimSpace(req.BookingID),
		BookingType: strings.TrimSpace(req.BookingType),
		StartTime:   start,
		EndTime:     end,
		Notes:       req.Notes,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryItem(entry))
}

func (h *ScheduleHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := schedule.EntryFilter{
		VehicleID: strings.TrimSpace(q.Get("vehicle_id")),
		DriverID:  strings.TrimSpace(q.Get("driver_id")),
	}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "invalid from", http.StatusBadRequest)
			return
		}
		f.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "invalid to", http.StatusBadRequest)
			return
		}
		f.To = t
	}
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := model.Status(strings.TrimSpace(part))
			if !st.Valid() {
				http.Error(w, "invalid status filter", http.StatusBadRequest)
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}

	entries, err := h.store.Find(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items := make([]entryItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, toEntryItem(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": items})
}

func (h *ScheduleHandler) Update(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req updateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.EntryID = strings.TrimSpace(req.EntryID)
	if req.EntryID == "" {
		http.Error(w, "entry_id required", http.StatusBadRequest)
		return
	}

	change := schedule.UpdateRequest{
		VehicleID: req.VehicleID,
		DriverID:  req.DriverID,
		Notes:     req.Notes,
	}
	if req.StartTime != nil {
		t, err := time.Parse(time.RFC3339, *req.StartTime)
		if err != nil {
			http.Error(w, "invalid start_time", http.StatusBadRequest)
			return
		}
		change.StartTime = &t
	}
	if req.EndTime != nil {
		t, err := time.Parse(time.RFC3339, *req.EndTime)
		if err != nil {
			http.Error(w, "invalid end_time", http.StatusBadRequest)
			return
		}
		change.EndTime = &t
	}

	entry, err := h.lifecycle.Update(r.Context(), permissionFrom(r), req.EntryID, change)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryItem(entry))
}

func (h *ScheduleHandler) Transition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.EntryID = strings.TrimSpace(req.EntryID)
	if req.EntryID == "" || req.Status == "" {
		http.Error(w, "entry_id and status required", http.StatusBadRequest)
		return
	}

	entry, err := h.lifecycle.Transition(r.Context(), permissionFrom(r), req.EntryID, model.Status(req.Status))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryItem(entry))
}

func (h *ScheduleHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.terminal(w, r, h.lifecycle.Cancel)
}

func (h *ScheduleHandler) Complete(w http.ResponseWriter, r *http.Request) {
	h.terminal(w, r, h.lifecycle.Complete)
}

func (h *ScheduleHandler) terminal(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, perm schedule.Permission, id string) (model.ScheduleEntry, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		EntryID string `json:"entry_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.EntryID = strings.TrimSpace(req.EntryID)
	if req.EntryID == "" {
		http.Error(w, "entry_id required", http.StatusBadRequest)
		return
	}

	entry, err := op(r.Context(), permissionFrom(r), req.EntryID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryItem(entry))
}

// Check is the advisory conflict probe. A clean result here is not a
// reservation; the atomic re-check at write time has the final word.
func (h *ScheduleHandler) Check(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req checkScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.VehicleID = strings.TrimSpace(req.VehicleID)
	if req.VehicleID == "" {
		http.Error(w, "vehicle_id required", http.StatusBadRequest)
		return
	}
	start, end, ok := h.parseInterval(w, req.StartTime, req.EndTime)
	if !ok {
		return
	}
	if !start.Before(end) {
		http.Error(w, "start_time must be before end_time", http.StatusUnprocessableEntity)
		return
	}

	conflict, err := h.checker.Check(r.Context(), schedule.CheckRequest{
		VehicleID:      req.VehicleID,
		DriverID:       strings.TrimSpace(req.DriverID),
		Span:           interval.Span{Start: start, End: end},
		ExcludeEntryID: strings.TrimSpace(req.ExcludeEntryID),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConflictBody(conflict))
}

func (h *ScheduleHandler) Availability(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	kind := model.ResourceKind(strings.TrimSpace(q.Get("kind")))
	if kind == "" {
		kind = model.ResourceVehicle
	}
	if kind != model.ResourceVehicle && kind != model.ResourceDriver {
		http.Error(w, "kind must be vehicle or driver", http.StatusBadRequest)
		return
	}
	resourceID := strings.TrimSpace(q.Get("resource_id"))
	if resourceID == "" {
		http.Error(w, "resource_id required", http.StatusBadRequest)
		return
	}

	query := schedule.AvailabilityQuery{Kind: kind, ResourceID: resourceID}
	if raw := strings.TrimSpace(q.Get("date")); raw != "" {
		date, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			http.Error(w, "invalid date, expected YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		query.Date = date
	} else {
		query.Date = time.Now().UTC()
	}
	if raw := strings.TrimSpace(q.Get("window_start")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "invalid window_start", http.StatusBadRequest)
			return
		}
		query.WindowStart = t
	}
	if raw := strings.TrimSpace(q.Get("window_end")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "invalid window_end", http.StatusBadRequest)
			return
		}
		query.WindowEnd = t
	}

	avail, err := h.availability.ComputeForResource(r.Context(), query)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := availabilityResponse{
		ResourceKind:      string(avail.ResourceKind),
		ResourceID:        avail.ResourceID,
		WindowStart:       avail.WindowStart.UTC().Format(time.RFC3339),
		WindowEnd:         avail.WindowEnd.UTC().Format(time.RFC3339),
		Entries:           make([]entryItem, 0, len(avail.Entries)),
		Slots:             make([]slotItem, 0, len(avail.Slots)),
		IsAvailableAllDay: avail.IsAvailableAllDay,
	}
	for _, e := range avail.Entries {
		resp.Entries = append(resp.Entries, toEntryItem(e))
	}
	for _, s := range avail.Slots {
		resp.Slots = append(resp.Slots, slotItem{
			StartTime:   s.StartTime.UTC().Format(time.RFC3339),
			EndTime:     s.EndTime.UTC().Format(time.RFC3339),
			IsAvailable: s.IsAvailable,
			BookingID:   s.BookingID,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *ScheduleHandler) parseInterval(w http.ResponseWriter, rawStart, rawEnd string) (time.Time, time.Time, bool) {
	start, err := time.Parse(time.RFC3339, rawStart)
	if err != nil {
		http.Error(w, "invalid start_time", http.StatusBadRequest)
		return time.Time{}, time.Time{}, false
	}
	end, err := time.Parse(time.RFC3339, rawEnd)
	if err != nil {
		http.Error(w, "invalid end_time", http.StatusBadRequest)
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func (h *ScheduleHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *schedule.InvalidIntervalError
	var conflict *schedule.ConflictError
	var stale *schedule.StaleStateError
	var transition *schedule.InvalidTransitionError
	var unavailable *schedule.StoreUnavailableError

	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": invalid.Reason})
	case errors.As(err, &conflict):
		body := toConflictBody(conflict.Conflict)
		writeJSON(w, http.StatusConflict, map[string]any{"error": "schedule conflict", "conflict": body})
	case errors.As(err, &stale):
		writeJSON(w, http.StatusConflict, map[string]string{"error": stale.Error()})
	case errors.As(err, &transition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": transition.Error()})
	case errors.Is(err, schedule.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "schedule entry not found"})
	case errors.Is(err, schedule.ErrPermissionDenied):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "permission denied"})
	case errors.As(err, &unavailable):
		h.logger.Error("schedule store unavailable", "err", err, "path", r.URL.Path)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "schedule store unavailable"})
	default:
		h.logger.Error("unhandled schedule error", "err", err, "path", r.URL.Path)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func permissionFrom(r *http.Request) schedule.Permission {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		return schedule.Permission{}
	}
	return schedule.Permission{Actor: actor.Sub, Role: actor.Role}
}

func toEntryItem(e model.ScheduleEntry) entryItem {
	return entryItem{
		EntryID:     e.ID,
		VehicleID:   e.VehicleID,
		DriverID:    e.DriverID,
		BookingID:   e.BookingID,
		BookingType: e.BookingType,
		StartTime:   e.StartTime.UTC().Format(time.RFC3339),
		EndTime:     e.EndTime.UTC().Format(time.RFC3339),
		Status:      string(e.Status),
		Notes:       e.Notes,
		CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339),
		CreatedBy:   e.CreatedBy,
		UpdatedAt:   e.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toConflictBody(c model.ScheduleConflict) conflictBody {
	body := conflictBody{HasConflict: c.HasConflict, Message: c.Message}
	for _, e := range c.Entries {
		body.Entries = append(body.Entries, toEntryItem(e))
	}
	for _, u := range c.Unavailability {
		body.Unavailability = append(body.Unavailability, unavailabilityItem{
			ID:        u.ID,
			UserID:    u.UserID,
			StartTime: u.StartTime.UTC().Format(time.RFC3339),
			EndTime:   u.EndTime.UTC().Format(time.RFC3339),
			Status:    u.Status,
		})
	}
	return body
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
