package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/medtransit/scheduling/libs/db"
	"github.com/medtransit/scheduling/services/scheduling-service/internal/model"
	"github.com/medtransit/scheduling/services/scheduling-service/internal/outbox"
	"github.com/medtransit/scheduling/services/scheduling-service/internal/schedule"
)

// pgcodeExclusionViolation fires when a write slips past the predicate and
// hits the btree_gist no-overlap constraint. The constraint is the backstop
// for writers not going through this store (manual SQL, other services).
const pgcodeExclusionViolation = "23P01"

const entryColumns = `id, vehicle_id, driver_id, booking_id, booking_type, start_time, end_time, status, notes, created_at, created_by, updated_at`

// PostgresStore implements schedule.Store on a connection pool. Mutations run
// inside a transaction that takes per-resource advisory locks and re-runs the
// caller's conflict predicate against the transaction's own snapshot, so no
// two committed entries for a resource can overlap.
type PostgresStore struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewPostgresStore(pool *db.Pool, ob *outbox.Repository) *PostgresStore {
	return &PostgresStore{pool: pool, outbox: ob}
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// txView satisfies schedule.ReadView on a live transaction, so the conflict
// predicate observes exactly the state the write will land on.
type txView struct {
	tx pgx.Tx
}

func (v txView) Find(ctx context.Context, f schedule.EntryFilter) ([]model.ScheduleEntry, error) {
	return findEntries(ctx, v.tx, f)
}

func (v txView) FindUnavailability(ctx context.Context, f schedule.UnavailabilityFilter) ([]model.StaffUnavailability, error) {
	return findUnavailability(ctx, v.tx, f)
}

func (s *PostgresStore) Find(ctx context.Context, f schedule.EntryFilter) ([]model.ScheduleEntry, error) {
	entries, err := findEntries(ctx, s.pool, f)
	if err != nil {
		return nil, &schedule.StoreUnavailableError{Err: err}
	}
	return entries, nil
}

func (s *PostgresStore) FindUnavailability(ctx context.Context, f schedule.UnavailabilityFilter) ([]model.StaffUnavailability, error) {
	windows, err := findUnavailability(ctx, s.pool, f)
	if err != nil {
		return nil, &schedule.StoreUnavailableError{Err: err}
	}
	return windows, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (model.ScheduleEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM schedule_entries WHERE id = $1`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ScheduleEntry{}, schedule.ErrNotFound
	}
	if err != nil {
		return model.ScheduleEntry{}, &schedule.StoreUnavailableError{Err: err}
	}
	return entry, nil
}

func (s *PostgresStore) InsertIfNoConflict(ctx context.Context, entry model.ScheduleEntry, check schedule.ConflictPredicate, evt *schedule.ChangeEvent) (model.ScheduleEntry, error) {
	var stored model.ScheduleEntry
	err := s.withConflictGuard(ctx, entry, check, evt, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO schedule_entries
				(id, vehicle_id, driver_id, booking_id, booking_type, start_time, end_time, status, notes, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING `+entryColumns,
			entry.ID, entry.VehicleID, entry.DriverID, entry.BookingID, entry.BookingType,
			entry.StartTime, entry.EndTime, entry.Status, entry.Notes, entry.CreatedBy)
		var err error
		stored, err = scanEntry(row)
		return err
	})
	if err != nil {
		return model.ScheduleEntry{}, err
	}
	return stored, nil
}

func (s *PostgresStore) UpdateIfNoConflict(ctx context.Context, entry model.ScheduleEntry, check schedule.ConflictPredicate, evt *schedule.ChangeEvent) (model.ScheduleEntry, error) {
	var stored model.ScheduleEntry
	err := s.withConflictGuard(ctx, entry, check, evt, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE schedule_entries
			SET vehicle_id = $2,
				driver_id = $3,
				start_time = $4,
				end_time = $5,
				notes = $6,
				updated_at = now()
			WHERE id = $1
			RETURNING `+entryColumns,
			entry.ID, entry.VehicleID, entry.DriverID, entry.StartTime, entry.EndTime, entry.Notes)
		var err error
		stored, err = scanEntry(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return schedule.ErrNotFound
		}
		return err
	})
	if err != nil {
		return model.ScheduleEntry{}, err
	}
	return stored, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, next, expected model.Status, evt *schedule.ChangeEvent) (model.ScheduleEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.ScheduleEntry{}, &schedule.StoreUnavailableError{Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		UPDATE schedule_entries
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
		RETURNING `+entryColumns,
		id, next, expected)
	stored, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the entry is gone or another writer moved it first.
		var current model.Status
		probe := tx.QueryRow(ctx, `SELECT status FROM schedule_entries WHERE id = $1`, id)
		switch err := probe.Scan(&current); {
		case errors.Is(err, pgx.ErrNoRows):
			return model.ScheduleEntry{}, schedule.ErrNotFound
		case err != nil:
			return model.ScheduleEntry{}, &schedule.StoreUnavailableError{Err: err}
		default:
			return model.ScheduleEntry{}, &schedule.StaleStateError{ID: id, Expected: expected}
		}
	}
	if err != nil {
		return model.ScheduleEntry{}, &schedule.StoreUnavailableError{Err: err}
	}

	if err := s.insertEvent(ctx, tx, stored.ID, evt); err != nil {
		return model.ScheduleEntry{}, &schedule.StoreUnavailableError{Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return model.ScheduleEntry{}, &schedule.StoreUnavailableError{Err: err}
	}
	return stored, nil
}

// withConflictGuard wraps a mutation in the serialization protocol: advisory
// locks on the entry's resources, predicate re-check on the transaction
// snapshot, the write, the outbox row, commit. An exclusion-constraint
// violation on commit is reported as a conflict, not an outage.
func (s *PostgresStore) withConflictGuard(ctx context.Context, entry model.ScheduleEntry, check schedule.ConflictPredicate, evt *schedule.ChangeEvent, write func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &schedule.StoreUnavailableError{Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockResources(ctx, tx, entry); err != nil {
		return &schedule.StoreUnavailableError{Err: err}
	}

	if check != nil {
		conflict, err := check(ctx, txView{tx})
		if err != nil {
			var alreadyTyped *schedule.StoreUnavailableError
			if errors.As(err, &alreadyTyped) {
				return err
			}
			return &schedule.StoreUnavailableError{Err: err}
		}
		if conflict.HasConflict {
			return &schedule.ConflictError{Conflict: conflict}
		}
	}

	if err := write(tx); err != nil {
		if errors.Is(err, schedule.ErrNotFound) {
			return err
		}
		return mapWriteError(err, entry)
	}
	if err := s.insertEvent(ctx, tx, entry.ID, evt); err != nil {
		return &schedule.StoreUnavailableError{Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return mapWriteError(err, entry)
	}
	return nil
}

func (s *PostgresStore) insertEvent(ctx context.Context, tx pgx.Tx, aggregateID string, evt *schedule.ChangeEvent) error {
	if evt == nil || s.outbox == nil {
		return nil
	}
	return s.outbox.Insert(ctx, tx, outbox.Event{
		AggregateType: "schedule_entry",
		AggregateID:   aggregateID,
		EventType:     evt.EventType,
		Payload:       evt.Payload,
	})
}

// lockResources takes per-resource transaction-scoped advisory locks, in
// sorted key order so two writers touching the same pair cannot deadlock.
func lockResources(ctx context.Context, tx pgx.Tx, entry model.ScheduleEntry) error {
	keys := []string{"vehicle:" + entry.VehicleID}
	if entry.DriverID != "" {
		keys = append(keys, "driver:"+entry.DriverID)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			return err
		}
	}
	return nil
}

func mapWriteError(err error, entry model.ScheduleEntry) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgcodeExclusionViolation {
		return &schedule.ConflictError{Conflict: model.ScheduleConflict{
			HasConflict: true,
			Message: fmt.Sprintf("interval %s to %s is no longer free",
				entry.StartTime.UTC().Format(time.RFC3339),
				entry.EndTime.UTC().Format(time.RFC3339)),
		}}
	}
	return &schedule.StoreUnavailableError{Err: err}
}

func findEntries(ctx context.Context, q querier, f schedule.EntryFilter) ([]model.ScheduleEntry, error) {
	sql := `SELECT ` + entryColumns + ` FROM schedule_entries`
	var conds []string
	var args []any

	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.VehicleID != "" {
		add("vehicle_id = $%d", f.VehicleID)
	}
	if f.DriverID != "" {
		add("driver_id = $%d", f.DriverID)
	}
	if !f.To.IsZero() {
		add("start_time < $%d", f.To)
	}
	if !f.From.IsZero() {
		add("end_time > $%d", f.From)
	}
	if f.ExcludeID != "" {
		add("id <> $%d", f.ExcludeID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	sql += " ORDER BY start_time, end_time, id"

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.ScheduleEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func findUnavailability(ctx context.Context, q querier, f schedule.UnavailabilityFilter) ([]model.StaffUnavailability, error) {
	sql := `SELECT id, user_id, start_time, end_time, status, notes FROM staff_unavailability`
	var conds []string
	var args []any

	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if !f.To.IsZero() {
		add("start_time < $%d", f.To)
	}
	if !f.From.IsZero() {
		add("end_time > $%d", f.From)
	}
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	sql += " ORDER BY start_time, end_time, id"

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var windows []model.StaffUnavailability
	for rows.Next() {
		var u model.StaffUnavailability
		if err := rows.Scan(&u.ID, &u.UserID, &u.StartTime, &u.EndTime, &u.Status, &u.Notes); err != nil {
			return nil, err
		}
		windows = append(windows, u)
	}
	return windows, rows.Err()
}

func scanEntry(row pgx.Row) (model.ScheduleEntry, error) {
	var e model.ScheduleEntry
	err := row.Scan(
		&e.ID,
		&e.VehicleID,
		&e.DriverID,
		&e.BookingID,
		&e.BookingType,
		&e.StartTime,
		&e.EndTime,
		&e.Status,
		&e.Notes,
		&e.CreatedAt,
		&e.CreatedBy,
		&e.UpdatedAt,
	)
	return e, err
}
