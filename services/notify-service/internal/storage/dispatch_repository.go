package storage

import (
	"context"
	"encoding/json"

	"github.com/medtransit/scheduling/libs/db"
)

// Dispatch is one delivery attempt for a schedule change: which entry, which
// channel, who it went to, and how it ended.
type Dispatch struct {
	EntryID       string
	EventType     string
	Channel       string
	Recipient     string
	Payload       map[string]any
	Status        string
	FailureReason string
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, d Dispatch) error {
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO schedule_dispatches (entry_id, event_type, channel, recipient, payload, status, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, d.EntryID, d.EventType, d.Channel, d.Recipient, payload, d.Status, d.FailureReason)
	return err
}
