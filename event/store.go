package event

import (
	"database/sql"
	"time"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/errors"
)

// Store handles persistence of timeline events. Insert-only by design:
// there is no update or delete path.
type Store struct {
	db *sql.DB
}

// NewStore creates a new event store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append inserts a timeline event.
func (s *Store) Append(ev *Event) error {
	query := `
		INSERT INTO execution_events (id, execution_id, kind, actor, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	payload := "{}"
	if len(ev.Payload) > 0 {
		payload = string(ev.Payload)
	}

	_, err := s.db.Exec(query,
		ev.ID,
		ev.ExecutionID,
		ev.Kind,
		ev.Actor,
		payload,
		ev.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to append event")
	}

	return nil
}

// ListByExecution returns the timeline for one execution in append order.
func (s *Store) ListByExecution(executionID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `
		SELECT id, execution_id, kind, actor, payload, created_at
		FROM execution_events
		WHERE execution_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`

	rows, err := s.db.Query(query, executionID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list events")
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListSince returns events created after the given time, across all
// executions. Used by pollers and the websocket feed on reconnect.
func (s *Store) ListSince(since time.Time, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `
		SELECT id, execution_id, kind, actor, payload, created_at
		FROM execution_events
		WHERE created_at > ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`

	rows, err := s.db.Query(query, since, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list events since")
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		var ev Event
		var payload string
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &ev.Kind, &ev.Actor, &payload, &ev.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan event")
		}
		ev.Payload = []byte(payload)
		events = append(events, &ev)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating events")
	}

	return events, nil
}
