package queue

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/errors"
)

// DLQStore persists dead-letter entries.
type DLQStore struct {
	db *sql.DB
}

// NewDLQStore creates a dead-letter store.
func NewDLQStore(db *sql.DB) *DLQStore {
	return &DLQStore{db: db}
}

const dlqColumns = `id, queue_entry_id, execution_id, tenant_id,
	attempt_count, last_error, plan_snapshot, execution_context,
	replayed_at, created_at`

func scanDLQEntry(row rowScanner) (*DLQEntry, error) {
	var d DLQEntry
	var snapshot, context string
	var replayedAt sql.NullTime

	err := row.Scan(
		&d.ID, &d.QueueEntryID, &d.ExecutionID, &d.TenantID,
		&d.AttemptCount, &d.LastError, &snapshot, &context,
		&replayedAt, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.PlanSnapshot = json.RawMessage(snapshot)
	d.ExecutionContext = json.RawMessage(context)
	if replayedAt.Valid {
		t := replayedAt.Time
		d.ReplayedAt = &t
	}

	return &d, nil
}

// Create inserts a dead-letter entry. The UNIQUE constraint on
// queue_entry_id guarantees at most one DLQ row per queue entry even when
// two sweepers race to promote it.
func (s *DLQStore) Create(d *DLQEntry) error {
	context := string(d.ExecutionContext)
	if context == "" {
		context = "{}"
	}

	_, err := s.db.Exec(`
		INSERT INTO dlq_entries (id, queue_entry_id, execution_id, tenant_id, attempt_count, last_error, plan_snapshot, execution_context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.QueueEntryID, d.ExecutionID, d.TenantID,
		d.AttemptCount, d.LastError, string(d.PlanSnapshot), context, d.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create dlq entry")
	}
	return nil
}

// GetByID fetches one dead-letter entry.
func (s *DLQStore) GetByID(id string) (*DLQEntry, error) {
	row := s.db.QueryRow(`SELECT `+dlqColumns+` FROM dlq_entries WHERE id = ?`, id)
	d, err := scanDLQEntry(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("dlq entry " + id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get dlq entry")
	}
	return d, nil
}

// GetByQueueEntry returns the DLQ row for a queue entry, or (nil, nil).
func (s *DLQStore) GetByQueueEntry(queueEntryID string) (*DLQEntry, error) {
	row := s.db.QueryRow(`SELECT `+dlqColumns+` FROM dlq_entries WHERE queue_entry_id = ?`, queueEntryID)
	d, err := scanDLQEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get dlq entry")
	}
	return d, nil
}

// ListByTenant returns dead-letter entries for a tenant, newest first.
func (s *DLQStore) ListByTenant(tenantID string, limit int) ([]*DLQEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT `+dlqColumns+` FROM dlq_entries
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT ?`,
		tenantID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list dlq entries")
	}
	defer rows.Close()

	var entries []*DLQEntry
	for rows.Next() {
		d, err := scanDLQEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan dlq entry")
		}
		entries = append(entries, d)
	}
	return entries, rows.Err()
}

// markReplayed stamps a dead-letter entry as replayed exactly once.
func (s *DLQStore) markReplayed(id string, now time.Time) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE dlq_entries SET replayed_at = ?
		WHERE id = ? AND replayed_at IS NULL`,
		now, id)
	if err != nil {
		return false, errors.Wrap(err, "failed to mark dlq entry replayed")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}
