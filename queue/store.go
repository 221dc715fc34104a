package queue

import (
	"database/sql"
	"time"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/errors"
)

// Store persists queue entries in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a queue store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const entryColumns = `id, execution_id, priority, status,
	leased_by, leased_at, lease_expires_at, lease_count,
	attempt, max_attempts, enqueued_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var leasedBy sql.NullString
	var leasedAt, leaseExpiresAt sql.NullTime

	err := row.Scan(
		&e.ID, &e.ExecutionID, &e.Priority, &e.Status,
		&leasedBy, &leasedAt, &leaseExpiresAt, &e.LeaseCount,
		&e.Attempt, &e.MaxAttempts, &e.EnqueuedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if leasedBy.Valid {
		e.LeasedBy = leasedBy.String
	}
	if leasedAt.Valid {
		t := leasedAt.Time
		e.LeasedAt = &t
	}
	if leaseExpiresAt.Valid {
		t := leaseExpiresAt.Time
		e.LeaseExpiresAt = &t
	}

	return &e, nil
}

// Create inserts a queued entry.
func (s *Store) Create(e *Entry) error {
	_, err := s.db.Exec(`
		INSERT INTO queue_entries (id, execution_id, priority, status, lease_count, attempt, max_attempts, enqueued_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		e.ID, e.ExecutionID, e.Priority, e.Status, e.Attempt, e.MaxAttempts, e.EnqueuedAt, e.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to enqueue entry")
	}
	return nil
}

// GetByID fetches one entry.
func (s *Store) GetByID(id string) (*Entry, error) {
	row := s.db.QueryRow(`SELECT `+entryColumns+` FROM queue_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("queue entry " + id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get queue entry")
	}
	return e, nil
}

// GetByExecution returns the latest queue entry for an execution, or
// (nil, nil) when none exists.
func (s *Store) GetByExecution(executionID string) (*Entry, error) {
	row := s.db.QueryRow(`
		SELECT `+entryColumns+` FROM queue_entries
		WHERE execution_id = ?
		ORDER BY enqueued_at DESC LIMIT 1`,
		executionID)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get queue entry")
	}
	return e, nil
}

// claim atomically leases the best claimable entry for a worker. Claimable
// means queued, or leased with an expired lease (its worker is presumed
// dead). The whole claim is one conditional UPDATE so two workers can never
// lease the same entry.
func (s *Store) claim(workerID string, leaseDuration time.Duration, now time.Time) (*Entry, error) {
	expiry := now.Add(leaseDuration)

	// RETURNING hands back exactly the row this statement claimed, so a
	// worker holding several claims can never read back the wrong one.
	row := s.db.QueryRow(`
		UPDATE queue_entries
		SET status = ?, leased_by = ?, leased_at = ?, lease_expires_at = ?,
		    lease_count = lease_count + 1, updated_at = ?
		WHERE id = (
			SELECT id FROM queue_entries
			WHERE status = ?
			   OR (status = ? AND lease_expires_at <= ?)
			ORDER BY priority ASC, enqueued_at ASC
			LIMIT 1
		)
		RETURNING `+entryColumns,
		EntryLeased, workerID, now, expiry, now,
		EntryQueued, EntryLeased, now,
	)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim queue entry")
	}
	return e, nil
}

// renewLease extends the lease only while the caller still owns it.
func (s *Store) renewLease(entryID, workerID string, leaseDuration time.Duration, now time.Time) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE queue_entries
		SET lease_expires_at = ?, lease_count = lease_count + 1, updated_at = ?
		WHERE id = ? AND leased_by = ? AND status = ? AND lease_expires_at > ?`,
		now.Add(leaseDuration), now,
		entryID, workerID, EntryLeased, now,
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to renew lease")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// settle conditionally moves an owned, leased entry to a terminal queue
// status and clears the lease.
func (s *Store) settle(entryID, workerID string, to EntryStatus, now time.Time) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE queue_entries
		SET status = ?, leased_by = NULL, leased_at = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND leased_by = ? AND status = ?`,
		to, now, entryID, workerID, EntryLeased,
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to settle queue entry")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// requeue returns an owned, leased entry to queued with the attempt counter
// bumped, used for retry after a transient failure.
func (s *Store) requeue(entryID, workerID string, now time.Time) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE queue_entries
		SET status = ?, leased_by = NULL, leased_at = NULL, lease_expires_at = NULL,
		    attempt = attempt + 1, updated_at = ?
		WHERE id = ? AND leased_by = ? AND status = ?`,
		EntryQueued, now, entryID, workerID, EntryLeased,
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to requeue entry")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// release returns an owned, leased entry to queued without consuming an
// attempt, used when a worker backs off from lock contention.
func (s *Store) release(entryID, workerID string, now time.Time) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE queue_entries
		SET status = ?, leased_by = NULL, leased_at = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND leased_by = ? AND status = ?`,
		EntryQueued, now, entryID, workerID, EntryLeased,
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to release entry")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// Depth returns the number of entries awaiting a worker.
func (s *Store) Depth() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM queue_entries WHERE status = ?`, EntryQueued).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to measure queue depth")
	}
	return n, nil
}
