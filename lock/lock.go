// Package lock provides per-target mutual exclusion so two executions never
// mutate the same target concurrently.
package lock

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/errors"
)

// Key builds the lock key for one (tenant, target, action) triple. The
// tenant prefix keeps lock scopes from crossing tenant boundaries.
func Key(tenantID, targetRef, action string) string {
	return strings.Join([]string{tenantID, targetRef, action}, "/")
}

// Manager acquires and releases target locks backed by the locks table.
// Every acquisition is a single conditional statement, so two workers
// racing for the same key resolve to exactly one owner.
type Manager struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// NewManager creates a lock manager.
func NewManager(db *sql.DB, log *zap.SugaredLogger) *Manager {
	return &Manager{
		db:  db,
		log: log.Named("lock"),
	}
}

// Acquire takes the lock for executionID, returning false on contention.
// An expired lock (its holder presumed dead) is claimable. Re-acquiring a
// lock already held by the same execution succeeds and extends the TTL.
func (m *Manager) Acquire(key, executionID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expiry := now.Add(ttl)

	// Claimable means absent, expired, or already ours. ON CONFLICT with a
	// guarded DO UPDATE makes the whole decision one atomic statement.
	result, err := m.db.Exec(`
		INSERT INTO locks (lock_key, execution_id, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(lock_key) DO UPDATE
		SET execution_id = excluded.execution_id,
		    acquired_at = excluded.acquired_at,
		    expires_at = excluded.expires_at
		WHERE locks.expires_at <= ? OR locks.execution_id = excluded.execution_id`,
		key, executionID, now, expiry, now,
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to acquire lock")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to check lock acquisition")
	}
	if rows == 0 {
		return false, nil
	}

	m.log.Debugw("Lock acquired", "key", key, "execution_id", executionID, "ttl", ttl)
	return true, nil
}

// Release drops a lock if the execution still owns it. Releasing a lock the
// execution no longer holds is a no-op, so release is idempotent and safe
// after lease loss.
func (m *Manager) Release(key, executionID string) error {
	_, err := m.db.Exec(`
		DELETE FROM locks WHERE lock_key = ? AND execution_id = ?`,
		key, executionID)
	if err != nil {
		return errors.Wrap(err, "failed to release lock")
	}
	return nil
}

// ReleaseAll drops every lock held by an execution.
func (m *Manager) ReleaseAll(executionID string) error {
	_, err := m.db.Exec(`DELETE FROM locks WHERE execution_id = ?`, executionID)
	if err != nil {
		return errors.Wrap(err, "failed to release locks")
	}
	return nil
}

// Holder returns the execution currently holding a live lock on key, or ""
// when the key is free.
func (m *Manager) Holder(key string) (string, error) {
	var executionID string
	err := m.db.QueryRow(`
		SELECT execution_id FROM locks WHERE lock_key = ? AND expires_at > ?`,
		key, time.Now().UTC()).Scan(&executionID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to read lock holder")
	}
	return executionID, nil
}

// Reap deletes expired lock rows. Expired locks are already claimable, so
// reaping is hygiene rather than correctness.
func (m *Manager) Reap() (int, error) {
	result, err := m.db.Exec(`DELETE FROM locks WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to reap locks")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

// StartReaper reaps expired locks on an interval until ctx is cancelled.
func (m *Manager) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reaped, err := m.Reap()
				if err != nil {
					m.log.Warnw("Lock reap failed", "error", err)
					continue
				}
				if reaped > 0 {
					m.log.Debugw("Reaped expired locks", "count", reaped)
				}
			}
		}
	}()
}
