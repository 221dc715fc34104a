package approval

import (
	"database/sql"
	"time"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/errors"
)

// Store persists approvals in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates an approval store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const approvalColumns = `id, execution_id, approval_level, required_role,
	plan_hash, plan_snapshot_hash,
	approver_id, approver_principal, auth_method, source_ip,
	state, decided_at, reason, runbook_url,
	expires_at, auto_approved, auto_approval_policy, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanApproval(row rowScanner) (*Approval, error) {
	var a Approval
	var decidedAt sql.NullTime
	var autoApproved int

	err := row.Scan(
		&a.ID, &a.ExecutionID, &a.ApprovalLevel, &a.RequiredRole,
		&a.PlanHash, &a.PlanSnapshotHash,
		&a.ApproverID, &a.ApproverPrincipal, &a.AuthMethod, &a.SourceIP,
		&a.State, &decidedAt, &a.Reason, &a.RunbookURL,
		&a.ExpiresAt, &autoApproved, &a.AutoApprovalPolicy, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if decidedAt.Valid {
		t := decidedAt.Time
		a.DecidedAt = &t
	}
	a.AutoApproved = autoApproved != 0

	return &a, nil
}

// Create inserts a new approval row.
func (s *Store) Create(a *Approval) error {
	autoApproved := 0
	if a.AutoApproved {
		autoApproved = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO approvals (`+approvalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ExecutionID, a.ApprovalLevel, a.RequiredRole,
		a.PlanHash, a.PlanSnapshotHash,
		a.ApproverID, a.ApproverPrincipal, a.AuthMethod, a.SourceIP,
		a.State, nullableTime(a.DecidedAt), a.Reason, a.RunbookURL,
		a.ExpiresAt, autoApproved, a.AutoApprovalPolicy, a.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create approval")
	}
	return nil
}

// GetByID fetches one approval.
func (s *Store) GetByID(id string) (*Approval, error) {
	row := s.db.QueryRow(`SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("approval " + id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get approval")
	}
	return a, nil
}

// GetPendingByExecution returns the pending approval for an execution, or
// (nil, nil) when none exists.
func (s *Store) GetPendingByExecution(executionID string) (*Approval, error) {
	row := s.db.QueryRow(`
		SELECT `+approvalColumns+` FROM approvals
		WHERE execution_id = ? AND state = ?
		ORDER BY created_at DESC LIMIT 1`,
		executionID, StatePending)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get pending approval")
	}
	return a, nil
}

// decide conditionally moves a pending approval to a decided state. The WHERE
// clause on state makes concurrent decisions race-safe: exactly one wins.
func (s *Store) decide(id string, to State, ident Identity, reason string, now time.Time) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE approvals
		SET state = ?, decided_at = ?, reason = ?,
		    approver_id = ?, approver_principal = ?, auth_method = ?, source_ip = ?
		WHERE id = ? AND state = ?`,
		to, now, reason,
		ident.ApproverID, ident.Principal, ident.AuthMethod, ident.SourceIP,
		id, StatePending,
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to decide approval")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to check decision result")
	}
	return rows > 0, nil
}

// markExpired moves a single pending approval to expired.
func (s *Store) markExpired(id string, now time.Time) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE approvals SET state = ?, decided_at = ?
		WHERE id = ? AND state = ?`,
		StateExpired, now, id, StatePending)
	if err != nil {
		return false, errors.Wrap(err, "failed to expire approval")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ListExpired returns pending approvals whose deadline has passed.
func (s *Store) ListExpired(now time.Time) ([]*Approval, error) {
	rows, err := s.db.Query(`
		SELECT `+approvalColumns+` FROM approvals
		WHERE state = ? AND expires_at <= ?
		ORDER BY expires_at ASC`,
		StatePending, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list expired approvals")
	}
	defer rows.Close()
	return collectApprovals(rows)
}

// ListPending returns pending approvals for a tenant, oldest first.
func (s *Store) ListPending(tenantID string, limit int) ([]*Approval, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT a.id, a.execution_id, a.approval_level, a.required_role,
		       a.plan_hash, a.plan_snapshot_hash,
		       a.approver_id, a.approver_principal, a.auth_method, a.source_ip,
		       a.state, a.decided_at, a.reason, a.runbook_url,
		       a.expires_at, a.auto_approved, a.auto_approval_policy, a.created_at
		FROM approvals a
		JOIN executions e ON e.id = a.execution_id
		WHERE a.state = ? AND e.tenant_id = ?
		ORDER BY a.created_at ASC
		LIMIT ?`,
		StatePending, tenantID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending approvals")
	}
	defer rows.Close()
	return collectApprovals(rows)
}

func collectApprovals(rows *sql.Rows) ([]*Approval, error) {
	var approvals []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan approval")
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
