package exec

import (
	"database/sql"
	"strings"
	"time"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/errors"
)

// Store handles persistence of executions and their steps.
type Store struct {
	db *sql.DB
}

// NewStore creates a new execution store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const executionColumns = `
	id, tenant_id, actor_id, request_id,
	idempotency_key, plan_hash, plan_snapshot, step_count, target_count,
	execution_mode, approval_level, sla_class, status,
	created_at, started_at, ended_at, duration_ms, queue_wait_ms, timeout_ms, timed_out,
	result_summary, error_class, error_message, retries_total,
	last_transition_at, last_transition_by, last_transition_from,
	cancelled_by, cancelled_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var e Execution
	var snapshot string
	var startedAt, endedAt, lastTransitionAt, cancelledAt sql.NullTime
	var durationMs, queueWaitMs sql.NullInt64

	err := row.Scan(
		&e.ID, &e.TenantID, &e.ActorID, &e.RequestID,
		&e.IdempotencyKey, &e.PlanHash, &snapshot, &e.StepCount, &e.TargetCount,
		&e.Mode, &e.ApprovalLevel, &e.SLAClass, &e.Status,
		&e.CreatedAt, &startedAt, &endedAt, &durationMs, &queueWaitMs, &e.TimeoutMs, &e.TimedOut,
		&e.ResultSummary, &e.ErrorClass, &e.ErrorMessage, &e.RetriesTotal,
		&lastTransitionAt, &e.LastTransitionBy, &e.LastTransitionFrom,
		&e.CancelledBy, &cancelledAt,
	)
	if err != nil {
		return nil, err
	}

	e.PlanSnapshot = []byte(snapshot)
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		e.EndedAt = &endedAt.Time
	}
	if durationMs.Valid {
		e.DurationMs = &durationMs.Int64
	}
	if queueWaitMs.Valid {
		e.QueueWaitMs = &queueWaitMs.Int64
	}
	if lastTransitionAt.Valid {
		e.LastTransitionAt = &lastTransitionAt.Time
	}
	if cancelledAt.Valid {
		e.CancelledAt = &cancelledAt.Time
	}

	return &e, nil
}

// CreateWithSteps inserts an execution and its steps in one transaction.
// Returns errors wrapping ErrConflict semantics via isUniqueViolation for
// the idempotency index; callers re-fetch the existing row on conflict.
func (s *Store) CreateWithSteps(e *Execution, steps []*Step) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin create execution")
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO executions (
			id, tenant_id, actor_id, request_id,
			idempotency_key, plan_hash, plan_snapshot, step_count, target_count,
			execution_mode, approval_level, sla_class, status,
			created_at, timeout_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.ActorID, e.RequestID,
		e.IdempotencyKey, e.PlanHash, string(e.PlanSnapshot), e.StepCount, e.TargetCount,
		e.Mode, e.ApprovalLevel, e.SLAClass, e.Status,
		e.CreatedAt, e.TimeoutMs,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create execution")
	}

	for _, step := range steps {
		_, err = tx.Exec(`
			INSERT INTO execution_steps (
				execution_id, step_number, action, action_class, target_ref,
				status, attempt, max_retries
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			step.ExecutionID, step.StepNumber, step.Action, step.ActionClass, step.TargetRef,
			step.Status, step.Attempt, step.MaxRetries,
		)
		if err != nil {
			return errors.Wrapf(err, "failed to create step %d", step.StepNumber)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit create execution")
	}

	return nil
}

// IsUniqueViolation reports whether an insert failed on a UNIQUE constraint.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetByID retrieves an execution by ID.
func (s *Store) GetByID(id string) (*Execution, error) {
	row := s.db.QueryRow(`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("execution %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get execution")
	}
	return e, nil
}

// GetByIdempotencyKey retrieves an execution by its tenant-scoped key.
// Returns nil, nil when no row exists.
func (s *Store) GetByIdempotencyKey(tenantID, key string) (*Execution, error) {
	row := s.db.QueryRow(
		`SELECT `+executionColumns+` FROM executions WHERE tenant_id = ? AND idempotency_key = ?`,
		tenantID, key,
	)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get execution by idempotency key")
	}
	return e, nil
}

// transitionUpdate is the single conditional write that moves an execution
// between states. The WHERE status = from clause is what makes concurrent
// transitions race-safe: the loser updates zero rows.
func (s *Store) transitionUpdate(id string, from, to Status, actor string, now time.Time) (bool, error) {
	var result sql.Result
	var err error

	switch {
	case to == StatusRunning:
		result, err = s.db.Exec(`
			UPDATE executions
			SET status = ?,
			    started_at = COALESCE(started_at, ?),
			    last_transition_at = ?, last_transition_by = ?, last_transition_from = ?
			WHERE id = ? AND status = ?`,
			to, now, now, actor, from, id, from)
	case to == StatusCancelled:
		result, err = s.db.Exec(`
			UPDATE executions
			SET status = ?,
			    cancelled_by = ?, cancelled_at = ?,
			    ended_at = COALESCE(ended_at, ?),
			    last_transition_at = ?, last_transition_by = ?, last_transition_from = ?
			WHERE id = ? AND status = ?`,
			to, actor, now, now, now, actor, from, id, from)
	case to.Terminal():
		result, err = s.db.Exec(`
			UPDATE executions
			SET status = ?,
			    ended_at = COALESCE(ended_at, ?),
			    last_transition_at = ?, last_transition_by = ?, last_transition_from = ?
			WHERE id = ? AND status = ?`,
			to, now, now, actor, from, id, from)
	default:
		result, err = s.db.Exec(`
			UPDATE executions
			SET status = ?,
			    last_transition_at = ?, last_transition_by = ?, last_transition_from = ?
			WHERE id = ? AND status = ?`,
			to, now, actor, from, id, from)
	}

	if err != nil {
		return false, errors.Wrap(err, "failed to transition execution")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows == 1, nil
}

// MarkDequeued records queue wait once a background execution is claimed.
func (s *Store) MarkDequeued(id string, queueWaitMs int64) error {
	_, err := s.db.Exec(`UPDATE executions SET queue_wait_ms = ? WHERE id = ?`, queueWaitMs, id)
	if err != nil {
		return errors.Wrap(err, "failed to record queue wait")
	}
	return nil
}

// RecordOutcome writes the terminal outcome fields. Status itself is owned
// by the FSM manager; this only fills in the result columns.
func (s *Store) RecordOutcome(id string, resultSummary, errorClass, errorMessage string, retriesTotal int, timedOut bool, durationMs int64) error {
	_, err := s.db.Exec(`
		UPDATE executions
		SET result_summary = ?, error_class = ?, error_message = ?,
		    retries_total = ?, timed_out = ?, duration_ms = ?
		WHERE id = ?`,
		resultSummary, errorClass, errorMessage, retriesTotal, timedOut, durationMs, id)
	if err != nil {
		return errors.Wrap(err, "failed to record outcome")
	}
	return nil
}

// ListByStatus returns executions in the given status, oldest first.
func (s *Store) ListByStatus(status Status, limit int) ([]*Execution, error) {
	rows, err := s.db.Query(
		`SELECT `+executionColumns+` FROM executions WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		status, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions by status")
	}
	defer rows.Close()

	return scanExecutions(rows)
}

// ListByTenant returns a tenant's executions, newest first.
func (s *Store) ListByTenant(tenantID string, limit int) ([]*Execution, error) {
	rows, err := s.db.Query(
		`SELECT `+executionColumns+` FROM executions WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ?`,
		tenantID, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions by tenant")
	}
	defer rows.Close()

	return scanExecutions(rows)
}

func scanExecutions(rows *sql.Rows) ([]*Execution, error) {
	var executions []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating executions")
	}
	return executions, nil
}

// GetSteps returns the ordered steps of an execution.
func (s *Store) GetSteps(executionID string) ([]*Step, error) {
	rows, err := s.db.Query(`
		SELECT execution_id, step_number, action, action_class, target_ref,
		       status, attempt, max_retries,
		       started_at, ended_at, duration_ms, timed_out,
		       output_summary, output_ref, error_class, error_message
		FROM execution_steps
		WHERE execution_id = ?
		ORDER BY step_number ASC`, executionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list steps")
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		var st Step
		var startedAt, endedAt sql.NullTime
		var durationMs sql.NullInt64

		err := rows.Scan(
			&st.ExecutionID, &st.StepNumber, &st.Action, &st.ActionClass, &st.TargetRef,
			&st.Status, &st.Attempt, &st.MaxRetries,
			&startedAt, &endedAt, &durationMs, &st.TimedOut,
			&st.OutputSummary, &st.OutputRef, &st.ErrorClass, &st.ErrorMessage,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan step")
		}
		if startedAt.Valid {
			st.StartedAt = &startedAt.Time
		}
		if endedAt.Valid {
			st.EndedAt = &endedAt.Time
		}
		if durationMs.Valid {
			st.DurationMs = &durationMs.Int64
		}
		steps = append(steps, &st)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating steps")
	}
	return steps, nil
}

// UpdateStep persists the mutable fields of a step.
func (s *Store) UpdateStep(st *Step) error {
	result, err := s.db.Exec(`
		UPDATE execution_steps
		SET status = ?, attempt = ?,
		    started_at = ?, ended_at = ?, duration_ms = ?, timed_out = ?,
		    output_summary = ?, output_ref = ?, error_class = ?, error_message = ?
		WHERE execution_id = ? AND step_number = ?`,
		st.Status, st.Attempt,
		nullableTime(st.StartedAt), nullableTime(st.EndedAt), nullableInt(st.DurationMs), st.TimedOut,
		st.OutputSummary, st.OutputRef, st.ErrorClass, st.ErrorMessage,
		st.ExecutionID, st.StepNumber)
	if err != nil {
		return errors.Wrap(err, "failed to update step")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("step %d of execution %s", st.StepNumber, st.ExecutionID)
	}
	return nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullableInt(i *int64) interface{} {
	if i == nil {
		return nil
	}
	return *i
}
