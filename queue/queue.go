package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/errors"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/event"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/exec"
)

// Queue coordinates enqueue, lease-based dequeue, retry, and dead-letter
// promotion for background executions.
type Queue struct {
	store      *Store
	dlq        *DLQStore
	executions *exec.Store
	registrar  *exec.Registrar
	fsm        *exec.FSM
	events     *event.Logger
	log        *zap.SugaredLogger
}

// New creates a queue manager.
func New(store *Store, dlq *DLQStore, executions *exec.Store, registrar *exec.Registrar, fsm *exec.FSM, events *event.Logger, log *zap.SugaredLogger) *Queue {
	return &Queue{
		store:      store,
		dlq:        dlq,
		executions: executions,
		registrar:  registrar,
		fsm:        fsm,
		events:     events,
		log:        log.Named("queue"),
	}
}

// Enqueue places an execution on the work queue. Enqueueing an execution
// that already has a live entry returns that entry unchanged.
func (q *Queue) Enqueue(executionID string, priority, maxAttempts int) (*Entry, error) {
	if priority < PriorityUrgent || priority > PriorityBulk {
		return nil, errors.NewValidationError("priority out of range")
	}
	if maxAttempts < 1 {
		return nil, errors.NewValidationError("max attempts must be at least 1")
	}

	if existing, err := q.store.GetByExecution(executionID); err != nil {
		return nil, err
	} else if existing != nil && (existing.Status == EntryQueued || existing.Status == EntryLeased) {
		return existing, nil
	}

	now := time.Now().UTC()
	e := &Entry{
		ID:          "QUE_" + uuid.NewString(),
		ExecutionID: executionID,
		Priority:    priority,
		Status:      EntryQueued,
		Attempt:     1,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}
	if err := q.store.Create(e); err != nil {
		return nil, err
	}

	q.log.Infow("Execution enqueued",
		"queue_entry_id", e.ID,
		"execution_id", executionID,
		"priority", priority)
	return e, nil
}

// Dequeue claims the best claimable entry for a worker, or returns
// (nil, nil) when the queue is empty. Entries with an expired lease are
// claimable again; the previous worker's in-flight operations will fail
// their ownership checks.
func (q *Queue) Dequeue(workerID string, leaseDuration time.Duration) (*Entry, error) {
	now := time.Now().UTC()
	e, err := q.store.claim(workerID, leaseDuration, now)
	if err != nil || e == nil {
		return nil, err
	}

	// First claim records how long the entry sat waiting.
	if e.Attempt == 1 && e.LeaseCount == 1 {
		wait := now.Sub(e.EnqueuedAt).Milliseconds()
		if err := q.executions.MarkDequeued(e.ExecutionID, wait); err != nil {
			q.log.Warnw("Failed to record queue wait", "execution_id", e.ExecutionID, "error", err)
		}
	}

	q.log.Debugw("Entry claimed",
		"queue_entry_id", e.ID,
		"execution_id", e.ExecutionID,
		"worker", workerID,
		"attempt", e.Attempt,
		"lease_count", e.LeaseCount)
	return e, nil
}

// RenewLease extends a worker's lease. Renewal fails with ErrLeaseNotOwned
// once the lease has expired or been claimed elsewhere. A job that has
// renewed more than maxRenewals times is treated as runaway: it is promoted
// to the dead-letter queue and ErrRetriesExhausted is returned so the worker
// abandons it.
func (q *Queue) RenewLease(entryID, workerID string, leaseDuration time.Duration, maxRenewals int) error {
	// Ownership first: a worker that already lost its lease must never be
	// able to dead-letter an entry another worker is processing.
	renewed, err := q.store.renewLease(entryID, workerID, leaseDuration, time.Now().UTC())
	if err != nil {
		return err
	}
	if !renewed {
		return errors.Wrapf(errors.ErrLeaseNotOwned, "worker %s no longer holds the lease on %s", workerID, entryID)
	}

	e, err := q.store.GetByID(entryID)
	if err != nil {
		return err
	}

	// lease_count includes the initial claim and the renewal just granted.
	if e.LeaseCount-1 > maxRenewals {
		q.log.Warnw("Lease renewal budget exhausted, promoting to DLQ",
			"queue_entry_id", entryID,
			"execution_id", e.ExecutionID,
			"lease_count", e.LeaseCount,
			"max_renewals", maxRenewals)
		if err := q.promote(e, workerID, "lease renewal budget exhausted"); err != nil {
			return err
		}
		return errors.Wrapf(errors.ErrRetriesExhausted, "queue entry %s exceeded %d lease renewals", entryID, maxRenewals)
	}
	return nil
}

// Complete settles a successfully processed entry.
func (q *Queue) Complete(entryID, workerID string) error {
	settled, err := q.store.settle(entryID, workerID, EntryCompleted, time.Now().UTC())
	if err != nil {
		return err
	}
	if !settled {
		return errors.Wrapf(errors.ErrLeaseNotOwned, "worker %s cannot complete %s", workerID, entryID)
	}
	return nil
}

// Fail records a processing failure. Transient failures with attempts left
// requeue the entry with the attempt counter bumped; everything else goes to
// the dead-letter queue.
func (q *Queue) Fail(entryID, workerID, cause string, transient bool) error {
	e, err := q.store.GetByID(entryID)
	if err != nil {
		return err
	}

	if transient && e.Attempt < e.MaxAttempts {
		requeued, err := q.store.requeue(entryID, workerID, time.Now().UTC())
		if err != nil {
			return err
		}
		if !requeued {
			return errors.Wrapf(errors.ErrLeaseNotOwned, "worker %s cannot requeue %s", workerID, entryID)
		}
		q.log.Infow("Entry requeued for retry",
			"queue_entry_id", entryID,
			"execution_id", e.ExecutionID,
			"attempt", e.Attempt+1,
			"max_attempts", e.MaxAttempts)
		return nil
	}

	return q.promote(e, workerID, cause)
}

// Release returns a claimed entry to the queue without consuming an attempt.
// Used when a worker cannot take the per-target lock and backs off.
func (q *Queue) Release(entryID, workerID string) error {
	released, err := q.store.release(entryID, workerID, time.Now().UTC())
	if err != nil {
		return err
	}
	if !released {
		return errors.Wrapf(errors.ErrLeaseNotOwned, "worker %s cannot release %s", workerID, entryID)
	}
	return nil
}

// promote moves an entry to the dead-letter queue exactly once and fails the
// execution with retries_exhausted. Every permanently failed job lands here;
// nothing is silently dropped.
func (q *Queue) promote(e *Entry, workerID, cause string) error {
	execution, err := q.executions.GetByID(e.ExecutionID)
	if err != nil {
		return err
	}

	// The queue attempt counter only sees redeliveries; step-level retries
	// made inside a delivery are recorded on the execution. The DLQ entry
	// carries the total attempts actually made.
	attemptCount := e.Attempt + execution.RetriesTotal

	now := time.Now().UTC()
	context, _ := json.Marshal(map[string]interface{}{
		"queue_entry_id": e.ID,
		"attempt":        e.Attempt,
		"step_retries":   execution.RetriesTotal,
		"max_attempts":   e.MaxAttempts,
		"lease_count":    e.LeaseCount,
		"last_worker":    workerID,
		"sla_class":      string(execution.SLAClass),
		"plan_hash":      execution.PlanHash,
	})

	d := &DLQEntry{
		ID:               "DLQ_" + uuid.NewString(),
		QueueEntryID:     e.ID,
		ExecutionID:      e.ExecutionID,
		TenantID:         execution.TenantID,
		AttemptCount:     attemptCount,
		LastError:        cause,
		PlanSnapshot:     execution.PlanSnapshot,
		ExecutionContext: context,
		CreatedAt:        now,
	}

	if err := q.dlq.Create(d); err != nil {
		if exec.IsUniqueViolation(err) {
			// Another promoter won; the entry is already dead-lettered.
			return nil
		}
		return err
	}

	if _, err := q.store.settle(e.ID, workerID, EntryFailed, now); err != nil {
		q.log.Warnw("Failed to settle dead-lettered entry", "queue_entry_id", e.ID, "error", err)
	}

	if execution.Status == exec.StatusRunning {
		if err := q.fsm.Transition(execution.ID, exec.StatusRunning, exec.StatusFailed, "system"); err != nil {
			q.log.Warnw("Failed to fail dead-lettered execution",
				"execution_id", execution.ID, "error", err)
		}
		if err := q.executions.RecordOutcome(execution.ID, "", errors.Class(errors.ErrRetriesExhausted), cause, execution.RetriesTotal, false, 0); err != nil {
			q.log.Warnw("Failed to record dead-letter outcome", "execution_id", execution.ID, "error", err)
		}
	} else if !execution.Status.Terminal() {
		if err := q.fsm.Cancel(execution.ID, "system", cause); err != nil {
			q.log.Warnw("Failed to cancel dead-lettered execution",
				"execution_id", execution.ID, "error", err)
		}
	}

	if err := q.events.Append(e.ExecutionID, event.KindDLQPromoted, "system", map[string]interface{}{
		"dlq_entry_id": d.ID,
		"attempts":     attemptCount,
		"cause":        cause,
	}); err != nil {
		q.log.Warnw("Failed to append dlq event", "execution_id", e.ExecutionID, "error", err)
	}

	q.log.Warnw("Entry promoted to DLQ",
		"dlq_entry_id", d.ID,
		"queue_entry_id", e.ID,
		"execution_id", e.ExecutionID,
		"attempts", attemptCount,
		"cause", cause)
	return nil
}

// Replay resubmits a dead-lettered plan as a fresh execution and enqueues
// it. Each DLQ entry can be replayed at most once; the replay gets a
// deterministic idempotency key so a crashed replay can be retried safely.
func (q *Queue) Replay(dlqID, actor string, priority, maxAttempts int) (*exec.Execution, error) {
	d, err := q.dlq.GetByID(dlqID)
	if err != nil {
		return nil, err
	}
	if d.ReplayedAt != nil {
		return nil, errors.Wrapf(errors.ErrValidation, "dlq entry %s was already replayed at %s", dlqID, d.ReplayedAt.Format(time.RFC3339))
	}

	original, err := q.executions.GetByID(d.ExecutionID)
	if err != nil {
		return nil, err
	}
	p, err := original.Plan()
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode dead-lettered plan")
	}

	replayed, err := q.dlq.markReplayed(dlqID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !replayed {
		return nil, errors.Wrapf(errors.ErrValidation, "dlq entry %s was replayed concurrently", dlqID)
	}

	execution, _, err := q.registrar.Submit(exec.SubmitRequest{
		TenantID:       d.TenantID,
		ActorID:        actor,
		IdempotencyKey: "replay:" + dlqID,
		Plan:           p,
	})
	if err != nil {
		return nil, err
	}

	// Replays of gated plans go back through the approval workflow; only
	// ungated plans are enqueued directly.
	if execution.ApprovalLevel == 0 {
		if _, err := q.Enqueue(execution.ID, priority, maxAttempts); err != nil {
			return nil, err
		}
	}

	if err := q.events.Append(execution.ID, event.KindDLQReplayed, actor, map[string]interface{}{
		"dlq_entry_id":       dlqID,
		"original_execution": d.ExecutionID,
	}); err != nil {
		q.log.Warnw("Failed to append replay event", "execution_id", execution.ID, "error", err)
	}

	q.log.Infow("DLQ entry replayed",
		"dlq_entry_id", dlqID,
		"original_execution", d.ExecutionID,
		"new_execution", execution.ID,
		"actor", actor)
	return execution, nil
}

// DLQ exposes the dead-letter store for read paths.
func (q *Queue) DLQ() *DLQStore {
	return q.dlq
}

// Depth returns the number of queued entries.
func (q *Queue) Depth() (int, error) {
	return q.store.Depth()
}
