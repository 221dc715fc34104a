package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/errors"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/event"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/exec"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/lock"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/policy"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/queue"
)

const (
	// initialLease covers the window between claiming an entry and starting
	// the budget-sized renewal loop.
	initialLease = time.Minute

	// cancelPollInterval is how often a busy worker re-reads its execution
	// to observe cooperative cancellation mid-step.
	cancelPollInterval = 2 * time.Second

	stopTimeout = 30 * time.Second
)

// WorkerPool drains the background queue. Each worker polls on an interval,
// claims one entry at a time, and holds its lease alive for the duration of
// the run.
type WorkerPool struct {
	queue      *queue.Queue
	executions *exec.Store
	fsm        *exec.FSM
	locks      *lock.Manager
	steps      *StepRunner
	policies   *policy.Table
	evlog      *event.Logger

	workers      int
	pollInterval time.Duration
	log          *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool creates a pool of workers for the background queue.
func NewWorkerPool(q *queue.Queue, executions *exec.Store, fsm *exec.FSM, locks *lock.Manager, steps *StepRunner, policies *policy.Table, evlog *event.Logger, workers int, pollInterval time.Duration, log *zap.SugaredLogger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &WorkerPool{
		queue:        q,
		executions:   executions,
		fsm:          fsm,
		locks:        locks,
		steps:        steps,
		policies:     policies,
		evlog:        evlog,
		workers:      workers,
		pollInterval: pollInterval,
		log:          log.Named("workers"),
	}
}

// Start launches the workers. They run until Stop or ctx cancellation.
func (p *WorkerPool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.workers; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		p.wg.Add(1)
		go p.run(ctx, workerID)
	}

	p.log.Infow("Worker pool started", "workers", p.workers, "poll_interval", p.pollInterval)
}

// Stop shuts the pool down, waiting up to stopTimeout for in-flight work.
func (p *WorkerPool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Infow("Worker pool stopped")
	case <-time.After(stopTimeout):
		p.log.Warnw("Worker pool stop timed out, abandoning in-flight work")
	}
}

func (p *WorkerPool) run(ctx context.Context, workerID string) {
	defer p.wg.Done()

	log := p.log.With("worker", workerID)
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain until the queue is empty, then go back to polling.
			for {
				claimed, err := p.processOne(ctx, workerID, log)
				if err != nil {
					log.Errorw("Worker iteration failed", "error", err)
					break
				}
				if !claimed || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// processOne claims and fully processes a single queue entry. Returns false
// when the queue had nothing claimable.
func (p *WorkerPool) processOne(ctx context.Context, workerID string, log *zap.SugaredLogger) (bool, error) {
	entry, err := p.queue.Dequeue(workerID, initialLease)
	if err != nil || entry == nil {
		return false, err
	}

	execution, err := p.executions.GetByID(entry.ExecutionID)
	if err != nil {
		if failErr := p.queue.Fail(entry.ID, workerID, err.Error(), true); failErr != nil {
			log.Warnw("Failed to fail orphaned entry", "queue_entry_id", entry.ID, "error", failErr)
		}
		return true, err
	}

	if execution.Status.Terminal() {
		// Cancelled or settled while queued; nothing to run.
		if err := p.queue.Complete(entry.ID, workerID); err != nil {
			log.Warnw("Failed to retire settled entry", "queue_entry_id", entry.ID, "error", err)
		}
		return true, nil
	}

	pl, err := execution.Plan()
	if err != nil {
		p.failBeforeRun(entry.ID, workerID, execution, "corrupt plan snapshot: "+err.Error(), log)
		return true, nil
	}
	budget := p.policies.ForPlan(pl)

	// Exclusive access to every mutating target, or back off entirely.
	lockTTL := budget.Execution + budget.Lease
	var held []string
	for _, pair := range MutatingTargets(pl) {
		key := lock.Key(execution.TenantID, pair[0], pair[1])
		ok, err := p.locks.Acquire(key, execution.ID, lockTTL)
		if err != nil || !ok {
			for _, k := range held {
				if relErr := p.locks.Release(k, execution.ID); relErr != nil {
					log.Warnw("Failed to release lock", "key", k, "error", relErr)
				}
			}
			if err != nil {
				return true, err
			}
			log.Debugw("Target lock contended, releasing entry",
				"execution_id", execution.ID, "key", key)
			if relErr := p.queue.Release(entry.ID, workerID); relErr != nil {
				log.Warnw("Failed to release contended entry", "queue_entry_id", entry.ID, "error", relErr)
			}
			return true, nil
		}
		held = append(held, key)
	}
	defer func() {
		if err := p.locks.ReleaseAll(execution.ID); err != nil {
			log.Warnw("Failed to release locks", "execution_id", execution.ID, "error", err)
		}
	}()

	if execution.Status != exec.StatusRunning {
		if err := p.fsm.Transition(execution.ID, execution.Status, exec.StatusRunning, workerID); err != nil {
			// Raced with a cancel or another transition; put the entry back.
			log.Warnw("Could not start execution", "execution_id", execution.ID, "error", err)
			if relErr := p.queue.Release(entry.ID, workerID); relErr != nil {
				log.Warnw("Failed to release entry", "queue_entry_id", entry.ID, "error", relErr)
			}
			return true, nil
		}
		execution.Status = exec.StatusRunning
	}

	// The execution budget is anchored at the first start, so a reclaimed
	// run cannot stretch the wall-clock window.
	startedAt := time.Now().UTC()
	if current, err := p.executions.GetByID(execution.ID); err == nil && current.StartedAt != nil {
		startedAt = *current.StartedAt
	}
	deadline := startedAt.Add(time.Duration(execution.TimeoutMs) * time.Millisecond)

	runCtx, cancelRun := context.WithDeadline(ctx, deadline)
	defer cancelRun()

	leaseLost := make(chan struct{})
	stopKeepalive := p.keepLeaseAlive(entry.ID, workerID, budget, cancelRun, leaseLost, log)
	stopCancelWatch := p.watchCancellation(execution.ID, cancelRun, log)

	result, runErr := p.steps.RunSteps(runCtx, execution, budget)

	stopKeepalive()
	stopCancelWatch()

	select {
	case <-leaseLost:
		// Ownership is gone: another worker may already be re-running this
		// execution. Touch nothing.
		log.Warnw("Lease lost mid-run, abandoning",
			"queue_entry_id", entry.ID, "execution_id", execution.ID)
		return true, nil
	default:
	}

	class := finishRun(p.executions, p.fsm, p.evlog, log, execution, result, runErr, startedAt)
	switch {
	case runErr == nil, errors.Is(runErr, errors.ErrCancelled):
		if err := p.queue.Complete(entry.ID, workerID); err != nil {
			log.Warnw("Failed to complete entry", "queue_entry_id", entry.ID, "error", err)
		}
	default:
		// Step-level retries are exhausted at this point; the failure is
		// permanent and the entry dead-letters.
		if err := p.queue.Fail(entry.ID, workerID, class+": "+runErr.Error(), false); err != nil {
			log.Warnw("Failed to dead-letter entry", "queue_entry_id", entry.ID, "error", err)
		}
	}

	return true, nil
}

// failBeforeRun settles an entry that can never run (corrupt snapshot).
func (p *WorkerPool) failBeforeRun(entryID, workerID string, execution *exec.Execution, cause string, log *zap.SugaredLogger) {
	if !execution.Status.Terminal() {
		if err := p.fsm.Cancel(execution.ID, "system", cause); err != nil {
			log.Warnw("Failed to cancel unrunnable execution", "execution_id", execution.ID, "error", err)
		}
	}
	if err := p.queue.Fail(entryID, workerID, cause, false); err != nil {
		log.Warnw("Failed to dead-letter unrunnable entry", "queue_entry_id", entryID, "error", err)
	}
}

// keepLeaseAlive renews the queue lease on half-lease intervals until
// stopped. Losing the lease cancels the run and closes leaseLost.
func (p *WorkerPool) keepLeaseAlive(entryID, workerID string, budget policy.Timeout, cancelRun context.CancelFunc, leaseLost chan struct{}, log *zap.SugaredLogger) func() {
	interval := budget.Lease / 2
	if interval < time.Second {
		interval = time.Second
	}

	done := make(chan struct{})
	var once sync.Once
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		// Replace the short claim lease with the budget-sized one up front.
		if err := p.queue.RenewLease(entryID, workerID, budget.Lease, budget.MaxLeaseRenewals); err != nil {
			log.Warnw("Initial lease renewal failed", "queue_entry_id", entryID, "error", err)
			close(leaseLost)
			cancelRun()
			return
		}

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := p.queue.RenewLease(entryID, workerID, budget.Lease, budget.MaxLeaseRenewals); err != nil {
					log.Warnw("Lease renewal failed, cancelling run",
						"queue_entry_id", entryID, "error", err)
					close(leaseLost)
					cancelRun()
					return
				}
			}
		}
	}()

	return func() {
		once.Do(func() { close(done) })
		<-stopped
	}
}

// watchCancellation polls the execution row so an external Cancel interrupts
// the current step, not just the next checkpoint.
func (p *WorkerPool) watchCancellation(executionID string, cancelRun context.CancelFunc, log *zap.SugaredLogger) func() {
	done := make(chan struct{})
	var once sync.Once
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				current, err := p.executions.GetByID(executionID)
				if err != nil {
					log.Warnw("Cancellation poll failed", "execution_id", executionID, "error", err)
					continue
				}
				if current.Status == exec.StatusCancelled {
					cancelRun()
					return
				}
			}
		}
	}()

	return func() {
		once.Do(func() { close(done) })
		<-stopped
	}
}
