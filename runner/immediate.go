package runner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/errors"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/event"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/exec"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/lock"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/policy"
)

// Immediate runs an execution synchronously inside the caller's request,
// with the same locking, timeout, and outcome handling as the worker path
// but no queue involvement.
type Immediate struct {
	executions *exec.Store
	fsm        *exec.FSM
	locks      *lock.Manager
	steps      *StepRunner
	policies   *policy.Table
	evlog      *event.Logger
	log        *zap.SugaredLogger
}

// NewImmediate creates a synchronous runner.
func NewImmediate(executions *exec.Store, fsm *exec.FSM, locks *lock.Manager, steps *StepRunner, policies *policy.Table, evlog *event.Logger, log *zap.SugaredLogger) *Immediate {
	return &Immediate{
		executions: executions,
		fsm:        fsm,
		locks:      locks,
		steps:      steps,
		policies:   policies,
		evlog:      evlog,
		log:        log.Named("immediate"),
	}
}

// Run executes one execution to a terminal state and returns the final row.
// The execution must be runnable: pending with no approval gate, or
// approved.
func (r *Immediate) Run(ctx context.Context, executionID string) (*exec.Execution, error) {
	execution, err := r.executions.GetByID(executionID)
	if err != nil {
		return nil, err
	}

	switch execution.Status {
	case exec.StatusPending:
		if execution.ApprovalLevel > 0 {
			return nil, errors.Wrapf(errors.ErrIllegalTransition,
				"execution %s requires approval before running", executionID)
		}
	case exec.StatusApproved:
	default:
		return nil, errors.Wrapf(errors.ErrIllegalTransition,
			"execution %s is %s, not runnable", executionID, execution.Status)
	}

	pl, err := execution.Plan()
	if err != nil {
		return nil, errors.Wrap(err, "corrupt plan snapshot")
	}
	budget := r.policies.ForPlan(pl)

	var held []string
	for _, pair := range MutatingTargets(pl) {
		key := lock.Key(execution.TenantID, pair[0], pair[1])
		ok, err := r.locks.Acquire(key, execution.ID, budget.Execution)
		if err != nil || !ok {
			for _, k := range held {
				if relErr := r.locks.Release(k, execution.ID); relErr != nil {
					r.log.Warnw("Failed to release lock", "key", k, "error", relErr)
				}
			}
			if err != nil {
				return nil, err
			}
			return nil, errors.Newf("target %s is locked by another execution", pair[0])
		}
		held = append(held, key)
	}
	defer func() {
		if err := r.locks.ReleaseAll(execution.ID); err != nil {
			r.log.Warnw("Failed to release locks", "execution_id", execution.ID, "error", err)
		}
	}()

	if err := r.fsm.Transition(execution.ID, execution.Status, exec.StatusRunning, "system"); err != nil {
		return nil, err
	}
	execution.Status = exec.StatusRunning

	startedAt := time.Now().UTC()
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(execution.TimeoutMs)*time.Millisecond)
	defer cancel()

	result, runErr := r.steps.RunSteps(runCtx, execution, budget)
	finishRun(r.executions, r.fsm, r.evlog, r.log, execution, result, runErr, startedAt)

	return r.executions.GetByID(executionID)
}
