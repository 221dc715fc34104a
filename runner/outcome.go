package runner

import (
	"time"

	"go.uber.org/zap"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/errors"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/event"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/exec"
)

// finishRun applies the terminal outcome of a step run to the execution:
// status transition, outcome columns, and the timeline event. Returns the
// error class recorded, "" on success.
func finishRun(executions *exec.Store, fsm *exec.FSM, events *event.Logger, log *zap.SugaredLogger,
	execution *exec.Execution, result *RunResult, runErr error, startedAt time.Time) string {

	duration := time.Since(startedAt).Milliseconds()
	summary := ""
	if result != nil {
		summary = result.Summary
	}
	retries := 0
	timedOut := false
	if result != nil {
		retries = result.Retries
		timedOut = result.TimedOut
	}

	if runErr == nil {
		if err := fsm.Transition(execution.ID, exec.StatusRunning, exec.StatusSucceeded, "system"); err != nil {
			log.Warnw("Failed to mark execution succeeded", "execution_id", execution.ID, "error", err)
		}
		if err := executions.RecordOutcome(execution.ID, summary, "", "", retries, false, duration); err != nil {
			log.Warnw("Failed to record outcome", "execution_id", execution.ID, "error", err)
		}
		return ""
	}

	if errors.Is(runErr, errors.ErrCancelled) {
		// Cancel() already moved the FSM and recorded the reason; only the
		// timing columns are ours to fill in.
		if err := executions.RecordOutcome(execution.ID, summary, errors.Class(errors.ErrCancelled), runErr.Error(), retries, false, duration); err != nil {
			log.Warnw("Failed to record cancellation outcome", "execution_id", execution.ID, "error", err)
		}
		return errors.Class(errors.ErrCancelled)
	}

	class := errors.Class(runErr)
	if err := fsm.Transition(execution.ID, exec.StatusRunning, exec.StatusFailed, "system"); err != nil {
		log.Warnw("Failed to mark execution failed", "execution_id", execution.ID, "error", err)
	}
	if err := executions.RecordOutcome(execution.ID, summary, class, runErr.Error(), retries, timedOut, duration); err != nil {
		log.Warnw("Failed to record failure outcome", "execution_id", execution.ID, "error", err)
	}

	if timedOut {
		if err := events.Append(execution.ID, event.KindExecutionTimedOut, "system", map[string]interface{}{
			"timeout_ms":  execution.TimeoutMs,
			"duration_ms": duration,
		}); err != nil {
			log.Warnw("Failed to append timeout event", "execution_id", execution.ID, "error", err)
		}
	}
	return class
}
