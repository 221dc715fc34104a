package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/artifact"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/errors"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/event"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/exec"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/plan"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/policy"
)

// StepRunner executes the ordered steps of one execution. Each step gets
// its own timeout from the policy budget; transient failures and timed-out
// attempts retry with jittered backoff until the step's retry budget is
// spent.
type StepRunner struct {
	executions *exec.Store
	events     *event.Logger
	artifacts  artifact.Store
	invoker    Invoker
	summaryCap int
	log        *zap.SugaredLogger
}

// NewStepRunner creates a step runner. summaryCap bounds the inline
// output_summary; larger outputs overflow to the artifact store.
func NewStepRunner(executions *exec.Store, events *event.Logger, artifacts artifact.Store, invoker Invoker, summaryCap int, log *zap.SugaredLogger) *StepRunner {
	return &StepRunner{
		executions: executions,
		events:     events,
		artifacts:  artifacts,
		invoker:    invoker,
		summaryCap: summaryCap,
		log:        log.Named("steps"),
	}
}

// RunResult summarizes one pass over an execution's steps.
type RunResult struct {
	Summary  string
	Retries  int
	TimedOut bool
}

// RunSteps executes every unfinished step in order. It checks for
// cooperative cancellation between steps: a cancel observed there marks the
// remaining steps cancelled and returns ErrCancelled. The caller owns the
// execution-level deadline via ctx.
func (r *StepRunner) RunSteps(ctx context.Context, execution *exec.Execution, budget policy.Timeout) (*RunResult, error) {
	steps, err := r.executions.GetSteps(execution.ID)
	if err != nil {
		return nil, err
	}

	result := &RunResult{}
	succeeded := 0
	for _, st := range steps {
		if st.Status == exec.StepSucceeded {
			succeeded++
			continue
		}

		// Cancellation checkpoint between steps.
		current, err := r.executions.GetByID(execution.ID)
		if err != nil {
			return result, err
		}
		if current.Status == exec.StatusCancelled {
			r.cancelRemaining(steps, st.StepNumber)
			return result, errors.Wrapf(errors.ErrCancelled, "execution %s cancelled before step %d", execution.ID, st.StepNumber)
		}

		retries, err := r.runStep(ctx, execution, st, budget)
		result.Retries += retries
		if err != nil {
			if errors.Is(err, errors.ErrTimeout) {
				result.TimedOut = true
			}
			result.Summary = fmt.Sprintf("%d/%d steps succeeded, step %d %s",
				succeeded, len(steps), st.StepNumber, failureWord(err))
			return result, err
		}
		succeeded++
	}

	result.Summary = fmt.Sprintf("%d/%d steps succeeded", succeeded, len(steps))
	return result, nil
}

func failureWord(err error) string {
	switch {
	case errors.Is(err, errors.ErrTimeout):
		return "timed out"
	case errors.Is(err, errors.ErrCancelled):
		return "cancelled"
	default:
		return "failed"
	}
}

// runStep runs one step to completion, retrying transient failures. Returns
// the number of retries consumed.
func (r *StepRunner) runStep(ctx context.Context, execution *exec.Execution, st *exec.Step, budget policy.Timeout) (int, error) {
	inv := Invocation{
		ExecutionID: execution.ID,
		TenantID:    execution.TenantID,
		StepNumber:  st.StepNumber,
		Action:      st.Action,
		ActionClass: st.ActionClass,
		Targets:     strings.Split(st.TargetRef, ","),
	}
	if p, err := execution.Plan(); err == nil && st.StepNumber <= len(p.Steps) {
		inv.Params = p.Steps[st.StepNumber-1].Params
	}

	retries := 0
	maxAttempts := st.MaxRetries + 1
	for attempt := st.Attempt + 1; attempt <= maxAttempts; attempt++ {
		inv.Attempt = attempt
		started := time.Now().UTC()

		st.Status = exec.StepRunning
		st.Attempt = attempt
		st.StartedAt = &started
		if err := r.executions.UpdateStep(st); err != nil {
			return retries, err
		}
		r.appendEvent(execution.ID, event.KindStepStarted, map[string]interface{}{
			"step":    st.StepNumber,
			"action":  st.Action,
			"attempt": attempt,
		})

		stepCtx, cancel := context.WithTimeout(ctx, budget.Step)
		res, invokeErr := r.invoker.Invoke(stepCtx, inv)
		timedOut := stepCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancel()

		ended := time.Now().UTC()
		duration := ended.Sub(started).Milliseconds()
		st.EndedAt = &ended
		st.DurationMs = &duration

		if invokeErr == nil {
			if err := r.finishStep(ctx, execution, st, res.Output); err != nil {
				return retries, err
			}
			return retries, nil
		}

		// The execution-level context ending overrides any step-level
		// classification: the whole run is out of time or cancelled.
		if ctx.Err() == context.DeadlineExceeded {
			r.failStep(execution.ID, st, "timeout", invokeErr.Error(), true)
			return retries, errors.Wrapf(errors.ErrTimeout, "execution budget exhausted during step %d", st.StepNumber)
		}
		if ctx.Err() == context.Canceled {
			st.Status = exec.StepCancelled
			st.ErrorClass = "cancelled"
			st.ErrorMessage = invokeErr.Error()
			if err := r.executions.UpdateStep(st); err != nil {
				r.log.Warnw("Failed to mark step cancelled", "execution_id", execution.ID, "step", st.StepNumber, "error", err)
			}
			return retries, errors.Wrapf(errors.ErrCancelled, "step %d interrupted", st.StepNumber)
		}

		if timedOut {
			if attempt < maxAttempts {
				// A timed-out attempt is retryable like a transient failure,
				// but the attempt keeps its timed_out mark for the timeline.
				retries++
				delay := retryDelay(attempt)
				st.TimedOut = true
				st.ErrorClass = "timeout"
				st.ErrorMessage = fmt.Sprintf("attempt %d exceeded %s budget", attempt, budget.Step)
				if err := r.executions.UpdateStep(st); err != nil {
					return retries, err
				}
				r.appendEvent(execution.ID, event.KindStepRetrying, map[string]interface{}{
					"step":      st.StepNumber,
					"attempt":   attempt,
					"delay_ms":  delay.Milliseconds(),
					"timed_out": true,
				})
				r.log.Infow("Step timed out, retrying",
					"execution_id", execution.ID,
					"step", st.StepNumber,
					"attempt", attempt,
					"delay", delay)

				select {
				case <-ctx.Done():
				case <-time.After(delay):
				}
				continue
			}
			r.failStep(execution.ID, st, "timeout", fmt.Sprintf("step exceeded %s budget", budget.Step), true)
			return retries, errors.Wrapf(errors.ErrTimeout, "step %d exceeded its %s budget", st.StepNumber, budget.Step)
		}

		if IsTransient(invokeErr) && attempt < maxAttempts {
			retries++
			delay := retryDelay(attempt)
			st.ErrorClass = "transient"
			st.ErrorMessage = invokeErr.Error()
			if err := r.executions.UpdateStep(st); err != nil {
				return retries, err
			}
			r.appendEvent(execution.ID, event.KindStepRetrying, map[string]interface{}{
				"step":     st.StepNumber,
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
				"error":    invokeErr.Error(),
			})
			r.log.Infow("Step retrying",
				"execution_id", execution.ID,
				"step", st.StepNumber,
				"attempt", attempt,
				"delay", delay)

			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
			continue
		}

		class := "internal"
		wrapped := errors.Wrapf(invokeErr, "step %d failed", st.StepNumber)
		if IsTransient(invokeErr) {
			class = errors.Class(errors.ErrRetriesExhausted)
			wrapped = errors.Mark(wrapped, errors.ErrRetriesExhausted)
		}
		r.failStep(execution.ID, st, class, invokeErr.Error(), false)
		return retries, wrapped
	}

	// Attempt counter already at the cap when we arrived.
	r.failStep(execution.ID, st, errors.Class(errors.ErrRetriesExhausted), "retry budget already spent", false)
	return retries, errors.Wrapf(errors.ErrRetriesExhausted, "step %d has no attempts left", st.StepNumber)
}

// finishStep records a successful attempt, overflowing oversized output to
// the artifact store.
func (r *StepRunner) finishStep(ctx context.Context, execution *exec.Execution, st *exec.Step, output string) error {
	summary := output
	if r.summaryCap > 0 && len(output) > r.summaryCap {
		if r.artifacts != nil {
			ref, err := r.artifacts.Put(ctx, execution.ID, st.StepNumber, strings.NewReader(output))
			if err != nil {
				r.log.Warnw("Failed to store step artifact",
					"execution_id", execution.ID,
					"step", st.StepNumber,
					"error", err)
			} else {
				st.OutputRef = ref
			}
		}
		summary = output[:r.summaryCap]
	}

	st.Status = exec.StepSucceeded
	st.OutputSummary = summary
	st.TimedOut = false
	st.ErrorClass = ""
	st.ErrorMessage = ""
	if err := r.executions.UpdateStep(st); err != nil {
		return err
	}

	r.appendEvent(execution.ID, event.KindStepCompleted, map[string]interface{}{
		"step":        st.StepNumber,
		"attempt":     st.Attempt,
		"duration_ms": st.DurationMs,
		"output_ref":  st.OutputRef,
	})
	return nil
}

func (r *StepRunner) failStep(executionID string, st *exec.Step, class, message string, timedOut bool) {
	st.Status = exec.StepFailed
	st.TimedOut = timedOut
	st.ErrorClass = class
	st.ErrorMessage = message
	if err := r.executions.UpdateStep(st); err != nil {
		r.log.Warnw("Failed to mark step failed",
			"execution_id", executionID,
			"step", st.StepNumber,
			"error", err)
	}
	r.appendEvent(executionID, event.KindStepFailed, map[string]interface{}{
		"step":        st.StepNumber,
		"attempt":     st.Attempt,
		"error_class": class,
		"error":       message,
		"timed_out":   timedOut,
	})
}

// cancelRemaining marks every step from stepNumber on as cancelled.
func (r *StepRunner) cancelRemaining(steps []*exec.Step, fromStep int) {
	for _, st := range steps {
		if st.StepNumber < fromStep || st.Status.Terminal() {
			continue
		}
		st.Status = exec.StepCancelled
		if err := r.executions.UpdateStep(st); err != nil {
			r.log.Warnw("Failed to cancel step", "step", st.StepNumber, "error", err)
		}
	}
}

// MutatingTargets returns the (target, action) pairs the execution needs
// exclusive access to: every target of every modify or deploy step.
func MutatingTargets(p *plan.Plan) [][2]string {
	seen := make(map[[2]string]struct{})
	var pairs [][2]string
	for _, s := range p.Steps {
		if s.ActionClass == plan.ActionRead {
			continue
		}
		for _, t := range s.Targets {
			k := [2]string{t, s.Action}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			pairs = append(pairs, k)
		}
	}
	return pairs
}

func (r *StepRunner) appendEvent(executionID string, kind event.Kind, payload map[string]interface{}) {
	if err := r.events.Append(executionID, kind, "system", payload); err != nil {
		r.log.Warnw("Failed to append step event",
			"execution_id", executionID,
			"kind", kind,
			"error", err)
	}
}
