// Package runner executes the ordered steps of claimed executions: per-step
// timeouts, bounded retries with jittered backoff, and the worker pool that
// drains the queue.
package runner

import (
	"context"
	"encoding/json"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/errors"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/plan"
)

// Invocation is one attempt of one step against its targets.
type Invocation struct {
	ExecutionID string
	TenantID    string
	StepNumber  int
	Action      string
	ActionClass plan.ActionClass
	Targets     []string
	Params      json.RawMessage
	Attempt     int
}

// Result is the output of a successful invocation.
type Result struct {
	Output string
}

// Invoker dispatches a step to its tool adapter. Tool semantics live
// entirely behind this interface; the engine only sees output text and the
// transient/permanent classification of failures.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (*Result, error)
}

// errTransient marks failures worth retrying. Adapters wrap retryable
// failures with Transient; everything else is treated as permanent.
var errTransient = errors.New("transient failure")

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, errTransient)
}

// IsTransient reports whether err was marked retryable.
func IsTransient(err error) bool {
	return errors.Is(err, errTransient)
}
