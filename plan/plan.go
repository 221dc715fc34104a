// Package plan defines the frozen execution plan the engine accepts as input.
//
// Plans are produced upstream by the planning stage and are opaque to the
// engine beyond structural well-formedness: ordered steps, target references,
// and the declared sla_class / approval_level / execution_mode. The engine
// never validates tool semantics.
package plan

import (
	"encoding/json"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/errors"
)

// Mode selects how an execution runs.
type Mode string

const (
	ModeImmediate  Mode = "immediate"  // synchronous, within the caller's request
	ModeBackground Mode = "background" // queued, leased to a worker
)

// SLAClass is the expected-latency axis of the timeout classification.
type SLAClass string

const (
	SLAFast   SLAClass = "fast"
	SLAMedium SLAClass = "medium"
	SLALong   SLAClass = "long"
)

// ActionClass is the read/modify/deploy axis of the timeout classification.
// It is resolved once at plan-freeze time, never re-inferred during execution.
type ActionClass string

const (
	ActionRead   ActionClass = "read"
	ActionModify ActionClass = "modify"
	ActionDeploy ActionClass = "deploy"
)

// Step is one ordered action within a plan.
type Step struct {
	Action      string          `json:"action"`
	ActionClass ActionClass     `json:"action_class"`
	Targets     []string        `json:"targets"`
	MaxRetries  int             `json:"max_retries"`
	// ParallelGroup > 0 marks this step as part of an explicit parallel
	// group declared by the planner. 0 means strictly sequential.
	ParallelGroup int             `json:"parallel_group,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
}

// Plan is the frozen, versioned set of ordered steps an execution will run.
type Plan struct {
	Steps         []Step   `json:"steps"`
	SLAClass      SLAClass `json:"sla_class"`
	ApprovalLevel int      `json:"approval_level"`
	Mode          Mode     `json:"execution_mode"`
}

// Limits bounds structural validation at intake.
type Limits struct {
	MaxPlanBytes      int
	MaxSteps          int
	MaxTargetsPerStep int
}

// DefaultLimits returns the intake limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxPlanBytes:      256 * 1024,
		MaxSteps:          100,
		MaxTargetsPerStep: 64,
	}
}

// TargetCount returns the number of distinct targets across all steps.
func (p *Plan) TargetCount() int {
	seen := make(map[string]struct{})
	for _, s := range p.Steps {
		for _, t := range s.Targets {
			seen[t] = struct{}{}
		}
	}
	return len(seen)
}

// Validate checks structural well-formedness against the given limits.
// All failures wrap errors.ErrValidation and are rejected before any
// execution state is created.
func (p *Plan) Validate(limits Limits) error {
	if len(p.Steps) == 0 {
		return errors.NewValidationError("plan has no steps")
	}
	if limits.MaxSteps > 0 && len(p.Steps) > limits.MaxSteps {
		return errors.NewValidationError("plan has %d steps, limit is %d", len(p.Steps), limits.MaxSteps)
	}

	switch p.Mode {
	case ModeImmediate, ModeBackground:
	default:
		return errors.NewValidationError("unknown execution mode %q", p.Mode)
	}
	switch p.SLAClass {
	case SLAFast, SLAMedium, SLALong:
	default:
		return errors.NewValidationError("unknown sla class %q", p.SLAClass)
	}
	if p.ApprovalLevel < 0 || p.ApprovalLevel > 3 {
		return errors.NewValidationError("approval level %d out of range [0,3]", p.ApprovalLevel)
	}
	// Immediate runs hold the caller's request open, so they are bounded by
	// the fast and medium budgets. Long-running work goes to the queue.
	if p.Mode == ModeImmediate && p.SLAClass == SLALong {
		return errors.NewValidationError("immediate mode does not allow sla class %q, use background", p.SLAClass)
	}

	for i, s := range p.Steps {
		if s.Action == "" {
			return errors.NewValidationError("step %d has no action", i)
		}
		switch s.ActionClass {
		case ActionRead, ActionModify, ActionDeploy:
		default:
			return errors.NewValidationError("step %d has unknown action class %q", i, s.ActionClass)
		}
		if len(s.Targets) == 0 {
			return errors.NewValidationError("step %d has no targets", i)
		}
		if limits.MaxTargetsPerStep > 0 && len(s.Targets) > limits.MaxTargetsPerStep {
			return errors.NewValidationError("step %d has %d targets, limit is %d", i, len(s.Targets), limits.MaxTargetsPerStep)
		}
		if s.MaxRetries < 0 {
			return errors.NewValidationError("step %d has negative max_retries", i)
		}
	}

	if limits.MaxPlanBytes > 0 {
		encoded, err := json.Marshal(p)
		if err != nil {
			return errors.Wrap(errors.ErrValidation, err.Error())
		}
		if len(encoded) > limits.MaxPlanBytes {
			return errors.NewValidationError("plan is %d bytes, limit is %d", len(encoded), limits.MaxPlanBytes)
		}
	}

	return nil
}
