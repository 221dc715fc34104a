// Package exec holds the execution record, its state machine, and the plan
// intake registrar.
package exec

import (
	"encoding/json"
	"time"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/plan"
)

// Status is the FSM state of an execution.
type Status string

const (
	StatusPending          Status = "pending"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusApproved         Status = "approved"
	StatusRunning          Status = "running"
	StatusSucceeded        Status = "succeeded"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
	StatusRejected         Status = "rejected"
)

// Terminal reports whether the status has no outgoing transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// legalTransitions is the complete transition table. Anything not listed
// here is refused with ErrIllegalTransition.
var legalTransitions = map[Status][]Status{
	StatusPending:          {StatusAwaitingApproval, StatusApproved, StatusRunning, StatusCancelled},
	StatusAwaitingApproval: {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved:         {StatusRunning, StatusCancelled},
	StatusRunning:          {StatusSucceeded, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from → to is in the legal-transition table.
func CanTransition(from, to Status) bool {
	for _, legal := range legalTransitions[from] {
		if legal == to {
			return true
		}
	}
	return false
}

// Execution is one unit of work derived from one approved plan.
// Identity fields and the plan snapshot are immutable after creation.
type Execution struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	ActorID   string `json:"actor_id"`
	RequestID string `json:"request_id,omitempty"`

	IdempotencyKey string `json:"idempotency_key"`
	PlanHash       string `json:"plan_hash"`

	// PlanSnapshot is the frozen copy of the plan as submitted. Write-once.
	PlanSnapshot json.RawMessage `json:"plan_snapshot,omitempty"`
	StepCount    int             `json:"step_count"`
	TargetCount  int             `json:"target_count"`

	Mode          plan.Mode     `json:"execution_mode"`
	ApprovalLevel int           `json:"approval_level"`
	SLAClass      plan.SLAClass `json:"sla_class"`
	Status        Status        `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	DurationMs  *int64     `json:"duration_ms,omitempty"`
	QueueWaitMs *int64     `json:"queue_wait_ms,omitempty"`
	TimeoutMs   int64      `json:"timeout_ms"`
	TimedOut    bool       `json:"timed_out"`

	ResultSummary string `json:"result_summary,omitempty"`
	ErrorClass    string `json:"error_class,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	RetriesTotal  int    `json:"retries_total"`

	LastTransitionAt   *time.Time `json:"last_transition_at,omitempty"`
	LastTransitionBy   string     `json:"last_transition_by,omitempty"`
	LastTransitionFrom string     `json:"last_transition_from,omitempty"`

	CancelledBy string     `json:"cancelled_by,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// Plan decodes the frozen snapshot.
func (e *Execution) Plan() (*plan.Plan, error) {
	var p plan.Plan
	if err := json.Unmarshal(e.PlanSnapshot, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// StepStatus is the state of one step within an execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
)

// Terminal reports whether the step status has finished.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepCancelled:
		return true
	default:
		return false
	}
}

// Step is one ordered action within an execution.
// (execution_id, step_number) is unique; attempt never exceeds max_retries+1.
type Step struct {
	ExecutionID string           `json:"execution_id"`
	StepNumber  int              `json:"step_number"`
	Action      string           `json:"action"`
	ActionClass plan.ActionClass `json:"action_class"`
	TargetRef   string           `json:"target_ref"`
	Status      StepStatus       `json:"status"`
	Attempt     int              `json:"attempt"`
	MaxRetries  int              `json:"max_retries"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	DurationMs *int64     `json:"duration_ms,omitempty"`
	TimedOut   bool       `json:"timed_out"`

	OutputSummary string `json:"output_summary,omitempty"`
	OutputRef     string `json:"output_ref,omitempty"`
	ErrorClass    string `json:"error_class,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
}
