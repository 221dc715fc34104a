// Package event records the append-only execution timeline.
//
// Every state change in the engine lands here exactly once. Rows are never
// updated or deleted; downstream consumers (notification layer, dashboards)
// reconstruct the full history from this table alone.
package event

import (
	"encoding/json"
	"time"
)

// Kind identifies a timeline entry type.
type Kind string

const (
	KindExecutionStarted   Kind = "execution_started"
	KindExecutionApproved  Kind = "execution_approved"
	KindExecutionRunning   Kind = "execution_running"
	KindExecutionCompleted Kind = "execution_completed"
	KindExecutionFailed    Kind = "execution_failed"
	KindExecutionCancelled Kind = "execution_cancelled"
	KindExecutionTimedOut  Kind = "execution_timed_out"
	KindStatusTransition   Kind = "status_transition"

	KindStepStarted   Kind = "step_started"
	KindStepProgress  Kind = "step_progress"
	KindStepCompleted Kind = "step_completed"
	KindStepFailed    Kind = "step_failed"
	KindStepRetrying  Kind = "step_retrying"

	KindApprovalRequested Kind = "approval_requested"
	KindApprovalApproved  Kind = "approval_approved"
	KindApprovalRejected  Kind = "approval_rejected"
	KindApprovalExpired   Kind = "approval_expired"

	KindDLQPromoted Kind = "dlq_promoted"
	KindDLQReplayed Kind = "dlq_replayed"
)

// Event is one immutable timeline entry.
type Event struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	Kind        Kind            `json:"kind"`
	Actor       string          `json:"actor,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
