// Package approval implements the approval workflow: gating decisions bound
// to a specific plan version by content hash.
package approval

import (
	"time"
)

// State of an approval request.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateRejected State = "rejected"
	StateExpired  State = "expired"
)

// Decision is the outcome an approver selects.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Approval is a gating decision bound to a specific plan version. The two
// hashes invalidate the approval the moment the underlying plan changes: an
// approval can never authorize a plan other than the one it was shown.
type Approval struct {
	ID            string `json:"id"`
	ExecutionID   string `json:"execution_id"`
	ApprovalLevel int    `json:"approval_level"`
	RequiredRole  string `json:"required_role"`

	PlanHash         string `json:"plan_hash"`
	PlanSnapshotHash string `json:"plan_snapshot_hash"`

	ApproverID        string `json:"approver_id,omitempty"`
	ApproverPrincipal string `json:"approver_principal,omitempty"`
	AuthMethod        string `json:"auth_method,omitempty"`
	SourceIP          string `json:"source_ip,omitempty"`

	State     State      `json:"state"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`

	// RunbookURL is mandatory for approval level >= 2.
	RunbookURL string `json:"runbook_url,omitempty"`

	ExpiresAt          time.Time `json:"expires_at"`
	AutoApproved       bool      `json:"auto_approved"`
	AutoApprovalPolicy string    `json:"auto_approval_policy,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Identity describes who decided an approval, captured for the audit trail.
type Identity struct {
	ApproverID string
	Principal  string
	AuthMethod string
	SourceIP   string
}

// RoleForLevel maps an approval level to the role allowed to decide it.
func RoleForLevel(level int) string {
	switch level {
	case 1:
		return "operator"
	case 2:
		return "sre_oncall"
	case 3:
		return "platform_admin"
	default:
		return ""
	}
}
