package approval

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/errors"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/event"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/exec"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/plan"
)

// AutoApprovePolicy decides whether an execution may skip human approval.
// It returns the policy name for the audit record and true to auto-approve.
type AutoApprovePolicy func(e *exec.Execution, p *plan.Plan) (string, bool)

// ReadOnlyAutoApprove approves level-1 plans whose steps are all read-class.
func ReadOnlyAutoApprove(e *exec.Execution, p *plan.Plan) (string, bool) {
	if e.ApprovalLevel != 1 {
		return "", false
	}
	for _, s := range p.Steps {
		if s.ActionClass != plan.ActionRead {
			return "", false
		}
	}
	return "read_only_level1", true
}

// Manager runs the approval workflow: requesting, deciding, expiring.
type Manager struct {
	store      *Store
	executions *exec.Store
	fsm        *exec.FSM
	events     *event.Logger
	autoPolicy AutoApprovePolicy
	ttl        time.Duration
	log        *zap.SugaredLogger
}

// NewManager creates an approval manager. autoPolicy may be nil to disable
// auto-approval entirely.
func NewManager(store *Store, executions *exec.Store, fsm *exec.FSM, events *event.Logger, autoPolicy AutoApprovePolicy, ttl time.Duration, log *zap.SugaredLogger) *Manager {
	return &Manager{
		store:      store,
		executions: executions,
		fsm:        fsm,
		events:     events,
		autoPolicy: autoPolicy,
		ttl:        ttl,
		log:        log.Named("approval"),
	}
}

// SetTTL swaps the pending-approval lifetime (config reload path).
func (m *Manager) SetTTL(ttl time.Duration) {
	m.ttl = ttl
}

// Request opens an approval for a pending execution and parks it in
// awaiting_approval. If the auto-approval policy fires, the approval is
// stamped with a synthetic approver and the execution moves straight to
// approved.
func (m *Manager) Request(executionID, runbookURL string) (*Approval, error) {
	execution, err := m.executions.GetByID(executionID)
	if err != nil {
		return nil, err
	}

	if execution.ApprovalLevel < 1 {
		return nil, errors.NewValidationError("execution does not require approval")
	}
	if execution.Status != exec.StatusPending {
		return nil, errors.Wrapf(errors.ErrIllegalTransition,
			"execution %s is %s, approval can only be requested while pending", executionID, execution.Status)
	}
	if execution.ApprovalLevel >= 2 && runbookURL == "" {
		return nil, errors.NewValidationError("runbook url is required for approval level >= 2")
	}

	if existing, err := m.store.GetPendingByExecution(executionID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	now := time.Now().UTC()
	a := &Approval{
		ID:               "APR_" + uuid.NewString(),
		ExecutionID:      execution.ID,
		ApprovalLevel:    execution.ApprovalLevel,
		RequiredRole:     RoleForLevel(execution.ApprovalLevel),
		PlanHash:         execution.PlanHash,
		PlanSnapshotHash: plan.HashSnapshot(execution.PlanSnapshot),
		State:            StatePending,
		RunbookURL:       runbookURL,
		ExpiresAt:        now.Add(m.ttl),
		CreatedAt:        now,
	}

	if err := m.store.Create(a); err != nil {
		return nil, err
	}

	if err := m.fsm.Transition(execution.ID, exec.StatusPending, exec.StatusAwaitingApproval, "system"); err != nil {
		return nil, err
	}

	m.appendEvent(execution.ID, event.KindApprovalRequested, "system", map[string]interface{}{
		"approval_id":    a.ID,
		"approval_level": a.ApprovalLevel,
		"required_role":  a.RequiredRole,
		"expires_at":     a.ExpiresAt.Format(time.RFC3339),
	})

	m.log.Infow("Approval requested",
		"approval_id", a.ID,
		"execution_id", execution.ID,
		"level", a.ApprovalLevel)

	if m.autoPolicy != nil {
		decoded, err := execution.Plan()
		if err != nil {
			return nil, err
		}
		if policyName, ok := m.autoPolicy(execution, decoded); ok {
			return m.autoApprove(a, policyName)
		}
	}

	return a, nil
}

// autoApprove stamps the approval with a synthetic approver so the audit
// trail never shows an undecided-yet-approved execution.
func (m *Manager) autoApprove(a *Approval, policyName string) (*Approval, error) {
	now := time.Now().UTC()
	ident := Identity{
		ApproverID: "policy:" + policyName,
		Principal:  "policy:" + policyName,
		AuthMethod: "auto_approval_policy",
	}

	updated, err := m.store.decide(a.ID, StateApproved, ident, "auto-approved by policy "+policyName, now)
	if err != nil {
		return nil, err
	}
	if !updated {
		return m.store.GetByID(a.ID)
	}

	if _, err := m.store.db.Exec(`
		UPDATE approvals SET auto_approved = 1, auto_approval_policy = ? WHERE id = ?`,
		policyName, a.ID); err != nil {
		return nil, errors.Wrap(err, "failed to record auto-approval policy")
	}

	if err := m.fsm.Transition(a.ExecutionID, exec.StatusAwaitingApproval, exec.StatusApproved, ident.ApproverID); err != nil {
		return nil, err
	}

	m.appendEvent(a.ExecutionID, event.KindApprovalApproved, ident.ApproverID, map[string]interface{}{
		"approval_id":   a.ID,
		"auto_approved": true,
		"policy":        policyName,
	})

	m.log.Infow("Approval auto-approved",
		"approval_id", a.ID,
		"execution_id", a.ExecutionID,
		"policy", policyName)

	return m.store.GetByID(a.ID)
}

// Decide applies a human approve/reject decision.
//
// The decision is validated against the execution's current plan hash: if the
// plan drifted since the approval was requested, ErrStaleApproval is returned
// and the approval stays pending. Deciding an expired approval marks it
// expired and fails.
func (m *Manager) Decide(approvalID string, decision Decision, ident Identity, reason string) (*Approval, error) {
	if ident.ApproverID == "" {
		return nil, errors.NewValidationError("approver identity is required")
	}
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, errors.NewValidationError("decision must be approve or reject")
	}

	a, err := m.store.GetByID(approvalID)
	if err != nil {
		return nil, err
	}
	if a.State != StatePending {
		return nil, errors.Wrapf(errors.ErrIllegalTransition,
			"approval %s is already %s", approvalID, a.State)
	}

	now := time.Now().UTC()
	if now.After(a.ExpiresAt) {
		if _, err := m.store.markExpired(a.ID, now); err != nil {
			return nil, err
		}
		return nil, errors.Wrapf(errors.ErrStaleApproval, "approval %s expired at %s", a.ID, a.ExpiresAt.Format(time.RFC3339))
	}

	execution, err := m.executions.GetByID(a.ExecutionID)
	if err != nil {
		return nil, err
	}
	if execution.PlanHash != a.PlanHash || plan.HashSnapshot(execution.PlanSnapshot) != a.PlanSnapshotHash {
		return nil, errors.Wrapf(errors.ErrStaleApproval,
			"approval %s was granted for plan %s, execution now carries %s", a.ID, a.PlanHash[:12], execution.PlanHash[:12])
	}

	to := StateApproved
	if decision == DecisionReject {
		to = StateRejected
	}

	updated, err := m.store.decide(a.ID, to, ident, reason, now)
	if err != nil {
		return nil, err
	}
	if !updated {
		latest, err := m.store.GetByID(a.ID)
		if err != nil {
			return nil, err
		}
		return nil, errors.Wrapf(errors.ErrIllegalTransition,
			"approval %s was decided concurrently (%s)", a.ID, latest.State)
	}

	switch decision {
	case DecisionApprove:
		if err := m.fsm.Transition(a.ExecutionID, exec.StatusAwaitingApproval, exec.StatusApproved, ident.ApproverID); err != nil {
			return nil, err
		}
		m.appendEvent(a.ExecutionID, event.KindApprovalApproved, ident.ApproverID, map[string]interface{}{
			"approval_id": a.ID,
			"reason":      reason,
		})
	case DecisionReject:
		if err := m.fsm.Transition(a.ExecutionID, exec.StatusAwaitingApproval, exec.StatusRejected, ident.ApproverID); err != nil {
			return nil, err
		}
		m.appendEvent(a.ExecutionID, event.KindApprovalRejected, ident.ApproverID, map[string]interface{}{
			"approval_id": a.ID,
			"reason":      reason,
		})
	}

	m.log.Infow("Approval decided",
		"approval_id", a.ID,
		"execution_id", a.ExecutionID,
		"decision", decision,
		"approver", ident.ApproverID)

	return m.store.GetByID(a.ID)
}

// ExpireStale sweeps pending approvals past their deadline. Each one is
// marked expired and its execution is cancelled with an audit event. Returns
// the number of approvals expired.
func (m *Manager) ExpireStale(now time.Time) (int, error) {
	stale, err := m.store.ListExpired(now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, a := range stale {
		changed, err := m.store.markExpired(a.ID, now)
		if err != nil {
			m.log.Warnw("Failed to expire approval", "approval_id", a.ID, "error", err)
			continue
		}
		if !changed {
			continue
		}
		expired++

		m.appendEvent(a.ExecutionID, event.KindApprovalExpired, "system", map[string]interface{}{
			"approval_id": a.ID,
			"expired_at":  a.ExpiresAt.Format(time.RFC3339),
		})

		if err := m.fsm.Cancel(a.ExecutionID, "system", "approval expired"); err != nil {
			m.log.Warnw("Failed to cancel execution for expired approval",
				"approval_id", a.ID,
				"execution_id", a.ExecutionID,
				"error", err)
		}
	}

	if expired > 0 {
		m.log.Infow("Expired stale approvals", "count", expired)
	}
	return expired, nil
}

// ListPending returns pending approvals for a tenant.
func (m *Manager) ListPending(tenantID string, limit int) ([]*Approval, error) {
	return m.store.ListPending(tenantID, limit)
}

// Get returns one approval by id.
func (m *Manager) Get(id string) (*Approval, error) {
	return m.store.GetByID(id)
}

func (m *Manager) appendEvent(executionID string, kind event.Kind, actor string, payload map[string]interface{}) {
	if err := m.events.Append(executionID, kind, actor, payload); err != nil {
		m.log.Warnw("Failed to append approval event",
			"execution_id", executionID,
			"kind", kind,
			"error", err)
	}
}
