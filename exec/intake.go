package exec

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/errors"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/event"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/plan"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/policy"
)

// Registrar accepts frozen plans and creates execution records exactly once
// per (tenant, idempotency key). Retried submissions are safe: they return
// the original execution unchanged, with no new side effects.
type Registrar struct {
	store    *Store
	events   *event.Logger
	policies *policy.Table
	limits   plan.Limits
	log      *zap.SugaredLogger
}

// NewRegistrar creates a plan intake registrar.
func NewRegistrar(store *Store, events *event.Logger, policies *policy.Table, limits plan.Limits, log *zap.SugaredLogger) *Registrar {
	return &Registrar{
		store:    store,
		events:   events,
		policies: policies,
		limits:   limits,
		log:      log.Named("intake"),
	}
}

// SetLimits swaps the intake limits (config reload path).
func (r *Registrar) SetLimits(limits plan.Limits) {
	r.limits = limits
}

// SubmitRequest carries one plan submission.
type SubmitRequest struct {
	TenantID  string
	ActorID   string
	RequestID string
	// IdempotencyKey is optional; when empty it is derived from
	// (tenant, actor, plan hash).
	IdempotencyKey string
	Plan           *plan.Plan
}

// Submit validates and registers a plan. The returned bool is true when a
// new execution was created, false when an existing one was returned.
func (r *Registrar) Submit(req SubmitRequest) (*Execution, bool, error) {
	if req.TenantID == "" {
		return nil, false, errors.NewValidationError("tenant id is required")
	}
	if req.ActorID == "" {
		return nil, false, errors.NewValidationError("actor id is required")
	}
	if req.Plan == nil {
		return nil, false, errors.NewValidationError("plan is required")
	}

	if err := req.Plan.Validate(r.limits); err != nil {
		return nil, false, err
	}

	canonical, err := plan.Canonicalize(req.Plan)
	if err != nil {
		return nil, false, errors.Wrap(errors.ErrValidation, err.Error())
	}

	planHash, err := plan.Hash(canonical)
	if err != nil {
		return nil, false, err
	}

	key := req.IdempotencyKey
	if key == "" {
		key = plan.IdempotencyKey(req.TenantID, req.ActorID, planHash)
	}

	// Fast path: the submission is a retry.
	if existing, err := r.store.GetByIdempotencyKey(req.TenantID, key); err != nil {
		return nil, false, err
	} else if existing != nil {
		return existing, false, nil
	}

	snapshot, err := json.Marshal(canonical)
	if err != nil {
		return nil, false, errors.Wrap(err, "freeze plan snapshot")
	}

	status := StatusPending
	budget := r.policies.ForPlan(canonical)

	execution := &Execution{
		ID:             "EXC_" + uuid.NewString(),
		TenantID:       req.TenantID,
		ActorID:        req.ActorID,
		RequestID:      req.RequestID,
		IdempotencyKey: key,
		PlanHash:       planHash,
		PlanSnapshot:   snapshot,
		StepCount:      len(canonical.Steps),
		TargetCount:    canonical.TargetCount(),
		Mode:           canonical.Mode,
		ApprovalLevel:  canonical.ApprovalLevel,
		SLAClass:       canonical.SLAClass,
		Status:         status,
		CreatedAt:      time.Now().UTC(),
		TimeoutMs:      budget.Execution.Milliseconds(),
	}

	steps := make([]*Step, len(canonical.Steps))
	for i, ps := range canonical.Steps {
		steps[i] = &Step{
			ExecutionID: execution.ID,
			StepNumber:  i + 1,
			Action:      ps.Action,
			ActionClass: ps.ActionClass,
			TargetRef:   strings.Join(ps.Targets, ","),
			Status:      StepPending,
			Attempt:     0,
			MaxRetries:  ps.MaxRetries,
		}
	}

	if err := r.store.CreateWithSteps(execution, steps); err != nil {
		if IsUniqueViolation(err) {
			// Concurrent duplicate submission: the other writer won the
			// unique index race. Return its row unchanged.
			existing, getErr := r.store.GetByIdempotencyKey(req.TenantID, key)
			if getErr != nil {
				return nil, false, getErr
			}
			if existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}

	r.log.Infow("Execution registered",
		"execution_id", execution.ID,
		"tenant_id", execution.TenantID,
		"plan_hash", planHash[:12],
		"mode", execution.Mode,
		"steps", execution.StepCount)

	if err := r.events.Append(execution.ID, event.KindExecutionStarted, req.ActorID, map[string]interface{}{
		"plan_hash":      planHash,
		"execution_mode": string(execution.Mode),
		"step_count":     execution.StepCount,
	}); err != nil {
		r.log.Warnw("Failed to append intake event", "execution_id", execution.ID, "error", err)
	}

	return execution, true, nil
}
