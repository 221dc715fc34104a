package server

import (
	"net/http"
	"strconv"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/approval"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/exec"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/plan"
)

type submitRequest struct {
	ActorID        string     `json:"actor_id"`
	RequestID      string     `json:"request_id,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	RunbookURL     string     `json:"runbook_url,omitempty"`
	Plan           *plan.Plan `json:"plan"`
}

type submitResponse struct {
	Execution *exec.Execution    `json:"execution"`
	Created   bool               `json:"created"`
	Approval  *approval.Approval `json:"approval,omitempty"`
}

// handleExecutions serves POST (submit) and GET (list) on /api/executions.
func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r, tenant)
	case http.MethodGet:
		executions, err := s.executions.ListByTenant(tenant, parseLimit(r))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"executions": executions})
	default:
		writeError(w, http.StatusMethodNotAllowed, "validation", "Method not allowed")
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, tenant string) {
	if !s.limiters.allow(tenant) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "submit rate exceeded for tenant")
		return
	}

	var req submitRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	execution, created, err := s.registrar.Submit(exec.SubmitRequest{
		TenantID:       tenant,
		ActorID:        req.ActorID,
		RequestID:      req.RequestID,
		IdempotencyKey: req.IdempotencyKey,
		Plan:           req.Plan,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	resp := submitResponse{Execution: execution, Created: created}

	if !created {
		// Idempotent replay of an earlier submission.
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if execution.ApprovalLevel > 0 {
		a, err := s.approvals.Request(execution.ID, req.RunbookURL)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		resp.Approval = a
		// Auto-approval may have made the execution runnable already.
		execution, err = s.executions.GetByID(execution.ID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		resp.Execution = execution
	}

	final, err := s.dispatch(r.Context(), execution)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	resp.Execution = final

	status := http.StatusAccepted
	if final.Status.Terminal() {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

// handleExecution serves /api/executions/{id} and its sub-resources:
// GET {id}, GET {id}/steps, GET {id}/events, POST {id}/cancel.
func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}

	parts := extractPathParts(r.URL.Path, "/api/executions/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "validation", "execution id is required")
		return
	}
	id := parts[0]

	execution, err := s.executions.GetByID(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if execution.TenantID != tenant {
		// Cross-tenant probes read as absent, not forbidden.
		writeError(w, http.StatusNotFound, "not_found", "execution not found")
		return
	}

	if len(parts) == 1 {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		steps, err := s.executions.GetSteps(id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"execution": execution,
			"steps":     steps,
		})
		return
	}

	switch parts[1] {
	case "steps":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		steps, err := s.executions.GetSteps(id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"steps": steps})

	case "events":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		events, err := s.events.Store().ListByExecution(id, parseLimit(r))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})

	case "cancel":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		var body struct {
			Actor  string `json:"actor"`
			Reason string `json:"reason,omitempty"`
		}
		if err := readJSON(w, r, &body); err != nil {
			return
		}
		if body.Actor == "" {
			body.Actor = "api"
		}
		if err := s.fsm.Cancel(id, body.Actor, body.Reason); err != nil {
			writeEngineError(w, err)
			return
		}
		updated, err := s.executions.GetByID(id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"execution": updated})

	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown execution resource")
	}
}

// handleApprovals serves GET /api/approvals (pending for tenant).
func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	approvals, err := s.approvals.ListPending(tenant, parseLimit(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"approvals": approvals})
}

// handleApprovalByID serves GET /api/approvals/{id} and POST
// /api/approvals/{id}/decide.
func (s *Server) handleApprovalByID(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}

	parts := extractPathParts(r.URL.Path, "/api/approvals/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "validation", "approval id is required")
		return
	}
	id := parts[0]

	a, err := s.approvals.Get(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	execution, err := s.executions.GetByID(a.ExecutionID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if execution.TenantID != tenant {
		writeError(w, http.StatusNotFound, "not_found", "approval not found")
		return
	}

	if len(parts) == 1 {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"approval": a})
		return
	}

	if parts[1] != "decide" {
		writeError(w, http.StatusNotFound, "not_found", "unknown approval resource")
		return
	}
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var body struct {
		Decision   string `json:"decision"`
		ApproverID string `json:"approver_id"`
		Principal  string `json:"principal,omitempty"`
		AuthMethod string `json:"auth_method,omitempty"`
		Reason     string `json:"reason,omitempty"`
	}
	if err := readJSON(w, r, &body); err != nil {
		return
	}

	decided, err := s.approvals.Decide(id, approval.Decision(body.Decision), approval.Identity{
		ApproverID: body.ApproverID,
		Principal:  body.Principal,
		AuthMethod: body.AuthMethod,
		SourceIP:   r.RemoteAddr,
	}, body.Reason)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	// An approved execution becomes runnable; route it now.
	execution, err = s.executions.GetByID(a.ExecutionID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	final, err := s.dispatch(r.Context(), execution)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"approval":  decided,
		"execution": final,
	})
}

// handleDLQ serves GET /api/dlq.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	entries, err := s.queue.DLQ().ListByTenant(tenant, parseLimit(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// handleDLQEntry serves GET /api/dlq/{id} and POST /api/dlq/{id}/replay.
func (s *Server) handleDLQEntry(w http.ResponseWriter, r *http.Request) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}

	parts := extractPathParts(r.URL.Path, "/api/dlq/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "validation", "dlq entry id is required")
		return
	}
	id := parts[0]

	entry, err := s.queue.DLQ().GetByID(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if entry.TenantID != tenant {
		writeError(w, http.StatusNotFound, "not_found", "dlq entry not found")
		return
	}

	if len(parts) == 1 {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"entry": entry})
		return
	}

	if parts[1] != "replay" {
		writeError(w, http.StatusNotFound, "not_found", "unknown dlq resource")
		return
	}
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var body struct {
		Actor string `json:"actor"`
	}
	if err := readJSON(w, r, &body); err != nil {
		return
	}
	if body.Actor == "" {
		body.Actor = "api"
	}

	execution, err := s.queue.Replay(id, body.Actor, 50, s.maxAttempts)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"execution": execution})
}

// handleHealth reports liveness and queue depth.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"queue_depth": depth,
	})
}

func parseLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 100
}
