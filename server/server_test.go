package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/approval"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/config"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/event"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/exec"
	internaltesting "github.com/andrewcho-dev/opsconductor-ng-sub000/internal/testing"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/lock"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/plan"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/policy"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/queue"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/runner"
)

// okInvoker answers every step invocation with a fixed output.
type okInvoker struct {
	mu    sync.Mutex
	calls int
}

func (i *okInvoker) Invoke(ctx context.Context, inv runner.Invocation) (*runner.Result, error) {
	i.mu.Lock()
	i.calls++
	i.mu.Unlock()
	return &runner.Result{Output: "ok"}, nil
}

type apiHarness struct {
	ts         *httptest.Server
	executions *exec.Store
	q          *queue.Queue
	approvals  *approval.Manager
	invoker    *okInvoker
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	conn := internaltesting.CreateTestDB(t)
	log := zap.NewNop().Sugar()

	cfg, err := config.Load()
	require.NoError(t, err)

	executions := exec.NewStore(conn)
	events := event.NewLogger(event.NewStore(conn), log)
	policies := policy.NewTable()
	registrar := exec.NewRegistrar(executions, events, policies, plan.DefaultLimits(), log)
	fsm := exec.NewFSM(executions, events, log)
	approvals := approval.NewManager(approval.NewStore(conn), executions, fsm, events,
		approval.ReadOnlyAutoApprove, 24*time.Hour, log)
	q := queue.New(queue.NewStore(conn), queue.NewDLQStore(conn), executions, registrar, fsm, events, log)
	locks := lock.NewManager(conn, log)
	invoker := &okInvoker{}
	steps := runner.NewStepRunner(executions, events, nil, invoker, 1024, log)
	immediate := runner.NewImmediate(executions, fsm, locks, steps, policies, events, log)

	srv := New(cfg, registrar, executions, fsm, approvals, q, immediate, events, log)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)

	return &apiHarness{ts: ts, executions: executions, q: q, approvals: approvals, invoker: invoker}
}

func (h *apiHarness) do(t *testing.T, method, path, tenant string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.ts.URL+path, &buf)
	require.NoError(t, err)
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func submitBody(mode plan.Mode, actionClass plan.ActionClass, approvalLevel int) map[string]interface{} {
	return map[string]interface{}{
		"actor_id": "alice",
		"plan": map[string]interface{}{
			"steps": []map[string]interface{}{
				{"action": "check", "action_class": string(actionClass), "targets": []string{"web-01"}},
			},
			"sla_class":      string(plan.SLAFast),
			"approval_level": approvalLevel,
			"execution_mode": string(mode),
		},
	}
}

func TestSubmitImmediateRunsToCompletion(t *testing.T) {
	h := newAPIHarness(t)

	resp, body := h.do(t, http.MethodPost, "/api/executions", "acme",
		submitBody(plan.ModeImmediate, plan.ActionRead, 0))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	execution := body["execution"].(map[string]interface{})
	assert.Equal(t, "succeeded", execution["status"])
	assert.Equal(t, true, body["created"])
	assert.Equal(t, 1, h.invoker.calls)
}

func TestSubmitBackgroundEnqueues(t *testing.T) {
	h := newAPIHarness(t)

	resp, body := h.do(t, http.MethodPost, "/api/executions", "acme",
		submitBody(plan.ModeBackground, plan.ActionRead, 0))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	execution := body["execution"].(map[string]interface{})
	id := execution["id"].(string)
	assert.Equal(t, "pending", execution["status"])

	entry, err := h.q.Dequeue("worker-test", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, id, entry.ExecutionID)
}

func TestSubmitIsIdempotent(t *testing.T) {
	h := newAPIHarness(t)
	payload := submitBody(plan.ModeImmediate, plan.ActionRead, 0)

	resp1, body1 := h.do(t, http.MethodPost, "/api/executions", "acme", payload)
	assert.Equal(t, http.StatusOK, resp1.StatusCode)
	id1 := body1["execution"].(map[string]interface{})["id"].(string)

	resp2, body2 := h.do(t, http.MethodPost, "/api/executions", "acme", payload)
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, false, body2["created"])
	assert.Equal(t, id1, body2["execution"].(map[string]interface{})["id"])
	assert.Equal(t, 1, h.invoker.calls, "replay must not run the plan again")
}

func TestSubmitWithoutTenantHeaderFails(t *testing.T) {
	h := newAPIHarness(t)

	resp, body := h.do(t, http.MethodPost, "/api/executions", "",
		submitBody(plan.ModeImmediate, plan.ActionRead, 0))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", body["error_class"])
}

func TestCrossTenantReadsAsNotFound(t *testing.T) {
	h := newAPIHarness(t)

	_, body := h.do(t, http.MethodPost, "/api/executions", "acme",
		submitBody(plan.ModeBackground, plan.ActionRead, 0))
	id := body["execution"].(map[string]interface{})["id"].(string)

	resp, errBody := h.do(t, http.MethodGet, "/api/executions/"+id, "globex", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errBody["error_class"])

	// The owning tenant still sees it.
	resp, _ = h.do(t, http.MethodGet, "/api/executions/"+id, "acme", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCancelEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	_, body := h.do(t, http.MethodPost, "/api/executions", "acme",
		submitBody(plan.ModeBackground, plan.ActionRead, 0))
	id := body["execution"].(map[string]interface{})["id"].(string)

	resp, cancelled := h.do(t, http.MethodPost, "/api/executions/"+id+"/cancel", "acme",
		map[string]interface{}{"actor": "alice", "reason": "fat-fingered"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", cancelled["execution"].(map[string]interface{})["status"])

	// Terminal: a second cancel is refused.
	resp, errBody := h.do(t, http.MethodPost, "/api/executions/"+id+"/cancel", "acme",
		map[string]interface{}{"actor": "alice"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "illegal_transition", errBody["error_class"])
}

func TestApprovalDecisionUnblocksImmediateRun(t *testing.T) {
	h := newAPIHarness(t)

	body := submitBody(plan.ModeImmediate, plan.ActionModify, 1)
	resp, submitted := h.do(t, http.MethodPost, "/api/executions", "acme", body)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	execution := submitted["execution"].(map[string]interface{})
	assert.Equal(t, "awaiting_approval", execution["status"])
	require.NotNil(t, submitted["approval"])
	approvalID := submitted["approval"].(map[string]interface{})["id"].(string)
	assert.Equal(t, 0, h.invoker.calls, "gated plan must not run before approval")

	// Pending approvals are listed for the tenant.
	resp, pending := h.do(t, http.MethodGet, "/api/approvals", "acme", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, pending["approvals"], 1)

	resp, decided := h.do(t, http.MethodPost, "/api/approvals/"+approvalID+"/decide", "acme",
		map[string]interface{}{"decision": "approve", "approver_id": "bob", "principal": "bob@example.com"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "succeeded", decided["execution"].(map[string]interface{})["status"])
	assert.Equal(t, 1, h.invoker.calls)
}

func TestApprovalRejectTerminatesExecution(t *testing.T) {
	h := newAPIHarness(t)

	_, submitted := h.do(t, http.MethodPost, "/api/executions", "acme",
		submitBody(plan.ModeImmediate, plan.ActionModify, 1))
	approvalID := submitted["approval"].(map[string]interface{})["id"].(string)

	resp, decided := h.do(t, http.MethodPost, "/api/approvals/"+approvalID+"/decide", "acme",
		map[string]interface{}{"decision": "reject", "approver_id": "bob", "reason": "too risky"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "rejected", decided["execution"].(map[string]interface{})["status"])
	assert.Equal(t, 0, h.invoker.calls)
}

func TestReadOnlyPlansAutoApprove(t *testing.T) {
	h := newAPIHarness(t)

	resp, body := h.do(t, http.MethodPost, "/api/executions", "acme",
		submitBody(plan.ModeImmediate, plan.ActionRead, 1))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "succeeded", body["execution"].(map[string]interface{})["status"])
	a := body["approval"].(map[string]interface{})
	assert.Equal(t, true, a["auto_approved"])
}

func TestDLQListAndReplay(t *testing.T) {
	h := newAPIHarness(t)

	// Manufacture a dead-lettered entry.
	_, body := h.do(t, http.MethodPost, "/api/executions", "acme",
		submitBody(plan.ModeBackground, plan.ActionRead, 0))
	id := body["execution"].(map[string]interface{})["id"].(string)

	entry, err := h.q.Dequeue("worker-test", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.NoError(t, h.q.Fail(entry.ID, "worker-test", "adapter exploded", false))

	resp, list := h.do(t, http.MethodGet, "/api/dlq", "acme", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	entries := list["entries"].([]interface{})
	require.Len(t, entries, 1)
	dlqID := entries[0].(map[string]interface{})["id"].(string)

	resp, replayed := h.do(t, http.MethodPost, "/api/dlq/"+dlqID+"/replay", "acme",
		map[string]interface{}{"actor": "alice"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	newID := replayed["execution"].(map[string]interface{})["id"].(string)
	assert.NotEqual(t, id, newID)

	// Second replay is refused.
	resp, errBody := h.do(t, http.MethodPost, "/api/dlq/"+dlqID+"/replay", "acme",
		map[string]interface{}{"actor": "alice"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", errBody["error_class"])
}

func TestSubmitRateLimit(t *testing.T) {
	h := newAPIHarness(t)

	// Exhaust the default burst; limited submits report 429 with a stable
	// error class.
	limited := false
	for i := 0; i < 50; i++ {
		payload := submitBody(plan.ModeBackground, plan.ActionRead, 0)
		payload["idempotency_key"] = fmt.Sprintf("burst-%d", i)
		resp, body := h.do(t, http.MethodPost, "/api/executions", "hammer", payload)
		if resp.StatusCode == http.StatusTooManyRequests {
			assert.Equal(t, "rate_limited", body["error_class"])
			limited = true
			break
		}
	}
	assert.True(t, limited, "burst of 50 submits should trip the limiter")
}

func TestHealthEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	resp, body := h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["queue_depth"])
}
