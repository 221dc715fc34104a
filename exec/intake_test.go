package exec

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/errors"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/event"
	internaltesting "github.com/andrewcho-dev/opsconductor-ng-sub000/internal/testing"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/plan"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/policy"
)

type testEngine struct {
	store     *Store
	fsm       *FSM
	registrar *Registrar
	events    *event.Logger
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	conn := internaltesting.CreateTestDB(t)
	log := zap.NewNop().Sugar()

	store := NewStore(conn)
	events := event.NewLogger(event.NewStore(conn), log)
	fsm := NewFSM(store, events, log)
	registrar := NewRegistrar(store, events, policy.NewTable(), plan.DefaultLimits(), log)

	return &testEngine{store: store, fsm: fsm, registrar: registrar, events: events}
}

func backgroundPlan() *plan.Plan {
	return &plan.Plan{
		Steps: []plan.Step{
			{Action: "drain_node", ActionClass: plan.ActionModify, Targets: []string{"node-02", "node-01"}, MaxRetries: 1},
			{Action: "reboot", ActionClass: plan.ActionModify, Targets: []string{"node-01"}, MaxRetries: 2},
		},
		SLAClass:      plan.SLAMedium,
		ApprovalLevel: 0,
		Mode:          plan.ModeBackground,
	}
}

func TestSubmitCreatesExecutionWithFrozenSteps(t *testing.T) {
	eng := newTestEngine(t)

	execution, created, err := eng.registrar.Submit(SubmitRequest{
		TenantID: "acme",
		ActorID:  "alice",
		Plan:     backgroundPlan(),
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, StatusPending, execution.Status)
	assert.Equal(t, 2, execution.StepCount)
	assert.Equal(t, 2, execution.TargetCount)
	assert.NotEmpty(t, execution.PlanHash)
	assert.NotEmpty(t, execution.IdempotencyKey)
	assert.Greater(t, execution.TimeoutMs, int64(0))

	// Snapshot is the canonical form: targets sorted.
	var frozen plan.Plan
	require.NoError(t, json.Unmarshal(execution.PlanSnapshot, &frozen))
	assert.Equal(t, []string{"node-01", "node-02"}, frozen.Steps[0].Targets)

	steps, err := eng.store.GetSteps(execution.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[0].StepNumber)
	assert.Equal(t, "node-01,node-02", steps[0].TargetRef)
	assert.Equal(t, StepPending, steps[0].Status)
	assert.Equal(t, 0, steps[0].Attempt)
}

func TestSubmitIsIdempotent(t *testing.T) {
	eng := newTestEngine(t)
	req := SubmitRequest{TenantID: "acme", ActorID: "alice", Plan: backgroundPlan()}

	first, created, err := eng.registrar.Submit(req)
	require.NoError(t, err)
	require.True(t, created)

	// Same plan, same actor: the derived key collides on purpose.
	second, created, err := eng.registrar.Submit(req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// Target order must not defeat idempotency.
	reordered := backgroundPlan()
	reordered.Steps[0].Targets = []string{"node-01", "node-02"}
	third, created, err := eng.registrar.Submit(SubmitRequest{TenantID: "acme", ActorID: "alice", Plan: reordered})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, third.ID)
}

func TestSubmitExplicitIdempotencyKey(t *testing.T) {
	eng := newTestEngine(t)

	first, created, err := eng.registrar.Submit(SubmitRequest{
		TenantID: "acme", ActorID: "alice", IdempotencyKey: "deploy-2026-08-28", Plan: backgroundPlan(),
	})
	require.NoError(t, err)
	require.True(t, created)

	// Different actor, same key, same tenant: still the same execution.
	second, created, err := eng.registrar.Submit(SubmitRequest{
		TenantID: "acme", ActorID: "bob", IdempotencyKey: "deploy-2026-08-28", Plan: backgroundPlan(),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// Same key under another tenant is a fresh execution.
	third, created, err := eng.registrar.Submit(SubmitRequest{
		TenantID: "globex", ActorID: "alice", IdempotencyKey: "deploy-2026-08-28", Plan: backgroundPlan(),
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestSubmitRejectsInvalidPlans(t *testing.T) {
	eng := newTestEngine(t)

	_, _, err := eng.registrar.Submit(SubmitRequest{TenantID: "acme", ActorID: "alice", Plan: &plan.Plan{}})
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))

	_, _, err = eng.registrar.Submit(SubmitRequest{ActorID: "alice", Plan: backgroundPlan()})
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))

	// Nothing was persisted for the rejected submissions.
	executions, err := eng.store.ListByTenant("acme", 10)
	require.NoError(t, err)
	assert.Empty(t, executions)
}

func TestSubmitAppendsIntakeEvent(t *testing.T) {
	eng := newTestEngine(t)

	execution, _, err := eng.registrar.Submit(SubmitRequest{TenantID: "acme", ActorID: "alice", Plan: backgroundPlan()})
	require.NoError(t, err)

	events, err := eng.events.Store().ListByExecution(execution.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.KindExecutionStarted, events[0].Kind)
	assert.Equal(t, "alice", events[0].Actor)
}

func TestConcurrentDoubleSubmitCreatesOneExecution(t *testing.T) {
	conn := internaltesting.CreateFileTestDB(t)
	log := zap.NewNop().Sugar()

	store := NewStore(conn)
	events := event.NewLogger(event.NewStore(conn), log)
	registrar := NewRegistrar(store, events, policy.NewTable(), plan.DefaultLimits(), log)

	const submitters = 8
	type outcome struct {
		execution *Execution
		created   bool
	}
	results := make(chan outcome, submitters)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			execution, created, err := registrar.Submit(SubmitRequest{
				TenantID:       "acme",
				ActorID:        "alice",
				IdempotencyKey: "k1",
				Plan:           backgroundPlan(),
			})
			require.NoError(t, err)
			results <- outcome{execution: execution, created: created}
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	createdCount := 0
	ids := make(map[string]struct{})
	for r := range results {
		if r.created {
			createdCount++
		}
		ids[r.execution.ID] = struct{}{}
	}
	assert.Equal(t, 1, createdCount, "exactly one submission may create the execution")
	assert.Len(t, ids, 1, "every submitter must observe the same execution")

	executions, err := store.ListByTenant("acme", 10)
	require.NoError(t, err)
	assert.Len(t, executions, 1)
}
