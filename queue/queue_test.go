package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/errors"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/event"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/exec"
	internaltesting "github.com/andrewcho-dev/opsconductor-ng-sub000/internal/testing"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/plan"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/policy"
)

type testQueue struct {
	q          *Queue
	store      *Store
	executions *exec.Store
	registrar  *exec.Registrar
	fsm        *exec.FSM
}

func newTestQueue(t *testing.T) *testQueue {
	t.Helper()
	conn := internaltesting.CreateTestDB(t)
	log := zap.NewNop().Sugar()

	executions := exec.NewStore(conn)
	events := event.NewLogger(event.NewStore(conn), log)
	fsm := exec.NewFSM(executions, events, log)
	registrar := exec.NewRegistrar(executions, events, policy.NewTable(), plan.DefaultLimits(), log)
	store := NewStore(conn)
	q := New(store, NewDLQStore(conn), executions, registrar, fsm, events, log)

	return &testQueue{q: q, store: store, executions: executions, registrar: registrar, fsm: fsm}
}

func (tq *testQueue) submit(t *testing.T, approvalLevel int) *exec.Execution {
	t.Helper()
	execution, _, err := tq.registrar.Submit(exec.SubmitRequest{
		TenantID: "acme",
		ActorID:  "alice",
		Plan: &plan.Plan{
			Steps: []plan.Step{
				{Action: "sync_config", ActionClass: plan.ActionModify, Targets: []string{"node-" + time.Now().Format("150405.000000000")}, MaxRetries: 1},
			},
			SLAClass:      plan.SLAFast,
			ApprovalLevel: approvalLevel,
			Mode:          plan.ModeBackground,
		},
	})
	require.NoError(t, err)
	return execution
}

func TestEnqueueDequeueLifecycle(t *testing.T) {
	tq := newTestQueue(t)
	execution := tq.submit(t, 0)

	entry, err := tq.q.Enqueue(execution.ID, PriorityNormal, 4)
	require.NoError(t, err)
	assert.Equal(t, EntryQueued, entry.Status)
	assert.Equal(t, 1, entry.Attempt)

	// Double enqueue returns the live entry unchanged.
	again, err := tq.q.Enqueue(execution.ID, PriorityNormal, 4)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, again.ID)

	claimed, err := tq.q.Dequeue("worker-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, entry.ID, claimed.ID)
	assert.Equal(t, EntryLeased, claimed.Status)
	assert.Equal(t, "worker-a", claimed.LeasedBy)
	assert.Equal(t, 1, claimed.LeaseCount)

	// Queue wait was recorded on first claim.
	current, err := tq.executions.GetByID(execution.ID)
	require.NoError(t, err)
	require.NotNil(t, current.QueueWaitMs)

	// Nothing else claimable.
	empty, err := tq.q.Dequeue("worker-b", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, empty)

	require.NoError(t, tq.q.Complete(claimed.ID, "worker-a"))
	final, err := tq.store.GetByID(claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, EntryCompleted, final.Status)
	assert.Empty(t, final.LeasedBy)
}

func TestDequeueHonorsPriorityThenFIFO(t *testing.T) {
	tq := newTestQueue(t)
	bulk := tq.submit(t, 0)
	urgentFirst := tq.submit(t, 0)
	urgentSecond := tq.submit(t, 0)

	_, err := tq.q.Enqueue(bulk.ID, PriorityBulk, 4)
	require.NoError(t, err)
	first, err := tq.q.Enqueue(urgentFirst.ID, PriorityUrgent, 4)
	require.NoError(t, err)
	second, err := tq.q.Enqueue(urgentSecond.ID, PriorityUrgent, 4)
	require.NoError(t, err)

	a, err := tq.q.Dequeue("w", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, first.ID, a.ID)

	b, err := tq.q.Dequeue("w", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, second.ID, b.ID)

	c, err := tq.q.Dequeue("w", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, PriorityBulk, c.Priority)
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	tq := newTestQueue(t)
	execution := tq.submit(t, 0)
	_, err := tq.q.Enqueue(execution.ID, PriorityNormal, 4)
	require.NoError(t, err)

	// worker-a claims with an instantly-expiring lease.
	claimed, err := tq.q.Dequeue("worker-a", -time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// worker-b takes it over.
	reclaimed, err := tq.q.Dequeue("worker-b", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, claimed.ID, reclaimed.ID)
	assert.Equal(t, "worker-b", reclaimed.LeasedBy)
	assert.Equal(t, 2, reclaimed.LeaseCount)

	// worker-a's operations on the entry now fail ownership checks.
	err = tq.q.Complete(claimed.ID, "worker-a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrLeaseNotOwned))
}

func TestRenewLeaseOwnership(t *testing.T) {
	tq := newTestQueue(t)
	execution := tq.submit(t, 0)
	_, err := tq.q.Enqueue(execution.ID, PriorityNormal, 4)
	require.NoError(t, err)

	claimed, err := tq.q.Dequeue("worker-a", time.Minute)
	require.NoError(t, err)

	require.NoError(t, tq.q.RenewLease(claimed.ID, "worker-a", time.Minute, 10))

	err = tq.q.RenewLease(claimed.ID, "worker-b", time.Minute, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrLeaseNotOwned))
}

func TestRenewLeaseAfterLossNeverDeadLetters(t *testing.T) {
	tq := newTestQueue(t)
	execution := tq.submit(t, 0)
	_, err := tq.q.Enqueue(execution.ID, PriorityNormal, 4)
	require.NoError(t, err)

	// worker-a's lease expires and worker-b takes the entry over.
	claimed, err := tq.q.Dequeue("worker-a", -time.Second)
	require.NoError(t, err)
	reclaimed, err := tq.q.Dequeue("worker-b", time.Minute)
	require.NoError(t, err)
	require.Equal(t, claimed.ID, reclaimed.ID)

	// worker-a renewing with an exhausted budget must fail the ownership
	// check, not dead-letter worker-b's entry.
	err = tq.q.RenewLease(claimed.ID, "worker-a", time.Minute, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrLeaseNotOwned))

	d, err := tq.q.DLQ().GetByQueueEntry(claimed.ID)
	require.NoError(t, err)
	assert.Nil(t, d)

	current, err := tq.store.GetByID(claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, EntryLeased, current.Status)
	assert.Equal(t, "worker-b", current.LeasedBy)
}

func TestRunawayJobDeadLettersOnRenewalBudget(t *testing.T) {
	tq := newTestQueue(t)
	execution := tq.submit(t, 0)
	_, err := tq.q.Enqueue(execution.ID, PriorityNormal, 4)
	require.NoError(t, err)

	claimed, err := tq.q.Dequeue("worker-a", time.Minute)
	require.NoError(t, err)

	// Renewal budget of zero: the claim itself spent it.
	err = tq.q.RenewLease(claimed.ID, "worker-a", time.Minute, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRetriesExhausted))

	d, err := tq.q.DLQ().GetByQueueEntry(claimed.ID)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Contains(t, d.LastError, "lease renewal")
}

func TestTransientFailureRequeuesUntilAttemptsExhausted(t *testing.T) {
	tq := newTestQueue(t)
	execution := tq.submit(t, 0)
	_, err := tq.q.Enqueue(execution.ID, PriorityNormal, 2)
	require.NoError(t, err)

	// Attempt 1 fails transiently: requeued.
	claimed, err := tq.q.Dequeue("w", time.Minute)
	require.NoError(t, err)
	require.NoError(t, tq.q.Fail(claimed.ID, "w", "adapter unreachable", true))

	requeued, err := tq.store.GetByID(claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, EntryQueued, requeued.Status)
	assert.Equal(t, 2, requeued.Attempt)

	// Attempt 2 fails transiently: budget spent, dead-letter.
	claimed, err = tq.q.Dequeue("w", time.Minute)
	require.NoError(t, err)
	require.NoError(t, tq.q.Fail(claimed.ID, "w", "adapter unreachable", true))

	d, err := tq.q.DLQ().GetByQueueEntry(claimed.ID)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 2, d.AttemptCount)
	assert.Equal(t, "acme", d.TenantID)
	assert.NotEmpty(t, d.PlanSnapshot)

	settled, err := tq.store.GetByID(claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, EntryFailed, settled.Status)
}

func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	tq := newTestQueue(t)
	execution := tq.submit(t, 0)
	_, err := tq.q.Enqueue(execution.ID, PriorityNormal, 4)
	require.NoError(t, err)

	claimed, err := tq.q.Dequeue("w", time.Minute)
	require.NoError(t, err)

	// Move the execution into running as a worker would have.
	require.NoError(t, tq.fsm.Transition(execution.ID, exec.StatusPending, exec.StatusRunning, "w"))

	require.NoError(t, tq.q.Fail(claimed.ID, "w", "target rejected the change", false))

	d, err := tq.q.DLQ().GetByQueueEntry(claimed.ID)
	require.NoError(t, err)
	require.NotNil(t, d)

	// Execution failed with the retries_exhausted class.
	current, err := tq.executions.GetByID(execution.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.StatusFailed, current.Status)
	assert.Equal(t, "retries_exhausted", current.ErrorClass)
}

func TestReleaseReturnsEntryWithoutConsumingAttempt(t *testing.T) {
	tq := newTestQueue(t)
	execution := tq.submit(t, 0)
	_, err := tq.q.Enqueue(execution.ID, PriorityNormal, 4)
	require.NoError(t, err)

	claimed, err := tq.q.Dequeue("w", time.Minute)
	require.NoError(t, err)
	require.NoError(t, tq.q.Release(claimed.ID, "w"))

	back, err := tq.store.GetByID(claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, EntryQueued, back.Status)
	assert.Equal(t, 1, back.Attempt)
}

func TestSameWorkerMultipleClaimsReadBackDistinctEntries(t *testing.T) {
	tq := newTestQueue(t)
	first := tq.submit(t, 0)
	second := tq.submit(t, 0)

	urgent, err := tq.q.Enqueue(first.ID, PriorityUrgent, 4)
	require.NoError(t, err)
	normal, err := tq.q.Enqueue(second.ID, PriorityNormal, 4)
	require.NoError(t, err)

	// Back-to-back claims by one worker land inside the same timestamp
	// granularity; each claim must still hand back its own row.
	a, err := tq.q.Dequeue("worker-a", time.Minute)
	require.NoError(t, err)
	b, err := tq.q.Dequeue("worker-a", time.Minute)
	require.NoError(t, err)

	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Equal(t, urgent.ID, a.ID)
	assert.Equal(t, normal.ID, b.ID)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestDequeueLeaseExclusivityUnderContention(t *testing.T) {
	conn := internaltesting.CreateFileTestDB(t)
	log := zap.NewNop().Sugar()

	executions := exec.NewStore(conn)
	events := event.NewLogger(event.NewStore(conn), log)
	fsm := exec.NewFSM(executions, events, log)
	registrar := exec.NewRegistrar(executions, events, policy.NewTable(), plan.DefaultLimits(), log)
	q := New(NewStore(conn), NewDLQStore(conn), executions, registrar, fsm, events, log)

	execution, _, err := registrar.Submit(exec.SubmitRequest{
		TenantID: "acme",
		ActorID:  "alice",
		Plan: &plan.Plan{
			Steps:    []plan.Step{{Action: "sync_config", ActionClass: plan.ActionModify, Targets: []string{"node-01"}}},
			SLAClass: plan.SLAFast,
			Mode:     plan.ModeBackground,
		},
	})
	require.NoError(t, err)
	_, err = q.Enqueue(execution.ID, PriorityNormal, 4)
	require.NoError(t, err)

	const workers = 8
	claims := make(chan *Entry, workers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			e, err := q.Dequeue(fmt.Sprintf("worker-%d", n), time.Minute)
			require.NoError(t, err)
			claims <- e
		}(i)
	}
	close(start)
	wg.Wait()
	close(claims)

	winners := 0
	for e := range claims {
		if e != nil {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one worker may hold an active lease")
}

func TestReplayIsExactlyOnce(t *testing.T) {
	tq := newTestQueue(t)
	execution := tq.submit(t, 0)
	_, err := tq.q.Enqueue(execution.ID, PriorityNormal, 1)
	require.NoError(t, err)

	claimed, err := tq.q.Dequeue("w", time.Minute)
	require.NoError(t, err)
	require.NoError(t, tq.q.Fail(claimed.ID, "w", "boom", true))

	d, err := tq.q.DLQ().GetByQueueEntry(claimed.ID)
	require.NoError(t, err)
	require.NotNil(t, d)

	replayed, err := tq.q.Replay(d.ID, "oncall", PriorityNormal, 4)
	require.NoError(t, err)
	assert.NotEqual(t, execution.ID, replayed.ID)
	assert.Equal(t, execution.PlanHash, replayed.PlanHash)

	// The fresh execution is queued.
	entry, err := tq.store.GetByExecution(replayed.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, EntryQueued, entry.Status)

	// A second replay of the same DLQ entry is refused.
	_, err = tq.q.Replay(d.ID, "oncall", PriorityNormal, 4)
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}
