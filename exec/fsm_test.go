package exec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/errors"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/event"
)

func submitOne(t *testing.T, eng *testEngine) *Execution {
	t.Helper()
	execution, _, err := eng.registrar.Submit(SubmitRequest{
		TenantID: "acme", ActorID: "alice", Plan: backgroundPlan(),
	})
	require.NoError(t, err)
	return execution
}

func TestTransitionTableSoundness(t *testing.T) {
	all := []Status{
		StatusPending, StatusAwaitingApproval, StatusApproved, StatusRunning,
		StatusSucceeded, StatusFailed, StatusCancelled, StatusRejected,
	}

	// Terminal states have no outgoing edges at all.
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "%s → %s must be illegal", from, to)
		}
	}

	// Spot-check the legal edges.
	assert.True(t, CanTransition(StatusPending, StatusAwaitingApproval))
	assert.True(t, CanTransition(StatusPending, StatusRunning))
	assert.True(t, CanTransition(StatusAwaitingApproval, StatusRejected))
	assert.True(t, CanTransition(StatusApproved, StatusRunning))
	assert.True(t, CanTransition(StatusRunning, StatusSucceeded))

	// And some edges that must not exist.
	assert.False(t, CanTransition(StatusPending, StatusSucceeded))
	assert.False(t, CanTransition(StatusAwaitingApproval, StatusRunning))
	assert.False(t, CanTransition(StatusRunning, StatusApproved))
	assert.False(t, CanTransition(StatusApproved, StatusPending))
}

func TestTransitionHappyPath(t *testing.T) {
	eng := newTestEngine(t)
	execution := submitOne(t, eng)

	require.NoError(t, eng.fsm.Transition(execution.ID, StatusPending, StatusRunning, "worker-1"))
	require.NoError(t, eng.fsm.Transition(execution.ID, StatusRunning, StatusSucceeded, "worker-1"))

	final, err := eng.store.GetByID(execution.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, final.Status)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.EndedAt)
	assert.Equal(t, "worker-1", final.LastTransitionBy)
	assert.Equal(t, string(StatusRunning), final.LastTransitionFrom)
}

func TestTransitionRefusesIllegalMoves(t *testing.T) {
	eng := newTestEngine(t)
	execution := submitOne(t, eng)

	err := eng.fsm.Transition(execution.ID, StatusPending, StatusSucceeded, "worker-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrIllegalTransition))

	// Status untouched by the refusal.
	current, err := eng.store.GetByID(execution.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, current.Status)
}

func TestTransitionIdempotentOnRedelivery(t *testing.T) {
	eng := newTestEngine(t)
	execution := submitOne(t, eng)

	require.NoError(t, eng.fsm.Transition(execution.ID, StatusPending, StatusRunning, "worker-1"))
	// Redelivered transition to the state already recorded: no-op, no error.
	require.NoError(t, eng.fsm.Transition(execution.ID, StatusPending, StatusRunning, "worker-1"))

	current, err := eng.store.GetByID(execution.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, current.Status)
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	eng := newTestEngine(t)
	execution := submitOne(t, eng)

	require.NoError(t, eng.fsm.Transition(execution.ID, StatusPending, StatusRunning, "w"))
	require.NoError(t, eng.fsm.Transition(execution.ID, StatusRunning, StatusFailed, "w"))

	err := eng.fsm.Transition(execution.ID, StatusFailed, StatusRunning, "w")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrIllegalTransition))

	err = eng.fsm.Cancel(execution.ID, "alice", "too late")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrIllegalTransition))
}

func TestCancelRecordsActorAndReason(t *testing.T) {
	eng := newTestEngine(t)
	execution := submitOne(t, eng)

	require.NoError(t, eng.fsm.Cancel(execution.ID, "alice", "wrong cluster"))

	final, err := eng.store.GetByID(execution.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, final.Status)
	assert.Equal(t, "alice", final.CancelledBy)
	assert.NotNil(t, final.CancelledAt)
	assert.Equal(t, "cancelled", final.ErrorClass)
	assert.Equal(t, "wrong cluster", final.ErrorMessage)

	// Cancelling again is a no-op.
	require.NoError(t, eng.fsm.Cancel(execution.ID, "alice", "again"))
}

func TestTransitionEmitsTimelineEvents(t *testing.T) {
	eng := newTestEngine(t)
	execution := submitOne(t, eng)

	require.NoError(t, eng.fsm.Transition(execution.ID, StatusPending, StatusRunning, "worker-1"))

	events, err := eng.events.Store().ListByExecution(execution.ID, 10)
	require.NoError(t, err)

	kinds := make([]event.Kind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	assert.Contains(t, kinds, event.KindStatusTransition)
	assert.Contains(t, kinds, event.KindExecutionRunning)
}
