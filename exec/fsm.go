package exec

import (
	"time"

	"go.uber.org/zap"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/errors"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/event"
)

// FSM enforces legal status transitions and records transition audit
// metadata. It is the only component allowed to mutate Execution.status.
type FSM struct {
	store  *Store
	events *event.Logger
	log    *zap.SugaredLogger
}

// NewFSM creates a state machine manager.
func NewFSM(store *Store, events *event.Logger, log *zap.SugaredLogger) *FSM {
	return &FSM{
		store:  store,
		events: events,
		log:    log.Named("fsm"),
	}
}

// transitionKind maps a destination state to its lifecycle event kind.
// Every transition additionally emits a status_transition event.
var transitionKind = map[Status]event.Kind{
	StatusApproved:  event.KindExecutionApproved,
	StatusRunning:   event.KindExecutionRunning,
	StatusSucceeded: event.KindExecutionCompleted,
	StatusFailed:    event.KindExecutionFailed,
	StatusCancelled: event.KindExecutionCancelled,
}

// Transition moves an execution from one state to another.
//
// Re-transitioning to the state already recorded is an idempotent no-op, to
// tolerate at-least-once delivery. Everything else outside the legal table,
// and any transition out of a terminal state, fails with
// ErrIllegalTransition without mutating status.
func (m *FSM) Transition(executionID string, from, to Status, actor string) error {
	current, err := m.store.GetByID(executionID)
	if err != nil {
		return err
	}

	// Idempotent on redelivery of the same transition.
	if current.Status == to {
		return nil
	}

	if current.Status.Terminal() {
		return errors.Wrapf(errors.ErrIllegalTransition,
			"execution %s is terminal (%s), cannot transition to %s", executionID, current.Status, to)
	}

	if current.Status != from {
		return errors.Wrapf(errors.ErrIllegalTransition,
			"execution %s is %s, caller expected %s", executionID, current.Status, from)
	}

	if !CanTransition(from, to) {
		// FSM violations are programming or race bugs; log them loudly.
		m.log.Errorw("Illegal transition refused",
			"execution_id", executionID,
			"from", from,
			"to", to,
			"actor", actor)
		return errors.Wrapf(errors.ErrIllegalTransition, "%s → %s", from, to)
	}

	updated, err := m.store.transitionUpdate(executionID, from, to, actor, time.Now().UTC())
	if err != nil {
		return err
	}
	if !updated {
		// Lost a race: someone transitioned first. Re-read and tolerate the
		// case where they applied the same transition we wanted.
		latest, err := m.store.GetByID(executionID)
		if err != nil {
			return err
		}
		if latest.Status == to {
			return nil
		}
		return errors.Wrapf(errors.ErrIllegalTransition,
			"execution %s moved to %s concurrently", executionID, latest.Status)
	}

	m.appendEvents(executionID, from, to, actor)
	return nil
}

// Cancel requests cooperative cancellation. Only legal while non-terminal;
// the cancelled_by/cancelled_at columns are written atomically with the
// status change inside the conditional transition update.
func (m *FSM) Cancel(executionID, actor, reason string) error {
	current, err := m.store.GetByID(executionID)
	if err != nil {
		return err
	}

	if current.Status == StatusCancelled {
		return nil
	}
	if current.Status.Terminal() {
		return errors.Wrapf(errors.ErrIllegalTransition,
			"execution %s is terminal (%s), cannot cancel", executionID, current.Status)
	}

	if err := m.Transition(executionID, current.Status, StatusCancelled, actor); err != nil {
		return err
	}

	if reason != "" {
		if err := m.store.RecordOutcome(executionID, "", errors.Class(errors.ErrCancelled), reason, current.RetriesTotal, false, 0); err != nil {
			m.log.Warnw("Failed to record cancellation reason",
				"execution_id", executionID,
				"error", err)
		}
	}

	return nil
}

func (m *FSM) appendEvents(executionID string, from, to Status, actor string) {
	payload := map[string]interface{}{
		"from": string(from),
		"to":   string(to),
	}
	if err := m.events.Append(executionID, event.KindStatusTransition, actor, payload); err != nil {
		m.log.Warnw("Failed to append transition event",
			"execution_id", executionID,
			"error", err)
	}

	if kind, ok := transitionKind[to]; ok {
		if err := m.events.Append(executionID, kind, actor, nil); err != nil {
			m.log.Warnw("Failed to append lifecycle event",
				"execution_id", executionID,
				"kind", kind,
				"error", err)
		}
	}
}
