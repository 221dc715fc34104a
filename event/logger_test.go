package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	internaltesting "github.com/andrewcho-dev/opsconductor-ng-sub000/internal/testing"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	conn := internaltesting.CreateTestDB(t)
	return NewLogger(NewStore(conn), zap.NewNop().Sugar())
}

func TestAppendPersistsMaskedPayload(t *testing.T) {
	l := newTestLogger(t)

	err := l.Append("EXC_1", KindStepStarted, "worker-1", map[string]interface{}{
		"step":     1,
		"api_key":  "sk-verysecret",
		"password": "hunter2",
		"nested": map[string]interface{}{
			"auth_token": "abc",
			"host":       "web-01",
		},
	})
	require.NoError(t, err)

	events, err := l.Store().ListByExecution("EXC_1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, KindStepStarted, events[0].Kind)
	assert.Equal(t, "worker-1", events[0].Actor)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, "***", payload["api_key"])
	assert.Equal(t, "***", payload["password"])
	nested := payload["nested"].(map[string]interface{})
	assert.Equal(t, "***", nested["auth_token"])
	assert.Equal(t, "web-01", nested["host"])
}

func TestTimelineIsAppendOnlyAndOrdered(t *testing.T) {
	l := newTestLogger(t)

	require.NoError(t, l.Append("EXC_1", KindExecutionStarted, "alice", nil))
	require.NoError(t, l.Append("EXC_1", KindExecutionRunning, "worker-1", nil))
	require.NoError(t, l.Append("EXC_2", KindExecutionStarted, "bob", nil))

	events, err := l.Store().ListByExecution("EXC_1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, KindExecutionStarted, events[0].Kind)
	assert.Equal(t, KindExecutionRunning, events[1].Kind)
	assert.False(t, events[1].CreatedAt.Before(events[0].CreatedAt))
}

func TestSubscribeReceivesAppendedEvents(t *testing.T) {
	l := newTestLogger(t)

	ch := l.Subscribe()
	defer func() {
		l.Unsubscribe(ch)
		close(ch)
	}()

	require.NoError(t, l.Append("EXC_1", KindExecutionStarted, "alice", nil))

	select {
	case ev := <-ch:
		assert.Equal(t, "EXC_1", ev.ExecutionID)
		assert.Equal(t, KindExecutionStarted, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("no event delivered to subscriber")
	}
}

func TestSlowSubscriberNeverBlocksAppend(t *testing.T) {
	l := newTestLogger(t)

	ch := l.Subscribe()
	defer func() {
		l.Unsubscribe(ch)
		close(ch)
	}()

	// Overfill the buffer without draining; appends must not stall.
	for i := 0; i < SubscriberChannelBufferSize+10; i++ {
		require.NoError(t, l.Append("EXC_1", KindStepProgress, "worker-1", nil))
	}

	events, err := l.Store().ListByExecution("EXC_1", 0)
	require.NoError(t, err)
	assert.Len(t, events, SubscriberChannelBufferSize+10)
}

func TestMaskPayloadLeavesCleanKeysAlone(t *testing.T) {
	in := map[string]interface{}{
		"target":  "web-01",
		"list":    []interface{}{map[string]interface{}{"secret_ref": "x", "name": "ok"}},
		"attempt": 3,
	}
	out := MaskPayload(in).(map[string]interface{})
	assert.Equal(t, "web-01", out["target"])
	assert.Equal(t, 3, out["attempt"])
	inner := out["list"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "***", inner["secret_ref"])
	assert.Equal(t, "ok", inner["name"])
}
