package event

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/errors"
)

// SubscriberChannelBufferSize is the buffer size for subscriber channels
const SubscriberChannelBufferSize = 256

// Logger appends timeline events and fans them out to subscribers.
// Subscribers receive on buffered channels with non-blocking sends, so a
// slow consumer can drop events from its feed but can never stall a worker.
type Logger struct {
	store       *Store
	log         *zap.SugaredLogger
	mu          sync.RWMutex
	subscribers []chan *Event
}

// NewLogger creates a timeline logger backed by the given store.
func NewLogger(store *Store, log *zap.SugaredLogger) *Logger {
	return &Logger{
		store:       store,
		log:         log.Named("timeline"),
		subscribers: make([]chan *Event, 0),
	}
}

// Append records a timeline event. The payload map is masked before
// persistence. Append failures are returned but the engine treats the
// timeline as best-effort relative to the state change it describes: the
// state change itself has already committed.
func (l *Logger) Append(executionID string, kind Kind, actor string, payload map[string]interface{}) error {
	var raw json.RawMessage
	if payload != nil {
		masked := MaskPayload(payload)
		encoded, err := json.Marshal(masked)
		if err != nil {
			return errors.Wrap(err, "failed to marshal event payload")
		}
		raw = encoded
	}

	ev := &Event{
		ID:          "EVT_" + uuid.NewString(),
		ExecutionID: executionID,
		Kind:        kind,
		Actor:       actor,
		Payload:     raw,
		CreatedAt:   time.Now().UTC(),
	}

	if err := l.store.Append(ev); err != nil {
		l.log.Errorw("Failed to append timeline event",
			"execution_id", executionID,
			"kind", kind,
			"error", err)
		return err
	}

	l.notifySubscribers(ev)
	return nil
}

// Subscribe returns a channel that receives appended events.
// The caller is responsible for calling Unsubscribe when done.
func (l *Logger) Subscribe() chan *Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan *Event, SubscriberChannelBufferSize)
	l.subscribers = append(l.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel. The channel is NOT closed by
// this method - callers manage channel lifecycle to avoid double-close.
func (l *Logger) Unsubscribe(ch chan *Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, sub := range l.subscribers {
		if sub == ch {
			l.subscribers = append(l.subscribers[:i], l.subscribers[i+1:]...)
			return
		}
	}
}

func (l *Logger) notifySubscribers(ev *Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, ch := range l.subscribers {
		select {
		case ch <- ev:
		default:
			// Channel full, skip (non-blocking)
		}
	}
}

// Store exposes the underlying store for read paths.
func (l *Logger) Store() *Store {
	return l.store
}
