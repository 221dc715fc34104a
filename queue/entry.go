// Package queue implements the durable work queue with lease-based claims
// and the dead-letter queue for permanently failed work.
package queue

import (
	"encoding/json"
	"time"
)

// EntryStatus is the state of one queue entry.
type EntryStatus string

const (
	EntryQueued    EntryStatus = "queued"
	EntryLeased    EntryStatus = "leased"
	EntryCompleted EntryStatus = "completed"
	EntryFailed    EntryStatus = "failed"
)

// Priority bands. Lower numbers dequeue first; within a band, FIFO.
const (
	PriorityUrgent = 0
	PriorityNormal = 50
	PriorityBulk   = 100
)

// Entry is one background job envelope. The lease columns are the sole
// source of truth for which worker may act: a worker whose lease has
// expired must treat every later operation on the entry as unauthorized.
type Entry struct {
	ID          string      `json:"id"`
	ExecutionID string      `json:"execution_id"`
	Priority    int         `json:"priority"`
	Status      EntryStatus `json:"status"`

	LeasedBy       string     `json:"leased_by,omitempty"`
	LeasedAt       *time.Time `json:"leased_at,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	LeaseCount     int        `json:"lease_count"`

	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DLQEntry preserves a permanently failed job with enough context to replay
// it without consulting any other table.
type DLQEntry struct {
	ID               string          `json:"id"`
	QueueEntryID     string          `json:"queue_entry_id"`
	ExecutionID      string          `json:"execution_id"`
	TenantID         string          `json:"tenant_id"`
	AttemptCount     int             `json:"attempt_count"`
	LastError        string          `json:"last_error"`
	PlanSnapshot     json.RawMessage `json:"plan_snapshot"`
	ExecutionContext json.RawMessage `json:"execution_context"`
	ReplayedAt       *time.Time      `json:"replayed_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}
