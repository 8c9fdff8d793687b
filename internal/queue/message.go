package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
	StatusScheduled  Status = "scheduled"
)

// DefaultMaxAttempts is applied to messages created without an explicit budget.
const DefaultMaxAttempts = 3

var (
	ErrMessageNotFound   = errors.New("message not found")
	ErrMessageExists     = errors.New("message already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStatusConflict    = errors.New("message status changed concurrently")
)

// ParseStatus maps a stored status string to a Status. Unknown values map to
// StatusPending.
func ParseStatus(s string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusProcessing:
		return StatusProcessing
	case StatusCompleted:
		return StatusCompleted
	case StatusFailed:
		return StatusFailed
	case StatusDeadLetter:
		return StatusDeadLetter
	case StatusScheduled:
		return StatusScheduled
	default:
		return StatusPending
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusDeadLetter, StatusScheduled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed for the message id.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

// AllStatuses lists every status in a stable order.
func AllStatuses() []Status {
	return []Status{
		StatusPending,
		StatusProcessing,
		StatusCompleted,
		StatusFailed,
		StatusDeadLetter,
		StatusScheduled,
	}
}

type Message struct {
	ID          uuid.UUID       `json:"id"`
	QueueID     uuid.UUID       `json:"queue_id"`
	MessageType string          `json:"message_type"`
	Payload     json.RawMessage `json:"payload"`
	Headers     json.RawMessage `json:"headers"`
	Metadata    json.RawMessage `json:"metadata"`

	Priority            int       `json:"priority"`
	Status              Status    `json:"status"`
	AttemptCount        int       `json:"attempt_count"`
	MaxAttempts         int       `json:"max_attempts"`
	VisibilityTimeoutAt time.Time `json:"visibility_timeout_at,omitzero"`
	ClaimedBy           string    `json:"claimed_by,omitempty"`
	ScheduledAt         time.Time `json:"scheduled_at,omitzero"`

	DeduplicationID string `json:"deduplication_id,omitempty"`
	GroupID         string `json:"group_id,omitempty"`
	CorrelationID   string `json:"correlation_id,omitempty"`
	TraceID         string `json:"trace_id,omitempty"`

	CreatedAt           time.Time `json:"created_at"`
	ProcessingStartedAt time.Time `json:"processing_started_at,omitzero"`
	CompletedAt         time.Time `json:"completed_at,omitzero"`

	LastError string `json:"last_error,omitempty"`
}

// NewMessage returns a pending message with a fresh id and default budget.
func NewMessage(queueID uuid.UUID, messageType string, payload json.RawMessage, now time.Time) Message {
	m := Message{
		ID:          uuid.New(),
		QueueID:     queueID,
		MessageType: messageType,
		Payload:     payload,
		Status:      StatusPending,
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   now.UTC(),
	}
	m.normalize(now)
	return m
}

// normalize fills defaults the stores rely on. It never changes identity.
func (m *Message) normalize(now time.Time) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Status == "" {
		m.Status = StatusPending
	}
	if m.MaxAttempts <= 0 {
		m.MaxAttempts = DefaultMaxAttempts
	}
	if m.AttemptCount < 0 {
		m.AttemptCount = 0
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.Payload = jsonOrDefault(m.Payload, "null")
	m.Headers = jsonOrDefault(m.Headers, "{}")
	m.Metadata = jsonOrDefault(m.Metadata, "{}")
	m.VisibilityTimeoutAt = utcOrZero(m.VisibilityTimeoutAt)
	m.ScheduledAt = utcOrZero(m.ScheduledAt)
	m.ProcessingStartedAt = utcOrZero(m.ProcessingStartedAt)
	m.CompletedAt = utcOrZero(m.CompletedAt)
}

func (m *Message) ToProcessing(workerID string, now time.Time, visibility time.Duration) error {
	if m.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, StatusProcessing)
	}
	now = now.UTC()
	m.Status = StatusProcessing
	m.ProcessingStartedAt = now
	m.ClaimedBy = workerID
	if visibility > 0 {
		m.VisibilityTimeoutAt = now.Add(visibility)
	} else {
		m.VisibilityTimeoutAt = time.Time{}
	}
	return nil
}

func (m *Message) ToCompleted(now time.Time) error {
	if m.Status.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, StatusCompleted)
	}
	m.Status = StatusCompleted
	m.CompletedAt = now.UTC()
	m.VisibilityTimeoutAt = time.Time{}
	return nil
}

// ToDeadLetter marks the message terminal. The caller owns creating the
// matching dead-letter record.
func (m *Message) ToDeadLetter(now time.Time) error {
	if m.Status.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, StatusDeadLetter)
	}
	m.Status = StatusDeadLetter
	m.CompletedAt = now.UTC()
	m.VisibilityTimeoutAt = time.Time{}
	return nil
}

// Fail records a failed attempt. With budget left the message re-enters
// pending; otherwise it is left failed and exhausted is true, and the caller
// must relocate it to the dead letter queue.
func (m *Message) Fail(errText string, now time.Time) (exhausted bool, err error) {
	if m.Status.Terminal() || m.Status == StatusFailed {
		return false, fmt.Errorf("%w: %s -> fail", ErrInvalidTransition, m.Status)
	}
	m.AttemptCount++
	m.LastError = errText
	m.ClaimedBy = ""
	m.ProcessingStartedAt = time.Time{}
	m.VisibilityTimeoutAt = time.Time{}
	if m.AttemptCount < m.MaxAttempts {
		m.Status = StatusPending
		return false, nil
	}
	m.AttemptCount = m.MaxAttempts
	m.Status = StatusFailed
	m.CompletedAt = now.UTC()
	return true, nil
}

// MessageFromDeadLetter builds the replacement message spawned by a DLQ retry.
func MessageFromDeadLetter(dl DeadLetter, id uuid.UUID, now time.Time) Message {
	m := Message{
		ID:          id,
		QueueID:     dl.QueueID,
		MessageType: dl.MessageType,
		Payload:     cloneRaw(dl.Payload),
		Headers:     cloneRaw(dl.Headers),
		Metadata:    cloneRaw(dl.Metadata),
		Status:      StatusPending,
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   now.UTC(),
	}
	m.normalize(now)
	return m
}

type MessageFilter struct {
	QueueID       *uuid.UUID
	Status        Status
	MessageType   string
	GroupID       string
	CorrelationID string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	PriorityMin   *int
	PriorityMax   *int
}

// Match reports whether m satisfies every set field of f.
func (f MessageFilter) Match(m *Message) bool {
	if m == nil {
		return false
	}
	if f.QueueID != nil && m.QueueID != *f.QueueID {
		return false
	}
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	if f.MessageType != "" && m.MessageType != f.MessageType {
		return false
	}
	if f.GroupID != "" && m.GroupID != f.GroupID {
		return false
	}
	if f.CorrelationID != "" && m.CorrelationID != f.CorrelationID {
		return false
	}
	if !f.CreatedAfter.IsZero() && m.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && m.CreatedAt.After(f.CreatedBefore) {
		return false
	}
	if f.PriorityMin != nil && m.Priority < *f.PriorityMin {
		return false
	}
	if f.PriorityMax != nil && m.Priority > *f.PriorityMax {
		return false
	}
	return true
}

func jsonOrDefault(raw json.RawMessage, def string) json.RawMessage {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return json.RawMessage(def)
	}
	return raw
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func utcOrZero(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC()
}
