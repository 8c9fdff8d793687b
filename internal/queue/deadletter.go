package queue

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DeadLetter is the durable audit record of a message removed from the
// active path. It snapshots the original so the message row can be archived
// or deleted independently.
type DeadLetter struct {
	ID                uuid.UUID       `json:"id"`
	OriginalMessageID uuid.UUID       `json:"original_message_id"`
	QueueID           uuid.UUID       `json:"queue_id"`
	MessageType       string          `json:"message_type"`
	Payload           json.RawMessage `json:"payload"`
	Headers           json.RawMessage `json:"headers"`
	Metadata          json.RawMessage `json:"metadata"`
	OriginalCreatedAt time.Time       `json:"original_created_at"`
	MovedToDLQAt      time.Time       `json:"moved_to_dlq_at"`
	Reason            string          `json:"reason"`
	FailureCount      int             `json:"failure_count"`
	LastError         string          `json:"last_error,omitempty"`
	RetryCount        int             `json:"retry_count"`
	RetriedMessageID  *uuid.UUID      `json:"retried_message_id,omitempty"`
	LastRetryAt       time.Time       `json:"last_retry_at,omitzero"`
	CanRetry          bool            `json:"can_retry"`
}

// NewDeadLetter snapshots m into a fresh dead-letter record.
func NewDeadLetter(m Message, reason string, now time.Time) DeadLetter {
	return DeadLetter{
		ID:                uuid.New(),
		OriginalMessageID: m.ID,
		QueueID:           m.QueueID,
		MessageType:       m.MessageType,
		Payload:           jsonOrDefault(cloneRaw(m.Payload), "null"),
		Headers:           jsonOrDefault(cloneRaw(m.Headers), "{}"),
		Metadata:          jsonOrDefault(cloneRaw(m.Metadata), "{}"),
		OriginalCreatedAt: m.CreatedAt.UTC(),
		MovedToDLQAt:      now.UTC(),
		Reason:            reason,
		FailureCount:      m.AttemptCount,
		LastError:         m.LastError,
		CanRetry:          true,
	}
}

type DeadLetterOrder string

const (
	DeadLetterNewestFirst DeadLetterOrder = "newest"
	DeadLetterOldestFirst DeadLetterOrder = "oldest"
)

type DeadLetterFilter struct {
	QueueID *uuid.UUID
	// Reason is a case-sensitive substring match.
	Reason        string
	RetryableOnly bool
	// MovedBefore keeps entries with MovedToDLQAt strictly before it.
	MovedBefore time.Time
	Order       DeadLetterOrder
}

func (f DeadLetterFilter) Match(dl *DeadLetter) bool {
	if dl == nil {
		return false
	}
	if f.QueueID != nil && dl.QueueID != *f.QueueID {
		return false
	}
	if f.Reason != "" && !strings.Contains(dl.Reason, f.Reason) {
		return false
	}
	if f.RetryableOnly && !dl.CanRetry {
		return false
	}
	if !f.MovedBefore.IsZero() && !dl.MovedToDLQAt.Before(f.MovedBefore) {
		return false
	}
	return true
}

type QueueCount struct {
	QueueID uuid.UUID `json:"queue_id"`
	Name    string    `json:"name"`
	Count   int64     `json:"count"`
}

type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int64  `json:"count"`
}

type DeadLetterStats struct {
	Total        int64         `json:"total_messages"`
	ByQueue      []QueueCount  `json:"messages_by_queue"`
	ByReason     []ReasonCount `json:"messages_by_reason"`
	Oldest       time.Time     `json:"oldest_message,omitzero"`
	Newest       time.Time     `json:"newest_message,omitzero"`
	RetryPending int64         `json:"retry_pending"`
	AvgAgeHours  float64       `json:"avg_age_hours"`
}

func sortDeadLetters(items []DeadLetter, order DeadLetterOrder) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.MovedToDLQAt.Equal(b.MovedToDLQAt) {
			if order == DeadLetterOldestFirst {
				return a.MovedToDLQAt.Before(b.MovedToDLQAt)
			}
			return a.MovedToDLQAt.After(b.MovedToDLQAt)
		}
		if order == DeadLetterOldestFirst {
			return a.ID.String() < b.ID.String()
		}
		return a.ID.String() > b.ID.String()
	})
}

func sortQueueCounts(items []QueueCount) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Count != items[j].Count {
			return items[i].Count > items[j].Count
		}
		return items[i].QueueID.String() < items[j].QueueID.String()
	})
}

func sortReasonCounts(items []ReasonCount) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Count != items[j].Count {
			return items[i].Count > items[j].Count
		}
		return items[i].Reason < items[j].Reason
	})
}
