// Package events carries engine notifications from the reliability core to
// in-process subscribers and optional external relays.
package events

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeMessageEnqueued      Type = "message.enqueued"
	TypeMessageMovedToDLQ    Type = "message.moved_to_dlq"
	TypeDLQThresholdExceeded Type = "dlq.threshold_exceeded"
)

// Event is a flat envelope; fields not meaningful for a Type stay zero.
type Event struct {
	Type      Type      `json:"type"`
	QueueID   uuid.UUID `json:"queue_id"`
	MessageID uuid.UUID `json:"message_id,omitzero"`
	Priority  int       `json:"priority"`
	Reason    string    `json:"reason,omitempty"`
	Count     int64     `json:"count,omitempty"`
	Threshold int64     `json:"threshold,omitempty"`
	At        time.Time `json:"at"`
}

func MessageEnqueued(queueID, messageID uuid.UUID, priority int, at time.Time) Event {
	return Event{
		Type:      TypeMessageEnqueued,
		QueueID:   queueID,
		MessageID: messageID,
		Priority:  priority,
		At:        at.UTC(),
	}
}

func MessageMovedToDLQ(queueID, messageID uuid.UUID, reason string, at time.Time) Event {
	return Event{
		Type:      TypeMessageMovedToDLQ,
		QueueID:   queueID,
		MessageID: messageID,
		Reason:    reason,
		At:        at.UTC(),
	}
}

func DLQThresholdExceeded(queueID uuid.UUID, count, threshold int64, at time.Time) Event {
	return Event{
		Type:      TypeDLQThresholdExceeded,
		QueueID:   queueID,
		Count:     count,
		Threshold: threshold,
		At:        at.UTC(),
	}
}
