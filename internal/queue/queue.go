package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Queue struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type StorageStats struct {
	TotalMessages  int64            `json:"total_messages"`
	TotalQueues    int64            `json:"total_queues"`
	TotalSizeBytes int64            `json:"total_size_bytes"`
	ByStatus       map[Status]int64 `json:"by_status"`
	OldestMessage  time.Time        `json:"oldest_message,omitzero"`
	NewestMessage  time.Time        `json:"newest_message,omitzero"`
}

func (s StorageStats) Count(status Status) int64 {
	return s.ByStatus[status]
}

func newStatusCounts() map[Status]int64 {
	out := make(map[Status]int64, len(AllStatuses()))
	for _, st := range AllStatuses() {
		out[st] = 0
	}
	return out
}

// Backend is the message persistence contract.
type Backend interface {
	StoreMessage(ctx context.Context, m Message) error
	GetMessage(ctx context.Context, id uuid.UUID) (Message, bool, error)
	UpdateMessageStatus(ctx context.Context, id uuid.UUID, status Status) error
	// TransitionMessage persists m only if the stored row still has status
	// from. It returns ErrStatusConflict otherwise.
	TransitionMessage(ctx context.Context, m Message, from Status) error
	DeleteMessage(ctx context.Context, id uuid.UUID) (bool, error)
	QueryMessages(ctx context.Context, filter MessageFilter, offset, limit int) ([]Message, int64, error)
	BatchStoreMessages(ctx context.Context, msgs []Message) (int, error)
	BatchDeleteMessages(ctx context.Context, ids []uuid.UUID) (int64, error)
	CountMessages(ctx context.Context, filter MessageFilter) (int64, error)
	ArchiveMessages(ctx context.Context, before time.Time, status Status) (int64, error)
	StorageStats(ctx context.Context) (StorageStats, error)
}

type QueueRegistry interface {
	UpsertQueue(ctx context.Context, q Queue) error
	GetQueue(ctx context.Context, id uuid.UUID) (Queue, bool, error)
	ListQueues(ctx context.Context) ([]Queue, error)
}

// DeadLetterStore persists dead-letter records. MoveToDeadLetter and
// RetryDeadLetter each run as one transaction.
type DeadLetterStore interface {
	MoveToDeadLetter(ctx context.Context, messageID uuid.UUID, reason string, now time.Time) (DeadLetter, error)
	// RetryDeadLetter re-enqueues the record as newMessageID. A non-zero
	// targetQueueID overrides the record's queue.
	RetryDeadLetter(ctx context.Context, dlqID, newMessageID, targetQueueID uuid.UUID, now time.Time) (Message, error)
	GetDeadLetter(ctx context.Context, id uuid.UUID) (DeadLetter, error)
	ListDeadLetters(ctx context.Context, filter DeadLetterFilter, offset, limit int) ([]DeadLetter, int64, error)
	DeleteDeadLetter(ctx context.Context, id uuid.UUID) (bool, error)
	PurgeDeadLetters(ctx context.Context, filter DeadLetterFilter) (int64, error)
	SetDeadLetterRetryable(ctx context.Context, id uuid.UUID, canRetry bool) error
	DeadLetterStats(ctx context.Context, now time.Time) (DeadLetterStats, error)
}

type Store interface {
	Backend
	QueueRegistry
	DeadLetterStore
	Ping(ctx context.Context) error
	Close() error
}

// NotFoundError carries the id that was looked up. It matches
// ErrMessageNotFound with errors.Is.
type NotFoundError struct {
	ID uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("message not found: %s", e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrMessageNotFound
}

func notFound(id uuid.UUID) error {
	return &NotFoundError{ID: id}
}

// StorageError wraps a persistence failure with the operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// wrapStorage leaves domain errors untouched so callers can still match them.
func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrMessageNotFound) ||
		errors.Is(err, ErrMessageExists) ||
		errors.Is(err, ErrStatusConflict) ||
		errors.Is(err, ErrInvalidTransition) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

const (
	defaultPageLimit = 100
	maxPageLimit     = 10000
)

func clampPage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return offset, limit
}

func normalizeUniqueIDs(ids []uuid.UUID) []uuid.UUID {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
