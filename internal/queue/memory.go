package queue

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var errMemoryStoreClosed = errors.New("memory store is closed")

type MemoryOption func(*MemoryStore)

func WithNowFunc(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// MemoryStore keeps everything in process memory. A single mutex makes every
// operation atomic, which gives the same all-or-nothing guarantees the SQL
// stores get from transactions.
type MemoryStore struct {
	mu          sync.Mutex
	nowFn       func() time.Time
	closed      bool
	messages    map[uuid.UUID]*Message
	archived    map[uuid.UUID]Message
	queues      map[uuid.UUID]Queue
	deadLetters map[uuid.UUID]*DeadLetter
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		nowFn:       time.Now,
		messages:    make(map[uuid.UUID]*Message),
		archived:    make(map[uuid.UUID]Message),
		queues:      make(map[uuid.UUID]Queue),
		deadLetters: make(map[uuid.UUID]*DeadLetter),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errMemoryStoreClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) StoreMessage(_ context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return wrapStorage("store_message", errMemoryStoreClosed)
	}
	s.storeLocked(m)
	return nil
}

func (s *MemoryStore) storeLocked(m Message) {
	m.normalize(s.nowFn())
	if cur := s.messages[m.ID]; cur != nil {
		cur.Status = m.Status
		cur.AttemptCount = m.AttemptCount
		cur.LastError = m.LastError
		return
	}
	cp := cloneMessage(m)
	s.messages[m.ID] = &cp
}

func (s *MemoryStore) GetMessage(_ context.Context, id uuid.UUID) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Message{}, false, wrapStorage("get_message", errMemoryStoreClosed)
	}
	m := s.messages[id]
	if m == nil {
		return Message{}, false, nil
	}
	return cloneMessage(*m), true, nil
}

func (s *MemoryStore) UpdateMessageStatus(_ context.Context, id uuid.UUID, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return wrapStorage("update_message_status", errMemoryStoreClosed)
	}
	m := s.messages[id]
	if m == nil {
		return nil
	}
	m.Status = status
	if status == StatusCompleted || status == StatusFailed {
		m.CompletedAt = s.nowFn().UTC()
	}
	return nil
}

func (s *MemoryStore) TransitionMessage(_ context.Context, m Message, from Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return wrapStorage("transition_message", errMemoryStoreClosed)
	}
	cur := s.messages[m.ID]
	if cur == nil {
		return notFound(m.ID)
	}
	if cur.Status != from {
		return ErrStatusConflict
	}
	m.normalize(s.nowFn())
	cp := cloneMessage(m)
	s.messages[m.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, wrapStorage("delete_message", errMemoryStoreClosed)
	}
	if _, ok := s.messages[id]; !ok {
		return false, nil
	}
	delete(s.messages, id)
	return true, nil
}

func (s *MemoryStore) QueryMessages(_ context.Context, filter MessageFilter, offset, limit int) ([]Message, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, 0, wrapStorage("query_messages", errMemoryStoreClosed)
	}
	offset, limit = clampPage(offset, limit)

	matched := s.filterMessagesLocked(filter)
	total := int64(len(matched))
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	if offset >= len(matched) {
		return []Message{}, total, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]Message, 0, end-offset)
	for _, m := range matched[offset:end] {
		out = append(out, cloneMessage(*m))
	}
	return out, total, nil
}

func (s *MemoryStore) filterMessagesLocked(filter MessageFilter) []*Message {
	out := make([]*Message, 0)
	for _, m := range s.messages {
		if filter.Match(m) {
			out = append(out, m)
		}
	}
	return out
}

func (s *MemoryStore) BatchStoreMessages(_ context.Context, msgs []Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, wrapStorage("batch_store_messages", errMemoryStoreClosed)
	}

	// Validate the whole batch before touching state.
	seen := make(map[uuid.UUID]struct{}, len(msgs))
	for i := range msgs {
		id := msgs[i].ID
		if id == uuid.Nil {
			continue
		}
		if _, ok := s.messages[id]; ok {
			return 0, ErrMessageExists
		}
		if _, ok := seen[id]; ok {
			return 0, ErrMessageExists
		}
		seen[id] = struct{}{}
	}
	for _, m := range msgs {
		s.storeLocked(m)
	}
	return len(msgs), nil
}

func (s *MemoryStore) BatchDeleteMessages(_ context.Context, ids []uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, wrapStorage("batch_delete_messages", errMemoryStoreClosed)
	}
	var deleted int64
	for _, id := range normalizeUniqueIDs(ids) {
		if _, ok := s.messages[id]; ok {
			delete(s.messages, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) CountMessages(_ context.Context, filter MessageFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, wrapStorage("count_messages", errMemoryStoreClosed)
	}
	return int64(len(s.filterMessagesLocked(filter))), nil
}

func (s *MemoryStore) ArchiveMessages(_ context.Context, before time.Time, status Status) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, wrapStorage("archive_messages", errMemoryStoreClosed)
	}
	var moved int64
	for id, m := range s.messages {
		if m.Status != status || !m.CreatedAt.Before(before) {
			continue
		}
		s.archived[id] = cloneMessage(*m)
		delete(s.messages, id)
		moved++
	}
	return moved, nil
}

// ArchivedCount reports how many messages sit in the cold archive.
func (s *MemoryStore) ArchivedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.archived)
}

func (s *MemoryStore) StorageStats(_ context.Context) (StorageStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return StorageStats{}, wrapStorage("storage_stats", errMemoryStoreClosed)
	}
	out := StorageStats{
		ByStatus:    newStatusCounts(),
		TotalQueues: int64(len(s.queues)),
	}
	for _, m := range s.messages {
		out.TotalMessages++
		out.ByStatus[m.Status]++
		out.TotalSizeBytes += messageRetainedBytes(m)
		if out.OldestMessage.IsZero() || m.CreatedAt.Before(out.OldestMessage) {
			out.OldestMessage = m.CreatedAt
		}
		if out.NewestMessage.IsZero() || m.CreatedAt.After(out.NewestMessage) {
			out.NewestMessage = m.CreatedAt
		}
	}
	return out, nil
}

func messageRetainedBytes(m *Message) int64 {
	n := len(m.Payload) + len(m.Headers) + len(m.Metadata) + len(m.MessageType) +
		len(m.LastError) + len(m.DeduplicationID) + len(m.GroupID) +
		len(m.CorrelationID) + len(m.TraceID) + len(m.ClaimedBy)
	return int64(n)
}

func (s *MemoryStore) UpsertQueue(_ context.Context, q Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return wrapStorage("upsert_queue", errMemoryStoreClosed)
	}
	if q.ID == uuid.Nil {
		return errors.New("queue id is required")
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = s.nowFn()
	}
	q.CreatedAt = q.CreatedAt.UTC()
	if cur, ok := s.queues[q.ID]; ok {
		q.CreatedAt = cur.CreatedAt
	}
	q.Name = strings.TrimSpace(q.Name)
	s.queues[q.ID] = q
	return nil
}

func (s *MemoryStore) GetQueue(_ context.Context, id uuid.UUID) (Queue, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Queue{}, false, wrapStorage("get_queue", errMemoryStoreClosed)
	}
	q, ok := s.queues[id]
	return q, ok, nil
}

func (s *MemoryStore) ListQueues(_ context.Context) ([]Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, wrapStorage("list_queues", errMemoryStoreClosed)
	}
	out := make([]Queue, 0, len(s.queues))
	for _, q := range s.queues {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *MemoryStore) MoveToDeadLetter(_ context.Context, messageID uuid.UUID, reason string, now time.Time) (DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return DeadLetter{}, wrapStorage("move_to_dead_letter", errMemoryStoreClosed)
	}
	m := s.messages[messageID]
	if m == nil {
		return DeadLetter{}, notFound(messageID)
	}
	if m.Status.Terminal() {
		return DeadLetter{}, ErrInvalidTransition
	}
	dl := NewDeadLetter(*m, reason, now)
	m.Status = StatusDeadLetter
	m.CompletedAt = now.UTC()
	m.VisibilityTimeoutAt = time.Time{}
	cp := cloneDeadLetter(dl)
	s.deadLetters[dl.ID] = &cp
	return dl, nil
}

func (s *MemoryStore) RetryDeadLetter(_ context.Context, dlqID, newMessageID, targetQueueID uuid.UUID, now time.Time) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Message{}, wrapStorage("retry_dead_letter", errMemoryStoreClosed)
	}
	dl := s.deadLetters[dlqID]
	if dl == nil {
		return Message{}, notFound(dlqID)
	}
	if _, exists := s.messages[newMessageID]; exists {
		return Message{}, ErrMessageExists
	}
	m := MessageFromDeadLetter(*dl, newMessageID, now)
	if targetQueueID != uuid.Nil {
		m.QueueID = targetQueueID
	}
	cp := cloneMessage(m)
	s.messages[m.ID] = &cp

	dl.RetryCount++
	retried := m.ID
	dl.RetriedMessageID = &retried
	dl.LastRetryAt = now.UTC()
	return m, nil
}

func (s *MemoryStore) GetDeadLetter(_ context.Context, id uuid.UUID) (DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return DeadLetter{}, wrapStorage("get_dead_letter", errMemoryStoreClosed)
	}
	dl := s.deadLetters[id]
	if dl == nil {
		return DeadLetter{}, notFound(id)
	}
	return cloneDeadLetter(*dl), nil
}

func (s *MemoryStore) ListDeadLetters(_ context.Context, filter DeadLetterFilter, offset, limit int) ([]DeadLetter, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, 0, wrapStorage("list_dead_letters", errMemoryStoreClosed)
	}
	offset, limit = clampPage(offset, limit)

	matched := make([]DeadLetter, 0)
	for _, dl := range s.deadLetters {
		if filter.Match(dl) {
			matched = append(matched, *dl)
		}
	}
	total := int64(len(matched))
	sortDeadLetters(matched, filter.Order)
	if offset >= len(matched) {
		return []DeadLetter{}, total, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]DeadLetter, 0, end-offset)
	for _, dl := range matched[offset:end] {
		out = append(out, cloneDeadLetter(dl))
	}
	return out, total, nil
}

func (s *MemoryStore) DeleteDeadLetter(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, wrapStorage("delete_dead_letter", errMemoryStoreClosed)
	}
	if _, ok := s.deadLetters[id]; !ok {
		return false, nil
	}
	delete(s.deadLetters, id)
	return true, nil
}

func (s *MemoryStore) PurgeDeadLetters(_ context.Context, filter DeadLetterFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, wrapStorage("purge_dead_letters", errMemoryStoreClosed)
	}
	var deleted int64
	for id, dl := range s.deadLetters {
		if filter.Match(dl) {
			delete(s.deadLetters, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) SetDeadLetterRetryable(_ context.Context, id uuid.UUID, canRetry bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return wrapStorage("set_dead_letter_retryable", errMemoryStoreClosed)
	}
	dl := s.deadLetters[id]
	if dl == nil {
		return notFound(id)
	}
	dl.CanRetry = canRetry
	return nil
}

func (s *MemoryStore) DeadLetterStats(_ context.Context, now time.Time) (DeadLetterStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return DeadLetterStats{}, wrapStorage("dead_letter_stats", errMemoryStoreClosed)
	}
	out := DeadLetterStats{
		ByQueue:  []QueueCount{},
		ByReason: []ReasonCount{},
	}
	byQueue := map[uuid.UUID]int64{}
	byReason := map[string]int64{}
	var ageHours float64
	for _, dl := range s.deadLetters {
		out.Total++
		byQueue[dl.QueueID]++
		byReason[dl.Reason]++
		if dl.CanRetry {
			out.RetryPending++
		}
		if out.Oldest.IsZero() || dl.MovedToDLQAt.Before(out.Oldest) {
			out.Oldest = dl.MovedToDLQAt
		}
		if out.Newest.IsZero() || dl.MovedToDLQAt.After(out.Newest) {
			out.Newest = dl.MovedToDLQAt
		}
		ageHours += now.Sub(dl.MovedToDLQAt).Hours()
	}
	if out.Total > 0 {
		out.AvgAgeHours = ageHours / float64(out.Total)
	}
	for id, n := range byQueue {
		out.ByQueue = append(out.ByQueue, QueueCount{QueueID: id, Name: s.queues[id].Name, Count: n})
	}
	for reason, n := range byReason {
		out.ByReason = append(out.ByReason, ReasonCount{Reason: reason, Count: n})
	}
	sortQueueCounts(out.ByQueue)
	sortReasonCounts(out.ByReason)
	return out, nil
}

func cloneMessage(m Message) Message {
	m.Payload = cloneRaw(m.Payload)
	m.Headers = cloneRaw(m.Headers)
	m.Metadata = cloneRaw(m.Metadata)
	return m
}

func cloneDeadLetter(dl DeadLetter) DeadLetter {
	dl.Payload = cloneRaw(dl.Payload)
	dl.Headers = cloneRaw(dl.Headers)
	dl.Metadata = cloneRaw(dl.Metadata)
	if dl.RetriedMessageID != nil {
		id := *dl.RetriedMessageID
		dl.RetriedMessageID = &id
	}
	return dl
}
