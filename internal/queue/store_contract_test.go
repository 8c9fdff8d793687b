package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

type storeFactory struct {
	name string
	new  func(t *testing.T, now *time.Time) Store
}

func contractStoreFactories() []storeFactory {
	out := []storeFactory{
		{
			name: "memory",
			new: func(t *testing.T, now *time.Time) Store {
				t.Helper()
				return NewMemoryStore(
					WithNowFunc(func() time.Time { return now.UTC() }),
				)
			},
		},
		{
			name: "sqlite",
			new: func(t *testing.T, now *time.Time) Store {
				t.Helper()
				dbPath := filepath.Join(t.TempDir(), "reliq.db")
				s, err := NewSQLiteStore(
					dbPath,
					WithSQLiteNowFunc(func() time.Time { return now.UTC() }),
				)
				if err != nil {
					t.Fatalf("new sqlite store: %v", err)
				}
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		},
	}

	dsn := strings.TrimSpace(os.Getenv("RELIQ_TEST_POSTGRES_DSN"))
	if dsn != "" {
		out = append(out, storeFactory{
			name: "postgres",
			new: func(t *testing.T, now *time.Time) Store {
				t.Helper()
				s, err := NewPostgresStore(
					dsn,
					WithPostgresNowFunc(func() time.Time { return now.UTC() }),
				)
				if err != nil {
					t.Fatalf("new postgres store: %v", err)
				}
				if _, err := s.db.Exec(`TRUNCATE messages, messages_archive, dead_letters, queues`); err != nil {
					t.Fatalf("truncate postgres tables: %v", err)
				}
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		})
	}

	return out
}

func mustStore(t *testing.T, store Store, m Message) {
	t.Helper()
	if err := store.StoreMessage(context.Background(), m); err != nil {
		t.Fatalf("store message %s: %v", m.ID, err)
	}
}

func mustGet(t *testing.T, store Store, id uuid.UUID) Message {
	t.Helper()
	m, ok, err := store.GetMessage(context.Background(), id)
	if err != nil {
		t.Fatalf("get message %s: %v", id, err)
	}
	if !ok {
		t.Fatalf("get message %s: not found", id)
	}
	return m
}

func mustMove(t *testing.T, store Store, id uuid.UUID, reason string, at time.Time) DeadLetter {
	t.Helper()
	dl, err := store.MoveToDeadLetter(context.Background(), id, reason, at)
	if err != nil {
		t.Fatalf("move %s to dead letter: %v", id, err)
	}
	return dl
}

func assertJSONEqual(t *testing.T, field string, got, want json.RawMessage) {
	t.Helper()
	var g, w any
	if err := json.Unmarshal(got, &g); err != nil {
		t.Fatalf("%s: decode got %q: %v", field, got, err)
	}
	if err := json.Unmarshal(want, &w); err != nil {
		t.Fatalf("%s: decode want %q: %v", field, want, err)
	}
	gb, _ := json.Marshal(g)
	wb, _ := json.Marshal(w)
	if !bytes.Equal(gb, wb) {
		t.Fatalf("%s=%s, want %s", field, got, want)
	}
}

func TestStoreContract_RoundTrip(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC)
			store := factory.new(t, &now)

			m := NewMessage(uuid.New(), "order.created", json.RawMessage(`{"order":42,"items":["a","b"]}`), now)
			m.Headers = json.RawMessage(`{"x-source":"checkout"}`)
			m.Metadata = json.RawMessage(`{"tenant":"acme"}`)
			m.Priority = 7
			m.MaxAttempts = 5
			m.GroupID = "g-1"
			m.CorrelationID = "corr-1"
			m.TraceID = "trace-1"
			m.DeduplicationID = "dedup-1"
			m.ScheduledAt = now.Add(time.Minute)
			mustStore(t, store, m)

			got := mustGet(t, store, m.ID)
			if got.ID != m.ID || got.QueueID != m.QueueID {
				t.Fatalf("ids=(%s,%s), want (%s,%s)", got.ID, got.QueueID, m.ID, m.QueueID)
			}
			if got.MessageType != m.MessageType {
				t.Fatalf("message_type=%q, want %q", got.MessageType, m.MessageType)
			}
			assertJSONEqual(t, "payload", got.Payload, m.Payload)
			assertJSONEqual(t, "headers", got.Headers, m.Headers)
			assertJSONEqual(t, "metadata", got.Metadata, m.Metadata)
			if got.Priority != 7 || got.MaxAttempts != 5 || got.AttemptCount != 0 {
				t.Fatalf("priority=%d max_attempts=%d attempt=%d, want 7/5/0", got.Priority, got.MaxAttempts, got.AttemptCount)
			}
			if got.Status != StatusPending {
				t.Fatalf("status=%q, want %q", got.Status, StatusPending)
			}
			if got.GroupID != "g-1" || got.CorrelationID != "corr-1" || got.TraceID != "trace-1" || got.DeduplicationID != "dedup-1" {
				t.Fatalf("routing fields=%+v", got)
			}
			if !got.CreatedAt.Equal(now) {
				t.Fatalf("created_at=%s, want %s", got.CreatedAt, now)
			}
			if !got.ScheduledAt.Equal(now.Add(time.Minute)) {
				t.Fatalf("scheduled_at=%s, want %s", got.ScheduledAt, now.Add(time.Minute))
			}
			if !got.CompletedAt.IsZero() {
				t.Fatalf("completed_at=%s, want zero", got.CompletedAt)
			}

			if _, ok, err := store.GetMessage(context.Background(), uuid.New()); err != nil || ok {
				t.Fatalf("get missing: ok=%v err=%v, want false nil", ok, err)
			}
		})
	}
}

func TestStoreContract_StoreMessageUpsertUpdatesMutableFieldsOnly(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 21, 5, 0, 0, time.UTC)
			store := factory.new(t, &now)

			m := NewMessage(uuid.New(), "a", json.RawMessage(`{"v":1}`), now)
			m.Priority = 1
			mustStore(t, store, m)

			again := m
			again.Status = StatusProcessing
			again.AttemptCount = 2
			again.LastError = "boom"
			again.Priority = 9
			again.MessageType = "b"
			mustStore(t, store, again)

			got := mustGet(t, store, m.ID)
			if got.Status != StatusProcessing || got.AttemptCount != 2 || got.LastError != "boom" {
				t.Fatalf("status=%q attempt=%d last_error=%q, want processing/2/boom", got.Status, got.AttemptCount, got.LastError)
			}
			if got.Priority != 1 || got.MessageType != "a" {
				t.Fatalf("priority=%d type=%q, want 1/a", got.Priority, got.MessageType)
			}
		})
	}
}

func TestStoreContract_UpdateMessageStatusCompletedAt(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 21, 10, 0, 0, time.UTC)
			store := factory.new(t, &now)
			ctx := context.Background()

			a := NewMessage(uuid.New(), "a", nil, now)
			b := NewMessage(uuid.New(), "b", nil, now)
			mustStore(t, store, a)
			mustStore(t, store, b)

			now = now.Add(time.Minute)
			if err := store.UpdateMessageStatus(ctx, a.ID, StatusProcessing); err != nil {
				t.Fatalf("update processing: %v", err)
			}
			if got := mustGet(t, store, a.ID); got.Status != StatusProcessing || !got.CompletedAt.IsZero() {
				t.Fatalf("processing: status=%q completed_at=%s, want processing zero", got.Status, got.CompletedAt)
			}

			if err := store.UpdateMessageStatus(ctx, b.ID, StatusFailed); err != nil {
				t.Fatalf("update failed: %v", err)
			}
			if got := mustGet(t, store, b.ID); got.Status != StatusFailed || !got.CompletedAt.Equal(now) {
				t.Fatalf("failed: status=%q completed_at=%s, want failed %s", got.Status, got.CompletedAt, now)
			}

			if err := store.UpdateMessageStatus(ctx, uuid.New(), StatusCompleted); err != nil {
				t.Fatalf("update missing: %v, want nil", err)
			}
		})
	}
}

func TestStoreContract_TransitionMessageConditional(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 21, 15, 0, 0, time.UTC)
			store := factory.new(t, &now)
			ctx := context.Background()

			m := NewMessage(uuid.New(), "a", nil, now)
			mustStore(t, store, m)

			claimed := m
			if err := claimed.ToProcessing("worker-1", now, 30*time.Second); err != nil {
				t.Fatalf("to processing: %v", err)
			}
			if err := store.TransitionMessage(ctx, claimed, StatusPending); err != nil {
				t.Fatalf("transition: %v", err)
			}

			// A second claim from the stale pending snapshot loses the race.
			rival := m
			_ = rival.ToProcessing("worker-2", now, 30*time.Second)
			if err := store.TransitionMessage(ctx, rival, StatusPending); !errors.Is(err, ErrStatusConflict) {
				t.Fatalf("rival transition err=%v, want %v", err, ErrStatusConflict)
			}

			got := mustGet(t, store, m.ID)
			if got.ClaimedBy != "worker-1" || got.Status != StatusProcessing {
				t.Fatalf("claimed_by=%q status=%q, want worker-1 processing", got.ClaimedBy, got.Status)
			}
			if !got.VisibilityTimeoutAt.Equal(now.Add(30 * time.Second)) {
				t.Fatalf("visibility_timeout_at=%s, want %s", got.VisibilityTimeoutAt, now.Add(30*time.Second))
			}

			ghost := NewMessage(uuid.New(), "a", nil, now)
			if err := store.TransitionMessage(ctx, ghost, StatusPending); !errors.Is(err, ErrMessageNotFound) {
				t.Fatalf("missing transition err=%v, want %v", err, ErrMessageNotFound)
			}
		})
	}
}

func TestStoreContract_DeleteMessage(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 21, 20, 0, 0, time.UTC)
			store := factory.new(t, &now)
			ctx := context.Background()

			m := NewMessage(uuid.New(), "a", nil, now)
			mustStore(t, store, m)

			removed, err := store.DeleteMessage(ctx, m.ID)
			if err != nil || !removed {
				t.Fatalf("delete: removed=%v err=%v, want true nil", removed, err)
			}
			removed, err = store.DeleteMessage(ctx, m.ID)
			if err != nil || removed {
				t.Fatalf("delete again: removed=%v err=%v, want false nil", removed, err)
			}
		})
	}
}

func TestStoreContract_QueryMessagesOrderAndTotal(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 21, 25, 0, 0, time.UTC)
			store := factory.new(t, &now)
			ctx := context.Background()
			queueID := uuid.New()
			otherQueue := uuid.New()

			specs := []struct {
				name     string
				priority int
				offset   time.Duration
			}{
				{"low-old", 1, 0},
				{"high-new", 5, 2 * time.Second},
				{"high-old", 5, time.Second},
				{"low-new", 1, 3 * time.Second},
			}
			for _, s := range specs {
				m := NewMessage(queueID, s.name, nil, now.Add(s.offset))
				m.Priority = s.priority
				mustStore(t, store, m)
			}
			mustStore(t, store, NewMessage(otherQueue, "elsewhere", nil, now))

			filter := MessageFilter{QueueID: &queueID}
			page, total, err := store.QueryMessages(ctx, filter, 0, 3)
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if total != 4 {
				t.Fatalf("total=%d, want 4", total)
			}
			want := []string{"high-old", "high-new", "low-old"}
			if len(page) != len(want) {
				t.Fatalf("page len=%d, want %d", len(page), len(want))
			}
			for i, m := range page {
				if m.MessageType != want[i] {
					t.Fatalf("page[%d]=%q, want %q", i, m.MessageType, want[i])
				}
			}

			rest, total, err := store.QueryMessages(ctx, filter, 3, 3)
			if err != nil {
				t.Fatalf("query page 2: %v", err)
			}
			if total != 4 || len(rest) != 1 || rest[0].MessageType != "low-new" {
				t.Fatalf("page 2 total=%d len=%d, want 4 and [low-new]", total, len(rest))
			}

			minPriority := 5
			n, err := store.CountMessages(ctx, MessageFilter{QueueID: &queueID, PriorityMin: &minPriority})
			if err != nil {
				t.Fatalf("count: %v", err)
			}
			if n != 2 {
				t.Fatalf("count priority>=5=%d, want 2", n)
			}

			n, err = store.CountMessages(ctx, MessageFilter{CreatedAfter: now.Add(time.Second), CreatedBefore: now.Add(2 * time.Second)})
			if err != nil {
				t.Fatalf("count window: %v", err)
			}
			if n != 2 {
				t.Fatalf("count created window=%d, want 2", n)
			}
		})
	}
}

func TestStoreContract_BatchStoreAllOrNothing(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 21, 30, 0, 0, time.UTC)
			store := factory.new(t, &now)
			ctx := context.Background()
			queueID := uuid.New()

			a := NewMessage(queueID, "a", nil, now)
			b := NewMessage(queueID, "b", nil, now)
			n, err := store.BatchStoreMessages(ctx, []Message{a, b})
			if err != nil || n != 2 {
				t.Fatalf("batch store: n=%d err=%v, want 2 nil", n, err)
			}

			c := NewMessage(queueID, "c", nil, now)
			n, err = store.BatchStoreMessages(ctx, []Message{c, a})
			if !errors.Is(err, ErrMessageExists) {
				t.Fatalf("batch with duplicate err=%v, want %v", err, ErrMessageExists)
			}
			if n != 0 {
				t.Fatalf("batch with duplicate n=%d, want 0", n)
			}
			if _, ok, _ := store.GetMessage(ctx, c.ID); ok {
				t.Fatalf("message c persisted despite aborted batch")
			}

			total, err := store.CountMessages(ctx, MessageFilter{QueueID: &queueID})
			if err != nil {
				t.Fatalf("count: %v", err)
			}
			if total != 2 {
				t.Fatalf("count=%d, want 2", total)
			}
		})
	}
}

func TestStoreContract_BatchDeleteIgnoresMissingIDs(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 21, 35, 0, 0, time.UTC)
			store := factory.new(t, &now)

			m := NewMessage(uuid.New(), "a", nil, now)
			mustStore(t, store, m)

			n, err := store.BatchDeleteMessages(context.Background(), []uuid.UUID{uuid.New(), m.ID})
			if err != nil {
				t.Fatalf("batch delete: %v", err)
			}
			if n != 1 {
				t.Fatalf("deleted=%d, want 1", n)
			}
		})
	}
}

func TestStoreContract_ArchiveMessages(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 21, 40, 0, 0, time.UTC)
			store := factory.new(t, &now)
			ctx := context.Background()

			old := NewMessage(uuid.New(), "old", nil, now.Add(-48*time.Hour))
			old.Status = StatusCompleted
			fresh := NewMessage(uuid.New(), "fresh", nil, now)
			fresh.Status = StatusCompleted
			pending := NewMessage(uuid.New(), "pending", nil, now.Add(-48*time.Hour))
			for _, m := range []Message{old, fresh, pending} {
				mustStore(t, store, m)
			}

			moved, err := store.ArchiveMessages(ctx, now.Add(-24*time.Hour), StatusCompleted)
			if err != nil {
				t.Fatalf("archive: %v", err)
			}
			if moved != 1 {
				t.Fatalf("moved=%d, want 1", moved)
			}
			if _, ok, _ := store.GetMessage(ctx, old.ID); ok {
				t.Fatalf("archived message still in active table")
			}
			for _, id := range []uuid.UUID{fresh.ID, pending.ID} {
				if _, ok, _ := store.GetMessage(ctx, id); !ok {
					t.Fatalf("message %s unexpectedly archived", id)
				}
			}
		})
	}
}

func TestStoreContract_StorageStats(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 21, 45, 0, 0, time.UTC)
			store := factory.new(t, &now)
			ctx := context.Background()
			queueID := uuid.New()

			if err := store.UpsertQueue(ctx, Queue{ID: queueID, Name: "orders"}); err != nil {
				t.Fatalf("upsert queue: %v", err)
			}
			first := NewMessage(queueID, "a", nil, now.Add(-time.Hour))
			second := NewMessage(queueID, "b", nil, now)
			second.Status = StatusCompleted
			mustStore(t, store, first)
			mustStore(t, store, second)

			stats, err := store.StorageStats(ctx)
			if err != nil {
				t.Fatalf("stats: %v", err)
			}
			if stats.TotalMessages != 2 || stats.TotalQueues != 1 {
				t.Fatalf("total_messages=%d total_queues=%d, want 2/1", stats.TotalMessages, stats.TotalQueues)
			}
			if stats.Count(StatusPending) != 1 || stats.Count(StatusCompleted) != 1 || stats.Count(StatusFailed) != 0 {
				t.Fatalf("by_status=%v", stats.ByStatus)
			}
			if !stats.OldestMessage.Equal(now.Add(-time.Hour)) || !stats.NewestMessage.Equal(now) {
				t.Fatalf("oldest=%s newest=%s", stats.OldestMessage, stats.NewestMessage)
			}
			if stats.TotalSizeBytes <= 0 {
				t.Fatalf("total_size_bytes=%d, want > 0", stats.TotalSizeBytes)
			}
		})
	}
}

func TestStoreContract_QueueRegistry(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 21, 50, 0, 0, time.UTC)
			store := factory.new(t, &now)
			ctx := context.Background()
			id := uuid.New()

			if err := store.UpsertQueue(ctx, Queue{ID: id, Name: "payments"}); err != nil {
				t.Fatalf("upsert: %v", err)
			}
			now = now.Add(time.Hour)
			if err := store.UpsertQueue(ctx, Queue{ID: id, Name: "billing"}); err != nil {
				t.Fatalf("upsert rename: %v", err)
			}
			q, ok, err := store.GetQueue(ctx, id)
			if err != nil || !ok {
				t.Fatalf("get queue: ok=%v err=%v", ok, err)
			}
			if q.Name != "billing" {
				t.Fatalf("name=%q, want billing", q.Name)
			}
			if !q.CreatedAt.Equal(now.Add(-time.Hour)) {
				t.Fatalf("created_at=%s, want %s", q.CreatedAt, now.Add(-time.Hour))
			}

			all, err := store.ListQueues(ctx)
			if err != nil {
				t.Fatalf("list queues: %v", err)
			}
			if len(all) != 1 || all[0].ID != id {
				t.Fatalf("queues=%v, want [%s]", all, id)
			}
		})
	}
}

func TestStoreContract_MoveToDeadLetterTerminality(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 22, 0, 0, 0, time.UTC)
			store := factory.new(t, &now)
			ctx := context.Background()

			m := NewMessage(uuid.New(), "a", json.RawMessage(`{"k":"v"}`), now)
			m.AttemptCount = 2
			m.LastError = "timeout"
			mustStore(t, store, m)

			movedAt := now.Add(time.Minute)
			dl := mustMove(t, store, m.ID, "poison payload", movedAt)

			got := mustGet(t, store, m.ID)
			if got.Status != StatusDeadLetter {
				t.Fatalf("status=%q, want %q", got.Status, StatusDeadLetter)
			}
			if !got.CompletedAt.Equal(movedAt) {
				t.Fatalf("completed_at=%s, want %s", got.CompletedAt, movedAt)
			}

			items, total, err := store.ListDeadLetters(ctx, DeadLetterFilter{}, 0, 10)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if total != 1 || len(items) != 1 {
				t.Fatalf("total=%d len=%d, want 1", total, len(items))
			}
			rec := items[0]
			if rec.ID != dl.ID || rec.OriginalMessageID != m.ID || rec.Reason != "poison payload" {
				t.Fatalf("record=%+v", rec)
			}
			if rec.FailureCount != 2 || rec.LastError != "timeout" || !rec.CanRetry {
				t.Fatalf("failure_count=%d last_error=%q can_retry=%v", rec.FailureCount, rec.LastError, rec.CanRetry)
			}
			assertJSONEqual(t, "payload", rec.Payload, m.Payload)
			if !rec.MovedToDLQAt.Equal(movedAt) || !rec.OriginalCreatedAt.Equal(now) {
				t.Fatalf("moved_at=%s original_created_at=%s", rec.MovedToDLQAt, rec.OriginalCreatedAt)
			}

			if _, err := store.MoveToDeadLetter(ctx, m.ID, "again", movedAt); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("second move err=%v, want %v", err, ErrInvalidTransition)
			}
			missing := uuid.New()
			_, err = store.MoveToDeadLetter(ctx, missing, "x", movedAt)
			var nf *NotFoundError
			if !errors.As(err, &nf) || nf.ID != missing {
				t.Fatalf("missing move err=%v, want NotFoundError(%s)", err, missing)
			}
		})
	}
}

func TestStoreContract_MoveToDeadLetterRejectsCompleted(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 22, 5, 0, 0, time.UTC)
			store := factory.new(t, &now)
			ctx := context.Background()

			m := NewMessage(uuid.New(), "a", json.RawMessage(`{"k":"v"}`), now)
			if err := m.ToProcessing("worker-1", now, time.Minute); err != nil {
				t.Fatalf("processing: %v", err)
			}
			if err := m.ToCompleted(now); err != nil {
				t.Fatalf("complete: %v", err)
			}
			mustStore(t, store, m)

			if _, err := store.MoveToDeadLetter(ctx, m.ID, "late failure", now.Add(time.Minute)); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("move completed err=%v, want %v", err, ErrInvalidTransition)
			}
			if got := mustGet(t, store, m.ID); got.Status != StatusCompleted || !got.CompletedAt.Equal(now) {
				t.Fatalf("status=%q completed_at=%s, want completed %s", got.Status, got.CompletedAt, now)
			}
			_, total, err := store.ListDeadLetters(ctx, DeadLetterFilter{}, 0, 10)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if total != 0 {
				t.Fatalf("dead letters=%d, want 0", total)
			}
		})
	}
}

func TestStoreContract_RetryDeadLetterIdentity(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 22, 5, 0, 0, time.UTC)
			store := factory.new(t, &now)
			ctx := context.Background()

			m := NewMessage(uuid.New(), "a", json.RawMessage(`[1,2]`), now)
			m.Headers = json.RawMessage(`{"h":"1"}`)
			m.AttemptCount = 3
			mustStore(t, store, m)
			dl := mustMove(t, store, m.ID, "max_attempts_exceeded", now)

			retryAt := now.Add(time.Hour)
			newID := uuid.New()
			fresh, err := store.RetryDeadLetter(ctx, dl.ID, newID, uuid.Nil, retryAt)
			if err != nil {
				t.Fatalf("retry: %v", err)
			}
			if fresh.ID != newID || fresh.ID == m.ID {
				t.Fatalf("new id=%s, want %s and != %s", fresh.ID, newID, m.ID)
			}

			stored := mustGet(t, store, newID)
			if stored.Status != StatusPending || stored.AttemptCount != 0 {
				t.Fatalf("status=%q attempt=%d, want pending 0", stored.Status, stored.AttemptCount)
			}
			if stored.QueueID != m.QueueID || stored.MessageType != m.MessageType {
				t.Fatalf("queue/type=(%s,%q), want (%s,%q)", stored.QueueID, stored.MessageType, m.QueueID, m.MessageType)
			}
			assertJSONEqual(t, "payload", stored.Payload, m.Payload)
			assertJSONEqual(t, "headers", stored.Headers, m.Headers)

			rec, err := store.GetDeadLetter(ctx, dl.ID)
			if err != nil {
				t.Fatalf("get dead letter: %v", err)
			}
			if rec.RetryCount != 1 {
				t.Fatalf("retry_count=%d, want 1", rec.RetryCount)
			}
			if rec.RetriedMessageID == nil || *rec.RetriedMessageID != newID {
				t.Fatalf("retried_message_id=%v, want %s", rec.RetriedMessageID, newID)
			}
			if !rec.LastRetryAt.Equal(retryAt) {
				t.Fatalf("last_retry_at=%s, want %s", rec.LastRetryAt, retryAt)
			}

			if _, err := store.RetryDeadLetter(ctx, uuid.New(), uuid.New(), uuid.Nil, retryAt); !errors.Is(err, ErrMessageNotFound) {
				t.Fatalf("retry missing err=%v, want %v", err, ErrMessageNotFound)
			}
			if _, err := store.RetryDeadLetter(ctx, dl.ID, newID, uuid.Nil, retryAt); !errors.Is(err, ErrMessageExists) {
				t.Fatalf("retry with taken id err=%v, want %v", err, ErrMessageExists)
			}
			rec, _ = store.GetDeadLetter(ctx, dl.ID)
			if rec.RetryCount != 1 {
				t.Fatalf("retry_count after failed retry=%d, want 1", rec.RetryCount)
			}
		})
	}
}

func TestStoreContract_ListDeadLettersFilters(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 22, 10, 0, 0, time.UTC)
			store := factory.new(t, &now)
			ctx := context.Background()
			qa, qb := uuid.New(), uuid.New()

			reasons := []struct {
				queue  uuid.UUID
				reason string
			}{
				{qa, "Timeout after 30s"},
				{qa, "schema mismatch"},
				{qb, "timeout upstream"},
			}
			ids := make([]uuid.UUID, 0, len(reasons))
			for i, r := range reasons {
				m := NewMessage(r.queue, "a", nil, now)
				mustStore(t, store, m)
				dl := mustMove(t, store, m.ID, r.reason, now.Add(time.Duration(i)*time.Minute))
				ids = append(ids, dl.ID)
			}

			items, total, err := store.ListDeadLetters(ctx, DeadLetterFilter{Reason: "imeout"}, 0, 10)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if total != 2 || len(items) != 2 {
				t.Fatalf("substring total=%d len=%d, want 2", total, len(items))
			}
			if items[0].ID != ids[2] || items[1].ID != ids[0] {
				t.Fatalf("order=[%s %s], want newest first [%s %s]", items[0].ID, items[1].ID, ids[2], ids[0])
			}

			_, total, err = store.ListDeadLetters(ctx, DeadLetterFilter{Reason: "timeout"}, 0, 10)
			if err != nil {
				t.Fatalf("list case-sensitive: %v", err)
			}
			if total != 1 {
				t.Fatalf("case-sensitive total=%d, want 1", total)
			}

			items, total, err = store.ListDeadLetters(ctx, DeadLetterFilter{QueueID: &qa, Order: DeadLetterOldestFirst}, 1, 1)
			if err != nil {
				t.Fatalf("list queue page: %v", err)
			}
			if total != 2 || len(items) != 1 || items[0].ID != ids[1] {
				t.Fatalf("queue page total=%d items=%v, want 2 and [%s]", total, items, ids[1])
			}
		})
	}
}

func TestStoreContract_PurgeBoundary(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 22, 15, 0, 0, time.UTC)
			store := factory.new(t, &now)
			ctx := context.Background()
			queueID := uuid.New()
			cutoff := now.Add(time.Hour)

			var atCutoff DeadLetter
			for i, at := range []time.Time{cutoff.Add(-time.Second), cutoff, cutoff.Add(time.Second)} {
				m := NewMessage(queueID, "a", nil, now)
				mustStore(t, store, m)
				dl := mustMove(t, store, m.ID, "r", at)
				if i == 1 {
					atCutoff = dl
				}
			}

			n, err := store.PurgeDeadLetters(ctx, DeadLetterFilter{QueueID: &queueID, MovedBefore: cutoff})
			if err != nil {
				t.Fatalf("purge: %v", err)
			}
			if n != 1 {
				t.Fatalf("purged=%d, want 1", n)
			}
			if _, err := store.GetDeadLetter(ctx, atCutoff.ID); err != nil {
				t.Fatalf("entry at cutoff removed: %v", err)
			}
		})
	}
}

func TestStoreContract_DeleteAndQuarantineDeadLetter(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 22, 20, 0, 0, time.UTC)
			store := factory.new(t, &now)
			ctx := context.Background()

			m := NewMessage(uuid.New(), "a", nil, now)
			mustStore(t, store, m)
			dl := mustMove(t, store, m.ID, "r", now)

			if err := store.SetDeadLetterRetryable(ctx, dl.ID, false); err != nil {
				t.Fatalf("quarantine: %v", err)
			}
			_, total, err := store.ListDeadLetters(ctx, DeadLetterFilter{RetryableOnly: true}, 0, 10)
			if err != nil {
				t.Fatalf("list retryable: %v", err)
			}
			if total != 0 {
				t.Fatalf("retryable total=%d, want 0", total)
			}
			if err := store.SetDeadLetterRetryable(ctx, uuid.New(), false); !errors.Is(err, ErrMessageNotFound) {
				t.Fatalf("quarantine missing err=%v, want %v", err, ErrMessageNotFound)
			}

			removed, err := store.DeleteDeadLetter(ctx, dl.ID)
			if err != nil || !removed {
				t.Fatalf("delete: removed=%v err=%v", removed, err)
			}
			removed, err = store.DeleteDeadLetter(ctx, dl.ID)
			if err != nil || removed {
				t.Fatalf("delete again: removed=%v err=%v", removed, err)
			}
			if got := mustGet(t, store, m.ID); got.Status != StatusDeadLetter {
				t.Fatalf("original status=%q after record delete, want %q", got.Status, StatusDeadLetter)
			}
		})
	}
}

func TestStoreContract_DeadLetterStatsConsistency(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 22, 25, 0, 0, time.UTC)
			store := factory.new(t, &now)
			ctx := context.Background()
			named, unnamed := uuid.New(), uuid.New()

			if err := store.UpsertQueue(ctx, Queue{ID: named, Name: "orders"}); err != nil {
				t.Fatalf("upsert queue: %v", err)
			}
			var quarantined uuid.UUID
			for i, q := range []uuid.UUID{named, named, unnamed} {
				m := NewMessage(q, "a", nil, now)
				mustStore(t, store, m)
				reason := "timeout"
				if i == 2 {
					reason = "bad schema"
				}
				dl := mustMove(t, store, m.ID, reason, now.Add(-time.Duration(i+1)*time.Hour))
				if i == 0 {
					quarantined = dl.ID
				}
			}
			if err := store.SetDeadLetterRetryable(ctx, quarantined, false); err != nil {
				t.Fatalf("quarantine: %v", err)
			}

			stats, err := store.DeadLetterStats(ctx, now)
			if err != nil {
				t.Fatalf("stats: %v", err)
			}
			if stats.Total != 3 {
				t.Fatalf("total=%d, want 3", stats.Total)
			}
			var sum int64
			for _, qc := range stats.ByQueue {
				sum += qc.Count
			}
			if sum != stats.Total {
				t.Fatalf("by_queue sum=%d, want %d", sum, stats.Total)
			}
			if len(stats.ByQueue) != 2 || stats.ByQueue[0].QueueID != named || stats.ByQueue[0].Name != "orders" || stats.ByQueue[0].Count != 2 {
				t.Fatalf("by_queue=%+v", stats.ByQueue)
			}
			if stats.ByQueue[1].Name != "" {
				t.Fatalf("unregistered queue name=%q, want empty", stats.ByQueue[1].Name)
			}
			if len(stats.ByReason) != 2 || stats.ByReason[0].Reason != "timeout" || stats.ByReason[0].Count != 2 {
				t.Fatalf("by_reason=%+v", stats.ByReason)
			}
			if stats.RetryPending != 2 || stats.RetryPending > stats.Total {
				t.Fatalf("retry_pending=%d, want 2", stats.RetryPending)
			}
			if !stats.Oldest.Equal(now.Add(-3*time.Hour)) || !stats.Newest.Equal(now.Add(-time.Hour)) {
				t.Fatalf("oldest=%s newest=%s", stats.Oldest, stats.Newest)
			}
			if stats.AvgAgeHours < 1.99 || stats.AvgAgeHours > 2.01 {
				t.Fatalf("avg_age_hours=%f, want 2", stats.AvgAgeHours)
			}
		})
	}
}

func TestStoreContract_DeadLetterStatsEmpty(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 22, 30, 0, 0, time.UTC)
			store := factory.new(t, &now)

			stats, err := store.DeadLetterStats(context.Background(), now)
			if err != nil {
				t.Fatalf("stats: %v", err)
			}
			if stats.Total != 0 || stats.RetryPending != 0 || stats.AvgAgeHours != 0 {
				t.Fatalf("stats=%+v, want zero", stats)
			}
			if stats.ByQueue == nil || stats.ByReason == nil {
				t.Fatalf("breakdowns must be empty slices, got %v %v", stats.ByQueue, stats.ByReason)
			}
		})
	}
}

func TestStoreContract_FailureScenario(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 22, 35, 0, 0, time.UTC)
			store := factory.new(t, &now)
			ctx := context.Background()

			m1 := NewMessage(uuid.New(), "email.send", json.RawMessage(`{"to":"a@example.com"}`), now)
			m1.MaxAttempts = 3
			mustStore(t, store, m1)

			cur := m1
			for i := 1; i <= 3; i++ {
				claimed := cur
				if err := claimed.ToProcessing("worker", now, time.Minute); err != nil {
					t.Fatalf("attempt %d claim: %v", i, err)
				}
				if err := store.TransitionMessage(ctx, claimed, cur.Status); err != nil {
					t.Fatalf("attempt %d persist claim: %v", i, err)
				}
				failed := claimed
				exhausted, err := failed.Fail("smtp 451", now)
				if err != nil {
					t.Fatalf("attempt %d fail: %v", i, err)
				}
				if exhausted != (i == 3) {
					t.Fatalf("attempt %d exhausted=%v", i, exhausted)
				}
				if err := store.TransitionMessage(ctx, failed, StatusProcessing); err != nil {
					t.Fatalf("attempt %d persist fail: %v", i, err)
				}
				cur = failed
			}

			dl := mustMove(t, store, m1.ID, "max_attempts_exceeded", now)
			if got := mustGet(t, store, m1.ID); got.Status != StatusDeadLetter {
				t.Fatalf("m1 status=%q, want %q", got.Status, StatusDeadLetter)
			}
			if dl.FailureCount != 3 {
				t.Fatalf("failure_count=%d, want 3", dl.FailureCount)
			}
			_, total, err := store.ListDeadLetters(ctx, DeadLetterFilter{}, 0, 10)
			if err != nil || total != 1 {
				t.Fatalf("dead letters total=%d err=%v, want 1", total, err)
			}

			m2, err := store.RetryDeadLetter(ctx, dl.ID, uuid.New(), uuid.Nil, now)
			if err != nil {
				t.Fatalf("retry: %v", err)
			}
			if got := mustGet(t, store, m2.ID); got.AttemptCount != 0 || got.Status != StatusPending {
				t.Fatalf("m2 attempt=%d status=%q, want 0 pending", got.AttemptCount, got.Status)
			}
			rec, err := store.GetDeadLetter(ctx, dl.ID)
			if err != nil {
				t.Fatalf("get dead letter: %v", err)
			}
			if rec.RetryCount != 1 {
				t.Fatalf("retry_count=%d, want 1", rec.RetryCount)
			}
		})
	}
}
