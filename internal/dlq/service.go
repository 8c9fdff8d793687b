// Package dlq owns the failure-terminal path: relocating exhausted messages,
// replaying them, and keeping the dead letter store within policy.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuetzliches/reliq/internal/events"
	"github.com/nuetzliches/reliq/internal/queue"
)

// ReasonMaxAttemptsExceeded is recorded when RecordFailure exhausts a message.
const ReasonMaxAttemptsExceeded = "max_attempts_exceeded"

const relocatePageSize = 200

const tracerName = "github.com/nuetzliches/reliq/internal/dlq"

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.events = p
		}
	}
}

func WithPolicies(ps PolicySet) Option {
	return func(s *Service) {
		s.SetPolicies(ps)
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithIDFunc(newID func() uuid.UUID) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) {
		if tp != nil {
			s.tracer = tp.Tracer(tracerName)
		}
	}
}

type Service struct {
	store    queue.Store
	events   events.Publisher
	logger   *slog.Logger
	tracer   trace.Tracer
	nowFn    func() time.Time
	newID    func() uuid.UUID
	policies atomic.Pointer[PolicySet]
}

func NewService(store queue.Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		events: events.Discard,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
		nowFn:  time.Now,
		newID:  uuid.New,
	}
	ps := NewPolicySet(DefaultPolicy())
	s.policies.Store(&ps)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetPolicies swaps the active policy set. Safe to call while operations run.
func (s *Service) SetPolicies(ps PolicySet) {
	if ps.Queues == nil {
		ps.Queues = map[uuid.UUID]Policy{}
	}
	s.policies.Store(&ps)
}

func (s *Service) Policies() PolicySet {
	return *s.policies.Load()
}

func (s *Service) Store() queue.Store {
	return s.store
}

func (s *Service) now() time.Time {
	return s.nowFn().UTC()
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "dlq."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// MoveMessage relocates a message into the dead letter queue and applies the
// queue's size cap and alert threshold.
func (s *Service) MoveMessage(ctx context.Context, messageID uuid.UUID, reason string) (dl queue.DeadLetter, err error) {
	ctx, span := s.startSpan(ctx, "move_message",
		attribute.String("message.id", messageID.String()),
		attribute.String("dlq.reason", reason),
	)
	defer func() { endSpan(span, err) }()

	now := s.now()
	dl, err = s.store.MoveToDeadLetter(ctx, messageID, reason, now)
	if err != nil {
		return queue.DeadLetter{}, fmt.Errorf("dlq: move %s: %w", messageID, err)
	}
	span.SetAttributes(attribute.String("queue.id", dl.QueueID.String()))

	s.logger.Info("dlq_message_moved",
		slog.String("dlq_id", dl.ID.String()),
		slog.String("message_id", messageID.String()),
		slog.String("queue_id", dl.QueueID.String()),
		slog.String("reason", reason),
		slog.Int("failure_count", dl.FailureCount),
	)
	s.events.Publish(events.MessageMovedToDLQ(dl.QueueID, messageID, reason, now))
	s.enforcePolicy(ctx, dl.QueueID, now)
	return dl, nil
}

func (s *Service) enforcePolicy(ctx context.Context, queueID uuid.UUID, now time.Time) {
	p := s.Policies().For(queueID)
	if !p.Enabled || (p.MaxSize <= 0 && p.AlertThreshold <= 0) {
		return
	}
	_, depth, err := s.store.ListDeadLetters(ctx, queue.DeadLetterFilter{QueueID: &queueID}, 0, 1)
	if err != nil {
		s.logger.Warn("dlq_policy_depth_failed",
			slog.String("queue_id", queueID.String()),
			slog.Any("err", err),
		)
		return
	}

	if p.MaxSize > 0 && depth > p.MaxSize {
		evicted := s.evictOldest(ctx, queueID, depth-p.MaxSize)
		depth -= evicted
		if evicted > 0 {
			s.logger.Info("dlq_size_cap_evicted",
				slog.String("queue_id", queueID.String()),
				slog.Int64("evicted", evicted),
				slog.Int64("max_size", p.MaxSize),
			)
		}
	}

	if p.AlertThreshold > 0 && depth >= p.AlertThreshold {
		s.logger.Warn("dlq_alert_threshold_exceeded",
			slog.String("queue_id", queueID.String()),
			slog.Int64("count", depth),
			slog.Int64("threshold", p.AlertThreshold),
		)
		s.events.Publish(events.DLQThresholdExceeded(queueID, depth, p.AlertThreshold, now))
	}
}

func (s *Service) evictOldest(ctx context.Context, queueID uuid.UUID, n int64) int64 {
	items, _, err := s.store.ListDeadLetters(ctx, queue.DeadLetterFilter{
		QueueID: &queueID,
		Order:   queue.DeadLetterOldestFirst,
	}, 0, int(n))
	if err != nil {
		s.logger.Warn("dlq_size_cap_failed", slog.String("queue_id", queueID.String()), slog.Any("err", err))
		return 0
	}
	var evicted int64
	for _, dl := range items {
		removed, err := s.store.DeleteDeadLetter(ctx, dl.ID)
		if err != nil {
			s.logger.Warn("dlq_size_cap_failed", slog.String("dlq_id", dl.ID.String()), slog.Any("err", err))
			continue
		}
		if removed {
			evicted++
		}
	}
	return evicted
}

// RetryMessage enqueues a fresh copy of the dead letter and returns its id.
func (s *Service) RetryMessage(ctx context.Context, dlqID uuid.UUID) (uuid.UUID, error) {
	return s.retry(ctx, dlqID, uuid.Nil)
}

func (s *Service) retry(ctx context.Context, dlqID, targetQueueID uuid.UUID) (id uuid.UUID, err error) {
	ctx, span := s.startSpan(ctx, "retry_message", attribute.String("dlq.id", dlqID.String()))
	defer func() { endSpan(span, err) }()

	now := s.now()
	m, err := s.store.RetryDeadLetter(ctx, dlqID, s.newID(), targetQueueID, now)
	if err != nil {
		return uuid.Nil, fmt.Errorf("dlq: retry %s: %w", dlqID, err)
	}
	span.SetAttributes(attribute.String("message.id", m.ID.String()))

	s.logger.Info("dlq_message_retried",
		slog.String("dlq_id", dlqID.String()),
		slog.String("message_id", m.ID.String()),
		slog.String("queue_id", m.QueueID.String()),
	)
	s.events.Publish(events.MessageEnqueued(m.QueueID, m.ID, m.Priority, now))
	return m.ID, nil
}

// BulkRetry retries up to limit retryable entries, oldest first. Entries that
// fail are logged and skipped.
func (s *Service) BulkRetry(ctx context.Context, queueID *uuid.UUID, reasonSubstr string, limit int) (ids []uuid.UUID, err error) {
	ctx, span := s.startSpan(ctx, "bulk_retry", attribute.Int("dlq.limit", limit))
	defer func() { endSpan(span, err) }()

	ids = []uuid.UUID{}
	if limit <= 0 {
		return ids, nil
	}
	items, _, err := s.store.ListDeadLetters(ctx, queue.DeadLetterFilter{
		QueueID:       queueID,
		Reason:        reasonSubstr,
		RetryableOnly: true,
		Order:         queue.DeadLetterOldestFirst,
	}, 0, limit)
	if err != nil {
		return nil, fmt.Errorf("dlq: bulk retry: %w", err)
	}

	for _, dl := range items {
		id, err := s.RetryMessage(ctx, dl.ID)
		if err != nil {
			s.logger.Warn("dlq_bulk_retry_item_failed",
				slog.String("dlq_id", dl.ID.String()),
				slog.Any("err", err),
			)
			continue
		}
		ids = append(ids, id)
	}
	span.SetAttributes(attribute.Int("dlq.retried", len(ids)))
	return ids, nil
}

// DeleteMessage removes the record only; the original message is untouched.
func (s *Service) DeleteMessage(ctx context.Context, dlqID uuid.UUID) (removed bool, err error) {
	ctx, span := s.startSpan(ctx, "delete_message", attribute.String("dlq.id", dlqID.String()))
	defer func() { endSpan(span, err) }()

	removed, err = s.store.DeleteDeadLetter(ctx, dlqID)
	if err != nil {
		return false, fmt.Errorf("dlq: delete %s: %w", dlqID, err)
	}
	return removed, nil
}

// Purge deletes records matching the optional queue and moved-before bound.
// A zero olderThan purges regardless of age.
func (s *Service) Purge(ctx context.Context, queueID *uuid.UUID, olderThan time.Time) (n int64, err error) {
	ctx, span := s.startSpan(ctx, "purge")
	defer func() { endSpan(span, err) }()

	n, err = s.store.PurgeDeadLetters(ctx, queue.DeadLetterFilter{QueueID: queueID, MovedBefore: olderThan})
	if err != nil {
		return 0, fmt.Errorf("dlq: purge: %w", err)
	}
	if n > 0 {
		attrs := []any{slog.Int64("removed", n)}
		if queueID != nil {
			attrs = append(attrs, slog.String("queue_id", queueID.String()))
		}
		s.logger.Info("dlq_purge", attrs...)
	}
	return n, nil
}

// Cleanup deletes every record older than retentionDays.
func (s *Service) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	return s.cleanup(ctx, nil, retentionDays)
}

func (s *Service) cleanup(ctx context.Context, queueID *uuid.UUID, retentionDays int) (int64, error) {
	if retentionDays < 0 {
		return 0, fmt.Errorf("dlq: cleanup: negative retention %d", retentionDays)
	}
	cutoff := s.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	return s.cleanupBefore(ctx, queueID, cutoff, retentionDays)
}

// cleanupBefore deletes records moved strictly before cutoff.
func (s *Service) cleanupBefore(ctx context.Context, queueID *uuid.UUID, cutoff time.Time, retentionDays int) (n int64, err error) {
	ctx, span := s.startSpan(ctx, "cleanup", attribute.Int("dlq.retention_days", retentionDays))
	defer func() { endSpan(span, err) }()

	n, err = s.store.PurgeDeadLetters(ctx, queue.DeadLetterFilter{QueueID: queueID, MovedBefore: cutoff})
	if err != nil {
		return 0, fmt.Errorf("dlq: cleanup: %w", err)
	}
	if n > 0 {
		attrs := []any{slog.Int64("removed", n), slog.Int("retention_days", retentionDays)}
		if queueID != nil {
			attrs = append(attrs, slog.String("queue_id", queueID.String()))
		}
		s.logger.Info("dlq_cleanup", attrs...)
	}
	return n, nil
}

// MarkNonRetryable quarantines a record so bulk and auto retry skip it.
func (s *Service) MarkNonRetryable(ctx context.Context, dlqID uuid.UUID) (err error) {
	ctx, span := s.startSpan(ctx, "mark_non_retryable", attribute.String("dlq.id", dlqID.String()))
	defer func() { endSpan(span, err) }()

	if err = s.store.SetDeadLetterRetryable(ctx, dlqID, false); err != nil {
		return fmt.Errorf("dlq: quarantine %s: %w", dlqID, err)
	}
	s.logger.Info("dlq_message_quarantined", slog.String("dlq_id", dlqID.String()))
	return nil
}

func (s *Service) GetMessage(ctx context.Context, dlqID uuid.UUID) (dl queue.DeadLetter, err error) {
	ctx, span := s.startSpan(ctx, "get_message", attribute.String("dlq.id", dlqID.String()))
	defer func() { endSpan(span, err) }()

	dl, err = s.store.GetDeadLetter(ctx, dlqID)
	if err != nil {
		return queue.DeadLetter{}, fmt.Errorf("dlq: get %s: %w", dlqID, err)
	}
	return dl, nil
}

// ListMessages returns a newest-first page and the total matching count.
func (s *Service) ListMessages(ctx context.Context, queueID *uuid.UUID, reasonSubstr string, offset, limit int) (items []queue.DeadLetter, total int64, err error) {
	ctx, span := s.startSpan(ctx, "list_messages")
	defer func() { endSpan(span, err) }()

	items, total, err = s.store.ListDeadLetters(ctx, queue.DeadLetterFilter{
		QueueID: queueID,
		Reason:  reasonSubstr,
	}, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("dlq: list: %w", err)
	}
	return items, total, nil
}

func (s *Service) Stats(ctx context.Context) (st queue.DeadLetterStats, err error) {
	ctx, span := s.startSpan(ctx, "stats")
	defer func() { endSpan(span, err) }()

	st, err = s.store.DeadLetterStats(ctx, s.now())
	if err != nil {
		return queue.DeadLetterStats{}, fmt.Errorf("dlq: stats: %w", err)
	}
	return st, nil
}

// Export serializes up to MaxExport records, newest first.
func (s *Service) Export(ctx context.Context, queueID *uuid.UUID, format Format) (out []byte, err error) {
	ctx, span := s.startSpan(ctx, "export", attribute.String("dlq.format", string(format)))
	defer func() { endSpan(span, err) }()

	if format != FormatJSON && format != FormatCSV {
		return nil, fmt.Errorf("dlq: export: %w: %q", ErrUnknownExportFormat, string(format))
	}
	items, _, err := s.store.ListDeadLetters(ctx, queue.DeadLetterFilter{QueueID: queueID}, 0, MaxExport)
	if err != nil {
		return nil, fmt.Errorf("dlq: export: %w", err)
	}
	out, err = Encode(items, format)
	if err != nil {
		return nil, fmt.Errorf("dlq: export: %w", err)
	}
	span.SetAttributes(attribute.Int("dlq.exported", len(items)))
	return out, nil
}

// RecordFailure applies a failed attempt to a processing message. When the
// attempt budget is spent the message is moved to the dead letter queue and
// the new record is returned. A message already left failed by an earlier
// call whose move did not complete is moved without counting another attempt.
func (s *Service) RecordFailure(ctx context.Context, messageID uuid.UUID, errText string) (dl *queue.DeadLetter, err error) {
	ctx, span := s.startSpan(ctx, "record_failure", attribute.String("message.id", messageID.String()))
	defer func() { endSpan(span, err) }()

	m, ok, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("dlq: record failure %s: %w", messageID, err)
	}
	if !ok {
		return nil, fmt.Errorf("dlq: record failure: %w", &queue.NotFoundError{ID: messageID})
	}
	span.SetAttributes(attribute.String("queue.id", m.QueueID.String()))

	if m.Status != queue.StatusFailed {
		from := m.Status
		exhausted, err := m.Fail(errText, s.now())
		if err != nil {
			return nil, fmt.Errorf("dlq: record failure %s: %w", messageID, err)
		}
		if err := s.store.TransitionMessage(ctx, m, from); err != nil {
			return nil, fmt.Errorf("dlq: record failure %s: %w", messageID, err)
		}
		span.SetAttributes(attribute.Int("message.attempt", m.AttemptCount))
		if !exhausted {
			s.logger.Debug("message_attempt_failed",
				slog.String("message_id", messageID.String()),
				slog.Int("attempt", m.AttemptCount),
				slog.Int("max_attempts", m.MaxAttempts),
			)
			return nil, nil
		}
	}

	moved, err := s.MoveMessage(ctx, messageID, ReasonMaxAttemptsExceeded)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidTransition) {
			// Another caller relocated it first.
			return nil, nil
		}
		return nil, err
	}
	return &moved, nil
}

// RelocateFailed moves every message left in the failed status into the dead
// letter queue and returns how many were moved.
func (s *Service) RelocateFailed(ctx context.Context) (n int, err error) {
	ctx, span := s.startSpan(ctx, "relocate_failed")
	defer func() { endSpan(span, err) }()

	skipped := 0
	for {
		items, _, err := s.store.QueryMessages(ctx, queue.MessageFilter{Status: queue.StatusFailed}, skipped, relocatePageSize)
		if err != nil {
			return n, fmt.Errorf("dlq: relocate failed: %w", err)
		}
		for _, m := range items {
			if _, err := s.MoveMessage(ctx, m.ID, ReasonMaxAttemptsExceeded); err != nil {
				if ctx.Err() != nil {
					return n, ctx.Err()
				}
				if !errors.Is(err, queue.ErrInvalidTransition) && !errors.Is(err, queue.ErrMessageNotFound) {
					skipped++
				}
				s.logger.Warn("dlq_relocate_failed_item",
					slog.String("message_id", m.ID.String()),
					slog.Any("err", err),
				)
				continue
			}
			n++
		}
		if len(items) < relocatePageSize {
			break
		}
	}
	span.SetAttributes(attribute.Int("dlq.relocated", n))
	if n > 0 {
		s.logger.Info("dlq_failed_relocated", slog.Int("moved", n))
	}
	return n, nil
}
