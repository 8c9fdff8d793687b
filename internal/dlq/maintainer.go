package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nuetzliches/reliq/internal/queue"
)

const (
	DefaultCleanupInterval = time.Hour
	DefaultAutoRetryTick   = time.Minute

	autoRetryPageSize = 500
)

type MaintainerOption func(*Maintainer)

func WithCleanupInterval(d time.Duration) MaintainerOption {
	return func(m *Maintainer) {
		if d > 0 {
			m.cleanupInterval = d
		}
	}
}

func WithAutoRetryTick(d time.Duration) MaintainerOption {
	return func(m *Maintainer) {
		if d > 0 {
			m.autoRetryTick = d
		}
	}
}

// WithArchiveSink exports entries past retention to sink before cleanup
// removes them.
func WithArchiveSink(sink ExportSink, format Format) MaintainerOption {
	return func(m *Maintainer) {
		m.sink = sink
		if format != "" {
			m.archiveFormat = format
		}
	}
}

// Maintainer applies the service's policies on a schedule.
type Maintainer struct {
	svc             *Service
	logger          *slog.Logger
	cleanupInterval time.Duration
	autoRetryTick   time.Duration
	sink            ExportSink
	archiveFormat   Format
}

func NewMaintainer(svc *Service, opts ...MaintainerOption) *Maintainer {
	m := &Maintainer{
		svc:             svc,
		logger:          svc.logger,
		cleanupInterval: DefaultCleanupInterval,
		autoRetryTick:   DefaultAutoRetryTick,
		archiveFormat:   FormatJSON,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run blocks until ctx is done. Cleanup runs once on start.
func (m *Maintainer) Run(ctx context.Context) error {
	m.cleanupTick(ctx, "startup")

	cleanup := time.NewTicker(m.cleanupInterval)
	defer cleanup.Stop()
	retry := time.NewTicker(m.autoRetryTick)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-cleanup.C:
			m.cleanupTick(ctx, "interval")
		case <-retry.C:
			if _, err := m.RunAutoRetry(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("dlq_auto_retry_failed", slog.Any("err", err))
			}
		}
	}
}

func (m *Maintainer) cleanupTick(ctx context.Context, trigger string) {
	if _, err := m.svc.RelocateFailed(ctx); err != nil && ctx.Err() == nil {
		m.logger.Warn("dlq_relocate_failed", slog.Any("err", err), slog.String("trigger", trigger))
	}
	if _, err := m.expire(ctx, m.sink); err != nil && ctx.Err() == nil {
		m.logger.Warn("dlq_cleanup_failed", slog.Any("err", err), slog.String("trigger", trigger))
	}
}

// queuesWithEntries lists every queue that currently holds dead letters.
func (m *Maintainer) queuesWithEntries(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	st, err := m.svc.store.DeadLetterStats(ctx, now)
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, len(st.ByQueue))
	for _, qc := range st.ByQueue {
		out = append(out, qc.QueueID)
	}
	sortIDs(out)
	return out, nil
}

// RunCleanup purges each queue's entries past its own retention. Queues
// without an override use the default policy; disabled policies are skipped.
func (m *Maintainer) RunCleanup(ctx context.Context) (int64, error) {
	return m.expire(ctx, nil)
}

// expire purges every queue's entries past retention. With a sink, a queue's
// entries are purged only after all of them were archived, using the same
// cutoff for both steps. A failed archive leaves that queue and every later
// one untouched.
func (m *Maintainer) expire(ctx context.Context, sink ExportSink) (int64, error) {
	now := m.svc.now()
	queues, err := m.queuesWithEntries(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("dlq: cleanup: %w", err)
	}
	ps := m.svc.Policies()
	var total int64
	for _, id := range queues {
		p := ps.For(id)
		if !p.Enabled || p.RetentionDays <= 0 {
			continue
		}
		cutoff := now.Add(-p.Retention())
		if sink != nil {
			if _, err := m.archiveQueue(ctx, sink, id, cutoff, now); err != nil {
				m.logger.Warn("dlq_archive_failed",
					slog.String("queue_id", id.String()),
					slog.Any("err", err),
				)
				return total, err
			}
		}
		n, err := m.svc.cleanupBefore(ctx, &id, cutoff, p.RetentionDays)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// ArchiveBefore writes every entry past its queue's retention to sink and
// returns the number of entries archived. Nothing is removed.
func (m *Maintainer) ArchiveBefore(ctx context.Context, sink ExportSink) (int, error) {
	now := m.svc.now()
	queues, err := m.queuesWithEntries(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("dlq: archive: %w", err)
	}
	ps := m.svc.Policies()
	archived := 0
	for _, id := range queues {
		p := ps.For(id)
		if !p.Enabled || p.Retention() == 0 {
			continue
		}
		n, err := m.archiveQueue(ctx, sink, id, now.Add(-p.Retention()), now)
		archived += n
		if err != nil {
			return archived, err
		}
	}
	return archived, nil
}

// archiveQueue writes a queue's entries moved before cutoff, oldest first,
// as objects of at most MaxExport entries each.
func (m *Maintainer) archiveQueue(ctx context.Context, sink ExportSink, queueID uuid.UUID, cutoff, now time.Time) (int, error) {
	archived := 0
	for part := 0; ; part++ {
		items, total, err := m.svc.store.ListDeadLetters(ctx, queue.DeadLetterFilter{
			QueueID:     &queueID,
			MovedBefore: cutoff,
			Order:       queue.DeadLetterOldestFirst,
		}, archived, MaxExport)
		if err != nil {
			return archived, fmt.Errorf("dlq: archive: %w", err)
		}
		if len(items) == 0 {
			return archived, nil
		}
		data, err := Encode(items, m.archiveFormat)
		if err != nil {
			return archived, fmt.Errorf("dlq: archive: %w", err)
		}
		name := archivePartName(queueID, now, m.archiveFormat, part)
		if err := sink.Put(ctx, name, data); err != nil {
			return archived, fmt.Errorf("dlq: archive %s: %w", name, err)
		}
		archived += len(items)
		m.logger.Info("dlq_archived",
			slog.String("queue_id", queueID.String()),
			slog.String("object", name),
			slog.Int("entries", len(items)),
		)
		if len(items) < MaxExport || int64(archived) >= total {
			return archived, nil
		}
	}
}

// ArchiveName is the sink object name for a queue's archive taken at now.
func ArchiveName(queueID uuid.UUID, now time.Time, f Format) string {
	return archivePartName(queueID, now, f, 0)
}

// archivePartName names the part-th object of one archive run. The first
// part keeps the plain ArchiveName.
func archivePartName(queueID uuid.UUID, now time.Time, f Format, part int) string {
	base := queueID.String() + "/" + now.UTC().Format("20060102T150405Z")
	if part > 0 {
		base += "-part" + strconv.Itoa(part+1)
	}
	return base + f.Extension()
}

// RunAutoRetry retries entries allowed by their queue's auto-retry policy and
// returns the new message ids.
func (m *Maintainer) RunAutoRetry(ctx context.Context) ([]uuid.UUID, error) {
	ps := m.svc.Policies()
	if !anyAutoRetry(ps) {
		return nil, nil
	}
	now := m.svc.now()
	var ids []uuid.UUID
	for offset := 0; ; offset += autoRetryPageSize {
		items, total, err := m.svc.store.ListDeadLetters(ctx, queue.DeadLetterFilter{
			RetryableOnly: true,
			Order:         queue.DeadLetterOldestFirst,
		}, offset, autoRetryPageSize)
		if err != nil {
			return ids, fmt.Errorf("dlq: auto retry: %w", err)
		}
		for _, dl := range items {
			p := ps.For(dl.QueueID)
			if !autoRetryDue(p, dl, now) {
				continue
			}
			id, err := m.svc.retry(ctx, dl.ID, p.TargetQueueID)
			if err != nil {
				m.logger.Warn("dlq_auto_retry_item_failed",
					slog.String("dlq_id", dl.ID.String()),
					slog.Any("err", err),
				)
				continue
			}
			ids = append(ids, id)
		}
		if len(items) < autoRetryPageSize || int64(offset+len(items)) >= total {
			break
		}
	}
	if len(ids) > 0 {
		m.logger.Info("dlq_auto_retry", slog.Int("retried", len(ids)))
	}
	return ids, nil
}

func anyAutoRetry(ps PolicySet) bool {
	if ps.Default.Enabled && ps.Default.AutoRetry.Enabled {
		return true
	}
	for _, p := range ps.Queues {
		if p.Enabled && p.AutoRetry.Enabled {
			return true
		}
	}
	return false
}

func autoRetryDue(p Policy, dl queue.DeadLetter, now time.Time) bool {
	ar := p.AutoRetry
	if !p.Enabled || !ar.Enabled || !dl.CanRetry {
		return false
	}
	if dl.RetryCount >= ar.MaxAttempts {
		return false
	}
	if !ar.Matches(dl.LastError, dl.Reason) {
		return false
	}
	last := dl.MovedToDLQAt
	if !dl.LastRetryAt.IsZero() {
		last = dl.LastRetryAt
	}
	return !now.Before(last.Add(ar.Interval))
}
