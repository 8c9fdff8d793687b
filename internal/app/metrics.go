package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nuetzliches/reliq/internal/events"
	"github.com/nuetzliches/reliq/internal/queue"
)

const (
	storeStatsTTL     = 10 * time.Second
	storeStatsTimeout = 5 * time.Second
)

type runtimeMetrics struct {
	tracingEnabled           atomic.Int64
	tracingInitFailuresTotal atomic.Int64
	tracingExportErrorsTotal atomic.Int64

	// Event counters fed by a bus subscription.
	enqueuedTotal          atomic.Int64
	movedToDLQTotal        atomic.Int64
	thresholdExceededTotal atomic.Int64
	movedMu                sync.Mutex
	movedByReason          map[string]int64

	bus   *events.Bus
	relay *events.KafkaRelay

	// Store for on-scrape stats
	store      queue.Store
	storeStats struct {
		mu         sync.Mutex
		ttl        time.Duration
		cached     storeSnapshot
		cachedAt   time.Time
		cachedOK   bool
		refreshing bool
	}
	now func() time.Time
}

type storeSnapshot struct {
	dlq     queue.DeadLetterStats
	storage queue.StorageStats
}

func newRuntimeMetrics() *runtimeMetrics {
	m := &runtimeMetrics{
		movedByReason: make(map[string]int64),
		now:           time.Now,
	}
	m.storeStats.ttl = storeStatsTTL
	return m
}

func (m *runtimeMetrics) setTracingEnabled(enabled bool) {
	if m == nil {
		return
	}
	if enabled {
		m.tracingEnabled.Store(1)
		return
	}
	m.tracingEnabled.Store(0)
}

func (m *runtimeMetrics) incTracingInitFailures() {
	if m == nil {
		return
	}
	m.tracingInitFailuresTotal.Add(1)
}

func (m *runtimeMetrics) incTracingExportErrors() {
	if m == nil {
		return
	}
	m.tracingExportErrorsTotal.Add(1)
}

func (m *runtimeMetrics) observeEvent(ev events.Event) {
	if m == nil {
		return
	}
	switch ev.Type {
	case events.TypeMessageEnqueued:
		m.enqueuedTotal.Add(1)
	case events.TypeMessageMovedToDLQ:
		m.movedToDLQTotal.Add(1)
		m.movedMu.Lock()
		m.movedByReason[ev.Reason]++
		m.movedMu.Unlock()
	case events.TypeDLQThresholdExceeded:
		m.thresholdExceededTotal.Add(1)
	}
}

// consume drains sub into the counters until ctx is done or sub closes.
func (m *runtimeMetrics) consume(ctx context.Context, sub *events.Subscription) error {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			m.observeEvent(ev)
		}
	}
}

func (m *runtimeMetrics) movedSnapshot() map[string]int64 {
	m.movedMu.Lock()
	defer m.movedMu.Unlock()
	out := make(map[string]int64, len(m.movedByReason))
	for k, v := range m.movedByReason {
		out[k] = v
	}
	return out
}

func (m *runtimeMetrics) storeSnapshot() (storeSnapshot, bool) {
	if m == nil || m.store == nil {
		return storeSnapshot{}, false
	}

	now := m.now()
	m.storeStats.mu.Lock()
	if m.storeStats.cachedOK && (m.storeStats.ttl <= 0 || now.Sub(m.storeStats.cachedAt) <= m.storeStats.ttl) {
		snap := m.storeStats.cached
		m.storeStats.mu.Unlock()
		return snap, true
	}

	// No cache yet: one blocking read seeds it.
	if !m.storeStats.cachedOK {
		if m.storeStats.refreshing {
			m.storeStats.mu.Unlock()
			return storeSnapshot{}, false
		}
		m.storeStats.refreshing = true
		m.storeStats.mu.Unlock()
		return m.refreshStoreStats()
	}

	// Stale: serve the old snapshot and refresh in background.
	if !m.storeStats.refreshing {
		m.storeStats.refreshing = true
		go m.refreshStoreStats()
	}
	snap := m.storeStats.cached
	m.storeStats.mu.Unlock()
	return snap, true
}

func (m *runtimeMetrics) refreshStoreStats() (storeSnapshot, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), storeStatsTimeout)
	defer cancel()

	at := m.now()
	var snap storeSnapshot
	dlqStats, err := m.store.DeadLetterStats(ctx, at)
	if err == nil {
		snap.dlq = dlqStats
		snap.storage, err = m.store.StorageStats(ctx)
	}

	m.storeStats.mu.Lock()
	defer m.storeStats.mu.Unlock()
	m.storeStats.refreshing = false
	if err == nil {
		m.storeStats.cached = snap
		m.storeStats.cachedAt = at
		m.storeStats.cachedOK = true
		return snap, true
	}
	if m.storeStats.cachedOK {
		return m.storeStats.cached, true
	}
	return storeSnapshot{}, false
}

func writeMetric(w io.Writer, name, kind, help string, value any) {
	_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	_, _ = fmt.Fprintf(w, "%s %v\n", name, value)
}

func writeMetricHeader(w io.Writer, name, kind, help string) {
	_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
}

func newMetricsHandler(version string, start time.Time, rm *runtimeMetrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		writeMetric(w, "reliq_up", "gauge", "Whether the reliq process is up.", 1)
		writeMetricHeader(w, "reliq_build_info", "gauge", "Build information.")
		_, _ = fmt.Fprintf(w, "reliq_build_info{version=%q} 1\n", version)
		writeMetric(w, "reliq_start_time_seconds", "gauge", "Start time since unix epoch.", start.Unix())
		if rm == nil {
			return
		}

		writeMetric(w, "reliq_tracing_enabled", "gauge", "Whether tracing is enabled.", rm.tracingEnabled.Load())
		writeMetric(w, "reliq_tracing_init_failures_total", "counter", "Total number of tracing initialization failures.", rm.tracingInitFailuresTotal.Load())
		writeMetric(w, "reliq_tracing_export_errors_total", "counter", "Total number of tracing exporter errors reported by OpenTelemetry.", rm.tracingExportErrorsTotal.Load())

		writeMetric(w, "reliq_messages_enqueued_total", "counter", "Total number of messages enqueued by DLQ retries.", rm.enqueuedTotal.Load())
		writeMetric(w, "reliq_dlq_moved_total", "counter", "Total number of messages moved to the dead letter queue.", rm.movedToDLQTotal.Load())
		moved := rm.movedSnapshot()
		reasons := make([]string, 0, len(moved))
		for reason := range moved {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		writeMetricHeader(w, "reliq_dlq_moved_by_reason_total", "counter", "Messages moved to the dead letter queue by reason.")
		for _, reason := range reasons {
			_, _ = fmt.Fprintf(w, "reliq_dlq_moved_by_reason_total{reason=%q} %d\n", reason, moved[reason])
		}
		writeMetric(w, "reliq_dlq_threshold_exceeded_total", "counter", "Total number of dead letter alert threshold crossings.", rm.thresholdExceededTotal.Load())

		if rm.bus != nil {
			st := rm.bus.Stats()
			writeMetric(w, "reliq_events_published_total", "counter", "Total number of events published on the bus.", st.TotalPublished)
			writeMetric(w, "reliq_events_dropped_total", "counter", "Total number of events dropped because a subscriber was full.", st.TotalDropped)
			writeMetric(w, "reliq_events_subscribers", "gauge", "Current number of bus subscribers.", st.Subscribers)
		}
		if rm.relay != nil {
			writeMetric(w, "reliq_kafka_relay_sent_total", "counter", "Total number of events relayed to Kafka.", rm.relay.Sent())
			writeMetric(w, "reliq_kafka_relay_failed_total", "counter", "Total number of events Kafka rejected.", rm.relay.Failed())
		}

		snap, ok := rm.storeSnapshot()
		if !ok {
			writeMetric(w, "reliq_store_stats_available", "gauge", "Whether store statistics could be read.", 0)
			return
		}
		writeMetric(w, "reliq_store_stats_available", "gauge", "Whether store statistics could be read.", 1)
		writeMetric(w, "reliq_dlq_messages", "gauge", "Current number of dead letter records.", snap.dlq.Total)
		writeMetric(w, "reliq_dlq_retry_pending", "gauge", "Dead letter records still eligible for retry.", snap.dlq.RetryPending)
		writeMetric(w, "reliq_dlq_avg_age_hours", "gauge", "Average dead letter record age in hours.", snap.dlq.AvgAgeHours)
		oldestAge := 0.0
		if !snap.dlq.Oldest.IsZero() {
			oldestAge = rm.now().Sub(snap.dlq.Oldest).Seconds()
		}
		writeMetric(w, "reliq_dlq_oldest_age_seconds", "gauge", "Age of the oldest dead letter record.", oldestAge)
		writeMetricHeader(w, "reliq_dlq_messages_by_queue", "gauge", "Current dead letter records by queue.")
		for _, qc := range snap.dlq.ByQueue {
			_, _ = fmt.Fprintf(w, "reliq_dlq_messages_by_queue{queue_id=%q,name=%q} %d\n", qc.QueueID.String(), qc.Name, qc.Count)
		}

		writeMetric(w, "reliq_queues", "gauge", "Registered queues.", snap.storage.TotalQueues)
		writeMetric(w, "reliq_storage_size_bytes", "gauge", "Approximate storage size in bytes.", snap.storage.TotalSizeBytes)
		writeMetricHeader(w, "reliq_messages", "gauge", "Current messages by status.")
		for _, status := range queue.AllStatuses() {
			_, _ = fmt.Fprintf(w, "reliq_messages{status=%q} %d\n", string(status), snap.storage.Count(status))
		}
	})
}

func newHealthHandler(store queue.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		body := map[string]any{"ok": true}
		status := http.StatusOK
		if err := store.Ping(ctx); err != nil {
			logger.Warn("healthz_store_unavailable", slog.Any("err", err))
			body = map[string]any{"ok": false, "error": "store unavailable"}
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})
}
