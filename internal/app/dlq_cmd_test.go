package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nuetzliches/reliq/internal/queue"
)

func TestDLQCmd_Usage(t *testing.T) {
	if r := dlqCLI(); r.code != 2 || !strings.Contains(r.stderr, "missing subcommand") {
		t.Fatalf("no args: code=%d stderr=%q", r.code, r.stderr)
	}
	if r := dlqCLI("nope"); r.code != 2 || !strings.Contains(r.stderr, "unknown dlq subcommand") {
		t.Fatalf("unknown: code=%d stderr=%q", r.code, r.stderr)
	}
	if r := dlqCLI("stats", "--bogus"); r.code != 2 {
		t.Fatalf("bad flag: code=%d, want 2", r.code)
	}
}

func TestDLQCmd_MissingConfig(t *testing.T) {
	r := dlqCLI("stats", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	if r.code != 1 {
		t.Fatalf("code=%d, want 1 (stderr=%q)", r.code, r.stderr)
	}
}

func TestDLQCmd_StatsAndList(t *testing.T) {
	f := newCLIFixture(t)
	f.seedDeadLetters(t, 2, "max_attempts_exceeded", time.Now().UTC())

	var st queue.DeadLetterStats
	decodeJSON(t, dlqCLI("stats", "--config", f.configPath), &st)
	if st.Total != 2 {
		t.Fatalf("total=%d, want 2", st.Total)
	}
	if len(st.ByQueue) != 1 || st.ByQueue[0].Name != "orders" || st.ByQueue[0].Count != 2 {
		t.Fatalf("by_queue=%+v, want orders=2", st.ByQueue)
	}

	var list struct {
		Items []queue.DeadLetter `json:"items"`
		Total int64              `json:"total"`
	}
	decodeJSON(t, dlqCLI("list", "--config", f.configPath, "--queue", testQueueID, "--limit", "1"), &list)
	if list.Total != 2 || len(list.Items) != 1 {
		t.Fatalf("list total=%d items=%d, want 2 and 1", list.Total, len(list.Items))
	}

	if r := dlqCLI("list", "--config", f.configPath, "--queue", "not-a-uuid"); r.code != 2 {
		t.Fatalf("bad queue: code=%d, want 2", r.code)
	}
}

func TestDLQCmd_GetRetryDelete(t *testing.T) {
	f := newCLIFixture(t)
	dl := f.seedDeadLetters(t, 1, "handler_error", time.Now().UTC())[0]
	id := dl.ID.String()

	var got queue.DeadLetter
	decodeJSON(t, dlqCLI("get", "--config", f.configPath, id), &got)
	if got.Reason != "handler_error" || got.OriginalMessageID != dl.OriginalMessageID {
		t.Fatalf("get=%+v", got)
	}

	var retried struct {
		MessageID uuid.UUID `json:"message_id"`
	}
	decodeJSON(t, dlqCLI("retry", "--config", f.configPath, id), &retried)
	if retried.MessageID == uuid.Nil {
		t.Fatalf("retry returned nil message id")
	}
	f.withStore(t, func(ctx context.Context, store *queue.SQLiteStore) {
		m, ok, err := store.GetMessage(ctx, retried.MessageID)
		if err != nil || !ok {
			t.Fatalf("retried message: ok=%v err=%v", ok, err)
		}
		if m.Status != queue.StatusPending || m.QueueID != f.queueID {
			t.Fatalf("retried message status=%s queue=%s", m.Status, m.QueueID)
		}
	})

	var deleted struct {
		Deleted bool `json:"deleted"`
	}
	decodeJSON(t, dlqCLI("delete", "--config", f.configPath, id), &deleted)
	if !deleted.Deleted {
		t.Fatalf("expected deleted=true")
	}
	if r := dlqCLI("delete", "--config", f.configPath, id); r.code != 1 {
		t.Fatalf("second delete: code=%d, want 1", r.code)
	}
	if r := dlqCLI("get", "--config", f.configPath, id); r.code != 1 {
		t.Fatalf("get deleted: code=%d, want 1", r.code)
	}
	if r := dlqCLI("get", "--config", f.configPath); r.code != 2 {
		t.Fatalf("get without id: code=%d, want 2", r.code)
	}
}

func TestDLQCmd_QuarantineExcludesFromBulkRetry(t *testing.T) {
	f := newCLIFixture(t)
	dls := f.seedDeadLetters(t, 3, "timeout", time.Now().UTC())

	if r := dlqCLI("quarantine", "--config", f.configPath, dls[0].ID.String()); r.code != 0 {
		t.Fatalf("quarantine: code=%d stderr=%q", r.code, r.stderr)
	}

	var out struct {
		Retried    int         `json:"retried"`
		MessageIDs []uuid.UUID `json:"message_ids"`
	}
	decodeJSON(t, dlqCLI("bulk-retry", "--config", f.configPath, "--reason", "time"), &out)
	if out.Retried != 2 || len(out.MessageIDs) != 2 {
		t.Fatalf("retried=%d ids=%d, want 2", out.Retried, len(out.MessageIDs))
	}

	var q queue.DeadLetter
	decodeJSON(t, dlqCLI("get", "--config", f.configPath, dls[0].ID.String()), &q)
	if q.CanRetry || q.RetryCount != 0 {
		t.Fatalf("quarantined entry can_retry=%v retry_count=%d", q.CanRetry, q.RetryCount)
	}
}

func TestDLQCmd_Purge(t *testing.T) {
	f := newCLIFixture(t)
	now := time.Now().UTC()
	f.seedDeadLetters(t, 2, "old", now.Add(-48*time.Hour))
	f.seedDeadLetters(t, 1, "fresh", now)

	if r := dlqCLI("purge", "--config", f.configPath); r.code != 2 {
		t.Fatalf("purge without --older-than: code=%d, want 2", r.code)
	}

	var out struct {
		Purged int64 `json:"purged"`
	}
	decodeJSON(t, dlqCLI("purge", "--config", f.configPath, "--older-than", "24h"), &out)
	if out.Purged != 2 {
		t.Fatalf("purged=%d, want 2", out.Purged)
	}

	var st queue.DeadLetterStats
	decodeJSON(t, dlqCLI("stats", "--config", f.configPath), &st)
	if st.Total != 1 {
		t.Fatalf("remaining=%d, want 1", st.Total)
	}
}

func TestDLQCmd_Cleanup(t *testing.T) {
	f := newCLIFixture(t)
	now := time.Now().UTC()
	f.seedDeadLetters(t, 1, "ancient", now.AddDate(0, 0, -40))
	f.seedDeadLetters(t, 1, "recent", now.AddDate(0, 0, -2))

	// Default policy retention removes only the 40 day old entry.
	var out struct {
		Removed int64 `json:"removed"`
	}
	decodeJSON(t, dlqCLI("cleanup", "--config", f.configPath), &out)
	if out.Removed != 1 {
		t.Fatalf("policy cleanup removed=%d, want 1", out.Removed)
	}

	decodeJSON(t, dlqCLI("cleanup", "--config", f.configPath, "--retention-days", "1"), &out)
	if out.Removed != 1 {
		t.Fatalf("override cleanup removed=%d, want 1", out.Removed)
	}
}

func TestDLQCmd_ExportCSVToFile(t *testing.T) {
	f := newCLIFixture(t)
	f.seedDeadLetters(t, 2, "boom", time.Now().UTC())
	out := filepath.Join(f.dir, "dlq.csv")

	if r := dlqCLI("export", "--config", f.configPath, "--format", "csv", "--out", out); r.code != 0 {
		t.Fatalf("export: code=%d stderr=%q", r.code, r.stderr)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%d, want header plus 2\n%s", len(lines), data)
	}
	if !strings.HasPrefix(lines[0], "id,original_message_id,queue_id") {
		t.Fatalf("unexpected header %q", lines[0])
	}

	if r := dlqCLI("export", "--config", f.configPath, "--format", "xml"); r.code != 2 {
		t.Fatalf("bad format: code=%d, want 2", r.code)
	}
}

func TestDLQCmd_ExportToSink(t *testing.T) {
	f := newCLIFixture(t)
	f.seedDeadLetters(t, 1, "boom", time.Now().UTC())

	var out struct {
		Object string `json:"object"`
		Bytes  int    `json:"bytes"`
	}
	decodeJSON(t, dlqCLI("export", "--config", f.configPath, "--queue", testQueueID, "--sink"), &out)
	if !strings.HasPrefix(out.Object, testQueueID+"/") || !strings.HasSuffix(out.Object, ".json") {
		t.Fatalf("object=%q", out.Object)
	}
	info, err := os.Stat(filepath.Join(f.exportDir, filepath.FromSlash(out.Object)))
	if err != nil {
		t.Fatalf("stat exported object: %v", err)
	}
	if int(info.Size()) != out.Bytes {
		t.Fatalf("size=%d, want %d", info.Size(), out.Bytes)
	}

	if r := dlqCLI("export", "--config", f.configPath, "--sink", "--out", "x.json"); r.code != 2 {
		t.Fatalf("--sink with --out: code=%d, want 2", r.code)
	}
}
