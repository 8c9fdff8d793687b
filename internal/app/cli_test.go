package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nuetzliches/reliq/internal/queue"
)

const testQueueID = "6f1c2d9e-3b1a-4c55-9e61-0a2b3c4d5e6f"

type cliFixture struct {
	dir        string
	configPath string
	dbPath     string
	exportDir  string
	queueID    uuid.UUID
}

func newCLIFixture(t *testing.T) cliFixture {
	t.Helper()
	dir := t.TempDir()
	f := cliFixture{
		dir:        dir,
		configPath: filepath.Join(dir, "reliq.yaml"),
		dbPath:     filepath.Join(dir, "reliq.db"),
		exportDir:  filepath.Join(dir, "exports"),
		queueID:    uuid.MustParse(testQueueID),
	}
	cfg := fmt.Sprintf(`storage:
  driver: sqlite
  sqlite_path: %q
dlq:
  queues:
    - id: %s
      name: orders
export:
  dir: %q
`, f.dbPath, testQueueID, f.exportDir)
	if err := os.WriteFile(f.configPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return f
}

func (f cliFixture) withStore(t *testing.T, fn func(ctx context.Context, store *queue.SQLiteStore)) {
	t.Helper()
	store, err := queue.NewSQLiteStore(f.dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = store.Close() }()
	fn(context.Background(), store)
}

// seedMessages stores n pending messages created at createdAt.
func (f cliFixture) seedMessages(t *testing.T, n, maxAttempts int, createdAt time.Time) []queue.Message {
	t.Helper()
	var out []queue.Message
	f.withStore(t, func(ctx context.Context, store *queue.SQLiteStore) {
		for i := 0; i < n; i++ {
			m := queue.NewMessage(f.queueID, "order.created", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)), createdAt)
			m.MaxAttempts = maxAttempts
			if err := store.StoreMessage(ctx, m); err != nil {
				t.Fatalf("store message: %v", err)
			}
			out = append(out, m)
		}
	})
	return out
}

// seedDeadLetters stores n messages and moves each to the dead letter
// queue at movedAt.
func (f cliFixture) seedDeadLetters(t *testing.T, n int, reason string, movedAt time.Time) []queue.DeadLetter {
	t.Helper()
	msgs := f.seedMessages(t, n, queue.DefaultMaxAttempts, movedAt.Add(-time.Minute))
	var out []queue.DeadLetter
	f.withStore(t, func(ctx context.Context, store *queue.SQLiteStore) {
		for i, m := range msgs {
			dl, err := store.MoveToDeadLetter(ctx, m.ID, reason, movedAt.Add(time.Duration(i)*time.Millisecond))
			if err != nil {
				t.Fatalf("move to dlq: %v", err)
			}
			out = append(out, dl)
		}
	})
	return out
}

type cliResult struct {
	code   int
	stdout string
	stderr string
}

func runCLI(run func(args []string, stdout, stderr *bytes.Buffer) int, args ...string) cliResult {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return cliResult{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func dlqCLI(args ...string) cliResult {
	return runCLI(func(a []string, out, errOut *bytes.Buffer) int { return runDLQCmd(a, out, errOut) }, args...)
}

func messagesCLI(args ...string) cliResult {
	return runCLI(func(a []string, out, errOut *bytes.Buffer) int { return runMessagesCmd(a, out, errOut) }, args...)
}

func decodeJSON(t *testing.T, r cliResult, v any) {
	t.Helper()
	if r.code != 0 {
		t.Fatalf("exit code=%d, want 0 (stderr=%q)", r.code, r.stderr)
	}
	if err := json.Unmarshal([]byte(r.stdout), v); err != nil {
		t.Fatalf("decode output: %v\n%s", err, r.stdout)
	}
}

func TestParseOptionalUUID(t *testing.T) {
	id, err := parseOptionalUUID("queue", "")
	if err != nil || id != nil {
		t.Fatalf("empty: got=%v err=%v, want nil nil", id, err)
	}
	id, err = parseOptionalUUID("queue", " "+testQueueID+" ")
	if err != nil || id == nil || id.String() != testQueueID {
		t.Fatalf("valid: got=%v err=%v", id, err)
	}
	if _, err := parseOptionalUUID("queue", "nope"); err == nil {
		t.Fatalf("expected error for invalid uuid")
	}
}

func TestExitCode(t *testing.T) {
	var stderr bytes.Buffer
	if got := exitCode(&stderr, "x", nil); got != 0 {
		t.Fatalf("nil err: got=%d, want 0", got)
	}
	if got := exitCode(&stderr, "x", fmt.Errorf("%w: bad flag", errUsage)); got != 2 {
		t.Fatalf("usage err: got=%d, want 2", got)
	}
	if got := exitCode(&stderr, "x", queue.ErrMessageNotFound); got != 1 {
		t.Fatalf("runtime err: got=%d, want 1", got)
	}
}
