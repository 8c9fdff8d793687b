package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	sqlite3 "modernc.org/sqlite"
)

const schemaVersion = 3

const schemaV1 = `
CREATE TABLE IF NOT EXISTS queues (
  id         TEXT PRIMARY KEY,
  name       TEXT NOT NULL,
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
  id                    TEXT PRIMARY KEY,
  queue_id              TEXT NOT NULL,
  message_type          TEXT NOT NULL,
  payload               TEXT NOT NULL,
  headers               TEXT NOT NULL,
  metadata              TEXT NOT NULL,
  priority              INTEGER NOT NULL,
  status                TEXT NOT NULL,
  attempt_count         INTEGER NOT NULL,
  max_attempts          INTEGER NOT NULL,
  visibility_timeout_at INTEGER,
  claimed_by            TEXT,
  scheduled_at          INTEGER,
  deduplication_id      TEXT,
  group_id              TEXT,
  correlation_id        TEXT,
  trace_id              TEXT,
  created_at            INTEGER NOT NULL,
  processing_started_at INTEGER,
  completed_at          INTEGER,
  last_error            TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_queue_status
  ON messages(queue_id, status, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_status_created
  ON messages(status, created_at);
`

const schemaV2 = `
CREATE TABLE IF NOT EXISTS dead_letters (
  id                  TEXT PRIMARY KEY,
  original_message_id TEXT NOT NULL,
  queue_id            TEXT NOT NULL,
  message_type        TEXT NOT NULL,
  payload             TEXT NOT NULL,
  headers             TEXT NOT NULL,
  metadata            TEXT NOT NULL,
  original_created_at INTEGER NOT NULL,
  moved_to_dlq_at     INTEGER NOT NULL,
  reason              TEXT NOT NULL,
  failure_count       INTEGER NOT NULL,
  last_error          TEXT,
  retry_count         INTEGER NOT NULL DEFAULT 0,
  retried_message_id  TEXT,
  last_retry_at       INTEGER,
  can_retry           INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_queue_moved
  ON dead_letters(queue_id, moved_to_dlq_at DESC);
CREATE INDEX IF NOT EXISTS idx_dead_letters_moved
  ON dead_letters(moved_to_dlq_at DESC, id DESC);
`

const schemaV3 = `
CREATE TABLE IF NOT EXISTS messages_archive (
  id                    TEXT PRIMARY KEY,
  queue_id              TEXT NOT NULL,
  message_type          TEXT NOT NULL,
  payload               TEXT NOT NULL,
  headers               TEXT NOT NULL,
  metadata              TEXT NOT NULL,
  priority              INTEGER NOT NULL,
  status                TEXT NOT NULL,
  attempt_count         INTEGER NOT NULL,
  max_attempts          INTEGER NOT NULL,
  visibility_timeout_at INTEGER,
  claimed_by            TEXT,
  scheduled_at          INTEGER,
  deduplication_id      TEXT,
  group_id              TEXT,
  correlation_id        TEXT,
  trace_id              TEXT,
  created_at            INTEGER NOT NULL,
  processing_started_at INTEGER,
  completed_at          INTEGER,
  last_error            TEXT,
  archived_at           INTEGER NOT NULL
);
`

const messageColumns = `id, queue_id, message_type, payload, headers, metadata,
  priority, status, attempt_count, max_attempts, visibility_timeout_at, claimed_by,
  scheduled_at, deduplication_id, group_id, correlation_id, trace_id,
  created_at, processing_started_at, completed_at, last_error`

const deadLetterColumns = `id, original_message_id, queue_id, message_type,
  payload, headers, metadata, original_created_at, moved_to_dlq_at, reason,
  failure_count, last_error, retry_count, retried_message_id, last_retry_at, can_retry`

type SQLiteOption func(*SQLiteStore)

func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

type SQLiteStore struct {
	db *sql.DB

	mu    sync.Mutex
	nowFn func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:    db,
		nowFn: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}

	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}

	return s.migrate(ctx)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	return s.withTx(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER NOT NULL
);
`); err != nil {
			return fmt.Errorf("sqlite: init migrations table: %w", err)
		}

		current, hasVersion, err := readSchemaVersion(ctx, conn)
		if err != nil {
			return err
		}
		if current > schemaVersion {
			return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, schemaVersion)
		}

		migrations := map[int]string{1: schemaV1, 2: schemaV2, 3: schemaV3}
		for v := current + 1; v <= schemaVersion; v++ {
			stmt, ok := migrations[v]
			if !ok {
				return fmt.Errorf("sqlite: unknown migration %d", v)
			}
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("sqlite: migrate v%d: %w", v, err)
			}
		}

		if !hasVersion || current != schemaVersion {
			return writeSchemaVersion(ctx, conn, schemaVersion)
		}
		return nil
	})
}

func readSchemaVersion(ctx context.Context, conn *sql.Conn) (int, bool, error) {
	var v int
	err := conn.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("sqlite: read schema_version: %w", err)
	}
	return v, true, nil
}

func writeSchemaVersion(ctx context.Context, conn *sql.Conn, v int) error {
	if _, err := conn.ExecContext(ctx, `INSERT OR REPLACE INTO schema_migrations(rowid, version) VALUES (1, ?);`, v); err != nil {
		return fmt.Errorf("sqlite: write schema_version: %w", err)
	}
	return nil
}

// withTx runs fn inside BEGIN IMMEDIATE on a dedicated connection so the
// write lock is taken up front.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(context.Background(), "ROLLBACK;")
	}()

	if err := fn(conn); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLiteStore) StoreMessage(ctx context.Context, m Message) error {
	m.normalize(s.now())
	_, err := s.db.ExecContext(ctx, `
INSERT INTO messages (`+messageColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  status = excluded.status,
  attempt_count = excluded.attempt_count,
  last_error = excluded.last_error;
`, sqliteMessageArgs(m)...)
	return wrapStorage("store_message", err)
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id uuid.UUID) (Message, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?;`, id.String())
	m, err := scanSQLiteMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, false, nil
		}
		return Message{}, false, wrapStorage("get_message", err)
	}
	return m, true, nil
}

func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, id uuid.UUID, status Status) error {
	now := s.now()
	closes := status == StatusCompleted || status == StatusFailed
	_, err := s.db.ExecContext(ctx, `
UPDATE messages
SET status = ?,
    completed_at = CASE WHEN ? THEN ? ELSE completed_at END
WHERE id = ?;
`, string(status), closes, now.UnixNano(), id.String())
	return wrapStorage("update_message_status", err)
}

func (s *SQLiteStore) TransitionMessage(ctx context.Context, m Message, from Status) error {
	m.normalize(s.now())
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
UPDATE messages
SET priority = ?, status = ?, attempt_count = ?, max_attempts = ?,
    visibility_timeout_at = ?, claimed_by = ?, scheduled_at = ?,
    processing_started_at = ?, completed_at = ?, last_error = ?
WHERE id = ? AND status = ?;
`,
			m.Priority,
			string(m.Status),
			m.AttemptCount,
			m.MaxAttempts,
			nullUnixNano(m.VisibilityTimeoutAt),
			nullIfEmpty(m.ClaimedBy),
			nullUnixNano(m.ScheduledAt),
			nullUnixNano(m.ProcessingStartedAt),
			nullUnixNano(m.CompletedAt),
			nullIfEmpty(m.LastError),
			m.ID.String(),
			string(from),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		var exists int
		err = conn.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?;`, m.ID.String()).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound(m.ID)
		}
		if err != nil {
			return err
		}
		return ErrStatusConflict
	})
	return wrapStorage("transition_message", err)
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?;`, id.String())
	if err != nil {
		return false, wrapStorage("delete_message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapStorage("delete_message", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) QueryMessages(ctx context.Context, filter MessageFilter, offset, limit int) ([]Message, int64, error) {
	offset, limit = clampPage(offset, limit)

	total, err := s.CountMessages(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	b := messageWhere(dialectSQLite, filter)
	query := `SELECT ` + messageColumns + ` FROM messages` + b.sql() + messageOrderSQL + b.paginate(offset, limit)
	rows, err := s.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, 0, wrapStorage("query_messages", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, 0, wrapStorage("query_messages", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrapStorage("query_messages", err)
	}
	return out, total, nil
}

func (s *SQLiteStore) BatchStoreMessages(ctx context.Context, msgs []Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	now := s.now()
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		for _, m := range msgs {
			m.normalize(now)
			if _, err := conn.ExecContext(ctx, `
INSERT INTO messages (`+messageColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, sqliteMessageArgs(m)...); err != nil {
				return mapMessageInsertError(err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, wrapStorage("batch_store_messages", err)
	}
	return len(msgs), nil
}

func (s *SQLiteStore) BatchDeleteMessages(ctx context.Context, ids []uuid.UUID) (int64, error) {
	ids = normalizeUniqueIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}
	var deleted int64
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		for _, id := range ids {
			res, err := conn.ExecContext(ctx, `DELETE FROM messages WHERE id = ?;`, id.String())
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			deleted += n
		}
		return nil
	})
	if err != nil {
		return 0, wrapStorage("batch_delete_messages", err)
	}
	return deleted, nil
}

func (s *SQLiteStore) CountMessages(ctx context.Context, filter MessageFilter) (int64, error) {
	b := messageWhere(dialectSQLite, filter)
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`+b.sql()+`;`, b.args...).Scan(&n); err != nil {
		return 0, wrapStorage("count_messages", err)
	}
	return n, nil
}

func (s *SQLiteStore) ArchiveMessages(ctx context.Context, before time.Time, status Status) (int64, error) {
	now := s.now()
	var moved int64
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `
INSERT OR REPLACE INTO messages_archive (`+messageColumns+`, archived_at)
SELECT `+messageColumns+`, ?
FROM messages
WHERE status = ? AND created_at < ?;
`, now.UnixNano(), string(status), before.UnixNano()); err != nil {
			return err
		}
		res, err := conn.ExecContext(ctx, `DELETE FROM messages WHERE status = ? AND created_at < ?;`, string(status), before.UnixNano())
		if err != nil {
			return err
		}
		moved, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, wrapStorage("archive_messages", err)
	}
	return moved, nil
}

func (s *SQLiteStore) StorageStats(ctx context.Context) (StorageStats, error) {
	out := StorageStats{ByStatus: newStatusCounts()}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM messages GROUP BY status;`)
	if err != nil {
		return StorageStats{}, wrapStorage("storage_stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return StorageStats{}, wrapStorage("storage_stats", err)
		}
		out.ByStatus[ParseStatus(status)] += n
		out.TotalMessages += n
	}
	if err := rows.Err(); err != nil {
		return StorageStats{}, wrapStorage("storage_stats", err)
	}

	var oldest, newest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
SELECT MIN(created_at), MAX(created_at), (SELECT COUNT(*) FROM queues)
FROM messages;
`).Scan(&oldest, &newest, &out.TotalQueues); err != nil {
		return StorageStats{}, wrapStorage("storage_stats", err)
	}
	out.OldestMessage = timeFromNullNanos(oldest)
	out.NewestMessage = timeFromNullNanos(newest)

	if err := s.db.QueryRowContext(ctx, `
SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size();
`).Scan(&out.TotalSizeBytes); err != nil {
		return StorageStats{}, wrapStorage("storage_stats", err)
	}
	return out, nil
}

func (s *SQLiteStore) UpsertQueue(ctx context.Context, q Queue) error {
	if q.ID == uuid.Nil {
		return errors.New("queue id is required")
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO queues (id, name, created_at) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET name = excluded.name;
`, q.ID.String(), strings.TrimSpace(q.Name), q.CreatedAt.UnixNano())
	return wrapStorage("upsert_queue", err)
}

func (s *SQLiteStore) GetQueue(ctx context.Context, id uuid.UUID) (Queue, bool, error) {
	var q Queue
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM queues WHERE id = ?;`, id.String()).
		Scan(&q.ID, &q.Name, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Queue{}, false, nil
		}
		return Queue{}, false, wrapStorage("get_queue", err)
	}
	q.CreatedAt = time.Unix(0, createdAt).UTC()
	return q, true, nil
}

func (s *SQLiteStore) ListQueues(ctx context.Context) ([]Queue, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM queues ORDER BY name ASC, id ASC;`)
	if err != nil {
		return nil, wrapStorage("list_queues", err)
	}
	defer rows.Close()

	out := make([]Queue, 0)
	for rows.Next() {
		var q Queue
		var createdAt int64
		if err := rows.Scan(&q.ID, &q.Name, &createdAt); err != nil {
			return nil, wrapStorage("list_queues", err)
		}
		q.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("list_queues", err)
	}
	return out, nil
}

func (s *SQLiteStore) MoveToDeadLetter(ctx context.Context, messageID uuid.UUID, reason string, now time.Time) (DeadLetter, error) {
	var dl DeadLetter
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?;`, messageID.String())
		m, err := scanSQLiteMessage(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return notFound(messageID)
			}
			return err
		}
		if m.Status.Terminal() {
			return ErrInvalidTransition
		}

		dl = NewDeadLetter(m, reason, now)
		if _, err := conn.ExecContext(ctx, `
INSERT INTO dead_letters (`+deadLetterColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, sqliteDeadLetterArgs(dl)...); err != nil {
			return err
		}

		_, err = conn.ExecContext(ctx, `
UPDATE messages
SET status = ?, completed_at = ?, visibility_timeout_at = NULL
WHERE id = ?;
`, string(StatusDeadLetter), now.UnixNano(), messageID.String())
		return err
	})
	if err != nil {
		return DeadLetter{}, wrapStorage("move_to_dead_letter", err)
	}
	return dl, nil
}

func (s *SQLiteStore) RetryDeadLetter(ctx context.Context, dlqID, newMessageID, targetQueueID uuid.UUID, now time.Time) (Message, error) {
	var m Message
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?;`, dlqID.String())
		dl, err := scanSQLiteDeadLetter(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return notFound(dlqID)
			}
			return err
		}

		m = MessageFromDeadLetter(dl, newMessageID, now)
		if targetQueueID != uuid.Nil {
			m.QueueID = targetQueueID
		}
		if _, err := conn.ExecContext(ctx, `
INSERT INTO messages (`+messageColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, sqliteMessageArgs(m)...); err != nil {
			return mapMessageInsertError(err)
		}

		_, err = conn.ExecContext(ctx, `
UPDATE dead_letters
SET retry_count = retry_count + 1, retried_message_id = ?, last_retry_at = ?
WHERE id = ?;
`, m.ID.String(), now.UnixNano(), dlqID.String())
		return err
	})
	if err != nil {
		return Message{}, wrapStorage("retry_dead_letter", err)
	}
	return m, nil
}

func (s *SQLiteStore) GetDeadLetter(ctx context.Context, id uuid.UUID) (DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?;`, id.String())
	dl, err := scanSQLiteDeadLetter(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DeadLetter{}, notFound(id)
		}
		return DeadLetter{}, wrapStorage("get_dead_letter", err)
	}
	return dl, nil
}

func (s *SQLiteStore) ListDeadLetters(ctx context.Context, filter DeadLetterFilter, offset, limit int) ([]DeadLetter, int64, error) {
	offset, limit = clampPage(offset, limit)

	b := deadLetterWhere(dialectSQLite, filter)
	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`+b.sql()+`;`, b.args...).Scan(&total); err != nil {
		return nil, 0, wrapStorage("list_dead_letters", err)
	}

	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters` + b.sql() + deadLetterOrderSQL(filter.Order) + b.paginate(offset, limit)
	rows, err := s.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, 0, wrapStorage("list_dead_letters", err)
	}
	defer rows.Close()

	out := make([]DeadLetter, 0)
	for rows.Next() {
		dl, err := scanSQLiteDeadLetter(rows)
		if err != nil {
			return nil, 0, wrapStorage("list_dead_letters", err)
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrapStorage("list_dead_letters", err)
	}
	return out, total, nil
}

func (s *SQLiteStore) DeleteDeadLetter(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?;`, id.String())
	if err != nil {
		return false, wrapStorage("delete_dead_letter", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapStorage("delete_dead_letter", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) PurgeDeadLetters(ctx context.Context, filter DeadLetterFilter) (int64, error) {
	b := deadLetterWhere(dialectSQLite, filter)
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters`+b.sql()+`;`, b.args...)
	if err != nil {
		return 0, wrapStorage("purge_dead_letters", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapStorage("purge_dead_letters", err)
	}
	return n, nil
}

func (s *SQLiteStore) SetDeadLetterRetryable(ctx context.Context, id uuid.UUID, canRetry bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE dead_letters SET can_retry = ? WHERE id = ?;`, canRetry, id.String())
	if err != nil {
		return wrapStorage("set_dead_letter_retryable", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapStorage("set_dead_letter_retryable", err)
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

func (s *SQLiteStore) DeadLetterStats(ctx context.Context, now time.Time) (DeadLetterStats, error) {
	out := DeadLetterStats{
		ByQueue:  []QueueCount{},
		ByReason: []ReasonCount{},
	}

	var oldest, newest sql.NullInt64
	var avgAgeNanos sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), MIN(moved_to_dlq_at), MAX(moved_to_dlq_at),
  COALESCE(SUM(can_retry), 0), AVG(? - moved_to_dlq_at)
FROM dead_letters;
`, now.UnixNano()).Scan(&out.Total, &oldest, &newest, &out.RetryPending, &avgAgeNanos); err != nil {
		return DeadLetterStats{}, wrapStorage("dead_letter_stats", err)
	}
	out.Oldest = timeFromNullNanos(oldest)
	out.Newest = timeFromNullNanos(newest)
	if avgAgeNanos.Valid {
		out.AvgAgeHours = avgAgeNanos.Float64 / float64(time.Hour)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT d.queue_id, COALESCE(q.name, ''), COUNT(*)
FROM dead_letters d
LEFT JOIN queues q ON q.id = d.queue_id
GROUP BY d.queue_id, q.name;
`)
	if err != nil {
		return DeadLetterStats{}, wrapStorage("dead_letter_stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var qc QueueCount
		if err := rows.Scan(&qc.QueueID, &qc.Name, &qc.Count); err != nil {
			return DeadLetterStats{}, wrapStorage("dead_letter_stats", err)
		}
		out.ByQueue = append(out.ByQueue, qc)
	}
	if err := rows.Err(); err != nil {
		return DeadLetterStats{}, wrapStorage("dead_letter_stats", err)
	}

	reasonRows, err := s.db.QueryContext(ctx, `SELECT reason, COUNT(*) FROM dead_letters GROUP BY reason;`)
	if err != nil {
		return DeadLetterStats{}, wrapStorage("dead_letter_stats", err)
	}
	defer reasonRows.Close()
	for reasonRows.Next() {
		var rc ReasonCount
		if err := reasonRows.Scan(&rc.Reason, &rc.Count); err != nil {
			return DeadLetterStats{}, wrapStorage("dead_letter_stats", err)
		}
		out.ByReason = append(out.ByReason, rc)
	}
	if err := reasonRows.Err(); err != nil {
		return DeadLetterStats{}, wrapStorage("dead_letter_stats", err)
	}

	sortQueueCounts(out.ByQueue)
	sortReasonCounts(out.ByReason)
	return out, nil
}

func (s *SQLiteStore) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFn().UTC()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func sqliteMessageArgs(m Message) []any {
	return []any{
		m.ID.String(),
		m.QueueID.String(),
		m.MessageType,
		string(m.Payload),
		string(m.Headers),
		string(m.Metadata),
		m.Priority,
		string(m.Status),
		m.AttemptCount,
		m.MaxAttempts,
		nullUnixNano(m.VisibilityTimeoutAt),
		nullIfEmpty(m.ClaimedBy),
		nullUnixNano(m.ScheduledAt),
		nullIfEmpty(m.DeduplicationID),
		nullIfEmpty(m.GroupID),
		nullIfEmpty(m.CorrelationID),
		nullIfEmpty(m.TraceID),
		m.CreatedAt.UnixNano(),
		nullUnixNano(m.ProcessingStartedAt),
		nullUnixNano(m.CompletedAt),
		nullIfEmpty(m.LastError),
	}
}

func scanSQLiteMessage(row rowScanner) (Message, error) {
	var (
		m                                    Message
		status                               string
		payload, headers, metadata           []byte
		visibility, scheduled, started, done sql.NullInt64
		claimedBy, dedup, group, corr, trace sql.NullString
		lastError                            sql.NullString
		createdAt                            int64
	)
	if err := row.Scan(
		&m.ID,
		&m.QueueID,
		&m.MessageType,
		&payload,
		&headers,
		&metadata,
		&m.Priority,
		&status,
		&m.AttemptCount,
		&m.MaxAttempts,
		&visibility,
		&claimedBy,
		&scheduled,
		&dedup,
		&group,
		&corr,
		&trace,
		&createdAt,
		&started,
		&done,
		&lastError,
	); err != nil {
		return Message{}, err
	}
	m.Payload = payload
	m.Headers = headers
	m.Metadata = metadata
	m.Status = ParseStatus(status)
	m.VisibilityTimeoutAt = timeFromNullNanos(visibility)
	m.ScheduledAt = timeFromNullNanos(scheduled)
	m.CreatedAt = time.Unix(0, createdAt).UTC()
	m.ProcessingStartedAt = timeFromNullNanos(started)
	m.CompletedAt = timeFromNullNanos(done)
	m.ClaimedBy = claimedBy.String
	m.DeduplicationID = dedup.String
	m.GroupID = group.String
	m.CorrelationID = corr.String
	m.TraceID = trace.String
	m.LastError = lastError.String
	return m, nil
}

func sqliteDeadLetterArgs(dl DeadLetter) []any {
	var retried any
	if dl.RetriedMessageID != nil {
		retried = dl.RetriedMessageID.String()
	}
	return []any{
		dl.ID.String(),
		dl.OriginalMessageID.String(),
		dl.QueueID.String(),
		dl.MessageType,
		string(dl.Payload),
		string(dl.Headers),
		string(dl.Metadata),
		dl.OriginalCreatedAt.UnixNano(),
		dl.MovedToDLQAt.UnixNano(),
		dl.Reason,
		dl.FailureCount,
		nullIfEmpty(dl.LastError),
		dl.RetryCount,
		retried,
		nullUnixNano(dl.LastRetryAt),
		dl.CanRetry,
	}
}

func scanSQLiteDeadLetter(row rowScanner) (DeadLetter, error) {
	var (
		dl                         DeadLetter
		payload, headers, metadata []byte
		originalCreatedAt, movedAt int64
		lastError                  sql.NullString
		retried                    uuid.NullUUID
		lastRetryAt                sql.NullInt64
	)
	if err := row.Scan(
		&dl.ID,
		&dl.OriginalMessageID,
		&dl.QueueID,
		&dl.MessageType,
		&payload,
		&headers,
		&metadata,
		&originalCreatedAt,
		&movedAt,
		&dl.Reason,
		&dl.FailureCount,
		&lastError,
		&dl.RetryCount,
		&retried,
		&lastRetryAt,
		&dl.CanRetry,
	); err != nil {
		return DeadLetter{}, err
	}
	dl.Payload = payload
	dl.Headers = headers
	dl.Metadata = metadata
	dl.OriginalCreatedAt = time.Unix(0, originalCreatedAt).UTC()
	dl.MovedToDLQAt = time.Unix(0, movedAt).UTC()
	dl.LastError = lastError.String
	if retried.Valid {
		id := retried.UUID
		dl.RetriedMessageID = &id
	}
	dl.LastRetryAt = timeFromNullNanos(lastRetryAt)
	return dl, nil
}

func nullUnixNano(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func timeFromNullNanos(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64).UTC()
}

func mapMessageInsertError(err error) error {
	if err == nil {
		return nil
	}
	if isSQLiteConstraintError(err) {
		return ErrMessageExists
	}
	return err
}

func isSQLiteConstraintError(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended sqlite result codes include base code in the lower 8 bits.
	const sqliteConstraintBase = 19
	return sqliteErr.Code()&0xff == sqliteConstraintBase
}
