package queue

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresOption func(*PostgresStore)

type PostgresStore struct {
	db *sql.DB

	mu    sync.Mutex
	nowFn func() time.Time
}

var _ Store = (*PostgresStore)(nil)

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS queues (
  id         UUID PRIMARY KEY,
  name       TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
  id                    UUID PRIMARY KEY,
  queue_id              UUID NOT NULL,
  message_type          TEXT NOT NULL,
  payload               JSONB NOT NULL,
  headers               JSONB NOT NULL DEFAULT '{}'::jsonb,
  metadata              JSONB NOT NULL DEFAULT '{}'::jsonb,
  priority              INTEGER NOT NULL,
  status                TEXT NOT NULL,
  attempt_count         INTEGER NOT NULL,
  max_attempts          INTEGER NOT NULL,
  visibility_timeout_at TIMESTAMPTZ,
  claimed_by            TEXT,
  scheduled_at          TIMESTAMPTZ,
  deduplication_id      TEXT,
  group_id              TEXT,
  correlation_id        TEXT,
  trace_id              TEXT,
  created_at            TIMESTAMPTZ NOT NULL,
  processing_started_at TIMESTAMPTZ,
  completed_at          TIMESTAMPTZ,
  last_error            TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_queue_status
  ON messages(queue_id, status, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_status_created
  ON messages(status, created_at);

CREATE TABLE IF NOT EXISTS messages_archive (
  LIKE messages INCLUDING DEFAULTS,
  archived_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (id)
);

CREATE TABLE IF NOT EXISTS dead_letters (
  id                  UUID PRIMARY KEY,
  original_message_id UUID NOT NULL,
  queue_id            UUID NOT NULL,
  message_type        TEXT NOT NULL,
  payload             JSONB NOT NULL,
  headers             JSONB NOT NULL DEFAULT '{}'::jsonb,
  metadata            JSONB NOT NULL DEFAULT '{}'::jsonb,
  original_created_at TIMESTAMPTZ NOT NULL,
  moved_to_dlq_at     TIMESTAMPTZ NOT NULL,
  reason              TEXT NOT NULL,
  failure_count       INTEGER NOT NULL,
  last_error          TEXT,
  retry_count         INTEGER NOT NULL DEFAULT 0,
  retried_message_id  UUID,
  last_retry_at       TIMESTAMPTZ,
  can_retry           BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_queue_moved
  ON dead_letters(queue_id, moved_to_dlq_at DESC);
CREATE INDEX IF NOT EXISTS idx_dead_letters_moved
  ON dead_letters(moved_to_dlq_at DESC, id DESC);
`

func WithPostgresNowFunc(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func NewPostgresStore(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &PostgresStore{
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

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) init() error {
	_, err := s.db.ExecContext(context.Background(), postgresSchemaV1)
	return err
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

const postgresInsertMessage = `
INSERT INTO messages (` + messageColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

func (s *PostgresStore) StoreMessage(ctx context.Context, m Message) error {
	m.normalize(s.now())
	_, err := s.db.ExecContext(ctx, postgresInsertMessage+`
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  attempt_count = EXCLUDED.attempt_count,
  last_error = EXCLUDED.last_error
`, postgresMessageArgs(m)...)
	return wrapStorage("store_message", err)
}

func (s *PostgresStore) GetMessage(ctx context.Context, id uuid.UUID) (Message, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanPostgresMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, false, nil
		}
		return Message{}, false, wrapStorage("get_message", err)
	}
	return m, true, nil
}

func (s *PostgresStore) UpdateMessageStatus(ctx context.Context, id uuid.UUID, status Status) error {
	now := s.now()
	closes := status == StatusCompleted || status == StatusFailed
	_, err := s.db.ExecContext(ctx, `
UPDATE messages
SET status = $1,
    completed_at = CASE WHEN $2::boolean THEN $3::timestamptz ELSE completed_at END
WHERE id = $4
`, string(status), closes, now, id)
	return wrapStorage("update_message_status", err)
}

func (s *PostgresStore) TransitionMessage(ctx context.Context, m Message, from Status) error {
	m.normalize(s.now())
	res, err := s.db.ExecContext(ctx, `
UPDATE messages
SET priority = $1, status = $2, attempt_count = $3, max_attempts = $4,
    visibility_timeout_at = $5, claimed_by = $6, scheduled_at = $7,
    processing_started_at = $8, completed_at = $9, last_error = $10
WHERE id = $11 AND status = $12
`,
		m.Priority,
		string(m.Status),
		m.AttemptCount,
		m.MaxAttempts,
		nullTime(m.VisibilityTimeoutAt),
		nullIfEmpty(m.ClaimedBy),
		nullTime(m.ScheduledAt),
		nullTime(m.ProcessingStartedAt),
		nullTime(m.CompletedAt),
		nullIfEmpty(m.LastError),
		m.ID,
		string(from),
	)
	if err != nil {
		return wrapStorage("transition_message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapStorage("transition_message", err)
	}
	if n > 0 {
		return nil
	}
	_, ok, err := s.GetMessage(ctx, m.ID)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(m.ID)
	}
	return ErrStatusConflict
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return false, wrapStorage("delete_message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapStorage("delete_message", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) QueryMessages(ctx context.Context, filter MessageFilter, offset, limit int) ([]Message, int64, error) {
	offset, limit = clampPage(offset, limit)

	total, err := s.CountMessages(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	b := messageWhere(dialectPostgres, filter)
	query := `SELECT ` + messageColumns + ` FROM messages` + b.sql() + messageOrderSQL + b.paginate(offset, limit)
	rows, err := s.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, 0, wrapStorage("query_messages", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		m, err := scanPostgresMessage(rows)
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

func (s *PostgresStore) BatchStoreMessages(ctx context.Context, msgs []Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, m := range msgs {
			m.normalize(now)
			if _, err := tx.ExecContext(ctx, postgresInsertMessage, postgresMessageArgs(m)...); err != nil {
				return mapPostgresInsertError(err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, wrapStorage("batch_store_messages", err)
	}
	return len(msgs), nil
}

func (s *PostgresStore) BatchDeleteMessages(ctx context.Context, ids []uuid.UUID) (int64, error) {
	ids = normalizeUniqueIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}
	var deleted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
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

func (s *PostgresStore) CountMessages(ctx context.Context, filter MessageFilter) (int64, error) {
	b := messageWhere(dialectPostgres, filter)
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`+b.sql(), b.args...).Scan(&n); err != nil {
		return 0, wrapStorage("count_messages", err)
	}
	return n, nil
}

func (s *PostgresStore) ArchiveMessages(ctx context.Context, before time.Time, status Status) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
WITH archived AS (
  DELETE FROM messages
  WHERE status = $1 AND created_at < $2
  RETURNING `+messageColumns+`
)
INSERT INTO messages_archive (`+messageColumns+`, archived_at)
SELECT `+messageColumns+`, $3 FROM archived
ON CONFLICT (id) DO NOTHING
`, string(status), before.UTC(), s.now())
	if err != nil {
		return 0, wrapStorage("archive_messages", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapStorage("archive_messages", err)
	}
	return n, nil
}

func (s *PostgresStore) StorageStats(ctx context.Context) (StorageStats, error) {
	out := StorageStats{ByStatus: newStatusCounts()}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM messages GROUP BY status`)
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

	var oldest, newest sql.NullTime
	if err := s.db.QueryRowContext(ctx, `
SELECT MIN(created_at), MAX(created_at),
  (SELECT COUNT(*) FROM queues),
  pg_total_relation_size('messages')
FROM messages
`).Scan(&oldest, &newest, &out.TotalQueues, &out.TotalSizeBytes); err != nil {
		return StorageStats{}, wrapStorage("storage_stats", err)
	}
	out.OldestMessage = timeFromNull(oldest)
	out.NewestMessage = timeFromNull(newest)
	return out, nil
}

func (s *PostgresStore) UpsertQueue(ctx context.Context, q Queue) error {
	if q.ID == uuid.Nil {
		return errors.New("queue id is required")
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO queues (id, name, created_at) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
`, q.ID, strings.TrimSpace(q.Name), q.CreatedAt.UTC())
	return wrapStorage("upsert_queue", err)
}

func (s *PostgresStore) GetQueue(ctx context.Context, id uuid.UUID) (Queue, bool, error) {
	var q Queue
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM queues WHERE id = $1`, id).
		Scan(&q.ID, &q.Name, &q.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Queue{}, false, nil
		}
		return Queue{}, false, wrapStorage("get_queue", err)
	}
	q.CreatedAt = q.CreatedAt.UTC()
	return q, true, nil
}

func (s *PostgresStore) ListQueues(ctx context.Context) ([]Queue, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM queues ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, wrapStorage("list_queues", err)
	}
	defer rows.Close()

	out := make([]Queue, 0)
	for rows.Next() {
		var q Queue
		if err := rows.Scan(&q.ID, &q.Name, &q.CreatedAt); err != nil {
			return nil, wrapStorage("list_queues", err)
		}
		q.CreatedAt = q.CreatedAt.UTC()
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("list_queues", err)
	}
	return out, nil
}

func (s *PostgresStore) MoveToDeadLetter(ctx context.Context, messageID uuid.UUID, reason string, now time.Time) (DeadLetter, error) {
	var dl DeadLetter
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE`, messageID)
		m, err := scanPostgresMessage(row)
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
		if _, err := tx.ExecContext(ctx, `
INSERT INTO dead_letters (`+deadLetterColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
`, postgresDeadLetterArgs(dl)...); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
UPDATE messages
SET status = $1, completed_at = $2, visibility_timeout_at = NULL
WHERE id = $3
`, string(StatusDeadLetter), now.UTC(), messageID)
		return err
	})
	if err != nil {
		return DeadLetter{}, wrapStorage("move_to_dead_letter", err)
	}
	return dl, nil
}

func (s *PostgresStore) RetryDeadLetter(ctx context.Context, dlqID, newMessageID, targetQueueID uuid.UUID, now time.Time) (Message, error) {
	var m Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1 FOR UPDATE`, dlqID)
		dl, err := scanPostgresDeadLetter(row)
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
		if _, err := tx.ExecContext(ctx, postgresInsertMessage, postgresMessageArgs(m)...); err != nil {
			return mapPostgresInsertError(err)
		}

		_, err = tx.ExecContext(ctx, `
UPDATE dead_letters
SET retry_count = retry_count + 1, retried_message_id = $1, last_retry_at = $2
WHERE id = $3
`, m.ID, now.UTC(), dlqID)
		return err
	})
	if err != nil {
		return Message{}, wrapStorage("retry_dead_letter", err)
	}
	return m, nil
}

func (s *PostgresStore) GetDeadLetter(ctx context.Context, id uuid.UUID) (DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1`, id)
	dl, err := scanPostgresDeadLetter(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DeadLetter{}, notFound(id)
		}
		return DeadLetter{}, wrapStorage("get_dead_letter", err)
	}
	return dl, nil
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, filter DeadLetterFilter, offset, limit int) ([]DeadLetter, int64, error) {
	offset, limit = clampPage(offset, limit)

	b := deadLetterWhere(dialectPostgres, filter)
	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`+b.sql(), b.args...).Scan(&total); err != nil {
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
		dl, err := scanPostgresDeadLetter(rows)
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

func (s *PostgresStore) DeleteDeadLetter(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return false, wrapStorage("delete_dead_letter", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapStorage("delete_dead_letter", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) PurgeDeadLetters(ctx context.Context, filter DeadLetterFilter) (int64, error) {
	b := deadLetterWhere(dialectPostgres, filter)
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters`+b.sql(), b.args...)
	if err != nil {
		return 0, wrapStorage("purge_dead_letters", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapStorage("purge_dead_letters", err)
	}
	return n, nil
}

func (s *PostgresStore) SetDeadLetterRetryable(ctx context.Context, id uuid.UUID, canRetry bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE dead_letters SET can_retry = $1 WHERE id = $2`, canRetry, id)
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

func (s *PostgresStore) DeadLetterStats(ctx context.Context, now time.Time) (DeadLetterStats, error) {
	out := DeadLetterStats{
		ByQueue:  []QueueCount{},
		ByReason: []ReasonCount{},
	}

	var oldest, newest sql.NullTime
	var avgAgeHours sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), MIN(moved_to_dlq_at), MAX(moved_to_dlq_at),
  COALESCE(SUM(CASE WHEN can_retry THEN 1 ELSE 0 END), 0),
  AVG(EXTRACT(EPOCH FROM ($1::timestamptz - moved_to_dlq_at)) / 3600.0)::float8
FROM dead_letters
`, now.UTC()).Scan(&out.Total, &oldest, &newest, &out.RetryPending, &avgAgeHours); err != nil {
		return DeadLetterStats{}, wrapStorage("dead_letter_stats", err)
	}
	out.Oldest = timeFromNull(oldest)
	out.Newest = timeFromNull(newest)
	if avgAgeHours.Valid {
		out.AvgAgeHours = avgAgeHours.Float64
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT d.queue_id, COALESCE(q.name, ''), COUNT(*)
FROM dead_letters d
LEFT JOIN queues q ON q.id = d.queue_id
GROUP BY d.queue_id, q.name
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

	reasonRows, err := s.db.QueryContext(ctx, `SELECT reason, COUNT(*) FROM dead_letters GROUP BY reason`)
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

func (s *PostgresStore) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFn().UTC()
}

func postgresMessageArgs(m Message) []any {
	return []any{
		m.ID,
		m.QueueID,
		m.MessageType,
		string(m.Payload),
		string(m.Headers),
		string(m.Metadata),
		m.Priority,
		string(m.Status),
		m.AttemptCount,
		m.MaxAttempts,
		nullTime(m.VisibilityTimeoutAt),
		nullIfEmpty(m.ClaimedBy),
		nullTime(m.ScheduledAt),
		nullIfEmpty(m.DeduplicationID),
		nullIfEmpty(m.GroupID),
		nullIfEmpty(m.CorrelationID),
		nullIfEmpty(m.TraceID),
		m.CreatedAt.UTC(),
		nullTime(m.ProcessingStartedAt),
		nullTime(m.CompletedAt),
		nullIfEmpty(m.LastError),
	}
}

func scanPostgresMessage(row rowScanner) (Message, error) {
	var (
		m                                    Message
		status                               string
		payload, headers, metadata           []byte
		visibility, scheduled, started, done sql.NullTime
		claimedBy, dedup, group, corr, trace sql.NullString
		lastError                            sql.NullString
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
		&m.CreatedAt,
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
	m.CreatedAt = m.CreatedAt.UTC()
	m.VisibilityTimeoutAt = timeFromNull(visibility)
	m.ScheduledAt = timeFromNull(scheduled)
	m.ProcessingStartedAt = timeFromNull(started)
	m.CompletedAt = timeFromNull(done)
	m.ClaimedBy = claimedBy.String
	m.DeduplicationID = dedup.String
	m.GroupID = group.String
	m.CorrelationID = corr.String
	m.TraceID = trace.String
	m.LastError = lastError.String
	return m, nil
}

func postgresDeadLetterArgs(dl DeadLetter) []any {
	var retried any
	if dl.RetriedMessageID != nil {
		retried = *dl.RetriedMessageID
	}
	return []any{
		dl.ID,
		dl.OriginalMessageID,
		dl.QueueID,
		dl.MessageType,
		string(dl.Payload),
		string(dl.Headers),
		string(dl.Metadata),
		dl.OriginalCreatedAt.UTC(),
		dl.MovedToDLQAt.UTC(),
		dl.Reason,
		dl.FailureCount,
		nullIfEmpty(dl.LastError),
		dl.RetryCount,
		retried,
		nullTime(dl.LastRetryAt),
		dl.CanRetry,
	}
}

func scanPostgresDeadLetter(row rowScanner) (DeadLetter, error) {
	var (
		dl                         DeadLetter
		payload, headers, metadata []byte
		lastError                  sql.NullString
		retried                    uuid.NullUUID
		lastRetryAt                sql.NullTime
	)
	if err := row.Scan(
		&dl.ID,
		&dl.OriginalMessageID,
		&dl.QueueID,
		&dl.MessageType,
		&payload,
		&headers,
		&metadata,
		&dl.OriginalCreatedAt,
		&dl.MovedToDLQAt,
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
	dl.OriginalCreatedAt = dl.OriginalCreatedAt.UTC()
	dl.MovedToDLQAt = dl.MovedToDLQAt.UTC()
	dl.LastError = lastError.String
	if retried.Valid {
		id := retried.UUID
		dl.RetriedMessageID = &id
	}
	dl.LastRetryAt = timeFromNull(lastRetryAt)
	return dl, nil
}

func mapPostgresInsertError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrMessageExists
	}
	return err
}

func nullIfEmpty(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(v time.Time) any {
	if v.IsZero() {
		return nil
	}
	return v.UTC()
}

func timeFromNull(v sql.NullTime) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return v.Time.UTC()
}
