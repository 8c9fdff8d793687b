package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nuetzliches/reliq/internal/config"
	"github.com/nuetzliches/reliq/internal/dlq"
	"github.com/nuetzliches/reliq/internal/queue"
	"github.com/nuetzliches/reliq/internal/secrets"
)

func newQueueStore(ctx context.Context, compiled config.Compiled) (queue.Store, error) {
	switch compiled.Storage.Driver {
	case config.DriverSQLite:
		return queue.NewSQLiteStore(compiled.Storage.SQLitePath)
	case config.DriverPostgres:
		dsn := compiled.Storage.PostgresDSN
		if ref := compiled.Storage.PostgresDSNRef; ref != "" {
			var err error
			if dsn, err = secrets.Load(ctx, ref); err != nil {
				return nil, fmt.Errorf("storage.postgres_dsn_ref: %w", err)
			}
		}
		return queue.NewPostgresStore(dsn)
	case config.DriverMemory:
		return queue.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", compiled.Storage.Driver)
	}
}

// newArchiveSink resolves the configured destination for archived and
// exported dead letters.
func newArchiveSink(ctx context.Context, compiled config.Compiled) (dlq.ExportSink, error) {
	switch compiled.Maintenance.ArchiveSink {
	case config.ArchiveSinkS3:
		return dlq.NewS3SinkFromEnv(ctx, compiled.Export.S3Bucket, compiled.Export.S3Prefix, compiled.Export.S3Region)
	case config.ArchiveSinkFile, "":
		if compiled.Export.Dir == "" {
			return nil, fmt.Errorf("export.dir is not configured")
		}
		return dlq.FileSink{Dir: compiled.Export.Dir}, nil
	default:
		return nil, fmt.Errorf("unsupported archive sink %q", compiled.Maintenance.ArchiveSink)
	}
}

// registerQueues records the names of queues listed in the config so that
// stats can report them.
func registerQueues(ctx context.Context, store queue.QueueRegistry, compiled config.Compiled, logger *slog.Logger) error {
	for _, q := range compiled.DLQ.Queues {
		if q.Name == "" {
			continue
		}
		existing, ok, err := store.GetQueue(ctx, q.ID)
		if err != nil {
			return err
		}
		if ok && existing.Name == q.Name {
			continue
		}
		if err := store.UpsertQueue(ctx, queue.Queue{ID: q.ID, Name: q.Name}); err != nil {
			return err
		}
		logger.Info("queue_registered", slog.String("queue_id", q.ID.String()), slog.String("name", q.Name))
	}
	return nil
}
