package app

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nuetzliches/reliq/internal/dlq"
)

const (
	defaultListLimit      = 50
	defaultBulkRetryLimit = 100
)

var dlqSubcommands = map[string]func(fs *flag.FlagSet) cliRunner{
	"stats":      dlqStatsCmd,
	"list":       dlqListCmd,
	"get":        dlqGetCmd,
	"retry":      dlqRetryCmd,
	"bulk-retry": dlqBulkRetryCmd,
	"delete":     dlqDeleteCmd,
	"purge":      dlqPurgeCmd,
	"cleanup":    dlqCleanupCmd,
	"quarantine": dlqQuarantineCmd,
	"export":     dlqExportCmd,
}

func dlqCmd(args []string) int {
	return runDLQCmd(args, os.Stdout, os.Stderr)
}

func runDLQCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintf(stderr, "missing subcommand: %s\n", strings.Join(dlqSubcommandNames(), " | "))
		return 2
	}
	build, ok := dlqSubcommands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown dlq subcommand: %s\n", args[0])
		return 2
	}
	return runCLISubcommand("dlq "+args[0], args[1:], build, stdout, stderr)
}

func dlqSubcommandNames() []string {
	names := make([]string, 0, len(dlqSubcommands))
	for name := range dlqSubcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func dlqStatsCmd(_ *flag.FlagSet) cliRunner {
	return func(ctx context.Context, env *cliEnv, _ []string, stdout io.Writer) error {
		st, err := env.svc.Stats(ctx)
		if err != nil {
			return err
		}
		return writeJSON(stdout, st)
	}
}

func dlqListCmd(fs *flag.FlagSet) cliRunner {
	queueID := fs.String("queue", "", "only entries of this queue id")
	reason := fs.String("reason", "", "only entries whose reason contains this text")
	offset := fs.Int("offset", 0, "number of entries to skip")
	limit := fs.Int("limit", defaultListLimit, "maximum number of entries")
	return func(ctx context.Context, env *cliEnv, _ []string, stdout io.Writer) error {
		qid, err := parseOptionalUUID("queue", *queueID)
		if err != nil {
			return err
		}
		items, total, err := env.svc.ListMessages(ctx, qid, *reason, *offset, *limit)
		if err != nil {
			return err
		}
		return writeJSON(stdout, map[string]any{
			"items":  items,
			"total":  total,
			"offset": *offset,
			"limit":  *limit,
		})
	}
}

func dlqGetCmd(_ *flag.FlagSet) cliRunner {
	return func(ctx context.Context, env *cliEnv, args []string, stdout io.Writer) error {
		id, err := singleIDArg(args)
		if err != nil {
			return err
		}
		dl, err := env.svc.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		return writeJSON(stdout, dl)
	}
}

func dlqRetryCmd(_ *flag.FlagSet) cliRunner {
	return func(ctx context.Context, env *cliEnv, args []string, stdout io.Writer) error {
		id, err := singleIDArg(args)
		if err != nil {
			return err
		}
		msgID, err := env.svc.RetryMessage(ctx, id)
		if err != nil {
			return err
		}
		return writeJSON(stdout, map[string]any{
			"dlq_id":     id,
			"message_id": msgID,
		})
	}
}

func dlqBulkRetryCmd(fs *flag.FlagSet) cliRunner {
	queueID := fs.String("queue", "", "only entries of this queue id")
	reason := fs.String("reason", "", "only entries whose reason contains this text")
	limit := fs.Int("limit", defaultBulkRetryLimit, "maximum number of entries to retry")
	return func(ctx context.Context, env *cliEnv, _ []string, stdout io.Writer) error {
		qid, err := parseOptionalUUID("queue", *queueID)
		if err != nil {
			return err
		}
		ids, err := env.svc.BulkRetry(ctx, qid, *reason, *limit)
		if err != nil {
			return err
		}
		return writeJSON(stdout, map[string]any{
			"retried":     len(ids),
			"message_ids": ids,
		})
	}
}

func dlqDeleteCmd(_ *flag.FlagSet) cliRunner {
	return func(ctx context.Context, env *cliEnv, args []string, stdout io.Writer) error {
		id, err := singleIDArg(args)
		if err != nil {
			return err
		}
		removed, err := env.svc.DeleteMessage(ctx, id)
		if err != nil {
			return err
		}
		if err := writeJSON(stdout, map[string]any{"dlq_id": id, "deleted": removed}); err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("dead letter %s not found", id)
		}
		return nil
	}
}

func dlqPurgeCmd(fs *flag.FlagSet) cliRunner {
	queueID := fs.String("queue", "", "only entries of this queue id")
	olderThan := fs.Duration("older-than", 0, "purge entries moved before now minus this duration (required)")
	return func(ctx context.Context, env *cliEnv, _ []string, stdout io.Writer) error {
		qid, err := parseOptionalUUID("queue", *queueID)
		if err != nil {
			return err
		}
		if *olderThan <= 0 {
			return fmt.Errorf("%w: --older-than must be > 0", errUsage)
		}
		n, err := env.svc.Purge(ctx, qid, time.Now().Add(-*olderThan))
		if err != nil {
			return err
		}
		return writeJSON(stdout, map[string]any{"purged": n})
	}
}

func dlqCleanupCmd(fs *flag.FlagSet) cliRunner {
	days := fs.Int("retention-days", -1, "override retention in days for every queue (default: per-queue policy)")
	return func(ctx context.Context, env *cliEnv, _ []string, stdout io.Writer) error {
		var (
			n   int64
			err error
		)
		if *days >= 0 {
			n, err = env.svc.Cleanup(ctx, *days)
		} else {
			n, err = dlq.NewMaintainer(env.svc).RunCleanup(ctx)
		}
		if err != nil {
			return err
		}
		return writeJSON(stdout, map[string]any{"removed": n})
	}
}

func dlqQuarantineCmd(_ *flag.FlagSet) cliRunner {
	return func(ctx context.Context, env *cliEnv, args []string, stdout io.Writer) error {
		id, err := singleIDArg(args)
		if err != nil {
			return err
		}
		if err := env.svc.MarkNonRetryable(ctx, id); err != nil {
			return err
		}
		return writeJSON(stdout, map[string]any{"dlq_id": id, "can_retry": false})
	}
}

func dlqExportCmd(fs *flag.FlagSet) cliRunner {
	queueID := fs.String("queue", "", "only entries of this queue id")
	format := fs.String("format", string(dlq.FormatJSON), "export format: json|csv")
	out := fs.String("out", "", "write to this file instead of stdout")
	toSink := fs.Bool("sink", false, "write to the configured archive sink")
	return func(ctx context.Context, env *cliEnv, _ []string, stdout io.Writer) error {
		qid, err := parseOptionalUUID("queue", *queueID)
		if err != nil {
			return err
		}
		f, err := dlq.ParseFormat(*format)
		if err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		if *toSink && *out != "" {
			return fmt.Errorf("%w: --sink and --out are mutually exclusive", errUsage)
		}
		data, err := env.svc.Export(ctx, qid, f)
		if err != nil {
			return err
		}

		switch {
		case *toSink:
			sink, err := newArchiveSink(ctx, env.compiled)
			if err != nil {
				return err
			}
			scope := uuid.Nil
			if qid != nil {
				scope = *qid
			}
			name := dlq.ArchiveName(scope, time.Now(), f)
			if err := sink.Put(ctx, name, data); err != nil {
				return err
			}
			return writeJSON(stdout, map[string]any{"object": name, "bytes": len(data)})
		case *out != "":
			return os.WriteFile(*out, data, 0o644)
		default:
			_, err := stdout.Write(data)
			return err
		}
	}
}
