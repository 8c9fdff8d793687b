package app

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/nuetzliches/reliq/internal/queue"
)

var messagesSubcommands = map[string]func(fs *flag.FlagSet) cliRunner{
	"stats":   messagesStatsCmd,
	"list":    messagesListCmd,
	"fail":    messagesFailCmd,
	"archive": messagesArchiveCmd,
}

func messagesCmd(args []string) int {
	return runMessagesCmd(args, os.Stdout, os.Stderr)
}

func runMessagesCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "missing subcommand: archive | fail | list | stats")
		return 2
	}
	build, ok := messagesSubcommands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown messages subcommand: %s\n", args[0])
		return 2
	}
	return runCLISubcommand("messages "+args[0], args[1:], build, stdout, stderr)
}

func parseStatusFlag(raw string) (queue.Status, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	st := queue.Status(strings.ToLower(raw))
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", errUsage, raw)
	}
	return st, nil
}

func messagesStatsCmd(_ *flag.FlagSet) cliRunner {
	return func(ctx context.Context, env *cliEnv, _ []string, stdout io.Writer) error {
		st, err := env.store.StorageStats(ctx)
		if err != nil {
			return err
		}
		return writeJSON(stdout, st)
	}
}

func messagesListCmd(fs *flag.FlagSet) cliRunner {
	queueID := fs.String("queue", "", "only messages of this queue id")
	status := fs.String("status", "", "only messages with this status")
	messageType := fs.String("type", "", "only messages of this type")
	offset := fs.Int("offset", 0, "number of messages to skip")
	limit := fs.Int("limit", defaultListLimit, "maximum number of messages")
	return func(ctx context.Context, env *cliEnv, _ []string, stdout io.Writer) error {
		qid, err := parseOptionalUUID("queue", *queueID)
		if err != nil {
			return err
		}
		st, err := parseStatusFlag(*status)
		if err != nil {
			return err
		}
		items, total, err := env.store.QueryMessages(ctx, queue.MessageFilter{
			QueueID:     qid,
			Status:      st,
			MessageType: strings.TrimSpace(*messageType),
		}, *offset, *limit)
		if err != nil {
			return err
		}
		if items == nil {
			items = []queue.Message{}
		}
		return writeJSON(stdout, map[string]any{
			"items":  items,
			"total":  total,
			"offset": *offset,
			"limit":  *limit,
		})
	}
}

// messagesFailCmd records a processing failure, moving the message to the
// dead letter queue once its attempts are exhausted.
func messagesFailCmd(fs *flag.FlagSet) cliRunner {
	errText := fs.String("error", "", "failure description (required)")
	return func(ctx context.Context, env *cliEnv, args []string, stdout io.Writer) error {
		id, err := singleIDArg(args)
		if err != nil {
			return err
		}
		if strings.TrimSpace(*errText) == "" {
			return fmt.Errorf("%w: --error must not be empty", errUsage)
		}
		dl, err := env.svc.RecordFailure(ctx, id, *errText)
		if err != nil {
			return err
		}
		out := map[string]any{"message_id": id, "dead_lettered": dl != nil}
		if dl != nil {
			out["dlq_id"] = dl.ID
		}
		return writeJSON(stdout, out)
	}
}

func messagesArchiveCmd(fs *flag.FlagSet) cliRunner {
	olderThan := fs.Duration("older-than", 0, "archive messages created before now minus this duration (required)")
	status := fs.String("status", string(queue.StatusCompleted), "status of messages to archive")
	return func(ctx context.Context, env *cliEnv, _ []string, stdout io.Writer) error {
		if *olderThan <= 0 {
			return fmt.Errorf("%w: --older-than must be > 0", errUsage)
		}
		st, err := parseStatusFlag(*status)
		if err != nil {
			return err
		}
		if st == "" {
			return fmt.Errorf("%w: --status must not be empty", errUsage)
		}
		n, err := env.store.ArchiveMessages(ctx, time.Now().Add(-*olderThan), st)
		if err != nil {
			return err
		}
		return writeJSON(stdout, map[string]any{"archived": n, "status": st})
	}
}
