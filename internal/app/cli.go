package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"

	"github.com/nuetzliches/reliq/internal/config"
	"github.com/nuetzliches/reliq/internal/dlq"
	"github.com/nuetzliches/reliq/internal/queue"
)

var errUsage = errors.New("usage")

// cliEnv is the store and service pair that one-shot commands operate on.
type cliEnv struct {
	compiled config.Compiled
	store    queue.Store
	svc      *dlq.Service
}

func openCLIEnv(ctx context.Context, configPath string, stderr io.Writer) (*cliEnv, error) {
	compiled, res, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(stderr, "warning: %s\n", w)
	}

	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store, err := newQueueStore(ctx, compiled)
	if err != nil {
		return nil, err
	}
	if err := registerQueues(ctx, store, compiled, logger); err != nil {
		_ = store.Close()
		return nil, err
	}
	svc := dlq.NewService(store,
		dlq.WithLogger(logger),
		dlq.WithPolicies(compiled.DLQ.PolicySet()),
	)
	return &cliEnv{compiled: compiled, store: store, svc: svc}, nil
}

func (e *cliEnv) Close() error {
	return e.store.Close()
}

// cliRunner executes a subcommand once flags are parsed. args holds the
// remaining positional arguments.
type cliRunner func(ctx context.Context, env *cliEnv, args []string, stdout io.Writer) error

// runCLISubcommand parses the common --config flag plus whatever build
// registers, opens the configured store and runs the returned runner.
func runCLISubcommand(name string, args []string, build func(fs *flag.FlagSet) cliRunner, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultPath, "path to config file")
	runner := build(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	env, err := openCLIEnv(ctx, *configPath, stderr)
	if err != nil {
		return exitCode(stderr, name, err)
	}
	defer func() { _ = env.Close() }()

	return exitCode(stderr, name, runner(ctx, env, fs.Args(), stdout))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseOptionalUUID returns nil for an empty flag value.
func parseOptionalUUID(name, raw string) (*uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: --%s must be a uuid", errUsage, name)
	}
	return &id, nil
}

// singleIDArg expects exactly one positional uuid argument.
func singleIDArg(args []string) (uuid.UUID, error) {
	if len(args) != 1 {
		return uuid.Nil, fmt.Errorf("%w: expected exactly one id argument", errUsage)
	}
	id, err := uuid.Parse(strings.TrimSpace(args[0]))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid id %q", errUsage, args[0])
	}
	return id, nil
}

// exitCode maps a command error to the process exit status.
func exitCode(stderr io.Writer, prefix string, err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(stderr, "%s: %v\n", prefix, err)
	if errors.Is(err, errUsage) {
		return 2
	}
	return 1
}
