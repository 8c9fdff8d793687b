package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nuetzliches/reliq/internal/config"
	"github.com/nuetzliches/reliq/internal/dlq"
	"github.com/nuetzliches/reliq/internal/events"
	"github.com/nuetzliches/reliq/internal/queue"
)

const (
	shutdownTimeout     = 5 * time.Second
	watchDebounce       = 200 * time.Millisecond
	metricsReadTimeout  = 10 * time.Second
	metricsWriteTimeout = 30 * time.Second
)

func runCmd(args []string) int {
	return runDaemonCmd(args, os.Stderr)
}

func runDaemonCmd(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultPath, "path to config file")
	pidFile := fs.String("pid-file", "", "write process PID to file")
	logLevel := fs.String("log-level", "info", "log level (debug|info|warn|error), overrides log.level")
	dotenvPath := fs.String("dotenv", "", "load environment variables from file (dev only)")
	watch := fs.Bool("watch", false, "watch config file and reload DLQ policies")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "run: unexpected positional arguments")
		return 2
	}
	levelSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "log-level" {
			levelSet = true
		}
	})

	baseLogger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}
	slog.SetDefault(baseLogger)

	releasePIDFile, err := claimPIDFile(*pidFile)
	if err != nil {
		baseLogger.Error("pid_file_failed", slog.Any("err", err))
		return 1
	}
	defer releasePIDFile()

	if p := strings.TrimSpace(*dotenvPath); p != "" {
		if err := loadDotenv(p); err != nil {
			baseLogger.Error("dotenv_failed", slog.Any("err", err))
			return 1
		}
	}

	compiled, res, err := config.Load(*configPath)
	if err != nil {
		baseLogger.Error("load_config_failed", slog.Any("err", err))
		return 1
	}
	for _, w := range res.Warnings {
		baseLogger.Warn("config_warning", slog.String("warning", w))
	}
	baseLogger.Info("config_ok", slog.String("path", *configPath))

	level := compiled.Log.Level
	if levelSet {
		level = *logLevel
	}
	runtimeLogger, logCloser, err := newLoggerToSink(level, compiled.Log.Output, compiled.Log.Path)
	if err != nil {
		baseLogger.Error("runtime_log_failed", slog.Any("err", err))
		return 1
	}
	if logCloser != nil {
		defer func() { _ = logCloser.Close() }()
	}
	slog.SetDefault(runtimeLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appMetrics := newRuntimeMetrics()
	var tp trace.TracerProvider
	if compiled.Observability.TracingEnabled {
		sdkTP, err := initTracing(ctx, compiled.Observability, func(err error) {
			appMetrics.incTracingExportErrors()
			runtimeLogger.Error("tracing_export_failed", slog.Any("err", err))
		})
		if err != nil {
			appMetrics.incTracingInitFailures()
			runtimeLogger.Error("tracing_init_failed", slog.Any("err", err))
			return 1
		}
		appMetrics.setTracingEnabled(true)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = sdkTP.Shutdown(sctx)
		}()
		tp = sdkTP
		runtimeLogger.Info("tracing_enabled")
	}

	d, err := newDaemon(ctx, compiled, runtimeLogger, appMetrics, tp)
	if err != nil {
		runtimeLogger.Error("start_failed", slog.Any("err", err))
		return 1
	}
	defer d.Close()

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				d.reload(*configPath, "signal_sighup")
			}
		}
	}()
	if *watch {
		go watchConfig(ctx, *configPath, runtimeLogger, func() {
			d.reload(*configPath, "watch")
		})
	}

	if err := d.Run(ctx); err != nil {
		runtimeLogger.Error("run_failed", slog.Any("err", err))
		return 1
	}
	runtimeLogger.Info("shutdown_complete")
	return 0
}

// daemon owns the long-running parts of reliq run: the store, the event
// bus and its consumers, the DLQ maintainer and the ops HTTP server.
type daemon struct {
	logger  *slog.Logger
	metrics *runtimeMetrics
	store   queue.Store
	bus     *events.Bus
	svc     *dlq.Service
	maint   *dlq.Maintainer
	relay   *events.KafkaRelay

	metricsSub *events.Subscription
	relaySub   *events.Subscription
	tracing    bool
	started    time.Time

	mu       sync.Mutex
	compiled config.Compiled
}

func newDaemon(ctx context.Context, compiled config.Compiled, logger *slog.Logger, metrics *runtimeMetrics, tp trace.TracerProvider) (*daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = newRuntimeMetrics()
	}

	store, err := newQueueStore(ctx, compiled)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	logger.Info("storage_driver_selected", slog.String("driver", compiled.Storage.Driver))
	if err := registerQueues(ctx, store, compiled, logger); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("register queues: %w", err)
	}

	bus := events.NewBus(events.WithBufferSize(compiled.Events.Buffer))
	d := &daemon{
		logger:   logger,
		metrics:  metrics,
		store:    store,
		bus:      bus,
		tracing:  tp != nil,
		started:  time.Now(),
		compiled: compiled,
	}

	svcOpts := []dlq.Option{
		dlq.WithLogger(logger),
		dlq.WithPublisher(bus),
		dlq.WithPolicies(compiled.DLQ.PolicySet()),
	}
	if tp != nil {
		svcOpts = append(svcOpts, dlq.WithTracerProvider(tp))
	}
	d.svc = dlq.NewService(store, svcOpts...)

	maintOpts := []dlq.MaintainerOption{
		dlq.WithCleanupInterval(compiled.Maintenance.CleanupInterval),
		dlq.WithAutoRetryTick(compiled.Maintenance.AutoRetryTick),
	}
	if compiled.Maintenance.Archive {
		sink, err := newArchiveSink(ctx, compiled)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("archive sink: %w", err)
		}
		maintOpts = append(maintOpts, dlq.WithArchiveSink(sink, compiled.Maintenance.ArchiveFormat))
		logger.Info("dlq_archive_enabled", slog.String("sink", compiled.Maintenance.ArchiveSink))
	}
	d.maint = dlq.NewMaintainer(d.svc, maintOpts...)

	if compiled.Events.KafkaEnabled() {
		producer, err := events.NewKafkaProducer(compiled.Events.KafkaBrokers)
		if err != nil {
			d.Close()
			return nil, err
		}
		relay, err := events.NewKafkaRelay(producer, compiled.Events.KafkaTopic, logger)
		if err != nil {
			_ = producer.Close()
			d.Close()
			return nil, err
		}
		d.relay = relay
		d.relaySub = bus.Subscribe(compiled.Events.Buffer)
		logger.Info("kafka_relay_enabled",
			slog.String("topic", compiled.Events.KafkaTopic),
			slog.Int("brokers", len(compiled.Events.KafkaBrokers)),
		)
	}

	d.metricsSub = bus.Subscribe(compiled.Events.Buffer)
	metrics.store = store
	metrics.bus = bus
	metrics.relay = d.relay
	return d, nil
}

func (d *daemon) Service() *dlq.Service {
	return d.svc
}

func (d *daemon) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", newMetricsHandler(version, d.started, d.metrics))
	mux.Handle("GET /healthz", newHealthHandler(d.store, d.logger))
	return wrapTracingHandler(d.tracing, "reliq.ops", withAccessLog(d.logger, mux))
}

// Run supervises the maintainer, the event consumers and the ops server
// until ctx is done. The first consumer error cancels the rest.
func (d *daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	listen := d.compiled.Observability.MetricsListen
	d.mu.Unlock()
	var ln net.Listener
	if listen != "" {
		var err error
		ln, err = net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.maint.Run(gctx) })
	g.Go(func() error { return d.metrics.consume(gctx, d.metricsSub) })
	if d.relay != nil {
		g.Go(func() error { return d.relay.Run(gctx, d.relaySub) })
	}

	if ln != nil {
		srv := &http.Server{
			Handler:           d.handler(),
			ReadHeaderTimeout: metricsReadTimeout,
			WriteTimeout:      metricsWriteTimeout,
		}
		d.logger.Info("metrics_listening", slog.String("addr", ln.Addr().String()))
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	d.logger.Info("reliq_started", slog.String("version", version))
	return g.Wait()
}

// Close releases the bus, the Kafka producer and the store.
func (d *daemon) Close() {
	d.bus.Close()
	if d.relay != nil {
		if err := d.relay.Close(); err != nil {
			d.logger.Warn("kafka_relay_close_failed", slog.Any("err", err))
		}
	}
	if err := d.store.Close(); err != nil {
		d.logger.Warn("store_close_failed", slog.Any("err", err))
	}
}

// reload applies DLQ policy changes from path. Changes outside the dlq
// section need a restart and leave the running config untouched.
func (d *daemon) reload(path, trigger string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	compiled, _, err := config.Load(path)
	if err != nil {
		d.logger.Error("config_reload_failed", slog.Any("err", err), slog.String("trigger", trigger))
		return false
	}
	if requiresRestartForReload(compiled, d.compiled) {
		d.logger.Info("config_reloaded_restart_required", slog.String("trigger", trigger))
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := registerQueues(ctx, d.store, compiled, d.logger); err != nil {
		d.logger.Error("config_reload_failed", slog.Any("err", err), slog.String("trigger", trigger))
		return false
	}
	d.svc.SetPolicies(compiled.DLQ.PolicySet())
	d.compiled = compiled

	d.logger.Info("config_reloaded_ok",
		slog.String("trigger", trigger),
		slog.Int("queue_policies", len(compiled.DLQ.Queues)),
	)
	return true
}

func requiresRestartForReload(next, running config.Compiled) bool {
	return next.Log != running.Log ||
		next.Storage != running.Storage ||
		next.Maintenance != running.Maintenance ||
		next.Export != running.Export ||
		!eventsEqual(next.Events, running.Events) ||
		!observabilityEqual(next.Observability, running.Observability)
}

func eventsEqual(a, b config.EventsConfig) bool {
	return a.Buffer == b.Buffer &&
		a.KafkaTopic == b.KafkaTopic &&
		slices.Equal(a.KafkaBrokers, b.KafkaBrokers)
}

func observabilityEqual(a, b config.ObservabilityConfig) bool {
	return a.MetricsListen == b.MetricsListen &&
		a.TracingEnabled == b.TracingEnabled &&
		a.TracingCollector == b.TracingCollector &&
		a.TracingURLPath == b.TracingURLPath &&
		a.TracingInsecure == b.TracingInsecure &&
		a.TracingCompression == b.TracingCompression &&
		a.TracingTimeout == b.TracingTimeout &&
		a.TracingTimeoutSet == b.TracingTimeoutSet &&
		slices.Equal(a.TracingHeaders, b.TracingHeaders)
}

func watchConfig(ctx context.Context, path string, logger *slog.Logger, reload func()) {
	if logger == nil {
		logger = slog.Default()
	}
	if reload == nil {
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	defer w.Close()

	// Watch the directory so atomic renames by editors are seen.
	base := filepath.Base(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	logger.Info("watching_config", slog.String("path", path))

	timer := time.NewTimer(watchDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			timer.Reset(watchDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("watch_error", slog.Any("err", err))
		case <-timer.C:
			reload()
		}
	}
}
