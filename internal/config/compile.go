package config

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nuetzliches/reliq/internal/dlq"
	"github.com/nuetzliches/reliq/internal/events"
	"github.com/nuetzliches/reliq/internal/httpheader"
	"github.com/nuetzliches/reliq/internal/secrets"
)

const (
	defaultSQLitePath  = "./.data/reliq.db"
	defaultKafkaTopic  = "reliq.events"
	maxAutoRetryBudget = 100
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	ArchiveSinkFile = "file"
	ArchiveSinkS3   = "s3"
)

// Compiled is the validated, defaulted form of Config.
type Compiled struct {
	Log           LogConfig
	Storage       StorageConfig
	DLQ           DLQConfig
	Maintenance   MaintenanceConfig
	Export        ExportConfig
	Events        EventsConfig
	Observability ObservabilityConfig
}

type LogConfig struct {
	Level  string
	Output string
	Path   string
}

type StorageConfig struct {
	Driver         string
	SQLitePath     string
	PostgresDSN    string
	PostgresDSNRef string
}

type QueuePolicy struct {
	ID     uuid.UUID
	Name   string
	Policy dlq.Policy
}

type DLQConfig struct {
	Default dlq.Policy
	Queues  []QueuePolicy
}

// PolicySet builds the lookup used by the DLQ service.
func (c DLQConfig) PolicySet() dlq.PolicySet {
	ps := dlq.NewPolicySet(c.Default)
	for _, q := range c.Queues {
		ps.Queues[q.ID] = q.Policy
	}
	return ps
}

type MaintenanceConfig struct {
	CleanupInterval time.Duration
	AutoRetryTick   time.Duration
	Archive         bool
	ArchiveSink     string
	ArchiveFormat   dlq.Format
}

type ExportConfig struct {
	Dir      string
	S3Bucket string
	S3Prefix string
	S3Region string
}

type EventsConfig struct {
	Buffer       int
	KafkaBrokers []string
	KafkaTopic   string
}

func (c EventsConfig) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

type HeaderConfig struct {
	Name  string
	Value string
}

type ObservabilityConfig struct {
	MetricsListen string

	TracingEnabled     bool
	TracingCollector   string
	TracingURLPath     string
	TracingInsecure    bool
	TracingCompression string
	TracingTimeout     time.Duration
	TracingTimeoutSet  bool
	TracingHeaders     []HeaderConfig
}

// Compile resolves placeholders, applies defaults and validates cfg.
func Compile(cfg *Config) (Compiled, ValidationResult) {
	if cfg == nil {
		cfg = &Config{}
	}
	var res ValidationResult
	out := Compiled{
		Log:         compileLog(cfg.Log, &res),
		Storage:     compileStorage(cfg.Storage, &res),
		DLQ:         compileDLQ(cfg.DLQ, &res),
		Maintenance: compileMaintenance(cfg.Maintenance, &res),
		Export:      compileExport(cfg.Export, &res),
		Events:      compileEvents(cfg.Events, &res),
	}
	obs, obsRes := compileObservability(cfg.Observability)
	res.merge(obsRes)
	out.Observability = obs

	if out.Maintenance.Archive {
		switch out.Maintenance.ArchiveSink {
		case ArchiveSinkFile:
			if out.Export.Dir == "" {
				res.Errors = append(res.Errors, "maintenance.archive with archive_sink file requires export.dir")
			}
		case ArchiveSinkS3:
			if out.Export.S3Bucket == "" {
				res.Errors = append(res.Errors, "maintenance.archive with archive_sink s3 requires export.s3.bucket")
			}
		}
	}

	res.OK = len(res.Errors) == 0
	return out, res
}

func compileLog(in *LogBlock, res *ValidationResult) LogConfig {
	out := LogConfig{Level: "info", Output: "stderr"}
	if in == nil {
		return out
	}
	if raw := resolveValue(in.Level, "log.level", res); raw != "" {
		switch strings.ToLower(raw) {
		case "debug", "info", "warn", "error":
			out.Level = strings.ToLower(raw)
		case "warning":
			out.Level = "warn"
		default:
			res.Errors = append(res.Errors, "log.level must be debug|info|warn|error")
		}
	}
	if raw := resolveValue(in.Output, "log.output", res); raw != "" {
		switch strings.ToLower(raw) {
		case "stdout", "stderr", "file":
			out.Output = strings.ToLower(raw)
		default:
			res.Errors = append(res.Errors, "log.output must be stdout|stderr|file")
		}
	}
	out.Path = resolveValue(in.Path, "log.path", res)
	if out.Output == "file" && out.Path == "" {
		res.Errors = append(res.Errors, "log.path is required when output is file")
	} else if out.Output != "file" && out.Path != "" {
		res.Errors = append(res.Errors, "log.path requires output file")
	}
	return out
}

func compileStorage(in *StorageBlock, res *ValidationResult) StorageConfig {
	out := StorageConfig{Driver: DriverSQLite, SQLitePath: defaultSQLitePath}
	if in == nil {
		return out
	}
	if raw := resolveValue(in.Driver, "storage.driver", res); raw != "" {
		switch strings.ToLower(raw) {
		case DriverSQLite, DriverPostgres, DriverMemory:
			out.Driver = strings.ToLower(raw)
		default:
			res.Errors = append(res.Errors, "storage.driver must be sqlite|postgres|memory")
		}
	}
	if raw := resolveValue(in.SQLitePath, "storage.sqlite_path", res); raw != "" {
		out.SQLitePath = raw
	}
	out.PostgresDSN = resolveValue(in.PostgresDSN, "storage.postgres_dsn", res)
	out.PostgresDSNRef = resolveValue(in.PostgresDSNRef, "storage.postgres_dsn_ref", res)
	if out.PostgresDSNRef != "" {
		if _, err := secrets.ParseRef(out.PostgresDSNRef); err != nil {
			res.Errors = append(res.Errors, "storage.postgres_dsn_ref: "+err.Error())
		}
		if out.PostgresDSN != "" {
			res.Errors = append(res.Errors, "storage.postgres_dsn and storage.postgres_dsn_ref are mutually exclusive")
		}
	}

	switch out.Driver {
	case DriverPostgres:
		if out.PostgresDSN == "" && out.PostgresDSNRef == "" {
			res.Errors = append(res.Errors, "storage.postgres_dsn or storage.postgres_dsn_ref is required when driver is postgres")
		}
	default:
		if out.PostgresDSN != "" || out.PostgresDSNRef != "" {
			res.Warnings = append(res.Warnings, fmt.Sprintf("storage.postgres_dsn ignored because driver is %s", out.Driver))
		}
	}
	if out.Driver == DriverMemory {
		res.Warnings = append(res.Warnings, "storage.driver memory keeps no data across restarts")
	}
	return out
}

func compileDLQ(in *DLQBlock, res *ValidationResult) DLQConfig {
	out := DLQConfig{Default: dlq.DefaultPolicy()}
	if in == nil {
		return out
	}
	if in.Default != nil {
		out.Default = compilePolicy("dlq.default", in.Default, out.Default, res)
	}

	seen := map[uuid.UUID]bool{}
	for i, qb := range in.Queues {
		field := fmt.Sprintf("dlq.queues[%d]", i)
		rawID := resolveValue(qb.ID, field+".id", res)
		id, err := uuid.Parse(rawID)
		if err != nil {
			res.Errors = append(res.Errors, field+".id must be a UUID")
			continue
		}
		if seen[id] {
			res.Errors = append(res.Errors, fmt.Sprintf("%s.id %s is listed more than once", field, id))
			continue
		}
		seen[id] = true

		qp := QueuePolicy{
			ID:     id,
			Name:   resolveValue(qb.Name, field+".name", res),
			Policy: compilePolicy(field, &qb.PolicyBlock, out.Default, res),
		}
		if raw := resolveValue(qb.TargetQueue, field+".target_queue", res); raw != "" {
			target, err := uuid.Parse(raw)
			if err != nil {
				res.Errors = append(res.Errors, field+".target_queue must be a UUID")
			} else {
				qp.Policy.TargetQueueID = target
			}
		}
		if !qp.Policy.Enabled && qp.Policy.AutoRetry.Enabled {
			res.Warnings = append(res.Warnings, field+".auto_retry ignored because the policy is disabled")
		}
		out.Queues = append(out.Queues, qp)
	}
	sort.Slice(out.Queues, func(i, j int) bool {
		return out.Queues[i].ID.String() < out.Queues[j].ID.String()
	})
	return out
}

func compilePolicy(field string, in *PolicyBlock, base dlq.Policy, res *ValidationResult) dlq.Policy {
	out := base
	out.AutoRetry.ErrorPatterns = append([]string(nil), base.AutoRetry.ErrorPatterns...)

	if raw := resolveValue(in.Enabled, field+".enabled", res); raw != "" {
		if v, ok := parseBoolValue(raw); ok {
			out.Enabled = v
		} else {
			res.Errors = append(res.Errors, field+".enabled must be on|off|true|false|1|0")
		}
	}
	if raw := resolveValue(in.RetentionDays, field+".retention_days", res); raw != "" {
		if v, ok := parseNonNegativeInt(raw, field+".retention_days", res); ok {
			out.RetentionDays = int(v)
		}
	}
	if raw := resolveValue(in.MaxSize, field+".max_size", res); raw != "" {
		if v, ok := parseNonNegativeInt(raw, field+".max_size", res); ok {
			out.MaxSize = v
		}
	}
	if raw := resolveValue(in.AlertThreshold, field+".alert_threshold", res); raw != "" {
		if v, ok := parseNonNegativeInt(raw, field+".alert_threshold", res); ok {
			out.AlertThreshold = v
		}
	}
	if out.MaxSize > 0 && out.AlertThreshold > out.MaxSize {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s.alert_threshold %d is above max_size %d and can never fire", field, out.AlertThreshold, out.MaxSize))
	}

	if ar := in.AutoRetry; ar != nil {
		arField := field + ".auto_retry"
		if raw := resolveValue(ar.Enabled, arField+".enabled", res); raw != "" {
			if v, ok := parseBoolValue(raw); ok {
				out.AutoRetry.Enabled = v
			} else {
				res.Errors = append(res.Errors, arField+".enabled must be on|off|true|false|1|0")
			}
		}
		if raw := resolveValue(ar.Interval, arField+".interval", res); raw != "" {
			d, err := parsePositiveDuration(raw)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("%s.interval %s", arField, err))
			} else {
				out.AutoRetry.Interval = d
			}
		}
		if raw := resolveValue(ar.MaxAttempts, arField+".max_attempts", res); raw != "" {
			if v, ok := parsePositiveIntInRange(raw, arField+".max_attempts", 1, maxAutoRetryBudget, res); ok {
				out.AutoRetry.MaxAttempts = v
			}
		}
		if ar.ErrorPatterns != nil {
			out.AutoRetry.ErrorPatterns = out.AutoRetry.ErrorPatterns[:0]
			for i, p := range ar.ErrorPatterns {
				p = resolveValue(p, fmt.Sprintf("%s.error_patterns[%d]", arField, i), res)
				if p == "" {
					res.Errors = append(res.Errors, fmt.Sprintf("%s.error_patterns[%d] must not be empty", arField, i))
					continue
				}
				out.AutoRetry.ErrorPatterns = append(out.AutoRetry.ErrorPatterns, p)
			}
		}
	}
	return out
}

func compileMaintenance(in *MaintenanceBlock, res *ValidationResult) MaintenanceConfig {
	out := MaintenanceConfig{
		CleanupInterval: dlq.DefaultCleanupInterval,
		AutoRetryTick:   dlq.DefaultAutoRetryTick,
		ArchiveSink:     ArchiveSinkFile,
		ArchiveFormat:   dlq.FormatJSON,
	}
	if in == nil {
		return out
	}
	if raw := resolveValue(in.CleanupInterval, "maintenance.cleanup_interval", res); raw != "" {
		d, err := parsePositiveDuration(raw)
		if err != nil {
			res.Errors = append(res.Errors, "maintenance.cleanup_interval "+err.Error())
		} else {
			out.CleanupInterval = d
		}
	}
	if raw := resolveValue(in.AutoRetryTick, "maintenance.auto_retry_tick", res); raw != "" {
		d, err := parsePositiveDuration(raw)
		if err != nil {
			res.Errors = append(res.Errors, "maintenance.auto_retry_tick "+err.Error())
		} else {
			out.AutoRetryTick = d
		}
	}
	if raw := resolveValue(in.Archive, "maintenance.archive", res); raw != "" {
		if v, ok := parseBoolValue(raw); ok {
			out.Archive = v
		} else {
			res.Errors = append(res.Errors, "maintenance.archive must be on|off|true|false|1|0")
		}
	}
	if raw := resolveValue(in.ArchiveSink, "maintenance.archive_sink", res); raw != "" {
		switch strings.ToLower(raw) {
		case ArchiveSinkFile, ArchiveSinkS3:
			out.ArchiveSink = strings.ToLower(raw)
		default:
			res.Errors = append(res.Errors, "maintenance.archive_sink must be file|s3")
		}
	}
	if raw := resolveValue(in.ArchiveFormat, "maintenance.archive_format", res); raw != "" {
		f, err := dlq.ParseFormat(raw)
		if err != nil {
			res.Errors = append(res.Errors, "maintenance.archive_format must be json|csv")
		} else {
			out.ArchiveFormat = f
		}
	}
	return out
}

func compileExport(in *ExportBlock, res *ValidationResult) ExportConfig {
	var out ExportConfig
	if in == nil {
		return out
	}
	out.Dir = resolveValue(in.Dir, "export.dir", res)
	if in.S3 != nil {
		out.S3Bucket = resolveValue(in.S3.Bucket, "export.s3.bucket", res)
		out.S3Prefix = strings.Trim(resolveValue(in.S3.Prefix, "export.s3.prefix", res), "/")
		out.S3Region = resolveValue(in.S3.Region, "export.s3.region", res)
		if out.S3Bucket == "" {
			res.Errors = append(res.Errors, "export.s3.bucket must not be empty")
		}
	}
	return out
}

func compileEvents(in *EventsBlock, res *ValidationResult) EventsConfig {
	out := EventsConfig{Buffer: events.DefaultBufferSize}
	if in == nil {
		return out
	}
	if raw := resolveValue(in.Buffer, "events.buffer", res); raw != "" {
		if v, ok := parsePositiveIntInRange(raw, "events.buffer", 1, 1<<20, res); ok {
			out.Buffer = v
		}
	}
	if k := in.Kafka; k != nil {
		for i, b := range k.Brokers {
			field := fmt.Sprintf("events.kafka.brokers[%d]", i)
			b = resolveValue(b, field, res)
			if b == "" {
				res.Errors = append(res.Errors, field+" must not be empty")
				continue
			}
			if _, _, err := net.SplitHostPort(b); err != nil {
				res.Errors = append(res.Errors, field+" must be host:port")
				continue
			}
			out.KafkaBrokers = append(out.KafkaBrokers, b)
		}
		if len(k.Brokers) == 0 {
			res.Errors = append(res.Errors, "events.kafka.brokers must not be empty")
		}
		out.KafkaTopic = resolveValue(k.Topic, "events.kafka.topic", res)
		if out.KafkaTopic == "" {
			out.KafkaTopic = defaultKafkaTopic
		}
	}
	return out
}

func compileObservability(in *ObservabilityBlock) (ObservabilityConfig, ValidationResult) {
	var res ValidationResult
	var out ObservabilityConfig
	if in == nil {
		return out, res
	}

	out.MetricsListen = resolveValue(in.MetricsListen, "observability.metrics_listen", &res)
	if out.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(out.MetricsListen); err != nil {
			res.Errors = append(res.Errors, "observability.metrics_listen must be host:port")
		}
	}

	tr := in.Tracing
	if tr == nil {
		return out, res
	}
	out.TracingEnabled = true
	if raw := resolveValue(tr.Enabled, "observability.tracing.enabled", &res); raw != "" {
		v, ok := parseBoolValue(raw)
		if !ok {
			res.Errors = append(res.Errors, "observability.tracing.enabled must be on|off|true|false|1|0")
		} else {
			out.TracingEnabled = v
		}
	}
	out.TracingCollector = resolveValue(tr.Collector, "observability.tracing.collector", &res)
	out.TracingURLPath = resolveValue(tr.URLPath, "observability.tracing.url_path", &res)
	if out.TracingURLPath != "" && !strings.HasPrefix(out.TracingURLPath, "/") {
		res.Errors = append(res.Errors, "observability.tracing.url_path must start with /")
	}
	if raw := resolveValue(tr.Insecure, "observability.tracing.insecure", &res); raw != "" {
		v, ok := parseBoolValue(raw)
		if !ok {
			res.Errors = append(res.Errors, "observability.tracing.insecure must be on|off|true|false|1|0")
		} else {
			out.TracingInsecure = v
		}
	}
	if raw := resolveValue(tr.Compression, "observability.tracing.compression", &res); raw != "" {
		switch strings.ToLower(raw) {
		case "gzip", "none":
			out.TracingCompression = strings.ToLower(raw)
		default:
			res.Errors = append(res.Errors, "observability.tracing.compression must be gzip|none")
		}
	}
	if raw := resolveValue(tr.Timeout, "observability.tracing.timeout", &res); raw != "" {
		d, err := parsePositiveDuration(raw)
		if err != nil {
			res.Errors = append(res.Errors, "observability.tracing.timeout "+err.Error())
		} else {
			out.TracingTimeout = d
			out.TracingTimeoutSet = true
		}
	}
	names := make([]string, 0, len(tr.Headers))
	for name := range tr.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		field := "observability.tracing.headers." + name
		if strings.TrimSpace(name) == "" {
			res.Errors = append(res.Errors, "observability.tracing.headers name must not be empty")
			continue
		}
		h := HeaderConfig{
			Name:  strings.TrimSpace(name),
			Value: resolveValue(tr.Headers[name], field, &res),
		}
		if err := httpheader.Validate(h.Name, h.Value); err != nil {
			res.Errors = append(res.Errors, field+": "+err.Error())
			continue
		}
		out.TracingHeaders = append(out.TracingHeaders, h)
	}
	if !out.TracingEnabled && out.TracingCollector != "" {
		res.Warnings = append(res.Warnings, "observability.tracing.collector ignored because tracing is off")
	}
	return out, res
}

func parseBoolValue(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "on", "yes":
		return true, true
	case "0", "false", "off", "no":
		return false, true
	default:
		return false, false
	}
}

// parseDurationValue accepts Go durations plus a "d" day suffix. "off" and
// "0" report off.
func parseDurationValue(raw string) (time.Duration, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false, fmt.Errorf("must not be empty")
	}
	if strings.EqualFold(raw, "off") || raw == "0" {
		return 0, true, nil
	}

	lower := strings.ToLower(raw)
	if num, ok := strings.CutSuffix(lower, "d"); ok {
		v, err := strconv.Atoi(num)
		if num == "" || err != nil || v < 0 {
			return 0, false, fmt.Errorf("must be a duration like 5m, 2h, 7d, or off")
		}
		return time.Duration(v) * 24 * time.Hour, false, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, fmt.Errorf("must be a duration like 5m, 2h, 7d, or off")
	}
	if d < 0 {
		return 0, false, fmt.Errorf("must be a non-negative duration")
	}
	return d, false, nil
}

func parsePositiveDuration(raw string) (time.Duration, error) {
	d, off, err := parseDurationValue(raw)
	if err != nil {
		return 0, err
	}
	if off || d <= 0 {
		return 0, fmt.Errorf("must be a positive duration like 5s")
	}
	return d, nil
}

func parsePositiveIntInRange(raw string, field string, min int, max int, res *ValidationResult) (int, bool) {
	v, err := strconv.Atoi(raw)
	if err != nil {
		res.Errors = append(res.Errors, field+" must be an integer")
		return 0, false
	}
	if v < min || v > max {
		res.Errors = append(res.Errors, fmt.Sprintf("%s must be between %d and %d", field, min, max))
		return 0, false
	}
	return v, true
}

func parseNonNegativeInt(raw string, field string, res *ValidationResult) (int64, bool) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		res.Errors = append(res.Errors, field+" must be an integer")
		return 0, false
	}
	if v < 0 {
		res.Errors = append(res.Errors, field+" must not be negative")
		return 0, false
	}
	return v, true
}
