package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where commands look for the config file when --config is
// not given.
const DefaultPath = "./reliq.yaml"

// Config is the file as written. Scalars stay strings until Compile so that
// placeholders can stand in for any value.
type Config struct {
	Log           *LogBlock           `yaml:"log,omitempty"`
	Storage       *StorageBlock       `yaml:"storage,omitempty"`
	DLQ           *DLQBlock           `yaml:"dlq,omitempty"`
	Maintenance   *MaintenanceBlock   `yaml:"maintenance,omitempty"`
	Export        *ExportBlock        `yaml:"export,omitempty"`
	Events        *EventsBlock        `yaml:"events,omitempty"`
	Observability *ObservabilityBlock `yaml:"observability,omitempty"`
}

type LogBlock struct {
	Level  string `yaml:"level,omitempty"`
	Output string `yaml:"output,omitempty"`
	Path   string `yaml:"path,omitempty"`
}

type StorageBlock struct {
	Driver      string `yaml:"driver,omitempty"`
	SQLitePath  string `yaml:"sqlite_path,omitempty"`
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
	// PostgresDSNRef is an env:, file:, raw: or vault: reference resolved
	// when the store is opened.
	PostgresDSNRef string `yaml:"postgres_dsn_ref,omitempty"`
}

type DLQBlock struct {
	Default *PolicyBlock       `yaml:"default,omitempty"`
	Queues  []QueuePolicyBlock `yaml:"queues,omitempty"`
}

type PolicyBlock struct {
	Enabled        string          `yaml:"enabled,omitempty"`
	RetentionDays  string          `yaml:"retention_days,omitempty"`
	MaxSize        string          `yaml:"max_size,omitempty"`
	AlertThreshold string          `yaml:"alert_threshold,omitempty"`
	AutoRetry      *AutoRetryBlock `yaml:"auto_retry,omitempty"`
}

type AutoRetryBlock struct {
	Enabled       string   `yaml:"enabled,omitempty"`
	Interval      string   `yaml:"interval,omitempty"`
	MaxAttempts   string   `yaml:"max_attempts,omitempty"`
	ErrorPatterns []string `yaml:"error_patterns,omitempty"`
}

// QueuePolicyBlock overrides the default policy for one queue. Unset fields
// inherit from dlq.default.
type QueuePolicyBlock struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name,omitempty"`
	TargetQueue string `yaml:"target_queue,omitempty"`
	PolicyBlock `yaml:",inline"`
}

type MaintenanceBlock struct {
	CleanupInterval string `yaml:"cleanup_interval,omitempty"`
	AutoRetryTick   string `yaml:"auto_retry_tick,omitempty"`
	Archive         string `yaml:"archive,omitempty"`
	ArchiveSink     string `yaml:"archive_sink,omitempty"`
	ArchiveFormat   string `yaml:"archive_format,omitempty"`
}

type ExportBlock struct {
	Dir string   `yaml:"dir,omitempty"`
	S3  *S3Block `yaml:"s3,omitempty"`
}

type S3Block struct {
	Bucket string `yaml:"bucket,omitempty"`
	Prefix string `yaml:"prefix,omitempty"`
	Region string `yaml:"region,omitempty"`
}

type EventsBlock struct {
	Buffer string      `yaml:"buffer,omitempty"`
	Kafka  *KafkaBlock `yaml:"kafka,omitempty"`
}

type KafkaBlock struct {
	Brokers []string `yaml:"brokers,omitempty"`
	Topic   string   `yaml:"topic,omitempty"`
}

type ObservabilityBlock struct {
	MetricsListen string        `yaml:"metrics_listen,omitempty"`
	Tracing       *TracingBlock `yaml:"tracing,omitempty"`
}

type TracingBlock struct {
	Enabled     string            `yaml:"enabled,omitempty"`
	Collector   string            `yaml:"collector,omitempty"`
	URLPath     string            `yaml:"url_path,omitempty"`
	Insecure    string            `yaml:"insecure,omitempty"`
	Timeout     string            `yaml:"timeout,omitempty"`
	Compression string            `yaml:"compression,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"`
}

// Parse decodes a YAML config. Unknown keys are rejected. An empty document
// yields an empty Config.
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(normalizeInput(data)))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return &cfg, nil
}

func ReadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Load reads, parses and compiles path. A result that is not OK is returned
// as the first error.
func Load(path string) (Compiled, ValidationResult, error) {
	cfg, err := ReadFile(path)
	if err != nil {
		return Compiled{}, ValidationResult{}, err
	}
	compiled, res := Compile(cfg)
	if !res.OK {
		if len(res.Errors) == 0 {
			return compiled, res, errors.New("config: invalid config")
		}
		return compiled, res, fmt.Errorf("config: %s", res.Errors[0])
	}
	return compiled, res, nil
}

type ValidationResult struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *ValidationResult) merge(other ValidationResult) {
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

func FormatValidationJSON(res ValidationResult) (string, error) {
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func FormatValidationText(res ValidationResult) string {
	if res.OK {
		if len(res.Warnings) == 0 {
			return "config ok"
		}
		return fmt.Sprintf("config ok (warnings: %d)", len(res.Warnings))
	}
	if len(res.Errors) == 0 {
		return "config invalid"
	}
	return fmt.Sprintf("config invalid: %s", res.Errors[0])
}
