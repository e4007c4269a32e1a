// Package config provides configuration loading, validation, and hot-reload
// for the OCTOTRACE collector coordinator and its in-process telemetry
// simulation harness (tracepoint fabric, QSS pipeline, kernel state machine).
//
// Configuration file: /etc/octotrace/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - The coordinator listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Only the executor sampling rate is applied on reload.
//   - Every other field (capture flags, log level, DSN, RPC listen address,
//     and the rest) takes effect only after a restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The coordinator does NOT crash on invalid hot-reload.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (e.g., executor_sampling_rate in [0,1]).
//   - Invalid config on startup: refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime default to the values below and can be
// overridden at build time with -ldflags "-X ...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for OCTOTRACE.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this collector instance in logs and metrics.
	// Default: hostname.
	NodeID string `yaml:"node_id"`

	// Tracepoint configures the sampling gate (§6, executor_sampling_rate).
	Tracepoint TracepointConfig `yaml:"tracepoint"`

	// Capture configures the master gate and its sub-switches (§6).
	Capture CaptureConfig `yaml:"capture"`

	// QSS configures the in-server counter pipeline's persistence target.
	QSS QSSConfig `yaml:"qss"`

	// Coordinator configures attach/discovery/codegen behaviour.
	Coordinator CoordinatorConfig `yaml:"coordinator"`

	// Sink configures the per-OU record sink.
	Sink SinkConfig `yaml:"sink"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`

	// Operator configures the operator override Unix socket.
	Operator OperatorConfig `yaml:"operator"`
}

// TracepointConfig holds C1 sampling-gate parameters.
type TracepointConfig struct {
	// ExecutorSamplingRate is the per-statement probability of arming the
	// executor_running gate. Range: [0.0, 1.0]. Default: 1.0.
	ExecutorSamplingRate float64 `yaml:"executor_sampling_rate"`
}

// CaptureConfig holds the C2 master gate and its documented sub-switches.
type CaptureConfig struct {
	// Enabled is the master gate. When false the whole pipeline is a no-op:
	// no counter allocations, no table rows, no ring records (§8 invariant 8).
	Enabled bool `yaml:"enabled"`

	// ExecStats enables counter allocation and per-node persistence.
	ExecStats bool `yaml:"exec_stats"`

	// QueryRuntime sets the frame's TotalTimeArmed flag at ExecutorStart.
	// Nothing reads that flag: the whole-query elapsed-time row is written
	// for every persisted frame whether QueryRuntime is true or false.
	QueryRuntime bool `yaml:"query_runtime"`

	// Nested controls whether nested executor frames persist their own
	// plans/stats rows (true) or only the outermost frame persists (false).
	// Left as an explicit, testable config flag rather than a fixed policy.
	Nested bool `yaml:"nested"`
}

// QSSConfig holds in-server counter pipeline persistence parameters.
type QSSConfig struct {
	// Driver selects the plans/stats persistence backend: "sql" (relational,
	// via database/sql) or "embedded" (bbolt, for single-node/no-DB setups).
	// Default: "embedded".
	Driver string `yaml:"driver"`

	// DSN is the database/sql data source name, used when Driver == "sql".
	DSN string `yaml:"dsn"`

	// EmbeddedPath is the bbolt file path, used when Driver == "embedded".
	EmbeddedPath string `yaml:"embedded_path"`
}

// CoordinatorConfig holds C4 attach/discovery/codegen parameters.
type CoordinatorConfig struct {
	// PinPath is the directory where per-OU ring buffer handles and
	// lifecycle state are pinned across coordinator restarts.
	// Default: /sys/fs/bpf/octotrace (mirrors the BPF pin path convention).
	// The simulation harness in cmd/octotrace does not read it.
	PinPath string `yaml:"pin_path"`

	// SchemaPath is the OU schema catalog source (see internal/schema).
	SchemaPath string `yaml:"schema_path"`

	// RPCListenAddr is the gRPC listen address for CoordinatorService.
	// Default: 127.0.0.1:9444.
	RPCListenAddr string `yaml:"rpc_listen_addr"`

	// MaxTrackedOUs bounds the number of OUs the coordinator will generate
	// tracing code and attach probes for in a single run.
	MaxTrackedOUs int `yaml:"max_tracked_ous"`

	// AttachRetryBudget bounds how many attach attempts per minute the
	// coordinator will make against newly-observed backend PIDs before
	// rate-limiting kicks in (internal/ratelimit).
	AttachRetryBudget int `yaml:"attach_retry_budget"`
}

// SinkConfig holds per-OU record sink parameters.
type SinkConfig struct {
	// Mode selects the reference sink: "csv" (file-per-OU, header = feature
	// names ‖ metric names) or "sql" (writes to the database named by
	// QSS.DSN through its own database/sql pool; requires QSS.Driver == "sql").
	// Default: "csv".
	Mode string `yaml:"mode"`

	// CSVDir is the output directory for CSVSink files.
	CSVDir string `yaml:"csv_dir"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9092.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// OperatorConfig holds operator override parameters.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path for the operator CLI.
	// Permissions: 0600. Default: /run/octotrace/operator.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the operator socket is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultEmbeddedDBPath is the default bbolt file location.
const DefaultEmbeddedDBPath = "/var/lib/octotrace/octotrace.db"

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Tracepoint: TracepointConfig{
			ExecutorSamplingRate: 1.0,
		},
		Capture: CaptureConfig{
			Enabled:      true,
			ExecStats:    true,
			QueryRuntime: true,
			Nested:       false,
		},
		QSS: QSSConfig{
			Driver:       "embedded",
			EmbeddedPath: DefaultEmbeddedDBPath,
		},
		Coordinator: CoordinatorConfig{
			PinPath:           "/sys/fs/bpf/octotrace",
			SchemaPath:        "/etc/octotrace/ous.yaml",
			RPCListenAddr:     "127.0.0.1:9444",
			MaxTrackedOUs:     64,
			AttachRetryBudget: 20,
		},
		Sink: SinkConfig{
			Mode:   "csv",
			CSVDir: "/var/lib/octotrace/sink",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9092",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/octotrace/operator.sock",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Tracepoint.ExecutorSamplingRate < 0.0 || cfg.Tracepoint.ExecutorSamplingRate > 1.0 {
		errs = append(errs, fmt.Sprintf(
			"tracepoint.executor_sampling_rate must be in [0.0, 1.0], got %f",
			cfg.Tracepoint.ExecutorSamplingRate))
	}
	switch cfg.QSS.Driver {
	case "sql":
		if cfg.QSS.DSN == "" {
			errs = append(errs, "qss.dsn is required when qss.driver == \"sql\"")
		}
	case "embedded":
		if cfg.QSS.EmbeddedPath == "" {
			errs = append(errs, "qss.embedded_path is required when qss.driver == \"embedded\"")
		}
	default:
		errs = append(errs, fmt.Sprintf("qss.driver must be \"sql\" or \"embedded\", got %q", cfg.QSS.Driver))
	}
	switch cfg.Sink.Mode {
	case "csv":
		if cfg.Sink.CSVDir == "" {
			errs = append(errs, "sink.csv_dir is required when sink.mode == \"csv\"")
		}
	case "sql":
		if cfg.QSS.Driver != "sql" {
			errs = append(errs, "sink.mode == \"sql\" requires qss.driver == \"sql\"")
		}
	default:
		errs = append(errs, fmt.Sprintf("sink.mode must be \"csv\" or \"sql\", got %q", cfg.Sink.Mode))
	}
	if cfg.Coordinator.MaxTrackedOUs < 1 {
		errs = append(errs, fmt.Sprintf("coordinator.max_tracked_ous must be >= 1, got %d", cfg.Coordinator.MaxTrackedOUs))
	}
	if cfg.Coordinator.AttachRetryBudget < 1 {
		errs = append(errs, fmt.Sprintf("coordinator.attach_retry_budget must be >= 1, got %d", cfg.Coordinator.AttachRetryBudget))
	}
	if cfg.Coordinator.SchemaPath == "" {
		errs = append(errs, "coordinator.schema_path must not be empty")
	}
	if cfg.Operator.Enabled && cfg.Operator.SocketPath == "" {
		errs = append(errs, "operator.socket_path must not be empty when operator.enabled == true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}

// ShutdownDrainTimeout is how long cmd/octotrace waits after cancelling its
// root context on graceful shutdown before exiting. The wait always lasts
// the full timeout; it does not end early once record routing has drained.
const ShutdownDrainTimeout = 5 * time.Second
