// Package main — cmd/octotrace/main.go
//
// OCTOTRACE collector coordinator entrypoint.
//
// This binary wires together every tier of the query-execution telemetry
// core as a single process:
//
//   - internal/qss:         the in-server counter pipeline (C2), normally
//     linked directly into the database server.
//   - internal/tracepoint:  the executor marker fabric (C1) that would
//     fire from the server's own executor hooks.
//   - internal/kernelsim:   the kernel-side BEGIN/END/FEATURES/FLUSH
//     collector (C3), normally a CO-RE eBPF program; here a pure-Go state
//     machine plays that role, the same way the host fleet's own
//     octoreflex-sim validates a kernel-enforced protocol without a live
//     kernel.
//   - internal/coordinator: the userspace attach/route/sink supervisor
//     (C4) and its gRPC status/stream surface.
//   - internal/operator:    the runtime override socket.
//
// Because no real target server process exists to attach uprobes to,
// this binary drives its own synthetic backend workload — simulated
// postmaster forks, each running simulated executor invocations — through
// the exact same pipeline a live server would drive. internal/bpf (the
// CO-RE loader that would replace internal/kernelsim against a real
// kernel) is a separately tested, attach-ready package this entrypoint
// does not invoke.
//
// Startup sequence:
//  1. Load and validate config.
//  2. Initialise structured logger (zap).
//  3. Root context with cancellation.
//  4. Load the OU schema catalog and render tracing code artifacts.
//  5. Open the QSS persistence store (sql or embedded) and sink set.
//  6. Build the kernel collector state machine and lifecycle ring.
//  7. Start the Prometheus metrics server.
//  8. Start the coordinator supervisor, its gRPC service, and the
//     operator override socket.
//  9. Start the synthetic backend workload generator.
// 10. Register SIGHUP hot-reload.
// 11. Block on SIGINT/SIGTERM for graceful shutdown.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	_ "modernc.org/sqlite"

	"github.com/octotrace/octotrace/internal/codegen"
	"github.com/octotrace/octotrace/internal/config"
	"github.com/octotrace/octotrace/internal/coordinator"
	"github.com/octotrace/octotrace/internal/kernelsim"
	"github.com/octotrace/octotrace/internal/observability"
	"github.com/octotrace/octotrace/internal/operator"
	"github.com/octotrace/octotrace/internal/perfcounters"
	"github.com/octotrace/octotrace/internal/qss"
	"github.com/octotrace/octotrace/internal/ratelimit"
	"github.com/octotrace/octotrace/internal/schema"
	"github.com/octotrace/octotrace/internal/sink"
	"github.com/octotrace/octotrace/internal/tracepoint"
)

func main() {
	configPath := flag.String("config", "/etc/octotrace/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("octotrace %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ───────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Logger ────────────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("OCTOTRACE starting",
		zap.String("version", config.Version),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	// ── Step 3: Root context ─────────────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 4: Schema catalog + tracing codegen ─────────────────────────
	cat, err := schema.Load(cfg.Coordinator.SchemaPath)
	if err != nil {
		log.Error("schema catalog load failed", zap.Error(err),
			zap.String("path", cfg.Coordinator.SchemaPath))
		_ = log.Sync()
		os.Exit(2)
	}
	if len(cat.OUs) > cfg.Coordinator.MaxTrackedOUs {
		log.Fatal("schema catalog exceeds coordinator.max_tracked_ous",
			zap.Int("ou_count", len(cat.OUs)),
			zap.Int("max", cfg.Coordinator.MaxTrackedOUs))
	}
	for _, ou := range cat.OUs {
		artifacts, err := codegen.Generate(ou)
		if err != nil {
			log.Fatal("tracing code generation failed", zap.String("ou", ou.Name), zap.Error(err))
		}
		log.Debug("tracing code generated", zap.String("ou", ou.Name), zap.Int("artifacts", len(artifacts)))
	}
	log.Info("schema catalog loaded", zap.Int("ou_count", len(cat.OUs)))

	// ── Step 5: QSS store + sink set ──────────────────────────────────────
	var sqlDB *sql.DB
	if cfg.QSS.Driver == "sql" || cfg.Sink.Mode == "sql" {
		sqlDB, err = sql.Open("sqlite", cfg.QSS.DSN)
		if err != nil {
			log.Fatal("shared sql.DB open failed", zap.Error(err), zap.String("dsn", cfg.QSS.DSN))
		}
		defer sqlDB.Close() //nolint:errcheck
		sqlDB.SetMaxOpenConns(1)
	}

	qssStore, err := openQSSStore(cfg)
	if err != nil {
		log.Fatal("QSS store open failed", zap.Error(err))
	}
	defer qssStore.Close() //nolint:errcheck
	log.Info("QSS store opened", zap.String("driver", cfg.QSS.Driver))

	sinks, err := openSinks(cat, cfg, sqlDB)
	if err != nil {
		log.Error("sink open failed", zap.Error(err))
		_ = log.Sync()
		os.Exit(3)
	}
	log.Info("sinks opened", zap.String("mode", cfg.Sink.Mode), zap.Int("count", len(sinks)))

	pipeline := qss.NewPipeline(qssStore, cfg.Capture.Enabled, cfg.Capture.ExecStats,
		cfg.Capture.QueryRuntime, cfg.Capture.Nested)

	// ── Step 6: Kernel collector state machine ────────────────────────────
	metrics := observability.NewMetrics()
	drops := newMetricsDropRecorder(metrics, cat)
	sampler := perfcounters.NewFakeSampler()
	sm := kernelsim.New(sampler, drops, 256)
	lifecycle := kernelsim.NewLifecycleRing(256)

	// ── Step 7: Metrics server ────────────────────────────────────────────
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 8: Coordinator supervisor + rpc + operator ───────────────────
	limiter := ratelimit.New(cfg.Coordinator.AttachRetryBudget, time.Minute)
	defer limiter.Close()

	sup := coordinator.New(cat, sm, lifecycle, sinks, cfg.Sink.Mode,
		coordinator.NoopAttacher{}, limiter, metrics, log)

	go func() {
		if err := sup.Run(ctx); err != nil {
			log.Error("coordinator supervisor stopped with error", zap.Error(err))
		}
	}()
	log.Info("coordinator supervisor started")

	rpcSvc := coordinator.NewService(sup, cat, cfg.NodeID, time.Now())
	go func() {
		if err := coordinator.ListenAndServe(ctx, cfg.Coordinator.RPCListenAddr, rpcSvc, log); err != nil {
			log.Error("coordinator rpc server error", zap.Error(err))
		}
	}()
	log.Info("coordinator rpc listening", zap.String("addr", cfg.Coordinator.RPCListenAddr))

	rate := newRateHolder(cfg.Tracepoint.ExecutorSamplingRate)
	if cfg.Operator.Enabled {
		ctrl := &octotraceController{rate: rate, sup: sup, drops: drops}
		opSrv := operator.NewServer(cfg.Operator.SocketPath, ctrl, log)
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				log.Error("operator server error", zap.Error(err))
			}
		}()
		log.Info("operator socket listening", zap.String("path", cfg.Operator.SocketPath))
	} else {
		log.Info("operator socket disabled")
	}

	// ── Step 9: Synthetic backend workload ────────────────────────────────
	h := &harness{
		cat:       cat,
		sm:        sm,
		lifecycle: lifecycle,
		pipeline:  pipeline,
		sampler:   sampler,
		gate:      tracepoint.NewSamplingGate(),
		rate:      rate,
		log:       log,
	}
	const syntheticBackends = 4
	for i := 0; i < syntheticBackends; i++ {
		pid := uint32(1000 + i)
		go h.runBackend(ctx, pid)
	}
	log.Info("synthetic backend workload started", zap.Int("backends", syntheticBackends))

	// ── Step 10: SIGHUP hot-reload ─────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			rate.Set(newCfg.Tracepoint.ExecutorSamplingRate)
			log.Info("config hot-reload applied",
				zap.Float64("executor_sampling_rate", newCfg.Tracepoint.ExecutorSamplingRate))
		}
	}()

	// ── Step 11: Wait for shutdown signal ──────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	shutdownTimer := time.NewTimer(config.ShutdownDrainTimeout)
	defer shutdownTimer.Stop()
	<-shutdownTimer.C

	log.Info("OCTOTRACE shutdown complete")
}

// openQSSStore opens the plans/stats persistence backend named by
// cfg.QSS.Driver. With the "sql" driver the store opens its own
// database/sql pool on cfg.QSS.DSN; it does not share main's sqlDB.
func openQSSStore(cfg *config.Config) (qss.Store, error) {
	switch cfg.QSS.Driver {
	case "sql":
		return qss.OpenSQLStore(cfg.QSS.DSN)
	case "embedded":
		return qss.OpenBoltStore(cfg.QSS.EmbeddedPath)
	default:
		return nil, fmt.Errorf("unknown qss.driver %q", cfg.QSS.Driver)
	}
}

// openSinks builds one sink.Sink per catalog OU, per cfg.Sink.Mode.
func openSinks(cat *schema.Catalog, cfg *config.Config, sqlDB *sql.DB) (map[string]sink.Sink, error) {
	out := make(map[string]sink.Sink, len(cat.OUs))
	for _, ou := range cat.OUs {
		switch cfg.Sink.Mode {
		case "csv":
			path := fmt.Sprintf("%s/%s.csv", cfg.Sink.CSVDir, ou.Name)
			f, err := os.Create(path)
			if err != nil {
				return nil, fmt.Errorf("create csv sink file %q: %w", path, err)
			}
			snk, err := sink.NewCSVSink(f, ou)
			if err != nil {
				f.Close() //nolint:errcheck
				return nil, fmt.Errorf("csv sink for %q: %w", ou.Name, err)
			}
			out[ou.Name] = snk
		case "sql":
			snk, err := sink.OpenSQLSink(sqlDB, ou.Name)
			if err != nil {
				return nil, fmt.Errorf("sql sink for %q: %w", ou.Name, err)
			}
			out[ou.Name] = snk
		default:
			return nil, fmt.Errorf("unknown sink.mode %q", cfg.Sink.Mode)
		}
	}
	return out, nil
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}

// ─── Sampling-rate holder, shared between the operator surface and the
//     synthetic workload's executor_start gate arming ───────────────────

type rateHolder struct {
	mu   sync.RWMutex
	rate float64
}

func newRateHolder(initial float64) *rateHolder {
	return &rateHolder{rate: initial}
}

func (r *rateHolder) Get() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rate
}

func (r *rateHolder) Set(rate float64) error {
	if rate < 0 || rate > 1 {
		return fmt.Errorf("sampling rate must be in [0, 1], got %f", rate)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rate = rate
	return nil
}

// ─── Drop recorder wired to both Prometheus and the operator surface ───

type metricsDropRecorder struct {
	metrics *observability.Metrics
	names   map[int32]string

	mu     sync.Mutex
	counts map[string]uint64
}

func newMetricsDropRecorder(metrics *observability.Metrics, cat *schema.Catalog) *metricsDropRecorder {
	names := make(map[int32]string, len(cat.OUs))
	for _, ou := range cat.OUs {
		names[ou.Index] = ou.Name
	}
	return &metricsDropRecorder{
		metrics: metrics,
		names:   names,
		counts:  make(map[string]uint64),
	}
}

func (d *metricsDropRecorder) RecordDrop(ouIndex int32, reason kernelsim.DropReason) {
	name, ok := d.names[ouIndex]
	if !ok {
		name = "unknown"
	}
	d.metrics.DropsTotal.WithLabelValues(name, string(reason)).Inc()

	d.mu.Lock()
	d.counts[name]++
	d.mu.Unlock()
}

func (d *metricsDropRecorder) Snapshot() map[string]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]uint64, len(d.counts))
	for k, v := range d.counts {
		out[k] = v
	}
	return out
}

// ─── operator.Controller adapter ────────────────────────────────────────

type octotraceController struct {
	rate  *rateHolder
	sup   *coordinator.Supervisor
	drops *metricsDropRecorder
}

func (c *octotraceController) CurrentSamplingRate() float64 {
	return c.rate.Get()
}

func (c *octotraceController) SetSamplingRate(rate float64) error {
	return c.rate.Set(rate)
}

func (c *octotraceController) Detach(pid uint32) error {
	return c.sup.ForceDetach(pid)
}

func (c *octotraceController) ListBackends() []operator.BackendStatus {
	pids := c.sup.AttachedPIDs()
	out := make([]operator.BackendStatus, 0, len(pids))
	for _, pid := range pids {
		out = append(out, operator.BackendStatus{PID: pid, Attached: true})
	}
	return out
}

func (c *octotraceController) DropCounts() map[string]uint64 {
	return c.drops.Snapshot()
}
