// Package observability — metrics.go
//
// Prometheus metrics for the OCTOTRACE collector coordinator.
//
// Endpoint: GET /metrics on 127.0.0.1:9092 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback by default; ServeMetrics listens on whatever address
// observability.metrics_addr names.
//
// Metric naming convention: octotrace_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - OU index/name and drop reason are used as labels (bounded: one value
//     per registered operating unit, ~single digits of drop reasons).
//   - plan_node_id and pid are NOT used as labels (unbounded cardinality).
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for OCTOTRACE.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Kernel collector state machine (C3) ─────────────────────────────────

	// TransitionsTotal counts BEGIN/END/FEATURES/FLUSH/RESET transitions.
	// Labels: ou, transition
	TransitionsTotal *prometheus.CounterVec

	// RecordsEmittedTotal counts completed records published to a per-OU ring.
	// Labels: ou
	RecordsEmittedTotal *prometheus.CounterVec

	// DropsTotal counts protocol violations, capacity exhaustion, and
	// negative-delta resets. Labels: ou, reason
	DropsTotal *prometheus.CounterVec

	// ActiveKeysGauge is the current number of (ou_index, plan_node_id) keys
	// with outstanding state (running or complete-but-unflushed).
	// Labels: ou
	ActiveKeysGauge *prometheus.GaugeVec

	// ─── QSS persistence (C2) ────────────────────────────────────────────────

	// PlanUpsertsTotal counts plans-table upsert attempts.
	// Labels: outcome (inserted, already_present, error)
	PlanUpsertsTotal *prometheus.CounterVec

	// StatsRowsWrittenTotal counts stats-table row appends.
	StatsRowsWrittenTotal prometheus.Counter

	// QSSWriteLatency records persistence transaction latency.
	QSSWriteLatency prometheus.Histogram

	// ─── Coordinator (C4) ────────────────────────────────────────────────────

	// AttachedBackends is the current number of backend processes with
	// probes attached.
	AttachedBackends prometheus.Gauge

	// AttachFailuresTotal counts failed attach attempts.
	AttachFailuresTotal prometheus.Counter

	// SinkWritesTotal counts records handed to a sink.
	// Labels: ou, sink
	SinkWritesTotal *prometheus.CounterVec

	// SinkErrorsTotal counts sink write failures.
	// Labels: ou, sink
	SinkErrorsTotal *prometheus.CounterVec

	// UptimeSeconds is the number of seconds since the coordinator started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all OCTOTRACE Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octotrace",
			Subsystem: "kernel",
			Name:      "transitions_total",
			Help:      "Total per-OU state machine transitions, by OU and transition kind.",
		}, []string{"ou", "transition"}),

		RecordsEmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octotrace",
			Subsystem: "kernel",
			Name:      "records_emitted_total",
			Help:      "Total completed records published to a per-OU ring.",
		}, []string{"ou"}),

		DropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octotrace",
			Subsystem: "kernel",
			Name:      "drops_total",
			Help:      "Total dropped keys, by OU and drop reason.",
		}, []string{"ou", "reason"}),

		ActiveKeysGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "octotrace",
			Subsystem: "kernel",
			Name:      "active_keys",
			Help:      "Current number of (ou_index, plan_node_id) keys with outstanding state.",
		}, []string{"ou"}),

		PlanUpsertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octotrace",
			Subsystem: "qss",
			Name:      "plan_upserts_total",
			Help:      "Total plans-table upsert attempts, by outcome.",
		}, []string{"outcome"}),

		StatsRowsWrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "octotrace",
			Subsystem: "qss",
			Name:      "stats_rows_written_total",
			Help:      "Total stats-table rows appended.",
		}),

		QSSWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "octotrace",
			Subsystem: "qss",
			Name:      "write_latency_seconds",
			Help:      "plans/stats persistence transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		AttachedBackends: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "octotrace",
			Subsystem: "coordinator",
			Name:      "attached_backends",
			Help:      "Current number of backend processes with probes attached.",
		}),

		AttachFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "octotrace",
			Subsystem: "coordinator",
			Name:      "attach_failures_total",
			Help:      "Total failed attach attempts.",
		}),

		SinkWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octotrace",
			Subsystem: "coordinator",
			Name:      "sink_writes_total",
			Help:      "Total records handed to a sink, by OU and sink kind.",
		}, []string{"ou", "sink"}),

		SinkErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octotrace",
			Subsystem: "coordinator",
			Name:      "sink_errors_total",
			Help:      "Total sink write failures, by OU and sink kind.",
		}, []string{"ou", "sink"}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "octotrace",
			Subsystem: "coordinator",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the coordinator started.",
		}),
	}

	reg.MustRegister(
		m.TransitionsTotal,
		m.RecordsEmittedTotal,
		m.DropsTotal,
		m.ActiveKeysGauge,
		m.PlanUpsertsTotal,
		m.StatsRowsWrittenTotal,
		m.QSSWriteLatency,
		m.AttachedBackends,
		m.AttachFailuresTotal,
		m.SinkWritesTotal,
		m.SinkErrorsTotal,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
