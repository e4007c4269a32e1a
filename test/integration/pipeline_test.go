// Package integration exercises the full collector pipeline end to end:
// schema catalog → codegen artifacts → kernel state machine → coordinator
// supervisor → CSV sink, the way cmd/octotrace wires them at startup.
package integration

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/octotrace/octotrace/internal/codegen"
	"github.com/octotrace/octotrace/internal/coordinator"
	"github.com/octotrace/octotrace/internal/kernelsim"
	"github.com/octotrace/octotrace/internal/observability"
	"github.com/octotrace/octotrace/internal/perfcounters"
	"github.com/octotrace/octotrace/internal/ratelimit"
	"github.com/octotrace/octotrace/internal/schema"
	"github.com/octotrace/octotrace/internal/sink"
)

func testCatalog() *schema.Catalog {
	return &schema.Catalog{
		OUs: []schema.OU{
			{
				Index: 1,
				Name:  "seq_scan",
				Features: []schema.FieldSpec{
					{Name: "relid", Type: schema.TypeInt64},
					{Name: "is_parallel", Type: schema.TypeBool},
				},
			},
		},
	}
}

// TestCodegenProducesArtifactsForEveryOU exercises the code-generation
// step the coordinator runs at startup for each catalog OU.
func TestCodegenProducesArtifactsForEveryOU(t *testing.T) {
	cat := testCatalog()
	for _, ou := range cat.OUs {
		artifacts, err := codegen.Generate(ou)
		require.NoError(t, err)
		assert.Len(t, artifacts, 3)
		for _, a := range artifacts {
			assert.NotEmpty(t, a.Text)
		}
	}
}

// TestFullPipelineBeginEndFlushRoutesToCSVSink drives one BEGIN/
// FEATURES/END/FLUSH sequence through a real kernelsim.StateMachine and a
// real coordinator.Supervisor, and asserts the resulting record lands as
// a row in the CSV sink file.
func TestFullPipelineBeginEndFlushRoutesToCSVSink(t *testing.T) {
	cat := testCatalog()
	ou := cat.OUs[0]

	sampler := perfcounters.NewFakeSampler()
	sampler.Push(321, perfcounters.Snapshot{WallClockUS: 1_000_000, Perf: [perfcounters.NumPerfCounters]float64{10, 20, 0, 0, 0}})
	sampler.Push(321, perfcounters.Snapshot{WallClockUS: 1_002_500, Perf: [perfcounters.NumPerfCounters]float64{30, 60, 0, 0, 0}})

	sm := kernelsim.New(sampler, kernelsim.NoopDropRecorder{}, 16)
	lifecycle := kernelsim.NewLifecycleRing(16)

	csvPath := t.TempDir() + "/seq_scan.csv"
	f, err := os.Create(csvPath)
	require.NoError(t, err)
	csvSink, err := sink.NewCSVSink(f, ou)
	require.NoError(t, err)

	limiter := ratelimit.New(100, time.Hour)
	t.Cleanup(limiter.Close)

	sup := coordinator.New(cat, sm, lifecycle,
		map[string]sink.Sink{"seq_scan": csvSink},
		"csv", coordinator.NoopAttacher{}, limiter, observability.NewMetrics(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		_ = sup.Run(ctx)
		close(runDone)
	}()

	lifecycle.Emit(kernelsim.LifecycleEvent{Type: kernelsim.ForkBackend, PID: 321})
	require.Eventually(t, func() bool { return sup.AttachedCount() == 1 }, time.Second, 5*time.Millisecond)

	key := kernelsim.Key{OUIndex: ou.Index, PlanNodeID: 99}
	sm.Begin(key, 321, false, 1_000_000)
	sm.Features(key, kernelsim.FeaturePayload{"relid": int64(4242), "is_parallel": true})
	sm.End(key, 321, false, 1_002_500)
	sm.Flush(key, 321)

	lifecycle.Emit(kernelsim.LifecycleEvent{Type: kernelsim.ReapBackend, PID: 321})
	require.Eventually(t, func() bool { return sup.AttachedCount() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	<-runDone // Run closes every sink, including the underlying file, on return

	raw, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2, "expected a header row plus one data row")
	assert.Contains(t, lines[0], "relid")
	assert.Contains(t, lines[1], "4242")
	assert.Contains(t, lines[1], "321")
}

// TestLifecycleAttachDetachSurvivesOperatorForceDetach exercises the
// operator control-surface path: ForceDetach releases an attachment
// before any reap event arrives.
func TestLifecycleAttachDetachSurvivesOperatorForceDetach(t *testing.T) {
	cat := testCatalog()
	sampler := perfcounters.NewFakeSampler()
	sm := kernelsim.New(sampler, kernelsim.NoopDropRecorder{}, 16)
	lifecycle := kernelsim.NewLifecycleRing(16)

	f, err := os.Create(t.TempDir() + "/seq_scan.csv")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	csvSink, err := sink.NewCSVSink(f, cat.OUs[0])
	require.NoError(t, err)

	limiter := ratelimit.New(100, time.Hour)
	t.Cleanup(limiter.Close)

	sup := coordinator.New(cat, sm, lifecycle,
		map[string]sink.Sink{"seq_scan": csvSink},
		"csv", coordinator.NoopAttacher{}, limiter, observability.NewMetrics(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		_ = sup.Run(ctx)
		close(runDone)
	}()
	defer func() {
		cancel()
		<-runDone
	}()

	lifecycle.Emit(kernelsim.LifecycleEvent{Type: kernelsim.ForkBackend, PID: 55})
	require.Eventually(t, func() bool { return sup.AttachedCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, sup.ForceDetach(55))
	assert.Equal(t, 0, sup.AttachedCount())
	assert.Empty(t, sup.AttachedPIDs())

	err = sup.ForceDetach(55)
	assert.Error(t, err)
}
