package main

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/octotrace/octotrace/internal/kernelsim"
	"github.com/octotrace/octotrace/internal/perfcounters"
	"github.com/octotrace/octotrace/internal/qss"
	"github.com/octotrace/octotrace/internal/schema"
	"github.com/octotrace/octotrace/internal/tracepoint"
)

// harness drives a synthetic backend workload through every tier of the
// pipeline (QSS pipeline, tracepoint gate, kernel collector state
// machine) the way a real instrumented server's executor loop would,
// absent a live server process to attach uprobes to.
type harness struct {
	cat       *schema.Catalog
	sm        *kernelsim.StateMachine
	lifecycle *kernelsim.LifecycleRing
	pipeline  *qss.Pipeline
	sampler   *perfcounters.FakeSampler
	gate      *tracepoint.SamplingGate
	rate      *rateHolder
	log       *zap.Logger

	// samplerMu serializes Push/Sample pairs against the shared
	// FakeSampler, which carries no internal locking of its own (it is
	// built for single-goroutine test use); the harness runs several
	// concurrent synthetic backends against one sampler instance.
	samplerMu   sync.Mutex
	nextQueryID atomic.Int64
	nextPlanID  atomic.Int32
}

func (h *harness) runBackend(ctx context.Context, pid uint32) {
	h.lifecycle.Emit(kernelsim.LifecycleEvent{Type: kernelsim.ForkBackend, PID: pid})
	h.log.Debug("synthetic backend forked", zap.Uint32("pid", pid))

	defer func() {
		h.lifecycle.Emit(kernelsim.LifecycleEvent{Type: kernelsim.ReapBackend, PID: pid})
		h.log.Debug("synthetic backend reaped", zap.Uint32("pid", pid))
	}()

	rng := rand.New(rand.NewSource(int64(pid)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		h.runStatement(pid, rng)

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(20+rng.Intn(80)) * time.Millisecond):
		}
	}
}

// runStatement simulates one executor_start/executor_end invocation:
// pushes a QSS frame, optionally arms the tracepoint gate and drives the
// kernel collector's BEGIN/FEATURES/END/FLUSH protocol for one plan node,
// and accumulates QSS counters on the same frame.
func (h *harness) runStatement(pid uint32, rng *rand.Rand) {
	ou := h.cat.OUs[rng.Intn(len(h.cat.OUs))]

	desc := qss.QueryDescriptor{
		QueryID:    h.nextQueryID.Add(1),
		Generation: 1,
		DBID:       1,
		PID:        pid,
		PlanText:   "synthetic: " + ou.Name,
	}
	frame := h.pipeline.ExecutorStart(desc)

	h.gate.Arm(h.rate.Get())
	block := h.pipeline.AllocCounters(frame, ou.Name)

	if h.gate.Sampled() {
		h.driveKernelProtocol(pid, ou, rng)
	}

	qss.AddCounter(block, 0, float64(10+rng.Intn(90)))
	qss.ActiveAddCounter(frame, 1, float64(rng.Intn(3)))

	time.Sleep(time.Duration(1+rng.Intn(4)) * time.Millisecond)
	h.gate.Disarm()

	if _, err := h.pipeline.ExecutorEnd(frame); err != nil {
		h.log.Warn("qss executor_end failed", zap.Error(err), zap.String("ou", ou.Name))
	}
}

func (h *harness) driveKernelProtocol(pid uint32, ou schema.OU, rng *rand.Rand) {
	key := kernelsim.Key{OUIndex: ou.Index, PlanNodeID: h.nextPlanID.Add(1)}

	beginUS := time.Now().UnixMicro()
	h.samplerMu.Lock()
	h.sampler.Push(pid, syntheticSnapshot(rng, beginUS))
	h.sm.Begin(key, pid, false, beginUS)
	h.samplerMu.Unlock()

	h.sm.Features(key, syntheticFeatures(ou))

	time.Sleep(time.Duration(1+rng.Intn(3)) * time.Millisecond)

	endUS := time.Now().UnixMicro()
	h.samplerMu.Lock()
	h.sampler.Push(pid, syntheticSnapshot(rng, endUS))
	h.sm.End(key, pid, false, endUS)
	h.samplerMu.Unlock()

	h.sm.Flush(key, pid)
}

// syntheticSnapshot produces a plausible counter reading: every field
// scales with wallClockUS modulo one second (plus jitter), so BEGIN/END
// deltas are non-negative except when a whole-second boundary of
// wallClockUS falls between the two reads, where the scale wraps back
// toward zero and the delta comes out negative.
func syntheticSnapshot(rng *rand.Rand, wallClockUS int64) perfcounters.Snapshot {
	scale := float64(wallClockUS%1_000_000) + float64(rng.Intn(1000))
	var snap perfcounters.Snapshot
	for i := range snap.Perf {
		snap.Perf[i] = scale * float64(i+1)
	}
	snap.IOReadBytes = scale * 4
	snap.IOWriteBytes = scale * 2
	snap.WallClockUS = wallClockUS
	snap.CPUID = int32(rng.Intn(8))
	return snap
}

// syntheticFeatures builds a FeaturePayload with one synthetic value per
// declared feature field, typed to match the field's declared primitive
// type.
func syntheticFeatures(ou schema.OU) kernelsim.FeaturePayload {
	payload := make(kernelsim.FeaturePayload, len(ou.Features))
	for _, f := range ou.Features {
		switch f.Type {
		case schema.TypeBool:
			payload[f.Name] = true
		case schema.TypeInt32, schema.TypeInt16:
			payload[f.Name] = int32(1)
		case schema.TypeInt64:
			payload[f.Name] = int64(1)
		case schema.TypeFloat64:
			payload[f.Name] = float64(1)
		case schema.TypeListLength:
			payload[f.Name] = int32(0)
		case schema.TypeOpaque:
			payload[f.Name] = uint64(0)
		default:
			payload[f.Name] = nil
		}
	}
	return payload
}
