package kernelsim

import (
	"testing"

	"github.com/octotrace/octotrace/internal/perfcounters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingDrops struct {
	counts map[int32]map[DropReason]int
}

func newCountingDrops() *countingDrops {
	return &countingDrops{counts: make(map[int32]map[DropReason]int)}
}

func (d *countingDrops) RecordDrop(ouIndex int32, reason DropReason) {
	if d.counts[ouIndex] == nil {
		d.counts[ouIndex] = make(map[DropReason]int)
	}
	d.counts[ouIndex][reason]++
}

func (d *countingDrops) total(ouIndex int32) int {
	n := 0
	for _, c := range d.counts[ouIndex] {
		n += c
	}
	return n
}

const seqScanOU int32 = 1

// TestSingleTupleSeqScan verifies a single begin/features/end/flush
// sequence produces exactly one record with the expected OU index and
// non-negative elapsed time.
func TestSingleTupleSeqScan(t *testing.T) {
	sampler := perfcounters.NewFakeSampler()
	sampler.Push(7, perfcounters.Snapshot{WallClockUS: 1000, Perf: [perfcounters.NumPerfCounters]float64{1000, 2000, 0, 0, 0}})
	sampler.Push(7, perfcounters.Snapshot{WallClockUS: 1500, Perf: [perfcounters.NumPerfCounters]float64{1200, 2400, 0, 0, 0}})

	drops := newCountingDrops()
	sm := New(sampler, drops, 8)
	key := Key{OUIndex: seqScanOU, PlanNodeID: 7}

	sm.Begin(key, 7, false, 1000)
	sm.Features(key, FeaturePayload{"relid": int64(100)})
	sm.End(key, 7, false, 1500)
	sm.Flush(key, 7)

	select {
	case rec := <-sm.Ring(seqScanOU):
		assert.Equal(t, seqScanOU, rec.OUIndex)
		assert.Equal(t, int64(100), rec.Features["relid"])
		assert.Equal(t, int64(500), rec.Metrics.ElapsedUS)
		assert.GreaterOrEqual(t, rec.Metrics.Instructions, 0.0)
	default:
		t.Fatal("expected exactly one record on the SeqScan ring")
	}
	assert.Equal(t, 0, drops.total(seqScanOU))
}

// TestAccumulationAcrossThreeBeginEndPairs verifies counters accumulate
// correctly across repeated BEGIN/END pairs before a single FLUSH.
func TestAccumulationAcrossThreeBeginEndPairs(t *testing.T) {
	sampler := perfcounters.NewFakeSampler()
	// Three BEGIN/END pairs with instruction deltas 10, 20, 30.
	sampler.Push(7, perfcounters.Snapshot{WallClockUS: 100, Perf: [perfcounters.NumPerfCounters]float64{0, 0, 0, 0, 0}})
	sampler.Push(7, perfcounters.Snapshot{WallClockUS: 110, Perf: [perfcounters.NumPerfCounters]float64{0, 10, 0, 0, 0}})
	sampler.Push(7, perfcounters.Snapshot{WallClockUS: 200, Perf: [perfcounters.NumPerfCounters]float64{0, 10, 0, 0, 0}})
	sampler.Push(7, perfcounters.Snapshot{WallClockUS: 210, Perf: [perfcounters.NumPerfCounters]float64{0, 30, 0, 0, 0}})
	sampler.Push(7, perfcounters.Snapshot{WallClockUS: 300, Perf: [perfcounters.NumPerfCounters]float64{0, 30, 0, 0, 0}})
	sampler.Push(7, perfcounters.Snapshot{WallClockUS: 310, Perf: [perfcounters.NumPerfCounters]float64{0, 60, 0, 0, 0}})

	drops := newCountingDrops()
	sm := New(sampler, drops, 8)
	key := Key{OUIndex: seqScanOU, PlanNodeID: 7}

	sm.Begin(key, 7, false, 100)
	sm.End(key, 7, false, 110)
	sm.Begin(key, 7, false, 200)
	sm.End(key, 7, false, 210)
	sm.Begin(key, 7, false, 300)
	sm.End(key, 7, false, 310)
	sm.Features(key, FeaturePayload{})
	sm.Flush(key, 7)

	rec := <-sm.Ring(seqScanOU)
	assert.Equal(t, 60.0, rec.Metrics.Instructions)
	assert.Equal(t, int64(100), rec.Metrics.StartTimeUS)
	assert.Equal(t, int64(310), rec.Metrics.EndTimeUS)
}

// TestLostFeatures verifies BEGIN END FLUSH without FEATURES produces
// no record and increments the drop counter by one.
func TestLostFeatures(t *testing.T) {
	sampler := perfcounters.NewFakeSampler()
	sampler.Push(7, perfcounters.Snapshot{WallClockUS: 100})
	sampler.Push(7, perfcounters.Snapshot{WallClockUS: 150})

	drops := newCountingDrops()
	sm := New(sampler, drops, 8)
	key := Key{OUIndex: seqScanOU, PlanNodeID: 7}

	sm.Begin(key, 7, false, 100)
	sm.End(key, 7, false, 150)
	sm.Flush(key, 7)

	select {
	case <-sm.Ring(seqScanOU):
		t.Fatal("expected no record when FEATURES is missing")
	default:
	}
	assert.Equal(t, 1, drops.total(seqScanOU))
}

// TestCounterOverflowOnMigration verifies a normalized counter that
// reads lower at END than at BEGIN produces no record and RESETs the key.
func TestCounterOverflowOnMigration(t *testing.T) {
	sampler := perfcounters.NewFakeSampler()
	sampler.Push(7, perfcounters.Snapshot{WallClockUS: 100, Perf: [perfcounters.NumPerfCounters]float64{500, 0, 0, 0, 0}, CPUID: 0})
	sampler.Push(7, perfcounters.Snapshot{WallClockUS: 150, Perf: [perfcounters.NumPerfCounters]float64{400, 0, 0, 0, 0}, CPUID: 1})

	drops := newCountingDrops()
	sm := New(sampler, drops, 8)
	key := Key{OUIndex: seqScanOU, PlanNodeID: 7}

	sm.Begin(key, 7, false, 100)
	sm.End(key, 7, false, 150)

	_, hasRunning := sm.maps.running.Get(key.Pack())
	_, hasComplete := sm.maps.complete.Get(key.Pack())
	assert.False(t, hasRunning)
	assert.False(t, hasComplete)
	assert.Equal(t, 1, drops.total(seqScanOU))
}

// TestDisabledCaptureProducesNoState covers the kernelsim-side half of a
// disabled master gate: when the tracepoint layer never fires BEGIN in
// the first place, no per-key state is ever created. Exercised here as
// "no Begin call, no state" since the gate itself lives in
// internal/tracepoint.
func TestDisabledCaptureProducesNoState(t *testing.T) {
	sampler := perfcounters.NewFakeSampler()
	sm := New(sampler, newCountingDrops(), 8)
	key := Key{OUIndex: seqScanOU, PlanNodeID: 7}

	_, hasRunning := sm.maps.running.Get(key.Pack())
	assert.False(t, hasRunning)

	select {
	case <-sm.Ring(seqScanOU):
		t.Fatal("expected no record with no workload at all")
	default:
	}
}

func TestBegin_NestedBeginIsProtocolViolation(t *testing.T) {
	sampler := perfcounters.NewFakeSampler()
	sampler.Push(7, perfcounters.Snapshot{WallClockUS: 100})
	sampler.Push(7, perfcounters.Snapshot{WallClockUS: 100})

	drops := newCountingDrops()
	sm := New(sampler, drops, 8)
	key := Key{OUIndex: seqScanOU, PlanNodeID: 7}

	sm.Begin(key, 7, false, 100)
	sm.Begin(key, 7, false, 100) // outstanding BEGIN already exists

	assert.Equal(t, 1, drops.counts[seqScanOU][DropProtocolViolation])
}

func TestEnd_WithoutRunningSnapshotIsProtocolViolation(t *testing.T) {
	sampler := perfcounters.NewFakeSampler()
	drops := newCountingDrops()
	sm := New(sampler, drops, 8)
	key := Key{OUIndex: seqScanOU, PlanNodeID: 7}

	sm.End(key, 7, false, 100)

	assert.Equal(t, 1, drops.counts[seqScanOU][DropProtocolViolation])
}

func TestFlush_WithoutMatchedPairIsProtocolViolation(t *testing.T) {
	sampler := perfcounters.NewFakeSampler()
	drops := newCountingDrops()
	sm := New(sampler, drops, 8)
	key := Key{OUIndex: seqScanOU, PlanNodeID: 7}

	sm.Flush(key, 7)

	assert.Equal(t, 1, drops.counts[seqScanOU][DropProtocolViolation])
}

func TestReset_ClearsAllThreeMaps(t *testing.T) {
	sampler := perfcounters.NewFakeSampler()
	sampler.Push(7, perfcounters.Snapshot{WallClockUS: 100})
	sm := New(sampler, newCountingDrops(), 8)
	key := Key{OUIndex: seqScanOU, PlanNodeID: 7}

	sm.Begin(key, 7, false, 100)
	sm.Features(key, FeaturePayload{"a": 1})
	sm.maps.Reset(key)

	_, hasRunning := sm.maps.running.Get(key.Pack())
	_, hasFeat := sm.maps.features.Get(key.Pack())
	assert.False(t, hasRunning)
	assert.False(t, hasFeat)
}

func TestTransientReadFailureResetsKey(t *testing.T) {
	sampler := perfcounters.NewFakeSampler()
	sampler.FailNext(7)

	drops := newCountingDrops()
	sm := New(sampler, drops, 8)
	key := Key{OUIndex: seqScanOU, PlanNodeID: 7}

	sm.Begin(key, 7, false, 100)

	_, hasRunning := sm.maps.running.Get(key.Pack())
	assert.False(t, hasRunning)
	assert.Equal(t, 1, drops.counts[seqScanOU][DropTransientReadFailure])
}

func TestKey_PackUnpackRoundTrip(t *testing.T) {
	k := Key{OUIndex: 5, PlanNodeID: -4}
	got := Unpack(k.Pack())
	require.Equal(t, k, got)
}

func TestFullRing_DropsRecordWithoutBlocking(t *testing.T) {
	sampler := perfcounters.NewFakeSampler()
	for i := 0; i < 4; i++ {
		sampler.Push(7, perfcounters.Snapshot{WallClockUS: int64(100 + i)})
	}

	drops := newCountingDrops()
	sm := New(sampler, drops, 1) // capacity 1: second flush must drop

	key1 := Key{OUIndex: seqScanOU, PlanNodeID: 1}
	key2 := Key{OUIndex: seqScanOU, PlanNodeID: 2}

	sm.Begin(key1, 7, false, 100)
	sm.Features(key1, FeaturePayload{})
	sm.End(key1, 7, false, 101)
	sm.Flush(key1, 7) // fills the ring (capacity 1)

	sm.Begin(key2, 7, false, 102)
	sm.Features(key2, FeaturePayload{})
	sm.End(key2, 7, false, 103)
	sm.Flush(key2, 7) // ring full: must drop, not block

	assert.Equal(t, 1, drops.counts[seqScanOU][DropCapacityExhausted])
}

const indexScanOU int32 = 2

// TestFeaturesDoNotCollideAcrossOUsSharingAPlanNodeID guards against a
// single StateMachine serving every OU mixing up features when two
// different OUs reuse the same per-execution plan_node_id (e.g. a
// SeqScan and an IndexScan both using node id 7 concurrently): each OU's
// FLUSH must see only its own features, never the other's.
func TestFeaturesDoNotCollideAcrossOUsSharingAPlanNodeID(t *testing.T) {
	sampler := perfcounters.NewFakeSampler()
	sampler.Push(7, perfcounters.Snapshot{WallClockUS: 100})
	sampler.Push(7, perfcounters.Snapshot{WallClockUS: 110})
	sampler.Push(7, perfcounters.Snapshot{WallClockUS: 200})
	sampler.Push(7, perfcounters.Snapshot{WallClockUS: 210})

	sm := New(sampler, newCountingDrops(), 8)
	seqKey := Key{OUIndex: seqScanOU, PlanNodeID: 7}
	idxKey := Key{OUIndex: indexScanOU, PlanNodeID: 7}

	sm.Begin(seqKey, 7, false, 100)
	sm.Begin(idxKey, 7, false, 200)

	sm.Features(seqKey, FeaturePayload{"relid": int64(11)})
	sm.Features(idxKey, FeaturePayload{"relid": int64(22)})

	sm.End(seqKey, 7, false, 110)
	sm.End(idxKey, 7, false, 210)

	sm.Flush(seqKey, 7)
	sm.Flush(idxKey, 7)

	seqRec := <-sm.Ring(seqScanOU)
	idxRec := <-sm.Ring(indexScanOU)

	assert.Equal(t, int64(11), seqRec.Features["relid"])
	assert.Equal(t, int64(22), idxRec.Features["relid"])
}
