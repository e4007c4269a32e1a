package kernelsim

import (
	"fmt"
	"sync"

	"github.com/octotrace/octotrace/internal/perfcounters"
)

// FeaturePayload is the variable-shape feature struct captured at
// FEATURES. Field names are schema-defined (internal/schema); this
// package treats the payload as opaque data it stores and later attaches
// to a Record.
type FeaturePayload map[string]any

// MetricSet is the fixed metric-field list, identical in shape across
// every OU.
type MetricSet struct {
	StartTimeUS         int64
	EndTimeUS           int64
	ElapsedUS           int64
	CPUCycles           float64
	Instructions        float64
	CacheReferences     float64
	CacheMisses         float64
	RefCPUCycles        float64
	DiskBytesRead       float64
	DiskBytesWritten    float64
	NetworkBytesRead    float64
	NetworkBytesWritten float64
	CPUID               int32
	PID                 uint32
}

// Record is a completed observation: header(ou_index, pid) ‖ features ‖
// metrics, ready to publish to the per-OU ring.
type Record struct {
	OUIndex  int32
	PID      uint32
	Features FeaturePayload
	Metrics  MetricSet
}

// DropReason classifies why a key was RESET without producing a Record.
type DropReason string

const (
	DropTransientReadFailure DropReason = "transient_read_failure"
	DropCapacityExhausted    DropReason = "capacity_exhausted"
	DropProtocolViolation    DropReason = "protocol_violation"
)

// DropRecorder is notified whenever the state machine discards a key. A
// production build wires this to the observability package's per-OU drop
// counter.
type DropRecorder interface {
	RecordDrop(ouIndex int32, reason DropReason)
}

// NoopDropRecorder discards all drop notifications.
type NoopDropRecorder struct{}

// RecordDrop implements DropRecorder.
func (NoopDropRecorder) RecordDrop(int32, DropReason) {}

// StateMachine runs the per-key BEGIN/END/FEATURES/FLUSH protocol across
// every OU, emitting completed Records onto per-OU output channels: one
// ring per OU.
type StateMachine struct {
	maps    *Maps
	sampler perfcounters.Sampler
	drops   DropRecorder
	ringCap int

	mu    sync.Mutex
	rings map[int32]chan Record
}

// New constructs a StateMachine backed by sampler for counter reads,
// reporting drops to drops (use NoopDropRecorder{} if none is wired).
// ringCap bounds each per-OU output channel; a full channel causes the
// producer to drop the record and increment the drop counter, never
// block.
func New(sampler perfcounters.Sampler, drops DropRecorder, ringCap int) *StateMachine {
	if drops == nil {
		drops = NoopDropRecorder{}
	}
	if ringCap <= 0 {
		ringCap = 256
	}
	return &StateMachine{
		maps:    NewMaps(),
		sampler: sampler,
		drops:   drops,
		ringCap: ringCap,
		rings:   make(map[int32]chan Record),
	}
}

// Ring returns (creating if necessary) the output channel for ouIndex.
// Callers attach a consumer by reading from this channel.
func (s *StateMachine) Ring(ouIndex int32) <-chan Record {
	return s.ringFor(ouIndex)
}

func (s *StateMachine) ringFor(ouIndex int32) chan Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rings[ouIndex]
	if !ok {
		r = make(chan Record, s.ringCap)
		s.rings[ouIndex] = r
	}
	return r
}

// Begin handles a BEGIN transition for key: reads a counter snapshot and
// records start_time. On transient read failure, RESETs the key and
// reports DropTransientReadFailure. Nested BEGIN for the same key (one
// already outstanding) is a protocol violation and RESETs.
func (s *StateMachine) Begin(key Key, pid uint32, hasSocket bool, wallClockUS int64) {
	packed := key.Pack()
	if _, outstanding := s.maps.running.Get(packed); outstanding {
		s.reset(key, DropProtocolViolation)
		return
	}

	snap, err := s.sampler.Sample(pid, hasSocket)
	if err != nil {
		s.reset(key, DropTransientReadFailure)
		return
	}
	snap.WallClockUS = wallClockUS

	entry := runningEntry{snapshot: snap, startTime: wallClockUS, cpuID: snap.CPUID}
	if !s.maps.running.Put(packed, entry) {
		s.reset(key, DropCapacityExhausted)
	}
}

// End handles an END transition: looks up the running snapshot, computes
// deltas, and either moves the finished metrics into complete_metrics or
// accumulates into an existing entry. RESETs on missing running entry,
// negative delta, or non-monotonic time.
func (s *StateMachine) End(key Key, pid uint32, hasSocket bool, wallClockUS int64) {
	packed := key.Pack()
	running, ok := s.maps.running.Get(packed)
	if !ok {
		s.reset(key, DropProtocolViolation)
		return
	}

	endSnap, err := s.sampler.Sample(pid, hasSocket)
	if err != nil {
		s.reset(key, DropTransientReadFailure)
		return
	}
	endSnap.WallClockUS = wallClockUS

	delta, err := perfcounters.Delta(running.snapshot, endSnap)
	if err != nil {
		s.reset(key, DropTransientReadFailure)
		return
	}
	if wallClockUS < running.startTime {
		s.reset(key, DropTransientReadFailure)
		return
	}

	finished := completeEntry{
		metrics:   delta,
		startTime: running.startTime,
		endTime:   wallClockUS,
		cpuID:     running.cpuID,
	}

	if existing, has := s.maps.complete.Get(packed); has {
		// accumulate: keep existing start_time and cpu_id, overwrite
		// end_time, sum every other metric.
		finished = completeEntry{
			metrics:   perfcounters.SumMetrics(existing.metrics, delta),
			startTime: existing.startTime,
			endTime:   wallClockUS,
			cpuID:     existing.cpuID,
		}
	}

	if !s.maps.complete.Put(packed, finished) {
		s.reset(key, DropCapacityExhausted)
		return
	}
	s.maps.running.Delete(packed)
}

// Features handles a FEATURES event: scratch-copies payload and stores
// it keyed by plan_node_id within the calling OU's feature map, to be
// consumed at FLUSH.
func (s *StateMachine) Features(key Key, payload FeaturePayload) {
	copied := make(FeaturePayload, len(payload))
	for k, v := range payload {
		copied[k] = v
	}
	if !s.maps.features.Put(key.Pack(), featureEntry{payload: copied}) {
		s.reset(key, DropCapacityExhausted)
	}
}

// Flush handles a FLUSH transition: if either features or complete_metrics
// is missing for key, RESETs and reports DropProtocolViolation. Otherwise
// assembles and publishes a Record on the OU's ring, then RESETs the key
// regardless. A full ring drops the record (capacity exhaustion), never
// blocks the caller.
func (s *StateMachine) Flush(key Key, pid uint32) {
	packed := key.Pack()

	feat, hasFeat := s.maps.features.Get(packed)
	complete, hasComplete := s.maps.complete.Get(packed)
	if !hasFeat || !hasComplete {
		s.reset(key, DropProtocolViolation)
		return
	}

	rec := Record{
		OUIndex:  key.OUIndex,
		PID:      pid,
		Features: feat.payload,
		Metrics: MetricSet{
			StartTimeUS:         complete.startTime,
			EndTimeUS:           complete.endTime,
			ElapsedUS:           complete.endTime - complete.startTime,
			CPUCycles:           complete.metrics.Perf[perfcounters.IdxCPUCycles],
			Instructions:        complete.metrics.Perf[perfcounters.IdxInstructions],
			CacheReferences:     complete.metrics.Perf[perfcounters.IdxCacheReferences],
			CacheMisses:         complete.metrics.Perf[perfcounters.IdxCacheMisses],
			RefCPUCycles:        complete.metrics.Perf[perfcounters.IdxRefCPUCycles],
			DiskBytesRead:       complete.metrics.IOReadBytes,
			DiskBytesWritten:    complete.metrics.IOWriteBytes,
			NetworkBytesRead:    complete.metrics.TCPUnreadBytes,
			NetworkBytesWritten: complete.metrics.TCPBytesSent,
			CPUID:               complete.cpuID,
			PID:                 pid,
		},
	}

	ring := s.ringFor(key.OUIndex)
	select {
	case ring <- rec:
	default:
		s.drops.RecordDrop(key.OUIndex, DropCapacityExhausted)
	}

	s.maps.Reset(key)
}

func (s *StateMachine) reset(key Key, reason DropReason) {
	s.maps.Reset(key)
	s.drops.RecordDrop(key.OUIndex, reason)
}

// String helps drop-reason logging read naturally.
func (r DropReason) String() string { return string(r) }

var _ fmt.Stringer = DropTransientReadFailure
