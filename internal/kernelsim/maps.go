package kernelsim

import (
	"sync"

	"github.com/octotrace/octotrace/internal/perfcounters"
)

// numShards controls how finely the per-OU maps are striped across
// mutexes. Concurrent keys land in different shards (with overwhelming
// probability) and never serialize against each other — the Go analogue
// of the kernel's built-in atomic hash-map semantics, where one key's
// update never blocks another's.
const numShards = 64

// mapCapacity is the documented fixed capacity per shard-map pair,
// mirroring the "map capacities are fixed (documented constant, ≥32
// entries)" contract; overflows fail the write silently.
const mapCapacity = 4096

// runningEntry is one running_metrics row: created at BEGIN, carries the
// snapshot counters and start time.
type runningEntry struct {
	snapshot  perfcounters.Snapshot
	startTime int64
	cpuID     int32
}

// completeEntry is one complete_metrics row: created at the first END
// following BEGIN, accumulated into by subsequent END events.
type completeEntry struct {
	metrics   perfcounters.Snapshot
	startTime int64
	endTime   int64
	cpuID     int32
}

// featureEntry is one <OU>_features row. Each OU has its own conceptual
// features map keyed by plan_node_id alone; since a single StateMachine
// serves every OU, the full (ou_index, plan_node_id) pack is used as the
// shared map's key so two OUs never collide on a reused plan_node_id.
type featureEntry struct {
	payload FeaturePayload
}

type shard[V any] struct {
	mu      sync.Mutex
	entries map[uint64]V
}

func newShard[V any]() *shard[V] {
	return &shard[V]{entries: make(map[uint64]V)}
}

// shardedMap stripes a key space across numShards independent mutex-
// guarded Go maps, bounded at mapCapacity entries per shard.
type shardedMap[V any] struct {
	shards [numShards]*shard[V]
}

func newShardedMap[V any]() *shardedMap[V] {
	m := &shardedMap[V]{}
	for i := range m.shards {
		m.shards[i] = newShard[V]()
	}
	return m
}

func (m *shardedMap[V]) shardFor(key uint64) *shard[V] {
	return m.shards[key%numShards]
}

// Get returns the entry for key, if present.
func (m *shardedMap[V]) Get(key uint64) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[key]
	return v, ok
}

// Put writes key→value. If the shard is at mapCapacity and key is not
// already present, the write fails silently (returns false) — capacity
// exhaustion is observable only via the caller's drop counter.
func (m *shardedMap[V]) Put(key uint64, value V) (ok bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[key]; !exists && len(s.entries) >= mapCapacity {
		return false
	}
	s.entries[key] = value
	return true
}

// Delete removes key, if present.
func (m *shardedMap[V]) Delete(key uint64) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Maps bundles the three maps the protocol operates on, all keyed by the
// full (ou_index, plan_node_id) pack: running and complete are naturally
// per-(OU, key); features is conceptually per-OU keyed by plan_node_id
// alone, but packs in ou_index too since one Maps instance backs every
// OU's StateMachine.
type Maps struct {
	running  *shardedMap[runningEntry]
	complete *shardedMap[completeEntry]
	features *shardedMap[featureEntry]
}

// NewMaps constructs empty running/complete/features maps.
func NewMaps() *Maps {
	return &Maps{
		running:  newShardedMap[runningEntry](),
		complete: newShardedMap[completeEntry](),
		features: newShardedMap[featureEntry](),
	}
}

// Reset deletes any entry for key from all three maps.
func (m *Maps) Reset(key Key) {
	packed := key.Pack()
	m.running.Delete(packed)
	m.complete.Delete(packed)
	m.features.Delete(packed)
}
