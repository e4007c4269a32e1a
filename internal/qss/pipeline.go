package qss

import (
	"fmt"
	"sync"
	"time"
)

// instrumentedOUs is the documented set of instrumented node tags. It is
// consulted only by IsInstrumentedOU; ExecutorStart does not walk a plan
// tree or replace any instrumentation blocks.
var instrumentedOUs = map[string]bool{
	OUIndexScan:       true,
	OUIndexOnlyScan:   true,
	OUModifyTable:     true,
	OULockRows:        true,
	OUNestedLoop:      true,
	OUAggregate:       true,
	OUBitmapIndexScan: true,
	OUBitmapHeapScan:  true,
}

// ExecStack is a strict LIFO stack of Frames: absent → pushed → drained →
// popped. Push/Pop are the only mutators; popping an empty stack is a
// programming error (panics), never a user condition.
type ExecStack struct {
	mu     sync.Mutex
	frames []*Frame
}

// NewExecStack returns an empty stack.
func NewExecStack() *ExecStack {
	return &ExecStack{}
}

// Push pushes a new frame.
func (s *ExecStack) Push(f *Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
}

// Pop removes and returns the top frame. Panics if the stack is empty.
func (s *ExecStack) Pop() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		panic("qss: Pop on empty ExecStack")
	}
	f := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	return f
}

// Current returns the top frame without popping it, or nil if empty.
func (s *ExecStack) Current() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

// Depth returns the number of frames currently pushed.
func (s *ExecStack) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Pipeline is the in-server counter pipeline state: capture configuration,
// the execution stack, the relation-size spoof table, and a persistence
// Store.
type Pipeline struct {
	captureEnabled   bool
	captureExecStats bool
	captureRuntime   bool
	captureNested    bool

	stack *ExecStack
	spoof *spoofTable
	store Store
	now   func() time.Time
}

// Option configures a Pipeline at construction time.
type Option func(*Pipeline)

// WithClock overrides the pipeline's time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline constructs a Pipeline backed by store, honoring the given
// master/sub-switch capture flags.
func NewPipeline(store Store, captureEnabled, execStats, queryRuntime, nested bool, opts ...Option) *Pipeline {
	p := &Pipeline{
		captureEnabled:   captureEnabled,
		captureExecStats: execStats,
		captureRuntime:   queryRuntime,
		captureNested:    nested,
		stack:            NewExecStack(),
		spoof:            newSpoofTable(),
		store:            store,
		now:              time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// AllocCounters returns a new CounterBlock attached to the current frame's
// counter list, or nil when capture is disabled (master gate or exec-stats
// sub-switch off). ouName must be one of the documented instrumented node
// tags; unrecognized names still allocate (future-proofing the tag list
// is not this pipeline's job) but are logged by the caller if desired.
func (p *Pipeline) AllocCounters(frame *Frame, ouName string) *CounterBlock {
	if !p.captureEnabled || !p.captureExecStats || frame == nil {
		return nil
	}
	b := newCounterBlock(ouName)
	frame.Counters = append(frame.Counters, b)
	return b
}

// ExecutorStart pushes a new frame for desc, recording statement start time
// and assigning the first independent-instrumentation id. Returns the new
// frame, which the caller must pass back to ExecutorEnd.
func (p *Pipeline) ExecutorStart(desc QueryDescriptor) *Frame {
	f := &Frame{
		Desc:              desc,
		StatementStartNS:  p.now().UnixNano(),
		NextIndependentID: IndependentInstrStart,
	}
	if p.captureEnabled && p.captureRuntime {
		f.TotalTimeArmed = true
	}
	p.stack.Push(f)
	return f
}

// NextIndependentNodeID returns the next descending independent
// instrumentation id for frame and decrements the counter.
func (f *Frame) NextIndependentNodeID() int32 {
	id := f.NextIndependentID
	f.NextIndependentID--
	return id
}

// IsInstrumentedOU reports whether name is one of the documented
// instrumented node tags.
func IsInstrumentedOU(name string) bool {
	return instrumentedOUs[name]
}

// ExecutorEnd pops the current frame and, when this is the outermost frame
// (or nested capture is enabled), persists it: one plans upsert plus one
// stats row per counter block plus one whole-query row. Returns the final
// elapsed time for the frame, or zero when the frame is not eligible for
// persistence (capture disabled, or a nested frame with nested capture
// off). With a nil store the elapsed time is returned and nothing is written.
//
// Persistence errors propagate; allocation/no-op paths never do.
func (p *Pipeline) ExecutorEnd(frame *Frame) (time.Duration, error) {
	popped := p.stack.Pop()
	if popped != frame {
		// Defensive: caller passed a frame that doesn't match LIFO order.
		// This is a programming error in the instrumented call site.
		panic(fmt.Sprintf("qss: ExecutorEnd frame mismatch: got %v, stack top was %v", frame.Desc, popped.Desc))
	}

	outermost := p.stack.Depth() == 0
	if !p.captureEnabled || (!outermost && !p.captureNested) {
		return 0, nil
	}

	elapsed := time.Duration(p.now().UnixNano()-frame.StatementStartNS) * time.Nanosecond

	if p.store == nil {
		return elapsed, nil
	}
	return elapsed, p.store.PersistFrame(frame, elapsed)
}

// GetRelationInfo overrides pages, tuples, and tree height for relOID if a
// spoofed entry exists, reporting found == true. Consulted before any
// subsequent planner cost computation.
func (p *Pipeline) GetRelationInfo(relOID int64) (info RelationInfo, found bool) {
	return p.spoof.get(relOID)
}

// SpoofTable installs an override entry for relOID, used for planner
// cost-model experimentation.
func (p *Pipeline) SpoofTable(relOID int64, info RelationInfo) {
	p.spoof.set(relOID, info)
}

// ClearSpoof removes a previously installed override, if any.
func (p *Pipeline) ClearSpoof(relOID int64) {
	p.spoof.clear(relOID)
}

// RelationInfo is a spoofed relation-size override.
type RelationInfo struct {
	Pages      int64
	Tuples     int64
	TreeHeight int32 // only meaningful for indexes
}

type spoofTable struct {
	mu      sync.RWMutex
	entries map[int64]RelationInfo
}

func newSpoofTable() *spoofTable {
	return &spoofTable{entries: make(map[int64]RelationInfo)}
}

func (t *spoofTable) get(relOID int64) (RelationInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.entries[relOID]
	return info, ok
}

func (t *spoofTable) set(relOID int64, info RelationInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[relOID] = info
}

func (t *spoofTable) clear(relOID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, relOID)
}
