// Package qss implements the in-server counter pipeline: per-frame counter
// blocks allocated during query execution, a LIFO execution stack, and
// persistence of completed plans/stats rows.
package qss

import "fmt"

// NumCounters is the number of float64 counter slots in a CounterBlock.
const NumCounters = 10

// CounterBlockSignature identifies a live CounterBlock. All helpers that
// downcast a counter handle must check it and skip otherwise.
const CounterBlockSignature uint32 = 0x51535343 // "QSSC"

// Reserved plan node ids.
const (
	PlanNodeInvalid        int32 = -1
	PlanNodeRemoteReceiver int32 = -2
	PlanNodeIndependent    int32 = -3
	// IndependentInstrStart is the first id handed out for
	// independently-instrumented nodes that have no real plan_node_id; ids
	// descend from here (-4, -5, ...).
	IndependentInstrStart int32 = -4
)

// OU names this pipeline knows how to instrument. Mirrors the node-tag set
// named in the executor_start contract.
const (
	OUIndexScan       = "index_scan"
	OUIndexOnlyScan   = "index_only_scan"
	OUModifyTable     = "modify_table"
	OULockRows        = "lock_rows"
	OUNestedLoop      = "nested_loop"
	OUAggregate       = "aggregate"
	OUBitmapIndexScan = "bitmap_index_scan"
	OUBitmapHeapScan  = "bitmap_heap_scan"
)

// CounterBlock is one plan node's or the whole query's counter set.
// AddCounter and ActiveAddCounter treat a nil *CounterBlock as a no-op,
// so the nil returned by AllocCounters when capture is off is safe to use.
type CounterBlock struct {
	Signature uint32
	OUName    string
	Values    [NumCounters]float64
}

// Valid reports whether b carries the expected signature. Always call this
// before trusting a CounterBlock obtained by downcast.
func (b *CounterBlock) Valid() bool {
	return b != nil && b.Signature == CounterBlockSignature
}

func newCounterBlock(ouName string) *CounterBlock {
	return &CounterBlock{Signature: CounterBlockSignature, OUName: ouName}
}

// QueryDescriptor identifies one query execution for persistence.
type QueryDescriptor struct {
	QueryID    int64
	Generation int64
	DBID       int64
	PID        uint32
	PlanText   string
}

// Key uniquely identifies one row-group in the plans table: an idempotent
// upsert is keyed on (query_id, generation, db_id, pid).
type Key struct {
	QueryID    int64
	Generation int64
	DBID       int64
	PID        uint32
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%d/%d", k.QueryID, k.Generation, k.DBID, k.PID)
}

// Frame is one executor_start/executor_end invocation's state: a stack of
// counter blocks (one per instrumented plan node) plus whole-query timing.
type Frame struct {
	Desc              QueryDescriptor
	StatementStartNS  int64
	NextIndependentID int32
	Counters          []*CounterBlock
	TotalTimeArmed    bool
}

// AddCounter adds value to Values[i] of block. Nil-safe: a nil or
// invalid block is silently tolerated, matching the allocation-failure
// contract ("allocation failure returns null and is silently tolerated by
// the add-counter helpers").
func AddCounter(block *CounterBlock, i int, value float64) {
	if !block.Valid() {
		return
	}
	if i < 0 || i >= NumCounters {
		return
	}
	block.Values[i] += value
}

// ActiveAddCounter adds value to the last counter block pushed onto frame,
// or is a no-op if the frame has no active counter block.
func ActiveAddCounter(frame *Frame, i int, value float64) {
	if frame == nil || len(frame.Counters) == 0 {
		return
	}
	AddCounter(frame.Counters[len(frame.Counters)-1], i, value)
}
