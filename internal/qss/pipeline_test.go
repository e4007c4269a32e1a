package qss

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	frames []*Frame
	err    error
}

func (f *fakeStore) PersistFrame(frame *Frame, elapsed time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeStore) Close() error { return nil }

func TestExecutorStart_FirstIndependentID(t *testing.T) {
	p := NewPipeline(&fakeStore{}, true, true, true, false)
	frame := p.ExecutorStart(QueryDescriptor{QueryID: 1})

	require.Equal(t, IndependentInstrStart, frame.NextIndependentID)
	assert.Equal(t, int32(-4), frame.NextIndependentNodeID())
	assert.Equal(t, int32(-5), frame.NextIndependentNodeID())
}

func TestAllocCounters_NilWhenCaptureDisabled(t *testing.T) {
	p := NewPipeline(&fakeStore{}, false, true, true, false)
	frame := p.ExecutorStart(QueryDescriptor{QueryID: 1})

	b := p.AllocCounters(frame, OUIndexScan)
	assert.Nil(t, b)
}

func TestAllocCounters_AttachesToFrame(t *testing.T) {
	p := NewPipeline(&fakeStore{}, true, true, true, false)
	frame := p.ExecutorStart(QueryDescriptor{QueryID: 1})

	b := p.AllocCounters(frame, OUIndexScan)
	require.NotNil(t, b)
	assert.True(t, b.Valid())
	assert.Len(t, frame.Counters, 1)
}

func TestAddCounter_NilSafeOnInvalidBlock(t *testing.T) {
	var b *CounterBlock
	AddCounter(b, 0, 5.0) // must not panic

	invalid := &CounterBlock{}
	AddCounter(invalid, 0, 5.0) // wrong signature, must not panic or write
	assert.Equal(t, 0.0, invalid.Values[0])
}

func TestAddCounter_OutOfRangeIndexIgnored(t *testing.T) {
	b := newCounterBlock(OUAggregate)
	AddCounter(b, NumCounters, 1.0)
	AddCounter(b, -1, 1.0)
	for _, v := range b.Values {
		assert.Equal(t, 0.0, v)
	}
}

func TestActiveAddCounter_UsesTopOfFrameCounters(t *testing.T) {
	p := NewPipeline(&fakeStore{}, true, true, true, false)
	frame := p.ExecutorStart(QueryDescriptor{QueryID: 1})
	p.AllocCounters(frame, OUIndexScan)
	b2 := p.AllocCounters(frame, OUAggregate)

	ActiveAddCounter(frame, 3, 9.0)

	assert.Equal(t, 9.0, b2.Values[3])
	assert.Equal(t, 0.0, frame.Counters[0].Values[3])
}

func TestExecStack_LIFO(t *testing.T) {
	s := NewExecStack()
	f1 := &Frame{Desc: QueryDescriptor{QueryID: 1}}
	f2 := &Frame{Desc: QueryDescriptor{QueryID: 2}}
	s.Push(f1)
	s.Push(f2)

	require.Equal(t, 2, s.Depth())
	assert.Same(t, f2, s.Pop())
	assert.Same(t, f1, s.Pop())
	assert.Equal(t, 0, s.Depth())
}

func TestExecStack_PopEmptyPanics(t *testing.T) {
	s := NewExecStack()
	assert.Panics(t, func() { s.Pop() })
}

func TestExecutorEnd_OutermostFramePersists(t *testing.T) {
	store := &fakeStore{}
	p := NewPipeline(store, true, true, true, false)
	frame := p.ExecutorStart(QueryDescriptor{QueryID: 7})

	_, err := p.ExecutorEnd(frame)
	require.NoError(t, err)
	assert.Len(t, store.frames, 1)
}

func TestExecutorEnd_NestedFrameSkippedWhenNestedDisabled(t *testing.T) {
	store := &fakeStore{}
	p := NewPipeline(store, true, true, true, false) // captureNested=false
	outer := p.ExecutorStart(QueryDescriptor{QueryID: 1})
	inner := p.ExecutorStart(QueryDescriptor{QueryID: 2})

	_, err := p.ExecutorEnd(inner)
	require.NoError(t, err)
	assert.Empty(t, store.frames, "inner frame must not persist when nested capture is off")

	_, err = p.ExecutorEnd(outer)
	require.NoError(t, err)
	assert.Len(t, store.frames, 1)
}

func TestExecutorEnd_NestedFramePersistsWhenNestedEnabled(t *testing.T) {
	store := &fakeStore{}
	p := NewPipeline(store, true, true, true, true) // captureNested=true
	outer := p.ExecutorStart(QueryDescriptor{QueryID: 1})
	inner := p.ExecutorStart(QueryDescriptor{QueryID: 2})

	_, err := p.ExecutorEnd(inner)
	require.NoError(t, err)
	assert.Len(t, store.frames, 1)

	_, err = p.ExecutorEnd(outer)
	require.NoError(t, err)
	assert.Len(t, store.frames, 2)
}

func TestExecutorEnd_CaptureDisabledNeverPersists(t *testing.T) {
	store := &fakeStore{}
	p := NewPipeline(store, false, true, true, false)
	frame := p.ExecutorStart(QueryDescriptor{QueryID: 1})

	_, err := p.ExecutorEnd(frame)
	require.NoError(t, err)
	assert.Empty(t, store.frames)
}

func TestExecutorEnd_PersistenceErrorPropagates(t *testing.T) {
	store := &fakeStore{err: assertErr}
	p := NewPipeline(store, true, true, true, false)
	frame := p.ExecutorStart(QueryDescriptor{QueryID: 1})

	_, err := p.ExecutorEnd(frame)
	require.ErrorIs(t, err, assertErr)
}

func TestGetRelationInfo_SpoofOverridesBeforeCostComputation(t *testing.T) {
	p := NewPipeline(&fakeStore{}, true, true, true, false)

	_, found := p.GetRelationInfo(42)
	assert.False(t, found)

	p.SpoofTable(42, RelationInfo{Pages: 100, Tuples: 5000, TreeHeight: 3})
	info, found := p.GetRelationInfo(42)
	require.True(t, found)
	assert.Equal(t, int64(100), info.Pages)

	p.ClearSpoof(42)
	_, found = p.GetRelationInfo(42)
	assert.False(t, found)
}

type assertError struct{}

func (assertError) Error() string { return "store failure" }

var assertErr = assertError{}
