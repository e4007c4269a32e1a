package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_PanicsOnInvalidArgs(t *testing.T) {
	assert.Panics(t, func() { New(0, time.Second) })
	assert.Panics(t, func() { New(10, 0) })
}

func TestConsume_SucceedsWithinCapacity(t *testing.T) {
	b := New(10, time.Hour)
	defer b.Close()

	require.True(t, b.Consume(4))
	assert.Equal(t, 6, b.Remaining())
	assert.Equal(t, uint64(4), b.ConsumedTotal())
}

func TestConsume_FailsWhenExhausted(t *testing.T) {
	b := New(5, time.Hour)
	defer b.Close()

	require.True(t, b.Consume(5))
	assert.False(t, b.Consume(1))
	assert.Equal(t, 0, b.Remaining())
}

func TestConsumeForClass_UsesCostModel(t *testing.T) {
	b := New(11, time.Hour)
	defer b.Close()

	require.True(t, b.ConsumeForClass(ClassAttachRetryTransient))
	assert.Equal(t, 10, b.Remaining())

	require.True(t, b.ConsumeForClass(ClassAttachAbandoned))
	assert.Equal(t, 0, b.Remaining())
}

func TestConsumeForClass_UnknownClassIsFree(t *testing.T) {
	b := New(1, time.Hour)
	defer b.Close()

	assert.True(t, b.ConsumeForClass(Class("unknown")))
	assert.Equal(t, 1, b.Remaining())
}

func TestRefillLoop_RestoresFullCapacity(t *testing.T) {
	b := New(3, 10*time.Millisecond)
	defer b.Close()

	require.True(t, b.Consume(3))
	require.Eventually(t, func() bool {
		return b.Remaining() == 3
	}, 200*time.Millisecond, 5*time.Millisecond)
	assert.GreaterOrEqual(t, b.RefillCount(), uint64(1))
}

func TestCapacity_IsImmutable(t *testing.T) {
	b := New(42, time.Hour)
	defer b.Close()
	assert.Equal(t, 42, b.Capacity())
}
