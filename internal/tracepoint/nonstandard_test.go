package tracepoint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapBitmap_FiresWithConsumerID(t *testing.T) {
	m := NewBitmapMarkers("bitmap_heap_scan")
	beginCh := make(chan Event, 1)
	m.Begin.Attach(beginCh)

	err := WrapBitmap(m, 3, 7, nil, func() error { return nil })
	require.NoError(t, err)

	ev := <-beginCh
	require.Equal(t, 2, ev.N)
	require.Equal(t, int32(3), ev.Args[0])
	require.Equal(t, int32(7), ev.Args[1])
}

func TestWrapSubplan_FiresWithSubplanIndex(t *testing.T) {
	m := NewSubplanMarkers()
	beginCh := make(chan Event, 1)
	m.Begin.Attach(beginCh)

	err := WrapSubplan(m, 4, 2, nil, func() error { return nil })
	require.NoError(t, err)

	ev := <-beginCh
	require.Equal(t, int32(4), ev.Args[0])
	require.Equal(t, int32(2), ev.Args[1])
}

func TestWrapHash_FiresEndWithBuildRowCount(t *testing.T) {
	m := NewHashMarkers("hash_join")
	endCh := make(chan Event, 1)
	m.End.Attach(endCh)

	err := WrapHash(m, 9, nil, func() (int64, error) {
		return 12345, nil
	})
	require.NoError(t, err)

	ev := <-endCh
	require.Equal(t, int32(9), ev.Args[0])
	require.Equal(t, int64(12345), ev.Args[1])
}

func TestWrapHash_PropagatesError(t *testing.T) {
	m := NewHashMarkers("hash")
	err := WrapHash(m, 1, nil, func() (int64, error) {
		return 0, assertErr
	})
	require.ErrorIs(t, err, assertErr)
}
