package qss

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func TestBoltStore_PersistFrameUpsertsPlanOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qss.db")
	store, err := OpenBoltStore(path)
	require.NoError(t, err)
	defer store.Close()

	frame := &Frame{
		Desc: QueryDescriptor{QueryID: 1, Generation: 1, DBID: 1, PID: 100, PlanText: "Seq Scan on t"},
	}
	b := newCounterBlock(OUIndexScan)
	b.Values[0] = 42
	frame.Counters = append(frame.Counters, b)

	require.NoError(t, store.PersistFrame(frame, 5*time.Millisecond))
	// Persisting again with the same key must not error (idempotent upsert).
	require.NoError(t, store.PersistFrame(frame, 7*time.Millisecond))

	plans := 0
	require.NoError(t, store.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPlans)).ForEach(func(_, _ []byte) error {
			plans++
			return nil
		})
	}))
	require.Equal(t, 1, plans)
}

func TestBoltStore_SkipsInvalidCounterBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qss.db")
	store, err := OpenBoltStore(path)
	require.NoError(t, err)
	defer store.Close()

	frame := &Frame{
		Desc:     QueryDescriptor{QueryID: 2, Generation: 1, DBID: 1, PID: 101},
		Counters: []*CounterBlock{nil, {}}, // nil and zero-signature, both invalid
	}

	require.NoError(t, store.PersistFrame(frame, time.Millisecond))
}
