package sink

import (
	"database/sql"
	"testing"

	"github.com/octotrace/octotrace/internal/kernelsim"
	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLSink_WriteInsertsRow(t *testing.T) {
	db := openTestDB(t)
	s, err := OpenSQLSink(db, "hash_join")
	require.NoError(t, err)
	defer s.Close()

	rec := kernelsim.Record{
		OUIndex:  3,
		PID:      99,
		Features: kernelsim.FeaturePayload{"build_rows": int64(1024)},
		Metrics:  kernelsim.MetricSet{StartTimeUS: 10, EndTimeUS: 20, ElapsedUS: 10, PID: 99},
	}
	require.NoError(t, s.Write(rec))

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(1) FROM collector_records WHERE ou_name = 'hash_join'`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestSQLSink_SharesDBAcrossMultipleOUs(t *testing.T) {
	db := openTestDB(t)
	s1, err := OpenSQLSink(db, "seq_scan")
	require.NoError(t, err)
	s2, err := OpenSQLSink(db, "hash_join")
	require.NoError(t, err)
	defer s1.Close()
	defer s2.Close()

	require.NoError(t, s1.Write(kernelsim.Record{Features: kernelsim.FeaturePayload{}}))
	require.NoError(t, s2.Write(kernelsim.Record{Features: kernelsim.FeaturePayload{}}))

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(1) FROM collector_records`).Scan(&count))
	assert.Equal(t, 2, count)
}
