package sink

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/octotrace/octotrace/internal/kernelsim"
)

// SQLSink persists every record through a caller-supplied *sql.DB, using
// its own append-only table rather than touching qss's plans/stats schema.
// cmd/octotrace opens that *sql.DB on the same DSN as internal/qss's
// SQLStore, which holds a pool of its own: the coordinator and the
// in-server QSS pipeline are independent writers of the same database.
type SQLSink struct {
	db     *sql.DB
	ouName string
}

// OpenSQLSink creates the collector_records table on db if absent and
// returns a sink for ouName that writes through db. Multiple OU sinks
// may share one *sql.DB by calling OpenSQLSink with the same db.
func OpenSQLSink(db *sql.DB, ouName string) (*SQLSink, error) {
	if _, err := db.Exec(createRecordsTable); err != nil {
		return nil, fmt.Errorf("sink.OpenSQLSink: create table: %w", err)
	}
	return &SQLSink{db: db, ouName: ouName}, nil
}

const createRecordsTable = `
CREATE TABLE IF NOT EXISTS collector_records (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	ou_index      INTEGER NOT NULL,
	ou_name       TEXT NOT NULL,
	pid           INTEGER NOT NULL,
	features_json TEXT NOT NULL,
	start_time    INTEGER NOT NULL,
	end_time      INTEGER NOT NULL,
	elapsed_us    INTEGER NOT NULL,
	cpu_cycles    REAL NOT NULL,
	instructions  REAL NOT NULL,
	cache_refs    REAL NOT NULL,
	cache_misses  REAL NOT NULL,
	ref_cycles    REAL NOT NULL,
	disk_read     REAL NOT NULL,
	disk_written  REAL NOT NULL,
	net_read      REAL NOT NULL,
	net_written   REAL NOT NULL,
	cpu_id        INTEGER NOT NULL,
	recorded_at   TEXT NOT NULL
);`

// Write inserts one row derived from rec.
func (s *SQLSink) Write(rec kernelsim.Record) error {
	features, err := json.Marshal(rec.Features)
	if err != nil {
		return fmt.Errorf("sink.SQLSink.Write: marshal features: %w", err)
	}
	m := rec.Metrics
	_, err = s.db.Exec(
		`INSERT INTO collector_records (
			ou_index, ou_name, pid, features_json,
			start_time, end_time, elapsed_us,
			cpu_cycles, instructions, cache_refs, cache_misses, ref_cycles,
			disk_read, disk_written, net_read, net_written,
			cpu_id, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.OUIndex, s.ouName, rec.PID, string(features),
		m.StartTimeUS, m.EndTimeUS, m.ElapsedUS,
		m.CPUCycles, m.Instructions, m.CacheReferences, m.CacheMisses, m.RefCPUCycles,
		m.DiskBytesRead, m.DiskBytesWritten, m.NetworkBytesRead, m.NetworkBytesWritten,
		m.CPUID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sink.SQLSink.Write: insert: %w", err)
	}
	return nil
}

// Close is a no-op: the *sql.DB pool is owned by the caller, who may
// share it across multiple OU sinks.
func (s *SQLSink) Close() error {
	return nil
}
