package qss

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Store persists completed frames into plans/stats. Implementations must
// make PersistFrame's plans write an idempotent upsert keyed by Key.
type Store interface {
	PersistFrame(frame *Frame, elapsed time.Duration) error
	Close() error
}

// ─── SQL-backed store (primary; database/sql + modernc.org/sqlite) ────────

// SQLStore persists plans/stats through a database/sql pool. The schema
// is a literal relational rendering: plans is a table keyed by
// (query_id, generation, db_id, pid) with an idempotent upsert, stats is
// an append-only table with one row per counter block plus one
// whole-query row.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens (or creates) the plans/stats schema at the given
// database/sql DSN, using the driver name registered by
// modernc.org/sqlite ("sqlite").
func OpenSQLStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("qss.OpenSQLStore: open %q: %w", dsn, err)
	}
	db.SetMaxOpenConns(1) // sqlite: single-writer discipline, matches bbolt's.

	if _, err := db.Exec(createPlansTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("qss.OpenSQLStore: create plans table: %w", err)
	}
	if _, err := db.Exec(createStatsTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("qss.OpenSQLStore: create stats table: %w", err)
	}
	return &SQLStore{db: db}, nil
}

const createPlansTable = `
CREATE TABLE IF NOT EXISTS plans (
	query_id   INTEGER NOT NULL,
	generation INTEGER NOT NULL,
	db_id      INTEGER NOT NULL,
	pid        INTEGER NOT NULL,
	plan_text  TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (query_id, generation, db_id, pid)
);`

const createStatsTable = `
CREATE TABLE IF NOT EXISTS stats (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	query_id       INTEGER NOT NULL,
	generation     INTEGER NOT NULL,
	db_id          INTEGER NOT NULL,
	pid            INTEGER NOT NULL,
	ou_name        TEXT NOT NULL,
	counters_json  TEXT NOT NULL,
	is_whole_query INTEGER NOT NULL,
	elapsed_ns     INTEGER NOT NULL,
	recorded_at    TEXT NOT NULL
);`

// PersistFrame upserts one plans row (idempotent on the composite key) and
// appends one stats row per counter block plus one whole-query row, all
// within a single transaction.
func (s *SQLStore) PersistFrame(frame *Frame, elapsed time.Duration) error {
	key := Key{
		QueryID:    frame.Desc.QueryID,
		Generation: frame.Desc.Generation,
		DBID:       frame.Desc.DBID,
		PID:        frame.Desc.PID,
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("qss.SQLStore.PersistFrame: begin: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow(
		`SELECT COUNT(1) FROM plans WHERE query_id = ? AND generation = ? AND db_id = ? AND pid = ?`,
		key.QueryID, key.Generation, key.DBID, key.PID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("qss.SQLStore.PersistFrame: existence check: %w", err)
	}
	if exists == 0 {
		if _, err := tx.Exec(
			`INSERT INTO plans (query_id, generation, db_id, pid, plan_text, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			key.QueryID, key.Generation, key.DBID, key.PID, frame.Desc.PlanText, now,
		); err != nil {
			return fmt.Errorf("qss.SQLStore.PersistFrame: insert plans: %w", err)
		}
	}

	for _, b := range frame.Counters {
		if !b.Valid() {
			continue
		}
		data, err := json.Marshal(b.Values)
		if err != nil {
			return fmt.Errorf("qss.SQLStore.PersistFrame: marshal counters: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO stats (query_id, generation, db_id, pid, ou_name, counters_json, is_whole_query, elapsed_ns, recorded_at) VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?)`,
			key.QueryID, key.Generation, key.DBID, key.PID, b.OUName, string(data), now,
		); err != nil {
			return fmt.Errorf("qss.SQLStore.PersistFrame: insert stats: %w", err)
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO stats (query_id, generation, db_id, pid, ou_name, counters_json, is_whole_query, elapsed_ns, recorded_at) VALUES (?, ?, ?, ?, '', '[]', 1, ?, ?)`,
		key.QueryID, key.Generation, key.DBID, key.PID, elapsed.Nanoseconds(), now,
	); err != nil {
		return fmt.Errorf("qss.SQLStore.PersistFrame: insert whole-query stats: %w", err)
	}

	return tx.Commit()
}

// Close closes the underlying database/sql pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// ─── BoltDB-backed store (embedded fallback, no SQL endpoint configured) ──

const (
	bucketPlans = "plans"
	bucketStats = "stats"
	bucketMeta  = "meta"

	qssSchemaVersion = "1"
)

// BoltStore is the embedded persistence backend, used when qss.driver is
// "embedded". Bucket layout and ACID-transaction discipline follow the
// same pattern as the host agent's baseline/ledger store: one bucket per
// concern, JSON-encoded values, sortable composite keys.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) the embedded plans/stats database at
// path.
func OpenBoltStore(path string) (*BoltStore, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("qss.OpenBoltStore: open %q: %w", path, err)
	}

	if err := bdb.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketPlans, bucketStats, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			return meta.Put([]byte("schema_version"), []byte(qssSchemaVersion))
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("qss.OpenBoltStore: init: %w", err)
	}

	return &BoltStore{db: bdb}, nil
}

type planRecord struct {
	PlanText  string    `json:"plan_text"`
	CreatedAt time.Time `json:"created_at"`
}

type statsRecord struct {
	OUName       string      `json:"ou_name,omitempty"`
	Counters     [10]float64 `json:"counters,omitempty"`
	IsWholeQuery bool        `json:"is_whole_query"`
	ElapsedNS    int64       `json:"elapsed_ns,omitempty"`
	RecordedAt   time.Time   `json:"recorded_at"`
}

// PersistFrame upserts the plans entry for frame's key (only writing when
// absent) and appends a stats entry per counter block plus a whole-query
// entry, all within a single bbolt write transaction.
func (s *BoltStore) PersistFrame(frame *Frame, elapsed time.Duration) error {
	key := Key{
		QueryID:    frame.Desc.QueryID,
		Generation: frame.Desc.Generation,
		DBID:       frame.Desc.DBID,
		PID:        frame.Desc.PID,
	}
	now := time.Now().UTC()
	planKey := []byte(key.String())

	return s.db.Update(func(tx *bolt.Tx) error {
		plans := tx.Bucket([]byte(bucketPlans))
		if plans.Get(planKey) == nil {
			data, err := json.Marshal(planRecord{PlanText: frame.Desc.PlanText, CreatedAt: now})
			if err != nil {
				return fmt.Errorf("marshal plan record: %w", err)
			}
			if err := plans.Put(planKey, data); err != nil {
				return fmt.Errorf("put plan record: %w", err)
			}
		}

		stats := tx.Bucket([]byte(bucketStats))
		seq := 0
		put := func(rec statsRecord) error {
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal stats record: %w", err)
			}
			statsKey := []byte(fmt.Sprintf("%s_%s_%06d", key.String(), now.Format(time.RFC3339Nano), seq))
			seq++
			return stats.Put(statsKey, data)
		}

		for _, b := range frame.Counters {
			if !b.Valid() {
				continue
			}
			if err := put(statsRecord{OUName: b.OUName, Counters: b.Values, RecordedAt: now}); err != nil {
				return err
			}
		}

		return put(statsRecord{IsWholeQuery: true, ElapsedNS: elapsed.Nanoseconds(), RecordedAt: now})
	})
}

// Close closes the underlying BoltDB file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
