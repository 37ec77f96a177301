package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"vitalsync.ai/internal/persistence/snapshot"
	"vitalsync.ai/internal/sim/host"
)

// SQLiteIndex is a queryable secondary index of the event log. Writes are
// queued and committed in batches by a single goroutine; when the queue is
// full they are dropped and counted. The JSONL logs remain the source of truth.
type SQLiteIndex struct {
	db   *sql.DB
	path string

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropEvent         atomic.Uint64
	dropSnapshot      atomic.Uint64
	dropSnapshotState atomic.Uint64
}

type reqKind int

const (
	reqEvent reqKind = iota + 1
	reqSnapshot
	reqSnapshotState
)

type req struct {
	kind reqKind

	event    host.EventLogEntry
	snapshot snapshotRow
	state    snapshot.SnapshotV1
}

type snapshotRow struct {
	Tick     uint64
	Path     string
	HostID   string
	Entities int
	Tripped  int
}

type Stats struct {
	QueueDepth    int
	QueueCapacity int

	DropEventTotal         uint64
	DropSnapshotTotal      uint64
	DropSnapshotStateTotal uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db:   db,
		path: path,
		ch:   make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS configs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tick INTEGER NOT NULL,
			type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			kind TEXT,
			seq INTEGER,
			value REAL,
			bound REAL,
			tripped INTEGER NOT NULL DEFAULT 0,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_entity_tick ON events(entity_id, tick);`,
		`CREATE TABLE IF NOT EXISTS transitions (
			tick INTEGER NOT NULL,
			entity_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			seq INTEGER NOT NULL,
			tripped INTEGER NOT NULL,
			actor_id TEXT NOT NULL,
			PRIMARY KEY (entity_id, kind, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_tick ON transitions(tick);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			tick INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			host_id TEXT NOT NULL,
			entities INTEGER NOT NULL,
			tripped INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS snapshot_vitals (
			tick INTEGER NOT NULL,
			entity_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			value REAL NOT NULL,
			bound REAL NOT NULL,
			tripped INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			PRIMARY KEY (tick, entity_id, kind)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:             len(s.ch),
		QueueCapacity:          cap(s.ch),
		DropEventTotal:         s.dropEvent.Load(),
		DropSnapshotTotal:      s.dropSnapshot.Load(),
		DropSnapshotStateTotal: s.dropSnapshotState.Load(),
	}
}

// WriteEvent implements host.EventLogger.
func (s *SQLiteIndex) WriteEvent(entry host.EventLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqEvent, event: entry}:
	default:
		// Drop if the indexer falls behind; JSONL logs remain the source of truth.
		s.dropEvent.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	r := snapshotRow{
		Tick:     snap.Header.Tick,
		Path:     path,
		HostID:   snap.Header.HostID,
		Entities: len(snap.Entities),
	}
	for _, e := range snap.Entities {
		for _, v := range e.Vitals {
			if v.Tripped {
				r.Tripped++
			}
		}
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
		s.dropSnapshot.Add(1)
	}
}

// RecordSnapshotState stores every vital of snap so state at a snapshot tick
// can be queried without decoding the snapshot file.
func (s *SQLiteIndex) RecordSnapshotState(snap snapshot.SnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqSnapshotState, state: snap}:
	default:
		s.dropSnapshotState.Add(1)
	}
}

// UpsertConfig stores the values actually applied under name, keyed by
// digest, so a run can be matched to its tuning later.
func (s *SQLiteIndex) UpsertConfig(name string, v any) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)
	digest := hex.EncodeToString(sum[:])
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO configs(name,digest,json,updated_at) VALUES(?,?,?,?)`, name, digest, string(b), now); err != nil {
		return err
	}
	return tx.Commit()
}

type Transition struct {
	Tick    uint64 `json:"tick"`
	Entity  string `json:"entity_id"`
	Kind    string `json:"kind"`
	Seq     uint64 `json:"seq"`
	Tripped bool   `json:"tripped"`
	Actor   string `json:"actor_id,omitempty"`
}

// RecentTransitions returns the newest threshold transitions, newest first.
// Rows still queued for the writer are not visible yet.
func (s *SQLiteIndex) RecentTransitions(ctx context.Context, limit int) ([]Transition, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tick, entity_id, kind, seq, tripped, actor_id FROM transitions ORDER BY tick DESC, entity_id DESC, kind DESC, seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transition
	for rows.Next() {
		var tr Transition
		var tick, seq int64
		var tripped int
		if err := rows.Scan(&tick, &tr.Entity, &tr.Kind, &seq, &tripped, &tr.Actor); err != nil {
			return nil, err
		}
		tr.Tick, tr.Seq, tr.Tripped = uint64(tick), uint64(seq), tripped != 0
		out = append(out, tr)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	// Prepared statements (on db; executed within tx).
	insertEvent, _ := s.db.Prepare(`INSERT INTO events(tick,type,entity_id,kind,seq,value,bound,tripped,raw_json) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertTransition, _ := s.db.Prepare(`INSERT OR REPLACE INTO transitions(tick,entity_id,kind,seq,tripped,actor_id) VALUES(?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(tick,path,host_id,entities,tripped) VALUES(?,?,?,?,?)`)
	insertVital, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshot_vitals(tick,entity_id,kind,value,bound,tripped,seq) VALUES(?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertEvent, insertTransition, insertSnapshot, insertVital} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			// If we can't start a tx, we can't do much; sleep a bit.
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		// A drained queue means the writer is idle; commit so readers see it.
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(s.ch) == 0 {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqEvent:
			e := r.event
			raw, _ := json.Marshal(e)
			if insertEvent != nil {
				if _, err := tx.Stmt(insertEvent).Exec(
					int64(e.Tick), e.Type, e.Entity, e.Kind, int64(e.Seq), e.Value, e.Bound, boolInt(e.Tripped), string(raw),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
			for _, ev := range e.Events {
				if ev.Type != "TRANSITION" || insertTransition == nil {
					continue
				}
				if _, err := tx.Stmt(insertTransition).Exec(
					int64(e.Tick), e.Entity, e.Kind, int64(e.Seq), boolInt(ev.Tripped), ev.ActorID,
				); err != nil {
					rollback()
					break
				}
				opCount++
			}

		case reqSnapshot:
			sn := r.snapshot
			if insertSnapshot != nil {
				if _, err := tx.Stmt(insertSnapshot).Exec(int64(sn.Tick), sn.Path, sn.HostID, sn.Entities, sn.Tripped); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqSnapshotState:
			snap := r.state
			tick := int64(snap.Header.Tick)
		vitalsLoop:
			for _, e := range snap.Entities {
				for _, v := range e.Vitals {
					if insertVital == nil {
						break vitalsLoop
					}
					if _, err := tx.Stmt(insertVital).Exec(tick, e.ID, v.Kind, v.Value, v.Bound, boolInt(v.Tripped), int64(v.Seq)); err != nil {
						rollback()
						break vitalsLoop
					}
					opCount++
				}
			}
		}
		flushIfNeeded()
	}

	commit()
}
