package indexdb

import (
	"context"
	"path/filepath"
	"testing"

	"vitalsync.ai/internal/persistence/snapshot"
	"vitalsync.ai/internal/protocol"
	"vitalsync.ai/internal/sim/host"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqEvent, event: host.EventLogEntry{Tick: 1}}

	_ = s.WriteEvent(host.EventLogEntry{Tick: 2})
	s.RecordSnapshot("/tmp/2.snap.zst", snapshot.SnapshotV1{})
	s.RecordSnapshotState(snapshot.SnapshotV1{})

	st := s.Stats()
	if st.DropEventTotal != 1 {
		t.Fatalf("DropEventTotal=%d want=1", st.DropEventTotal)
	}
	if st.DropSnapshotTotal != 1 {
		t.Fatalf("DropSnapshotTotal=%d want=1", st.DropSnapshotTotal)
	}
	if st.DropSnapshotStateTotal != 1 {
		t.Fatalf("DropSnapshotStateTotal=%d want=1", st.DropSnapshotStateTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue=%d/%d want=1/1", st.QueueDepth, st.QueueCapacity)
	}
}

func openTemp(t *testing.T) *SQLiteIndex {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "index", "host.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestSQLiteIndex_EventsAndTransitions(t *testing.T) {
	s := openTemp(t)

	entries := []host.EventLogEntry{
		{Tick: 1, Type: host.EntrySpawn, Entity: "E1", Owner: "P1", Name: "alice"},
		{Tick: 3, Type: host.EntryUpdate, Entity: "E1", Kind: "HEALTH", Seq: 1, Value: 40, Bound: 100,
			Events: []protocol.EventMsg{{Type: "VALUE", ActorID: "E2", NewValue: 40, Delta: 60}}},
		{Tick: 4, Type: host.EntryUpdate, Entity: "E1", Kind: "HEALTH", Seq: 2, Value: 0, Bound: 100, Tripped: true,
			Events: []protocol.EventMsg{
				{Type: "VALUE", ActorID: "E2", NewValue: 0, Delta: 40},
				{Type: "TRANSITION", ActorID: "E2", Tripped: true},
			}},
	}
	for _, e := range entries {
		if err := s.WriteEvent(e); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := s.UpsertConfig("tuning", map[string]any{"tick_rate_hz": 20}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Writes after close are ignored.
	if err := s.WriteEvent(entries[0]); err != nil {
		t.Fatalf("write after close: %v", err)
	}

	s2, err := OpenSQLite(s.path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	var n int
	if err := s2.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n); err != nil || n != 3 {
		t.Fatalf("events=%d err=%v", n, err)
	}
	var digest string
	if err := s2.db.QueryRow(`SELECT digest FROM configs WHERE name='tuning'`).Scan(&digest); err != nil || len(digest) != 64 {
		t.Fatalf("digest=%q err=%v", digest, err)
	}

	trs, err := s2.RecentTransitions(context.Background(), 10)
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	if len(trs) != 1 {
		t.Fatalf("transitions: %+v", trs)
	}
	if tr := trs[0]; tr.Tick != 4 || tr.Entity != "E1" || tr.Kind != "HEALTH" || !tr.Tripped || tr.Actor != "E2" || tr.Seq != 2 {
		t.Fatalf("transition: %+v", tr)
	}
}

func TestSQLiteIndex_SnapshotState(t *testing.T) {
	s := openTemp(t)

	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{Version: 1, HostID: "host_1", Tick: 6000},
		Entities: []snapshot.EntityV1{
			{ID: "E1", Active: true, Vitals: []snapshot.VitalV1{
				{Kind: "HEALTH", Value: 0, Bound: 100, Tripped: true, Seq: 4},
				{Kind: "HEAT", Value: 12.5, Bound: 100, Seq: 9},
			}},
			{ID: "E2", Active: true, Vitals: []snapshot.VitalV1{
				{Kind: "HEALTH", Value: 100, Bound: 100, Seq: 0},
			}},
		},
	}
	s.RecordSnapshot("/data/snapshots/6000.snap.zst", snap)
	s.RecordSnapshotState(snap)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := OpenSQLite(s.path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	var path, hostID string
	var entities, tripped int
	if err := s2.db.QueryRow(`SELECT path, host_id, entities, tripped FROM snapshots WHERE tick=6000`).Scan(&path, &hostID, &entities, &tripped); err != nil {
		t.Fatalf("snapshot row: %v", err)
	}
	if path != "/data/snapshots/6000.snap.zst" || hostID != "host_1" || entities != 2 || tripped != 1 {
		t.Fatalf("snapshot row: %s %s %d %d", path, hostID, entities, tripped)
	}

	var value float64
	var seq int64
	if err := s2.db.QueryRow(`SELECT value, seq FROM snapshot_vitals WHERE tick=6000 AND entity_id='E1' AND kind='HEAT'`).Scan(&value, &seq); err != nil {
		t.Fatalf("vital row: %v", err)
	}
	if value != 12.5 || seq != 9 {
		t.Fatalf("vital row: value=%v seq=%d", value, seq)
	}
	var n int
	if err := s2.db.QueryRow(`SELECT COUNT(*) FROM snapshot_vitals`).Scan(&n); err != nil || n != 3 {
		t.Fatalf("vitals=%d err=%v", n, err)
	}
}
