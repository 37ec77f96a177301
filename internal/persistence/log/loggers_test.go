package log

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"vitalsync.ai/internal/protocol"
	"vitalsync.ai/internal/sim/host"
)

func TestEventLogger_RoundtripAndRotation(t *testing.T) {
	dir := t.TempDir()
	l := NewEventLogger(dir)

	now := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	l.w.now = func() time.Time { return now }
	var closed []string
	l.OnClose(func(path string) { closed = append(closed, path) })

	entries := []host.EventLogEntry{
		{Tick: 1, Type: host.EntrySpawn, Entity: "E1", Owner: "P1", Name: "alice"},
		{Tick: 2, Type: host.EntryUpdate, Entity: "E1", Kind: "HEALTH", Seq: 1, Value: 70, Bound: 100,
			Events: []protocol.EventMsg{{Type: "VALUE", ActorID: "E2", NewValue: 70, Delta: 30}}},
	}
	for _, e := range entries[:1] {
		if err := l.WriteEvent(e); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	now = now.Add(2 * time.Minute)
	if err := l.WriteEvent(entries[1]); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(closed) != 1 || filepath.Base(closed[0]) != "events-2026-03-01-10.jsonl.zst" {
		t.Fatalf("rotation hook: %v", closed)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(closed) != 2 {
		t.Fatalf("close hook: %v", closed)
	}
	// Closing twice neither fails nor reports a file again.
	if err := l.Close(); err != nil || len(closed) != 2 {
		t.Fatalf("second close: err=%v closed=%v", err, closed)
	}

	files, err := ListEventFiles(filepath.Join(dir, "events"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files: %v", files)
	}
	var got []host.EventLogEntry
	for _, f := range files {
		if err := ReadEvents(f, func(e host.EventLogEntry) error {
			got = append(got, e)
			return nil
		}); err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
	}
	if len(got) != 2 {
		t.Fatalf("entries: got %d want 2", len(got))
	}
	if got[0].Name != "alice" || got[1].Value != 70 || len(got[1].Events) != 1 || got[1].Events[0].ActorID != "E2" {
		t.Fatalf("entries: %+v", got)
	}
}

func TestListEventFiles_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"events-2026-01-01-01.jsonl.zst", "audit-2026-01-01-01.jsonl.zst", "events-x.json"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "events-dir.jsonl.zst"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	files, err := ListEventFiles(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 1 || filepath.Base(files[0]) != "events-2026-01-01-01.jsonl.zst" {
		t.Fatalf("files: %v", files)
	}
}
