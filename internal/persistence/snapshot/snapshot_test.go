package snapshot

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteReadSnapshot(t *testing.T) {
	dir := t.TempDir()
	in := SnapshotV1{
		Header:        Header{Version: Version, HostID: "h1", Tick: 42},
		TickRateHz:    20,
		NextPeerNum:   3,
		NextEntityNum: 5,
		Entities: []EntityV1{{
			ID: "E1", Name: "alice", Active: true,
			Vitals: []VitalV1{
				{Kind: "HEALTH", Value: 0, Bound: 50, Tripped: true, Seq: 9},
				{Kind: "HEAT", Value: 12.5, Bound: math.MaxFloat64, Seq: 300},
			},
		}},
	}
	path := Path(dir, in.Header.Tick)
	if err := WriteSnapshot(path, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}

	out, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.Header != in.Header || out.NextEntityNum != 5 || out.NextPeerNum != 3 || out.TickRateHz != 20 {
		t.Fatalf("header mismatch: %+v", out)
	}
	if len(out.Entities) != 1 || len(out.Entities[0].Vitals) != 2 {
		t.Fatalf("entities mismatch: %+v", out.Entities)
	}
	for i, v := range in.Entities[0].Vitals {
		if out.Entities[0].Vitals[i] != v {
			t.Fatalf("vital %d: got %+v want %+v", i, out.Entities[0].Vitals[i], v)
		}
	}
}

func TestReadSnapshot_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1.snap.zst")
	if err := os.WriteFile(path, []byte("not zstd"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadSnapshot(path); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLatest(t *testing.T) {
	dir := t.TempDir()
	if got := Latest(dir); got != "" {
		t.Fatalf("empty dir: %q", got)
	}
	for _, tick := range []uint64{5, 120, 40} {
		if err := WriteSnapshot(Path(dir, tick), SnapshotV1{Header: Header{Version: Version, Tick: tick}}); err != nil {
			t.Fatal(err)
		}
	}
	_ = os.WriteFile(filepath.Join(dir, "junk.snap.zst"), nil, 0o644)
	if got := Latest(dir); got != Path(dir, 120) {
		t.Fatalf("latest=%q", got)
	}
}
