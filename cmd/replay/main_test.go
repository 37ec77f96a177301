package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	persistlog "vitalsync.ai/internal/persistence/log"
	"vitalsync.ai/internal/persistence/snapshot"
	"vitalsync.ai/internal/protocol"
	"vitalsync.ai/internal/sim/clock"
	"vitalsync.ai/internal/sim/host"
	"vitalsync.ai/internal/sim/vitals"
)

func TestRun_VerifiesRecordedHost(t *testing.T) {
	dir := t.TempDir()
	events := persistlog.NewEventLogger(dir)

	h := host.New(host.DefaultConfig(), host.Options{Clock: clock.NewFake(time.Unix(0, 0))})
	h.SetEventLogger(events)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = h.Run(ctx)
	}()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()
	a, err := h.Spawn(reqCtx, "a")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	for _, r := range []vitals.Request{
		{Entity: a, Kind: vitals.KindHealth, Op: vitals.OpChange, Value: -40},
		{Entity: a, Kind: vitals.KindHeat, Op: vitals.OpSet, Value: 100},
		{Entity: a, Kind: vitals.KindHealth, Op: vitals.OpSet, Value: 0},
	} {
		if err := h.Tune(reqCtx, r); err != nil {
			t.Fatalf("tune: %v", err)
		}
	}
	cancel()
	<-runDone
	if err := events.Close(); err != nil {
		t.Fatalf("close events: %v", err)
	}

	expect := snapshot.Path(filepath.Join(dir, "snapshots"), h.CurrentTick())
	if err := snapshot.WriteSnapshot(expect, h.ExportSnapshot(h.CurrentTick())); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	var out bytes.Buffer
	if err := run(&out, options{EventsDir: filepath.Join(dir, "events"), Expect: expect}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "replay ok: entries=4 updates=3") || !strings.Contains(out.String(), "deaths=1 overheats=1 live=1") {
		t.Fatalf("output: %s", out.String())
	}
}

func TestRun_ReportsBrokenLog(t *testing.T) {
	dir := t.TempDir()
	events := persistlog.NewEventLogger(dir)
	for _, e := range []host.EventLogEntry{
		{Tick: 1, Type: host.EntrySpawn, Entity: "E1"},
		{Tick: 2, Type: host.EntryUpdate, Entity: "E1", Kind: "HEALTH", Seq: 1, Value: 90, Bound: 100,
			Events: []protocol.EventMsg{{Type: "VALUE", NewValue: 90, Delta: 10}}},
		{Tick: 3, Type: host.EntryUpdate, Entity: "E1", Kind: "HEALTH", Seq: 3, Value: 80, Bound: 100,
			Events: []protocol.EventMsg{{Type: "VALUE", NewValue: 80, Delta: 10}}},
	} {
		if err := events.WriteEvent(e); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := events.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var out bytes.Buffer
	err := run(&out, options{EventsDir: filepath.Join(dir, "events")})
	if err == nil || !strings.Contains(err.Error(), "seq gap") {
		t.Fatalf("got %v, want seq gap", err)
	}

	// The gap lies past the window, so a bounded replay passes.
	out.Reset()
	if err := run(&out, options{EventsDir: filepath.Join(dir, "events"), ToTick: 2}); err != nil {
		t.Fatalf("bounded run: %v", err)
	}
}

func TestRun_Usage(t *testing.T) {
	if err := run(&bytes.Buffer{}, options{}); !errors.Is(err, errUsage) {
		t.Fatalf("got %v, want usage error", err)
	}
	if err := run(&bytes.Buffer{}, options{EventsDir: t.TempDir()}); err == nil {
		t.Fatalf("expected error for empty events dir")
	}
}
