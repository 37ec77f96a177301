package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	persistlog "vitalsync.ai/internal/persistence/log"
	"vitalsync.ai/internal/persistence/snapshot"
	"vitalsync.ai/internal/sim/host"
	"vitalsync.ai/internal/sim/replay"
)

func main() {
	var (
		snapPath   = flag.String("snapshot", "", "snapshot to start from (optional)")
		eventsDir  = flag.String("events", "", "events dir containing events-*.jsonl.zst")
		fromTick   = flag.Uint64("from_tick", 0, "start verifying from tick (inclusive, optional)")
		toTick     = flag.Uint64("to_tick", 0, "stop at tick (inclusive, optional)")
		expectPath = flag.String("expect", "", "later snapshot the replayed state must match (optional)")
	)
	flag.Parse()

	if err := run(os.Stdout, options{
		Snapshot:  *snapPath,
		EventsDir: *eventsDir,
		FromTick:  *fromTick,
		ToTick:    *toTick,
		Expect:    *expectPath,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

type options struct {
	Snapshot  string
	EventsDir string
	FromTick  uint64
	ToTick    uint64
	Expect    string
}

// errStop ends a file scan once the tick window is passed.
var errStop = errors.New("stop")

func run(out io.Writer, o options) error {
	if o.EventsDir == "" {
		return fmt.Errorf("%w: missing -events", errUsage)
	}
	v := replay.New(o.FromTick, o.ToTick)

	if o.Snapshot != "" {
		snap, err := snapshot.ReadSnapshot(o.Snapshot)
		if err != nil {
			return fmt.Errorf("read snapshot: %w", err)
		}
		v.Seed(snap)
		fmt.Fprintf(out, "snapshot v%d host=%s tick=%d entities=%d\n",
			snap.Header.Version, snap.Header.HostID, snap.Header.Tick, len(snap.Entities))
	}

	files, err := persistlog.ListEventFiles(o.EventsDir)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no events files found in %s", o.EventsDir)
	}

	done := false
	for _, path := range files {
		err := persistlog.ReadEvents(path, func(e host.EventLogEntry) error {
			if v.Done(e.Tick) {
				done = true
				return errStop
			}
			return v.Apply(e)
		})
		if err != nil && !errors.Is(err, errStop) {
			return err
		}
		if done {
			break
		}
	}

	if o.Expect != "" {
		want, err := snapshot.ReadSnapshot(o.Expect)
		if err != nil {
			return fmt.Errorf("read expected snapshot: %w", err)
		}
		if err := v.Compare(want); err != nil {
			return fmt.Errorf("compare with tick %d: %w", want.Header.Tick, err)
		}
	}

	st := v.Stats()
	fmt.Fprintf(out, "replay ok: entries=%d updates=%d skipped=%d spawns=%d despawns=%d deaths=%d overheats=%d live=%d\n",
		st.Entries, st.Updates, st.Skipped, st.Spawns, st.Despawns, st.Deaths, st.Overheat, v.Live())
	return nil
}
