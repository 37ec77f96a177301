// Package replay checks an authority event log against the invariants every
// committed update must hold, optionally starting from and ending at a
// snapshot.
package replay

import (
	"fmt"
	"math"
	"sort"

	"vitalsync.ai/internal/persistence/snapshot"
	"vitalsync.ai/internal/sim/host"
	"vitalsync.ai/internal/sim/vitals"
)

type key struct {
	entity string
	kind   string
}

type vitalState struct {
	value   float64
	bound   float64
	tripped bool
	seq     uint64
}

type Stats struct {
	Entries  uint64
	Updates  uint64
	Skipped  uint64
	Spawns   uint64
	Despawns uint64
	Deaths   uint64
	Overheat uint64
}

// Verifier tracks the last committed state of each vital seen in the log.
type Verifier struct {
	fromTick uint64
	toTick   uint64

	vitals map[key]*vitalState
	live   map[string]bool
	stats  Stats
}

// New verifies entries with fromTick <= tick <= toTick. A zero toTick means
// no upper limit.
func New(fromTick, toTick uint64) *Verifier {
	return &Verifier{
		fromTick: fromTick,
		toTick:   toTick,
		vitals:   map[key]*vitalState{},
		live:     map[string]bool{},
	}
}

func (v *Verifier) Stats() Stats { return v.stats }

// Live returns the number of entities spawned and not despawned.
func (v *Verifier) Live() int { return len(v.live) }

// Seed loads the state a snapshot recorded. Log entries at or below a seeded
// Seq are skipped.
func (v *Verifier) Seed(s snapshot.SnapshotV1) {
	for _, e := range s.Entities {
		v.live[e.ID] = true
		for _, vs := range e.Vitals {
			v.vitals[key{e.ID, vs.Kind}] = &vitalState{value: vs.Value, bound: vs.Bound, tripped: vs.Tripped, seq: vs.Seq}
		}
	}
	if v.fromTick < s.Header.Tick {
		v.fromTick = s.Header.Tick
	}
}

// Done reports whether entries past tick can be ignored.
func (v *Verifier) Done(tick uint64) bool { return v.toTick != 0 && tick > v.toTick }

func (v *Verifier) Apply(e host.EventLogEntry) error {
	if e.Tick < v.fromTick || v.Done(e.Tick) {
		return nil
	}
	v.stats.Entries++
	switch e.Type {
	case host.EntrySpawn:
		v.stats.Spawns++
		v.live[e.Entity] = true
		return nil
	case host.EntryDespawn:
		v.stats.Despawns++
		delete(v.live, e.Entity)
		for k := range v.vitals {
			if k.entity == e.Entity {
				delete(v.vitals, k)
			}
		}
		return nil
	case host.EntryUpdate:
		return v.applyUpdate(e)
	}
	return fmt.Errorf("tick %d: unknown entry type %q", e.Tick, e.Type)
}

func (v *Verifier) applyUpdate(e host.EventLogEntry) error {
	k := key{e.Entity, e.Kind}
	prev := v.vitals[k]
	if prev != nil && e.Seq <= prev.seq {
		v.stats.Skipped++
		return nil
	}
	if !vitals.Kind(e.Kind).Valid() {
		return fmt.Errorf("tick %d %s: unknown kind %q", e.Tick, e.Entity, e.Kind)
	}
	if prev != nil && e.Seq != prev.seq+1 {
		return fmt.Errorf("tick %d %s/%s: seq gap: have=%d got=%d", e.Tick, e.Entity, e.Kind, prev.seq, e.Seq)
	}
	if math.IsNaN(e.Value) || e.Bound < 0 || e.Value < 0 || e.Value > e.Bound {
		return fmt.Errorf("tick %d %s/%s seq=%d: value %v outside [0, %v]", e.Tick, e.Entity, e.Kind, e.Seq, e.Value, e.Bound)
	}
	if len(e.Events) == 0 {
		return fmt.Errorf("tick %d %s/%s seq=%d: update without events", e.Tick, e.Entity, e.Kind, e.Seq)
	}

	tripped := false
	if prev != nil {
		tripped = prev.tripped
	}
	for i, ev := range e.Events {
		switch vitals.EventType(ev.Type) {
		case vitals.EventValue, vitals.EventBound:
		case vitals.EventTransition:
			if ev.Tripped == tripped {
				return fmt.Errorf("tick %d %s/%s seq=%d: transition %d does not change state", e.Tick, e.Entity, e.Kind, e.Seq, i)
			}
			if i != len(e.Events)-1 {
				return fmt.Errorf("tick %d %s/%s seq=%d: transition must be the last event", e.Tick, e.Entity, e.Kind, e.Seq)
			}
			if vitals.Kind(e.Kind) == vitals.KindHealth && !ev.Tripped {
				return fmt.Errorf("tick %d %s: death reverted", e.Tick, e.Entity)
			}
			tripped = ev.Tripped
			if tripped {
				if vitals.Kind(e.Kind) == vitals.KindHealth {
					v.stats.Deaths++
				} else {
					v.stats.Overheat++
				}
			}
		default:
			return fmt.Errorf("tick %d %s/%s seq=%d: unknown event %q", e.Tick, e.Entity, e.Kind, e.Seq, ev.Type)
		}
	}
	if tripped != e.Tripped {
		return fmt.Errorf("tick %d %s/%s seq=%d: tripped=%t but events imply %t", e.Tick, e.Entity, e.Kind, e.Seq, e.Tripped, tripped)
	}
	if last, ok := lastValue(e); ok && last != e.Value {
		return fmt.Errorf("tick %d %s/%s seq=%d: value event says %v, update says %v", e.Tick, e.Entity, e.Kind, e.Seq, last, e.Value)
	}

	v.vitals[k] = &vitalState{value: e.Value, bound: e.Bound, tripped: e.Tripped, seq: e.Seq}
	v.stats.Updates++
	return nil
}

func lastValue(e host.EventLogEntry) (float64, bool) {
	for i := len(e.Events) - 1; i >= 0; i-- {
		if vitals.EventType(e.Events[i].Type) == vitals.EventValue {
			return e.Events[i].NewValue, true
		}
	}
	return 0, false
}

// Compare checks the replayed state against a later snapshot. Only vitals
// present in both are compared; the snapshot may postdate the log.
func (v *Verifier) Compare(s snapshot.SnapshotV1) error {
	var mismatches []string
	for _, e := range s.Entities {
		for _, vs := range e.Vitals {
			got := v.vitals[key{e.ID, vs.Kind}]
			if got == nil || got.seq != vs.Seq {
				continue
			}
			if got.value != vs.Value || got.bound != vs.Bound || got.tripped != vs.Tripped {
				mismatches = append(mismatches, fmt.Sprintf("%s/%s seq=%d: replay=(%v/%v %t) snapshot=(%v/%v %t)",
					e.ID, vs.Kind, vs.Seq, got.value, got.bound, got.tripped, vs.Value, vs.Bound, vs.Tripped))
			}
		}
	}
	if len(mismatches) == 0 {
		return nil
	}
	sort.Strings(mismatches)
	return fmt.Errorf("%d mismatches, first: %s", len(mismatches), mismatches[0])
}
