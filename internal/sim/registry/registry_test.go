package registry

import (
	"testing"

	"vitalsync.ai/internal/sim/vitals"
)

func TestRegistry_ResolveKnownAndUnknown(t *testing.T) {
	r := New()
	r.Register(Actor{ID: "E1", Name: "alice", PeerID: "P1"})
	r.Register(Actor{ID: vitals.UnknownActor, Name: "nobody"})

	if id, ok := r.Resolve("E1"); !ok || id != "E1" {
		t.Fatalf("resolve E1: id=%q ok=%v", id, ok)
	}
	if id, ok := r.Resolve("E9"); ok || id != vitals.UnknownActor {
		t.Fatalf("resolve E9: id=%q ok=%v", id, ok)
	}
	if r.Len() != 1 {
		t.Fatalf("len=%d", r.Len())
	}

	r.Unregister("E1")
	if _, ok := r.Resolve("E1"); ok {
		t.Fatalf("resolved after unregister")
	}
}

func TestRegistry_ListSorted(t *testing.T) {
	r := New()
	r.Register(Actor{ID: "E2"})
	r.Register(Actor{ID: "E1"})
	got := r.List()
	if len(got) != 2 || got[0].ID != "E1" || got[1].ID != "E2" {
		t.Fatalf("list=%+v", got)
	}
}

func TestRegistry_FeedsVitalAttribution(t *testing.T) {
	r := New()
	r.Register(Actor{ID: "E2"})
	v := vitals.NewHealth("E1", 100, vitals.Deps{Resolver: r})

	var actors []vitals.ActorID
	v.OnValueChanged(func(e vitals.ChangeEvent) { actors = append(actors, e.Actor) })
	_ = v.ChangeValue(-1, "E2")
	r.Unregister("E2")
	_ = v.ChangeValue(-1, "E2")

	if len(actors) != 2 || actors[0] != "E2" || actors[1] != vitals.UnknownActor {
		t.Fatalf("actors=%q", actors)
	}
}
