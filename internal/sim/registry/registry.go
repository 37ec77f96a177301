// Package registry tracks the actors that can be credited with a change.
package registry

import (
	"sort"
	"sync"

	"vitalsync.ai/internal/sim/vitals"
)

type Actor struct {
	ID     vitals.ActorID
	Name   string
	PeerID string
}

// Registry implements vitals.Resolver. Ids that were never registered, or
// have left, resolve to the unknown actor.
type Registry struct {
	mu     sync.RWMutex
	actors map[vitals.ActorID]Actor
}

func New() *Registry {
	return &Registry{actors: map[vitals.ActorID]Actor{}}
}

func (r *Registry) Register(a Actor) {
	if a.ID == vitals.UnknownActor {
		return
	}
	r.mu.Lock()
	r.actors[a.ID] = a
	r.mu.Unlock()
}

func (r *Registry) Unregister(id vitals.ActorID) {
	r.mu.Lock()
	delete(r.actors, id)
	r.mu.Unlock()
}

func (r *Registry) Resolve(id vitals.ActorID) (vitals.ActorID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.actors[id]; !ok {
		return vitals.UnknownActor, false
	}
	return id, true
}

func (r *Registry) Get(id vitals.ActorID) (Actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actors[id]
	return a, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actors)
}

// List returns all actors sorted by id.
func (r *Registry) List() []Actor {
	r.mu.RLock()
	out := make([]Actor, 0, len(r.actors))
	for _, a := range r.actors {
		out = append(out, a)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
