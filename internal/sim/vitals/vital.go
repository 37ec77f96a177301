package vitals

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

var ErrUnknownOp = errors.New("vitals: unknown op")

// Config describes one replicated scalar.
type Config struct {
	Kind   Kind
	Entity EntityID
	Bound  float64
	// StartEmpty starts the value at 0 instead of at Bound.
	StartEmpty bool
	Threshold  Threshold
	Drain      Drain
}

type Deps struct {
	// Transport is nil for a standalone vital, which then acts as its own authority.
	Transport Transport
	Resolver  Resolver
	Bus       *Bus
}

// State is the persisted form of a Vital.
type State struct {
	Value   float64
	Bound   float64
	Tripped bool
	Seq     uint64
}

// Vital is a server-authoritative scalar with change and threshold events.
//
// On the authority every mutator commits, emits and broadcasts. Anywhere else
// mutators are forwarded through the Transport and the local copy changes only
// through ApplyUpdate. Mutations are committed atomically, but callers must
// serialize them (the authority host does) to keep event order equal to
// commit order. Handlers run without any Vital lock held.
type Vital struct {
	cfg       Config
	transport Transport
	resolver  Resolver
	bus       *Bus

	mu      sync.Mutex
	scalar  Scalar
	tripped bool
	seq     uint64
	synced  bool

	active    bool
	relays    []func()
	stopDrain func()
	drainGen  uint64

	values      listeners[ChangeEvent]
	bounds      listeners[ChangeEvent]
	transitions listeners[TransitionEvent]
}

func New(cfg Config, deps Deps) *Vital {
	initial := cfg.Bound
	if cfg.StartEmpty {
		initial = 0
	}
	return &Vital{
		cfg:       cfg,
		transport: deps.Transport,
		resolver:  deps.Resolver,
		bus:       deps.Bus,
		scalar:    NewScalar(initial, cfg.Bound),
	}
}

func (v *Vital) Kind() Kind       { return v.cfg.Kind }
func (v *Vital) Entity() EntityID { return v.cfg.Entity }

func (v *Vital) Role() Role {
	if v.transport == nil {
		return RoleAuthority
	}
	return v.transport.Role(v.cfg.Entity)
}

func (v *Vital) Value() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.scalar.Value()
}

func (v *Vital) Bound() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.scalar.Bound()
}

func (v *Vital) Tripped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tripped
}

func (v *Vital) Seq() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.seq
}

func (v *Vital) Active() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.active
}

func (v *Vital) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return State{Value: v.scalar.Value(), Bound: v.scalar.Bound(), Tripped: v.tripped, Seq: v.seq}
}

// Restore replaces the state without emitting events. It is meant for
// snapshot import on the authority before the vital is activated.
func (v *Vital) Restore(s State) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.scalar = NewScalar(s.Value, s.Bound)
	v.tripped = s.Tripped
	v.seq = s.Seq
	v.synced = true
}

// Snapshot returns the current state as an Update without events, for
// bootstrapping a new replica.
func (v *Vital) Snapshot() Update {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.updateLocked(nil)
}

func (v *Vital) ChangeValue(delta float64, actor ActorID) error {
	return v.Apply(Request{Op: OpChange, Value: delta, Actor: actor})
}

func (v *Vital) SetValue(value float64, actor ActorID) error {
	return v.Apply(Request{Op: OpSet, Value: value, Actor: actor})
}

func (v *Vital) SetBound(bound float64, actor ActorID) error {
	return v.Apply(Request{Op: OpSetBound, Value: bound, Actor: actor})
}

// Apply commits req on the authority, or forwards it everywhere else.
func (v *Vital) Apply(req Request) error {
	if !req.Op.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownOp, req.Op)
	}
	req.Entity = v.cfg.Entity
	req.Kind = v.cfg.Kind

	if v.Role() != RoleAuthority {
		// The authority clamps finite extremes the same way it clamps
		// infinities, and infinities do not survive the wire.
		switch {
		case math.IsNaN(req.Value):
			return nil
		case math.IsInf(req.Value, 1):
			req.Value = math.MaxFloat64
		case math.IsInf(req.Value, -1):
			req.Value = -math.MaxFloat64
		}
		if err := v.transport.Forward(req); err != nil {
			return fmt.Errorf("forward %s %s: %w", req.Kind, req.Op, err)
		}
		return nil
	}

	u, ok := v.commit(req.Op, req.Value, v.resolve(req.Actor))
	if !ok {
		return nil
	}
	v.dispatch(u.Events)
	if v.transport != nil {
		if err := v.transport.Broadcast(u); err != nil {
			return fmt.Errorf("broadcast %s seq=%d: %w", u.Kind, u.Seq, err)
		}
	}
	return nil
}

func (v *Vital) resolve(actor ActorID) ActorID {
	if actor == UnknownActor || v.resolver == nil {
		return actor
	}
	if id, ok := v.resolver.Resolve(actor); ok {
		return id
	}
	return UnknownActor
}

func (v *Vital) commit(op Op, x float64, actor ActorID) (Update, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	prev := v.scalar.Value()
	var evs []WireEvent
	switch op {
	case OpChange:
		if d, ok := v.scalar.Add(x); ok {
			evs = append(evs, WireEvent{Type: EventValue, Actor: actor, NewValue: v.scalar.Value(), Delta: d})
		}
	case OpSet:
		if d, ok := v.scalar.Set(x); ok {
			evs = append(evs, WireEvent{Type: EventValue, Actor: actor, NewValue: v.scalar.Value(), Delta: d})
		}
	case OpSetBound:
		d, changed, overflow := v.scalar.SetBound(x)
		if !changed {
			break
		}
		evs = append(evs, WireEvent{Type: EventBound, Actor: actor, NewValue: v.scalar.Bound(), Delta: d})
		if overflow {
			if d, ok := v.scalar.Set(v.scalar.Bound()); ok {
				evs = append(evs, WireEvent{Type: EventValue, Actor: actor, NewValue: v.scalar.Value(), Delta: d})
			}
		}
	}
	if len(evs) == 0 {
		return Update{}, false
	}

	if v.cfg.Threshold != nil {
		next := v.cfg.Threshold.Next(v.tripped, prev, v.scalar.Value(), v.scalar.Bound())
		if next != v.tripped {
			v.tripped = next
			evs = append(evs, WireEvent{Type: EventTransition, Actor: actor, Tripped: next})
		}
	}

	v.seq++
	v.synced = true
	return v.updateLocked(evs), true
}

func (v *Vital) updateLocked(evs []WireEvent) Update {
	return Update{
		Seq:     v.seq,
		Entity:  v.cfg.Entity,
		Kind:    v.cfg.Kind,
		Value:   v.scalar.Value(),
		Bound:   v.scalar.Bound(),
		Tripped: v.tripped,
		Events:  evs,
	}
}

// ApplyUpdate mirrors an authority broadcast on a replica and re-fires its
// events locally. Updates at or below the last applied Seq are dropped.
func (v *Vital) ApplyUpdate(u Update) bool {
	if v.Role() == RoleAuthority {
		return false
	}
	if u.Entity != v.cfg.Entity || u.Kind != v.cfg.Kind {
		return false
	}
	v.mu.Lock()
	if v.synced && u.Seq <= v.seq {
		v.mu.Unlock()
		return false
	}
	v.scalar = NewScalar(u.Value, u.Bound)
	v.tripped = u.Tripped
	v.seq = u.Seq
	v.synced = true
	v.mu.Unlock()

	v.dispatch(u.Events)
	return true
}

func (v *Vital) dispatch(evs []WireEvent) {
	for _, e := range evs {
		switch e.Type {
		case EventValue:
			v.values.emit(ChangeEvent{Kind: v.cfg.Kind, Emitter: v.cfg.Entity, Actor: e.Actor, NewValue: e.NewValue, Delta: e.Delta})
		case EventBound:
			v.bounds.emit(ChangeEvent{Kind: v.cfg.Kind, Emitter: v.cfg.Entity, Actor: e.Actor, NewValue: e.NewValue, Delta: e.Delta})
		case EventTransition:
			v.transitions.emit(TransitionEvent{Kind: v.cfg.Kind, Emitter: v.cfg.Entity, Actor: e.Actor, Tripped: e.Tripped})
		}
	}
}

// OnValueChanged subscribes to this vital only. The returned func unsubscribes.
func (v *Vital) OnValueChanged(fn func(ChangeEvent)) func() { return v.values.add(fn) }

func (v *Vital) OnBoundChanged(fn func(ChangeEvent)) func() { return v.bounds.add(fn) }

func (v *Vital) OnTransition(fn func(TransitionEvent)) func() { return v.transitions.add(fn) }

// Activate attaches the vital to the process Bus and, on the authority,
// starts its drain. Calling it on an active vital does nothing.
func (v *Vital) Activate(s Scheduler) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.active {
		return
	}
	v.active = true
	v.drainGen++
	gen := v.drainGen

	if v.bus != nil {
		v.relays = []func(){
			v.values.add(v.bus.publishValue),
			v.bounds.add(v.bus.publishBound),
			v.transitions.add(v.bus.publishTransition),
		}
	}
	if s != nil && v.cfg.Drain.Enabled() && v.Role() == RoleAuthority {
		task := &drainTask{rate: v.cfg.Drain.RatePerSecond, last: s.Now()}
		v.stopDrain = s.Every(v.cfg.Drain.Interval(), func(now time.Time) {
			v.drainTick(gen, task, now)
		})
	}
}

// Deactivate detaches from the Bus and cancels the drain. No drain tick runs
// after it returns, even one the scheduler already queued.
func (v *Vital) Deactivate() {
	v.mu.Lock()
	if !v.active {
		v.mu.Unlock()
		return
	}
	v.active = false
	v.drainGen++
	relays, stop := v.relays, v.stopDrain
	v.relays, v.stopDrain = nil, nil
	v.mu.Unlock()

	for _, cancel := range relays {
		cancel()
	}
	if stop != nil {
		stop()
	}
}

func (v *Vital) drainTick(gen uint64, t *drainTask, now time.Time) {
	v.mu.Lock()
	live := v.active && v.drainGen == gen
	v.mu.Unlock()
	if !live {
		return
	}
	if d := t.step(now); d != 0 {
		_ = v.ChangeValue(d, ActorID(v.cfg.Entity))
	}
}
