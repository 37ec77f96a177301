package vitals

type EventType string

const (
	EventValue      EventType = "VALUE"
	EventBound      EventType = "BOUND"
	EventTransition EventType = "TRANSITION"
)

// ChangeEvent is emitted once per committed value or bound change.
//
// For value changes Delta is old minus new, so damage reads as a positive
// delta. For bound changes Delta is new minus old and NewValue is the new bound.
type ChangeEvent struct {
	Kind     Kind
	Emitter  EntityID
	Actor    ActorID
	NewValue float64
	Delta    float64
}

// Sender resolves the emitting Vital on this machine.
func (e ChangeEvent) Sender(l Lookup) (*Vital, bool) {
	if l == nil {
		return nil, false
	}
	return l.Lookup(e.Emitter, e.Kind)
}

// TransitionEvent reports a threshold edge: death, overheat, or overheat recovery.
type TransitionEvent struct {
	Kind    Kind
	Emitter EntityID
	Actor   ActorID
	Tripped bool
}

func (e TransitionEvent) Sender(l Lookup) (*Vital, bool) {
	if l == nil {
		return nil, false
	}
	return l.Lookup(e.Emitter, e.Kind)
}

// WireEvent is the transport form of an event. The emitter is implied by the
// enclosing Update.
type WireEvent struct {
	Type     EventType
	Actor    ActorID
	NewValue float64
	Delta    float64
	Tripped  bool
}

// Update is one authority broadcast: the full state after a mutation plus the
// events it produced, in emit order.
type Update struct {
	Seq     uint64
	Entity  EntityID
	Kind    Kind
	Value   float64
	Bound   float64
	Tripped bool
	Events  []WireEvent
}
