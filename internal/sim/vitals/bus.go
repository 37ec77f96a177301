package vitals

import "sync"

// Bus is the process-wide registry for vital events. Each Vital republishes
// its instance events here while it is active, so global listeners (HUDs,
// loggers, analytics) see every instance of a Kind.
//
// A process normally owns a single Bus and injects it into every Vital.
type Bus struct {
	mu    sync.Mutex
	kinds map[Kind]*channels
}

type channels struct {
	values      listeners[ChangeEvent]
	bounds      listeners[ChangeEvent]
	transitions listeners[TransitionEvent]
}

func NewBus() *Bus {
	return &Bus{kinds: map[Kind]*channels{}}
}

func (b *Bus) channels(k Kind) *channels {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.kinds[k]
	if c == nil {
		c = &channels{}
		b.kinds[k] = c
	}
	return c
}

// OnValueChanged subscribes fn to value changes of every Vital of Kind k.
// The returned func unsubscribes; it is safe to call more than once.
func (b *Bus) OnValueChanged(k Kind, fn func(ChangeEvent)) func() {
	return b.channels(k).values.add(fn)
}

func (b *Bus) OnBoundChanged(k Kind, fn func(ChangeEvent)) func() {
	return b.channels(k).bounds.add(fn)
}

func (b *Bus) OnTransition(k Kind, fn func(TransitionEvent)) func() {
	return b.channels(k).transitions.add(fn)
}

// Subscribers returns the total number of handlers attached for Kind k.
func (b *Bus) Subscribers(k Kind) int {
	c := b.channels(k)
	return c.values.count() + c.bounds.count() + c.transitions.count()
}

func (b *Bus) publishValue(ev ChangeEvent)          { b.channels(ev.Kind).values.emit(ev) }
func (b *Bus) publishBound(ev ChangeEvent)          { b.channels(ev.Kind).bounds.emit(ev) }
func (b *Bus) publishTransition(ev TransitionEvent) { b.channels(ev.Kind).transitions.emit(ev) }
