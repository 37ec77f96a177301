package vitals

import "sync"

type listener[T any] struct {
	id uint64
	fn func(T)
}

// listeners is a copy-on-write subscriber list. emit never holds the lock
// while calling handlers, so handlers may subscribe or unsubscribe.
type listeners[T any] struct {
	mu   sync.Mutex
	next uint64
	subs []listener[T]
}

func (l *listeners[T]) add(fn func(T)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	l.mu.Lock()
	l.next++
	id := l.next
	subs := make([]listener[T], len(l.subs), len(l.subs)+1)
	copy(subs, l.subs)
	l.subs = append(subs, listener[T]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *listeners[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, s := range l.subs {
		if s.id != id {
			continue
		}
		subs := make([]listener[T], 0, len(l.subs)-1)
		subs = append(subs, l.subs[:i]...)
		l.subs = append(subs, l.subs[i+1:]...)
		return
	}
}

func (l *listeners[T]) emit(ev T) {
	l.mu.Lock()
	subs := l.subs
	l.mu.Unlock()
	for _, s := range subs {
		s.fn(ev)
	}
}

func (l *listeners[T]) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}
