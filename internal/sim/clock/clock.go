// Package clock provides the time source used by schedulers, and a manual
// clock for deterministic tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Fake is a manually advanced clock that also schedules recurring tasks.
// Tasks fire synchronously inside Advance, in due-time order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	nextID uint64
	tasks  map[uint64]*fakeTask
}

type fakeTask struct {
	id       uint64
	interval time.Duration
	next     time.Time
	fn       func(time.Time)
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start, tasks: map[uint64]*fakeTask{}}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Every registers fn to run each interval. The returned func removes it; a
// removed task never fires again, even within the Advance that removed it.
func (f *Fake) Every(interval time.Duration, fn func(now time.Time)) func() {
	if interval <= 0 || fn == nil {
		return func() {}
	}
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.tasks[id] = &fakeTask{id: id, interval: interval, next: f.now.Add(interval), fn: fn}
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.tasks, id)
		f.mu.Unlock()
	}
}

// Pending returns the number of registered tasks.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

// Advance moves the clock forward by d, firing every task that comes due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		t := f.earliestLocked(target)
		if t == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		f.now = t.next
		t.next = t.next.Add(t.interval)
		now, fn := f.now, t.fn
		f.mu.Unlock()

		fn(now)
	}
}

func (f *Fake) earliestLocked(limit time.Time) *fakeTask {
	due := make([]*fakeTask, 0, len(f.tasks))
	for _, t := range f.tasks {
		if !t.next.After(limit) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].next.Equal(due[j].next) {
			return due[i].id < due[j].id
		}
		return due[i].next.Before(due[j].next)
	})
	return due[0]
}
