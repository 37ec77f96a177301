package clock

import (
	"testing"
	"time"
)

func TestFake_EveryFiresInOrder(t *testing.T) {
	start := time.Unix(1000, 0)
	f := NewFake(start)

	var got []string
	f.Every(100*time.Millisecond, func(now time.Time) { got = append(got, "a@"+now.Sub(start).String()) })
	f.Every(150*time.Millisecond, func(now time.Time) { got = append(got, "b@"+now.Sub(start).String()) })

	f.Advance(300 * time.Millisecond)

	want := []string{"a@100ms", "b@150ms", "a@200ms", "a@300ms", "b@300ms"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	if !f.Now().Equal(start.Add(300 * time.Millisecond)) {
		t.Fatalf("now=%v", f.Now())
	}
}

func TestFake_CancelStopsTask(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	n := 0
	cancel := f.Every(time.Second, func(time.Time) { n++ })
	f.Advance(2 * time.Second)
	cancel()
	cancel()
	f.Advance(5 * time.Second)
	if n != 2 {
		t.Fatalf("expected 2 ticks, got %d", n)
	}
	if f.Pending() != 0 {
		t.Fatalf("expected no pending tasks, got %d", f.Pending())
	}
}

func TestFake_CancelFromInsideTask(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	n := 0
	var cancel func()
	cancel = f.Every(time.Second, func(time.Time) {
		n++
		cancel()
	})
	f.Advance(10 * time.Second)
	if n != 1 {
		t.Fatalf("expected 1 tick, got %d", n)
	}
}
