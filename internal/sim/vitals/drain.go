package vitals

import "time"

// Drain is a recurring authority-side decrease, e.g. passive cooling.
type Drain struct {
	RatePerSecond float64
	Hz            float64
}

func (d Drain) Enabled() bool { return d.RatePerSecond != 0 && d.Hz > 0 }

func (d Drain) Interval() time.Duration {
	if d.Hz <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / d.Hz)
}

// drainTask measures real elapsed time between ticks, so a late tick drains
// proportionally more instead of assuming a fixed interval.
type drainTask struct {
	rate float64
	last time.Time
}

func (t *drainTask) step(now time.Time) float64 {
	elapsed := now.Sub(t.last).Seconds()
	if elapsed <= 0 {
		return 0
	}
	t.last = now
	return -t.rate * elapsed
}
