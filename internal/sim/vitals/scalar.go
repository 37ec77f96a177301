package vitals

import "math"

// Scalar is a value clamped to [0, bound]. The zero Scalar is empty with a
// zero bound.
type Scalar struct {
	value float64
	bound float64
}

func NewScalar(value, bound float64) Scalar {
	b, ok := clampBound(bound)
	if !ok {
		b = 0
	}
	v, ok := clampValue(value, b)
	if !ok {
		v = b
	}
	return Scalar{value: v, bound: b}
}

func (s Scalar) Value() float64 { return s.value }
func (s Scalar) Bound() float64 { return s.bound }

// Add applies a relative change. It returns old minus new and whether the
// stored value changed.
func (s *Scalar) Add(delta float64) (float64, bool) {
	if math.IsNaN(delta) {
		return 0, false
	}
	return s.Set(s.value + delta)
}

// Set stores an absolute value. It returns old minus new and whether the
// stored value changed.
func (s *Scalar) Set(value float64) (float64, bool) {
	next, ok := clampValue(value, s.bound)
	if !ok || next == s.value {
		return 0, false
	}
	old := s.value
	s.value = next
	return old - next, true
}

// SetBound stores a new bound without touching the value. It returns new
// minus old, whether the bound changed, and whether the value now exceeds it.
func (s *Scalar) SetBound(bound float64) (delta float64, changed, overflow bool) {
	next, ok := clampBound(bound)
	if !ok || next == s.bound {
		return 0, false, s.value > s.bound
	}
	old := s.bound
	s.bound = next
	return next - old, true, s.value > next
}

func clampValue(v, bound float64) (float64, bool) {
	if math.IsNaN(v) {
		return 0, false
	}
	if v < 0 {
		return 0, true
	}
	if v > bound {
		return bound, true
	}
	return v, true
}

func clampBound(b float64) (float64, bool) {
	if math.IsNaN(b) {
		return 0, false
	}
	if b < 0 {
		return 0, true
	}
	if math.IsInf(b, 1) {
		return math.MaxFloat64, true
	}
	return b, true
}
