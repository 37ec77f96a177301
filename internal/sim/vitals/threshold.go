package vitals

// Threshold derives the tripped state from a committed value. Next is only
// consulted after a mutation that changed the scalar; prev is the value
// before that mutation.
type Threshold interface {
	Next(tripped bool, prev, value, bound float64) bool
}

// Death trips when the value moves to zero. It never recovers.
type Death struct{}

func (Death) Next(tripped bool, prev, value, _ float64) bool {
	return tripped || (value == 0 && prev != 0)
}

// Overheat trips when the value reaches the bound and clears once
// value/bound falls to RecoveryRatio or below.
//
// With a zero bound the ratio counts as 1, so an overheated vital with no
// capacity stays overheated until the bound is raised.
type Overheat struct {
	RecoveryRatio float64
}

func (o Overheat) Next(tripped bool, _, value, bound float64) bool {
	if !tripped {
		return value >= bound
	}
	return Ratio(value, bound) > o.RecoveryRatio
}

// Ratio returns value/bound, or 1 when bound is zero.
func Ratio(value, bound float64) float64 {
	if bound <= 0 {
		return 1
	}
	return value / bound
}
