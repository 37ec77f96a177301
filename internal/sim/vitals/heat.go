package vitals

import "math"

const (
	HeatUpdatesPerSecond         = 20
	DefaultHeatCapacity          = 100
	DefaultCoolingPerSecond      = 10
	DefaultOverheatRecoveryRatio = 0.7
)

type HeatConfig struct {
	Capacity         float64
	CoolingPerSecond float64
	// RecoveryRatio is clamped to [0, 1].
	RecoveryRatio    float64
	UpdatesPerSecond float64
}

func DefaultHeatConfig() HeatConfig {
	return HeatConfig{
		Capacity:         DefaultHeatCapacity,
		CoolingPerSecond: DefaultCoolingPerSecond,
		RecoveryRatio:    DefaultOverheatRecoveryRatio,
		UpdatesPerSecond: HeatUpdatesPerSecond,
	}
}

// NewHeat returns an empty heat vital that overheats at capacity, recovers at
// or below RecoveryRatio, and cools continuously on the authority.
func NewHeat(entity EntityID, cfg HeatConfig, deps Deps) *Vital {
	ratio := cfg.RecoveryRatio
	if math.IsNaN(ratio) || ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	hz := cfg.UpdatesPerSecond
	if hz <= 0 {
		hz = HeatUpdatesPerSecond
	}
	return New(Config{
		Kind:       KindHeat,
		Entity:     entity,
		Bound:      cfg.Capacity,
		StartEmpty: true,
		Threshold:  Overheat{RecoveryRatio: ratio},
		Drain:      Drain{RatePerSecond: cfg.CoolingPerSecond, Hz: hz},
	}, deps)
}

// Overheated reports whether a heat vital is overheated.
func Overheated(v *Vital) bool {
	return v != nil && v.Kind() == KindHeat && v.Tripped()
}
