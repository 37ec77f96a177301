package tuning

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"vitalsync.ai/internal/protocol"
	"vitalsync.ai/internal/sim/gate"
	"vitalsync.ai/internal/sim/host"
	"vitalsync.ai/internal/sim/vitals"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	HostID             string `yaml:"host_id" env:"VITALSYNC_HOST_ID"`
	TickRateHz         int    `yaml:"tick_rate_hz" env:"VITALSYNC_TICK_RATE_HZ"`
	SnapshotEveryTicks uint64 `yaml:"snapshot_every_ticks" env:"VITALSYNC_SNAPSHOT_EVERY_TICKS"`

	Health Health `yaml:"health"`
	Heat   Heat   `yaml:"heat"`

	ConversionColor string `yaml:"conversion_color" env:"VITALSYNC_CONVERSION_COLOR"`

	// Gates override the built-in behaviour rules by name.
	Gates []gate.Rule `yaml:"gates"`
}

type Health struct {
	Max float64 `yaml:"max" env:"VITALSYNC_HEALTH_MAX"`
}

type Heat struct {
	Capacity         float64 `yaml:"capacity" env:"VITALSYNC_HEAT_CAPACITY"`
	CoolingPerSecond float64 `yaml:"cooling_per_second" env:"VITALSYNC_HEAT_COOLING_PER_SECOND"`
	RecoveryRatio    float64 `yaml:"recovery_ratio" env:"VITALSYNC_HEAT_RECOVERY_RATIO"`
	UpdatesPerSecond float64 `yaml:"updates_per_second" env:"VITALSYNC_HEAT_UPDATES_PER_SECOND"`
}

func Default() Tuning {
	hc := host.DefaultConfig()
	return Tuning{
		ProtocolVersion: protocol.Version,
		HostID:          hc.ID,
		TickRateHz:      hc.TickRateHz,
		Health:          Health{Max: hc.MaxHealth},
		Heat: Heat{
			Capacity:         hc.Heat.Capacity,
			CoolingPerSecond: hc.Heat.CoolingPerSecond,
			RecoveryRatio:    hc.Heat.RecoveryRatio,
			UpdatesPerSecond: hc.Heat.UpdatesPerSecond,
		},
		ConversionColor: hc.ConversionColor,
	}
}

// Load reads path over the defaults, then applies VITALSYNC_* environment
// overrides. An empty path skips the file.
func Load(path string) (Tuning, error) {
	t := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return t, err
		}
		if err := yaml.Unmarshal(raw, &t); err != nil {
			return t, fmt.Errorf("tuning.yaml: %w", err)
		}
	}
	if err := env.Parse(&t); err != nil {
		return t, fmt.Errorf("parse env: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

func (t Tuning) Validate() error {
	var errs []error
	if t.ProtocolVersion != "" && t.ProtocolVersion != protocol.Version {
		errs = append(errs, fmt.Errorf("protocol_version %q, server speaks %q", t.ProtocolVersion, protocol.Version))
	}
	if t.TickRateHz <= 0 || t.TickRateHz > 1000 {
		errs = append(errs, fmt.Errorf("tick_rate_hz out of range: %d", t.TickRateHz))
	}
	if !nonNegative(t.Health.Max) {
		errs = append(errs, fmt.Errorf("health.max must be >= 0: %v", t.Health.Max))
	}
	if !nonNegative(t.Heat.Capacity) {
		errs = append(errs, fmt.Errorf("heat.capacity must be >= 0: %v", t.Heat.Capacity))
	}
	if math.IsNaN(t.Heat.CoolingPerSecond) || math.IsInf(t.Heat.CoolingPerSecond, 0) {
		errs = append(errs, fmt.Errorf("heat.cooling_per_second must be finite"))
	}
	if r := t.Heat.RecoveryRatio; math.IsNaN(r) || r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("heat.recovery_ratio must be within [0,1]: %v", r))
	}
	if t.Heat.UpdatesPerSecond < 0 {
		errs = append(errs, fmt.Errorf("heat.updates_per_second must be >= 0: %v", t.Heat.UpdatesPerSecond))
	}
	for i, r := range t.Gates {
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("gates[%d]: missing name", i))
		}
	}
	return errors.Join(errs...)
}

func nonNegative(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0) && x >= 0
}

func (t Tuning) HeatConfig() vitals.HeatConfig {
	return vitals.HeatConfig{
		Capacity:         t.Heat.Capacity,
		CoolingPerSecond: t.Heat.CoolingPerSecond,
		RecoveryRatio:    t.Heat.RecoveryRatio,
		UpdatesPerSecond: t.Heat.UpdatesPerSecond,
	}
}

func (t Tuning) HostConfig() host.Config {
	return host.Config{
		ID:                 t.HostID,
		TickRateHz:         t.TickRateHz,
		MaxHealth:          t.Health.Max,
		Heat:               t.HeatConfig(),
		ConversionColor:    t.ConversionColor,
		SnapshotEveryTicks: t.SnapshotEveryTicks,
	}
}

// GateSet returns the built-in rules with configured rules layered on top.
func (t Tuning) GateSet() gate.Set {
	s := gate.Defaults()
	for _, r := range t.Gates {
		s[r.Name] = r
	}
	return s
}
