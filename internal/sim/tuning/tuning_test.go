package tuning

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"vitalsync.ai/internal/sim/gate"
	"vitalsync.ai/internal/sim/vitals"
)

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("could not find repo root from %s", dir)
		}
		dir = parent
	}
}

func TestLoad_RepoTuningMatchesDefaults(t *testing.T) {
	tu, err := Load(filepath.Join(findRepoRoot(t), "configs", "tuning.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := Default()
	if tu.TickRateHz != def.TickRateHz || tu.Health != def.Health || tu.Heat != def.Heat {
		t.Fatalf("tuning.yaml drifted from defaults: %+v", tu)
	}
	if tu.SnapshotEveryTicks != 6000 {
		t.Fatalf("snapshot_every_ticks: got %d", tu.SnapshotEveryTicks)
	}
	hc := tu.HostConfig()
	if hc.Heat.RecoveryRatio != vitals.DefaultOverheatRecoveryRatio || hc.MaxHealth != vitals.DefaultMaxHealth {
		t.Fatalf("host config: %+v", hc)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	if err := os.WriteFile(path, []byte("tick_rate_hz: 10\nheat:\n  capacity: 50\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("VITALSYNC_HEAT_CAPACITY", "80")
	t.Setenv("VITALSYNC_HOST_ID", "host_env")

	tu, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tu.TickRateHz != 10 {
		t.Fatalf("file value lost: tick_rate_hz=%d", tu.TickRateHz)
	}
	if tu.Heat.Capacity != 80 || tu.HostID != "host_env" {
		t.Fatalf("env overlay: capacity=%v host=%s", tu.Heat.Capacity, tu.HostID)
	}
	// Unset keys keep their defaults.
	if tu.Heat.CoolingPerSecond != vitals.DefaultCoolingPerSecond {
		t.Fatalf("cooling: got %v", tu.Heat.CoolingPerSecond)
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	body := "tick_rate_hz: 0\nheat:\n  recovery_ratio: 1.5\nhealth:\n  max: -1\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"tick_rate_hz", "recovery_ratio", "health.max"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("VITALSYNC_TICK_RATE_HZ", "fast")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "parse env") {
		t.Fatalf("expected env parse error, got %v", err)
	}
}

func TestGateSet_OverridesByName(t *testing.T) {
	tu := Default()
	tu.Gates = []gate.Rule{{Name: gate.HUD, IfServer: true}}
	s := tu.GateSet()

	server := gate.For(vitals.RoleAuthority, false)
	observer := gate.For(vitals.RoleObserver, true)
	if !s.Enabled(gate.HUD, server) || s.Enabled(gate.HUD, observer) {
		t.Fatalf("hud override not applied")
	}
	if !s.Enabled(gate.Conversion, server) {
		t.Fatalf("unlisted defaults should survive")
	}
}
