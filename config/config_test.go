package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, "config.yaml", `mqtt:
  broker: "tcp://localhost:1883"
  client_id: "ctl"
  qos: 1
controller:
  cycle_seconds: 3
  fleet_capacity: 8
  max_power_kw: 12
  mpc:
    k_factor: 0.05
    iterations: 50
node:
  id: "bat-1"
  telemetry_seconds: 2
  thresholds:
    temp_critical: 65
metrics:
  prometheus_enabled: true
  influx:
    enabled: true
    url: "http://localhost:8086"
    org: "microgrid"
    bucket: "telemetry"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"broker", cfg.MQTT.Broker, "tcp://localhost:1883"},
		{"client_id", cfg.MQTT.ClientID, "ctl"},
		{"qos", cfg.MQTT.QoS, byte(1)},
		{"cycle_seconds", cfg.Controller.CycleSeconds, 3},
		{"fleet_capacity", cfg.Controller.FleetCapacity, 8},
		{"max_power_kw", cfg.Controller.MaxPowerKW, 12.0},
		{"mpc.iterations", cfg.Controller.MPC.Iterations, 50},
		{"node.id", cfg.Node.ID, "bat-1"},
		{"telemetry_seconds", cfg.Node.TelemetrySeconds, 2},
		{"temp_critical", cfg.Node.Thresholds.TempCritical, 65.0},
		{"prometheus", cfg.Metrics.PrometheusEnabled, true},
		{"influx.enabled", cfg.Metrics.Influx.Enabled, true},
		{"influx.bucket", cfg.Metrics.Influx.Bucket, "telemetry"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %v want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `node:
  id: "bat-1"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.Controller.CycleSeconds != 5 || cfg.Controller.FleetCapacity != 5 {
		t.Fatalf("controller defaults missing: %+v", cfg.Controller)
	}
	if cfg.Node.TickSeconds != 1 || cfg.Node.RegisterAttempts != 10 {
		t.Fatalf("node defaults missing: %+v", cfg.Node)
	}
	if cfg.Node.Physics.CapacityAh != 200 {
		t.Fatalf("physics defaults missing: %+v", cfg.Node.Physics)
	}
	if cfg.Node.Thresholds.SoHCritical != 0.75 {
		t.Fatalf("threshold defaults missing: %+v", cfg.Node.Thresholds)
	}
	if cfg.Metrics.PrometheusAddr != ":9090" {
		t.Fatalf("metrics defaults missing: %+v", cfg.Metrics)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "config.yaml", `mqtt:
  broker: "tcp://file:1883"
`)
	t.Setenv("MG_MQTT__BROKER", "tcp://env:1883")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.MQTT.Broker != "tcp://env:1883" {
		t.Fatalf("env override ignored: %s", cfg.MQTT.Broker)
	}
}

func TestLoadRejectsUnknownFormat(t *testing.T) {
	path := writeConfig(t, "config.toml", `broker = "x"`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}

func TestNodeValidate(t *testing.T) {
	cfg := NodeConfig{}
	cfg.SetDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error on missing id")
	}
	cfg.ID = "bat-1"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	cfg.Thresholds.SoHWarning = 0.6
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error on threshold ordering")
	}
}
