// Package config loads the controller and node configuration from YAML or
// JSON files with environment overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/microgrid/core/battery"
	"github.com/kilianp07/microgrid/core/mpc"
	"github.com/kilianp07/microgrid/core/sim"
	"github.com/kilianp07/microgrid/infra/metrics"
	"github.com/kilianp07/microgrid/infra/mqtt"
)

// Config is the root configuration shared by both binaries. A deployment
// only populates the section it runs.
type Config struct {
	MQTT       mqtt.Config      `json:"mqtt"`
	Controller ControllerConfig `json:"controller"`
	Node       NodeConfig       `json:"node"`
	Metrics    MetricsConfig    `json:"metrics"`
}

// ControllerConfig drives the control cycle.
type ControllerConfig struct {
	CycleSeconds      int        `json:"cycle_seconds"`
	AckTimeoutSeconds int        `json:"ack_timeout_seconds"`
	FleetCapacity     int        `json:"fleet_capacity"`
	MaxPowerKW        float64    `json:"max_power_kw"`
	MPC               mpc.Config `json:"mpc"`
	Sim               sim.Config `json:"sim"`
	// Seed fixes the environment simulator's random source; 0 seeds from
	// the clock.
	Seed int64 `json:"seed"`
}

// SetDefaults applies the nominal control timings.
func (c *ControllerConfig) SetDefaults() {
	if c.CycleSeconds <= 0 {
		c.CycleSeconds = 5
	}
	if c.AckTimeoutSeconds <= 0 {
		c.AckTimeoutSeconds = 2
	}
	if c.FleetCapacity <= 0 {
		c.FleetCapacity = 5
	}
	if c.MaxPowerKW <= 0 {
		c.MaxPowerKW = 10
	}
}

// NodeConfig drives one battery node.
type NodeConfig struct {
	ID                   string                `json:"id"`
	TickSeconds          int                   `json:"tick_seconds"`
	TelemetrySeconds     int                   `json:"telemetry_seconds"`
	RegisterAttempts     int                   `json:"register_attempts"`
	RegisterDelaySeconds int                   `json:"register_delay_seconds"`
	Physics              battery.PhysicsConfig `json:"physics"`
	Thresholds           battery.Thresholds    `json:"thresholds"`
	Seed                 int64                 `json:"seed"`
}

// SetDefaults applies the nominal node timings and pack parameters.
func (c *NodeConfig) SetDefaults() {
	if c.TickSeconds <= 0 {
		c.TickSeconds = 1
	}
	if c.TelemetrySeconds <= 0 {
		c.TelemetrySeconds = 5
	}
	if c.RegisterAttempts <= 0 {
		c.RegisterAttempts = 10
	}
	if c.RegisterDelaySeconds <= 0 {
		c.RegisterDelaySeconds = 5
	}
	if c.Physics.CapacityAh == 0 {
		c.Physics = battery.DefaultPhysicsConfig()
	}
	if c.Thresholds.SoHCritical == 0 {
		c.Thresholds = battery.DefaultThresholds()
	}
}

// Validate checks the node section for a runnable deployment.
func (c NodeConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("node id is required")
	}
	if c.Thresholds.SoHWarning < c.Thresholds.SoHCritical {
		return fmt.Errorf("soh_warning must be >= soh_critical")
	}
	if c.Thresholds.TempWarning > c.Thresholds.TempCritical {
		return fmt.Errorf("temp_warning must be <= temp_critical")
	}
	return nil
}

// MetricsConfig enables the observability sinks.
type MetricsConfig struct {
	PrometheusEnabled bool                 `json:"prometheus_enabled"`
	PrometheusAddr    string               `json:"prometheus_addr"`
	Influx            metrics.InfluxConfig `json:"influx"`
}

// SetDefaults applies the default metrics endpoint.
func (c *MetricsConfig) SetDefaults() {
	if c.PrometheusAddr == "" {
		c.PrometheusAddr = ":9090"
	}
}

// Load reads the configuration file, applies MG_-prefixed environment
// overrides (MG_MQTT__BROKER maps to mqtt.broker) and fills defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", path)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	if err := k.Load(env.Provider("MG_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "mg_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.Controller.SetDefaults()
	cfg.Node.SetDefaults()
	cfg.Metrics.SetDefaults()
	return &cfg, nil
}
