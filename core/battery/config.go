package battery

// PhysicsConfig describes the pack hardware. Defaults model a scaled
// residential Li-ion pack: 200 Ah at 3.7 V nominal (~13.5 kWh split across
// parallel cell strings).
type PhysicsConfig struct {
	CapacityAh         float64 `json:"capacity_ah"`
	NominalVoltage     float64 `json:"nominal_voltage"`
	VMin               float64 `json:"v_min"`
	VMax               float64 `json:"v_max"`
	InternalResistance float64 `json:"internal_resistance"`
	ThermalMass        float64 `json:"thermal_mass"`        // J/degC
	HeatDissipation    float64 `json:"heat_dissipation"`    // W/degC
	AmbientTemp        float64 `json:"ambient_temp"`        // degC
	Efficiency         float64 `json:"efficiency"`          // one-way conversion efficiency
	MaxCRate           float64 `json:"max_c_rate"`          // current clamp in C
	MaxPowerKW         float64 `json:"max_power_kw"`        // setpoint clamp
	NoiseScale         float64 `json:"noise_scale"`         // 0 disables measurement noise
}

// DefaultPhysicsConfig returns the nominal pack parameters.
func DefaultPhysicsConfig() PhysicsConfig {
	return PhysicsConfig{
		CapacityAh:         200.0,
		NominalVoltage:     3.7,
		VMin:               3.0,
		VMax:               4.2,
		InternalResistance: 0.0008,
		ThermalMass:        5000.0,
		HeatDissipation:    200.0,
		AmbientTemp:        25.0,
		Efficiency:         0.92,
		MaxCRate:           15.0,
		MaxPowerKW:         10.0,
		NoiseScale:         1.0,
	}
}

// Derating breakpoints tying deliverable power to state of charge.
const (
	socEmptyCutoff     = 0.02 // below: discharge forbidden
	socDerateDischarge = 0.10 // below: discharge scaled linearly to zero
	socFullCutoff      = 0.98 // above: charge forbidden
	socDerateCharge    = 0.90 // above: charge scaled linearly to zero
	idleBandKW         = 0.0005
)

// Thresholds are the runtime-configurable safety limits. Zero-valued fields
// in an update are ignored so operators can adjust limits independently.
type Thresholds struct {
	SoHCritical   float64 `json:"soh_critical"`
	SoHWarning    float64 `json:"soh_warning"`
	TempCritical  float64 `json:"temp_critical"`
	TempWarning   float64 `json:"temp_warning"`
	CyclesWarning uint32  `json:"cycles_warning"`
}

// DefaultThresholds returns the factory safety limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SoHCritical:   0.75,
		SoHWarning:    0.85,
		TempCritical:  60.0,
		TempWarning:   50.0,
		CyclesWarning: 100,
	}
}

// merge applies non-zero fields of u onto t.
func (t *Thresholds) merge(u Thresholds) {
	if u.SoHCritical > 0 {
		t.SoHCritical = u.SoHCritical
	}
	if u.SoHWarning > 0 {
		t.SoHWarning = u.SoHWarning
	}
	if u.TempCritical > 0 {
		t.TempCritical = u.TempCritical
	}
	if u.TempWarning > 0 {
		t.TempWarning = u.TempWarning
	}
	if u.CyclesWarning > 0 {
		t.CyclesWarning = u.CyclesWarning
	}
}
