package battery

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/kilianp07/microgrid/core/forecast"
	"github.com/kilianp07/microgrid/core/logger"
	"github.com/kilianp07/microgrid/core/model"
)

// Feature window geometry fed to the SoH regressor.
const (
	mlWindow   = 20
	nFeatures  = 4
	windowFill = 0.5
)

// ErrNotRunning is returned when a power command arrives while the node is
// not in the RUNNING state.
var ErrNotRunning = errors.New("battery: command rejected, node not running")

// ErrNotIsolated is returned when a factory reset is requested outside the
// ISOLATED state.
var ErrNotIsolated = errors.New("battery: reset only permitted while isolated")

// PhysicalState is the mutable physical model of the pack. It is owned solely
// by the Engine; callers observe it through Snapshot.
type PhysicalState struct {
	Voltage      float64
	Current      float64
	Temperature  float64
	SoC          float64
	SoH          float64
	CapacityAh   float64
	SetpointKW   float64
	ChargeCycles uint32
	ThroughputAh float64
	PeakTemp     float64

	wasCharging bool
}

// SafetyLevel classifies the outcome of a safety evaluation.
type SafetyLevel int

const (
	SafetyOK SafetyLevel = iota
	SafetyWarning
	SafetyCritical
)

func (l SafetyLevel) String() string {
	switch l {
	case SafetyOK:
		return "ok"
	case SafetyWarning:
		return "warning"
	case SafetyCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// SafetyReport is the result of one safety evaluation.
type SafetyReport struct {
	Level   SafetyLevel
	Reasons []string
	SoH     float64
	Temp    float64
	Cycles  uint32
}

// Engine is the per-node safety state machine and physics model. All methods
// are safe for concurrent use: the tick loop and the transport handlers are
// logically concurrent writers.
type Engine struct {
	mu     sync.Mutex
	cfg    PhysicsConfig
	thr    Thresholds
	state  model.OperatingState
	phys   PhysicalState
	window *forecast.Window
	pred   forecast.Predictor
	rng    *rand.Rand
	log    logger.Logger
}

// NewEngine creates an engine in the INIT state with nominal physical
// defaults. The predictor supplies the SoH forecast blended into safety
// evaluation; rng drives measurement noise and may be seeded for
// deterministic tests.
func NewEngine(cfg PhysicsConfig, thr Thresholds, pred forecast.Predictor, rng *rand.Rand, log logger.Logger) *Engine {
	e := &Engine{
		cfg:    cfg,
		thr:    thr,
		state:  model.StateInit,
		window: forecast.NewWindow(mlWindow, nFeatures, windowFill),
		pred:   pred,
		rng:    rng,
		log:    log,
	}
	e.phys = factoryState(cfg)
	return e
}

func factoryState(cfg PhysicsConfig) PhysicalState {
	return PhysicalState{
		Voltage:     cfg.NominalVoltage,
		Temperature: cfg.AmbientTemp,
		SoC:         0.8,
		SoH:         1.0,
		CapacityAh:  cfg.CapacityAh,
		PeakTemp:    cfg.AmbientTemp,
	}
}

// State returns the current operating state.
func (e *Engine) State() model.OperatingState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start transitions INIT→RUNNING once the registration ack is received. It is
// idempotent while RUNNING and refuses to leave ISOLATED.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == model.StateIsolated {
		return ErrNotIsolated
	}
	e.state = model.StateRunning
	return nil
}

// Command stores a new power setpoint. Positive is charge, negative is
// discharge. The value is clamped to the pack's power limit before being
// stored. Commands are only accepted while RUNNING.
func (e *Engine) Command(powerKW float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != model.StateRunning {
		return fmt.Errorf("%w (state=%s)", ErrNotRunning, e.state)
	}
	e.phys.SetpointKW = clamp(powerKW, -e.cfg.MaxPowerKW, e.cfg.MaxPowerKW)
	return nil
}

// SetThresholds merges non-zero fields of the update into the safety limits.
func (e *Engine) SetThresholds(u Thresholds) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.thr.merge(u)
}

// Thresholds returns the active safety limits.
func (e *Engine) Thresholds() Thresholds {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.thr
}

// Isolate forces the node into the ISOLATED state, zeroing the setpoint and
// the current immediately. It is the only state transition that may be driven
// remotely.
func (e *Engine) Isolate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.isolateLocked()
}

func (e *Engine) isolateLocked() {
	e.state = model.StateIsolated
	e.phys.SetpointKW = 0
	e.phys.Current = 0
}

// Reset performs the local factory reset: SoH, capacity, temperature,
// setpoint and all counters return to their defaults and the node resumes
// RUNNING. It models a physical action on the unit and is rejected unless
// the node is ISOLATED.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != model.StateIsolated {
		return ErrNotIsolated
	}
	soc := e.phys.SoC
	volt := e.phys.Voltage
	e.phys = factoryState(e.cfg)
	e.phys.SoC = soc
	e.phys.Voltage = volt
	e.state = model.StateRunning
	return nil
}

// Tick advances the physical model by dt seconds. While RUNNING it applies
// SoC derating to the stored setpoint, recomputes current, voltage, SoC,
// temperature and SoH, and appends the normalized measurements to the
// regressor feature window. Outside RUNNING only the window is fed, so the
// forecast keeps tracking the resting pack.
func (e *Engine) Tick(dt float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == model.StateRunning {
		e.step(dt)
	}
	e.pushWindowLocked()
}

// step runs the physics update. Caller holds the lock and has checked the
// RUNNING state.
func (e *Engine) step(dt float64) {
	cfg := e.cfg
	p := &e.phys

	// SoC-dependent derating runs first; the derated value becomes the new
	// effective setpoint visible externally.
	eff := p.SetpointKW
	if eff < -idleBandKW {
		switch {
		case p.SoC <= socEmptyCutoff:
			e.log.Warnf("soc=%.1f%%: discharge inhibited, forcing 0 kW", p.SoC*100)
			eff = 0
		case p.SoC < socDerateDischarge:
			scale := (p.SoC - socEmptyCutoff) / (socDerateDischarge - socEmptyCutoff)
			if scale < 0 {
				scale = 0
			}
			e.log.Debugf("soc=%.1f%%: discharge derated %.2f -> %.2f kW", p.SoC*100, eff, eff*scale)
			eff *= scale
		}
	}
	if eff > idleBandKW {
		switch {
		case p.SoC >= socFullCutoff:
			e.log.Warnf("soc=%.1f%%: charge inhibited, forcing 0 kW", p.SoC*100)
			eff = 0
		case p.SoC > socDerateCharge:
			scale := (socFullCutoff - p.SoC) / (socFullCutoff - socDerateCharge)
			if scale < 0 {
				scale = 0
			}
			e.log.Debugf("soc=%.1f%%: charge derated %.2f -> %.2f kW", p.SoC*100, eff, eff*scale)
			eff *= scale
		}
	}
	p.SetpointKW = eff
	powerW := eff * 1000.0

	// Power to current through the open-circuit voltage, with proportional
	// measurement noise and a C-rate bound.
	ocv := cfg.VMin + (cfg.VMax-cfg.VMin)*p.SoC
	requested := 0.0
	if ocv > 0.1 {
		requested = powerW / ocv
	}
	p.Current = requested + e.noise(0.02*math.Abs(requested))
	maxCurrent := cfg.CapacityAh * cfg.MaxCRate
	p.Current = clamp(p.Current, -maxCurrent, maxCurrent)

	// Terminal voltage: OCV minus resistive drop, with extra droop near
	// empty and extra rise near full.
	p.Voltage = ocv - p.Current*cfg.InternalResistance
	if p.SoC < 0.1 {
		p.Voltage -= (0.1 - p.SoC) * 2.0
	}
	if p.SoC > 0.9 {
		p.Voltage += (p.SoC - 0.9) * 0.5
	}
	p.Voltage = clamp(p.Voltage, cfg.VMin, cfg.VMax)
	p.Voltage += e.noise(0.01)

	// SoC integration against the SoH-scaled capacity.
	direction := 1.0 / cfg.Efficiency
	if p.Current > 0 {
		direction = cfg.Efficiency
	}
	energyJ := powerW * direction * dt
	capacityJ := cfg.CapacityAh * p.SoH * cfg.NominalVoltage * 3600.0
	p.SoC += energyJ / capacityJ

	p.ThroughputAh += math.Abs(p.Current) * dt / 3600.0

	// A charge cycle is counted on the edge where charging resumes below
	// half charge, never on repeated samples of the same transition.
	isCharging := p.Current > 0.5
	if isCharging && !p.wasCharging && p.SoC < 0.5 {
		p.ChargeCycles++
		e.log.Infof("charge cycle #%d completed", p.ChargeCycles)
	}
	p.wasCharging = isCharging

	p.SoC = clamp(p.SoC, 0, 1)

	// Lumped thermal model.
	heatGenerated := p.Current * p.Current * cfg.InternalResistance * dt
	heatDissipated := cfg.HeatDissipation * (p.Temperature - cfg.AmbientTemp) * dt
	p.Temperature += (heatGenerated - heatDissipated) / cfg.ThermalMass
	p.Temperature += e.noise(0.5)
	if p.Temperature > p.PeakTemp {
		p.PeakTemp = p.Temperature
	}
	p.Temperature = clamp(p.Temperature, 0, 80)

	// Five independent degradation drivers, each linear above its own
	// threshold.
	degradation := float64(p.ChargeCycles) * 0.0008
	degradation += p.ThroughputAh * 0.00005
	if p.Temperature > 40 {
		degradation += (p.Temperature - 40) * 0.0001
	}
	if p.Temperature > 55 {
		degradation += (p.Temperature - 55) * 0.0005
	}
	if p.SoC < 0.15 {
		degradation += (0.15 - p.SoC) * 0.0002
	}
	if p.SoC > 0.95 {
		degradation += (p.SoC - 0.95) * 0.0001
	}
	cRate := math.Abs(p.Current) / cfg.CapacityAh
	if cRate > 3 {
		degradation += (cRate - 3) * 0.00003
	}
	p.SoH -= degradation * dt
	p.SoH = clamp(p.SoH, 0.5, 1.0)
	p.CapacityAh = cfg.CapacityAh * p.SoH
}

func (e *Engine) pushWindowLocked() {
	p := &e.phys
	e.window.Push(
		p.Voltage/4.2,
		(p.Current/100.0+10.0)/20.0,
		p.Temperature/80.0,
		p.SoC,
	)
}

// EvaluateSafety blends the model-predicted SoH with the tracked value,
// applies corrective penalties, smooths the result back into the tracked SoH
// and classifies the pack condition. On CRITICAL the node isolates itself
// before returning.
func (e *Engine) EvaluateSafety() SafetyReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := &e.phys

	predicted := p.SoH
	if e.pred != nil {
		out, err := e.pred.Predict(e.window.Snapshot())
		if err != nil || len(out) == 0 {
			e.log.Warnf("soh forecast unavailable, using tracked value: %v", err)
		} else {
			predicted = out[0]
		}
	}

	blended := predicted*0.7 + p.SoH*0.3
	if p.Temperature > 45 {
		blended -= (p.Temperature - 45) * 0.001
	}
	if p.SoC < 0.1 {
		blended -= (0.1 - p.SoC) * 0.02
	}
	blended = clamp(blended, 0.5, 1.0)

	p.SoH = p.SoH*0.95 + blended*0.05
	p.CapacityAh = e.cfg.CapacityAh * p.SoH

	rep := SafetyReport{SoH: p.SoH, Temp: p.Temperature, Cycles: p.ChargeCycles}
	switch {
	case p.SoH < e.thr.SoHCritical || p.Temperature > e.thr.TempCritical:
		rep.Level = SafetyCritical
		if p.SoH < e.thr.SoHCritical {
			rep.Reasons = append(rep.Reasons, fmt.Sprintf("soh %.1f%% below critical %.1f%%", p.SoH*100, e.thr.SoHCritical*100))
		}
		if p.Temperature > e.thr.TempCritical {
			rep.Reasons = append(rep.Reasons, fmt.Sprintf("temp %.1fC above critical %.1fC", p.Temperature, e.thr.TempCritical))
		}
		e.log.Errorf("safety critical, isolating: %v", rep.Reasons)
		e.isolateLocked()
	case p.SoH < e.thr.SoHWarning || p.Temperature > e.thr.TempWarning || p.ChargeCycles > e.thr.CyclesWarning:
		rep.Level = SafetyWarning
		if p.SoH < e.thr.SoHWarning {
			rep.Reasons = append(rep.Reasons, fmt.Sprintf("soh %.1f%% below warning %.1f%%", p.SoH*100, e.thr.SoHWarning*100))
		}
		if p.Temperature > e.thr.TempWarning {
			rep.Reasons = append(rep.Reasons, fmt.Sprintf("temp %.1fC above warning %.1fC (peak %.1fC)", p.Temperature, e.thr.TempWarning, p.PeakTemp))
		}
		if p.ChargeCycles > e.thr.CyclesWarning {
			rep.Reasons = append(rep.Reasons, fmt.Sprintf("cycle count %d above warning %d", p.ChargeCycles, e.thr.CyclesWarning))
		}
	default:
		rep.Level = SafetyOK
	}
	return rep
}

// Physical returns a copy of the current physical state.
func (e *Engine) Physical() PhysicalState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phys
}

// Snapshot assembles the telemetry view of the node. An isolated pack
// exports zero current and its open-circuit voltage: no power is exchanged.
func (e *Engine) Snapshot(nodeID string) model.Telemetry {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := model.Telemetry{
		NodeID:      nodeID,
		Voltage:     e.phys.Voltage,
		Current:     e.phys.Current,
		Temperature: e.phys.Temperature,
		SoC:         e.phys.SoC,
		SoH:         e.phys.SoH,
		State:       e.state,
		Timestamp:   time.Now(),
	}
	if e.state == model.StateIsolated {
		t.Current = 0
		t.Voltage = e.cfg.VMin + (e.cfg.VMax-e.cfg.VMin)*e.phys.SoC
	}
	return t
}

func (e *Engine) noise(magnitude float64) float64 {
	if e.rng == nil || e.cfg.NoiseScale == 0 {
		return 0
	}
	return (e.rng.Float64()*2 - 1) * magnitude * e.cfg.NoiseScale
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
