package mpc

import (
	"math"

	"github.com/kilianp07/microgrid/core/model"
	"github.com/kilianp07/microgrid/core/registry"
)

// Config defines the solver geometry. All power values are kW.
type Config struct {
	KFactor      float64 `json:"k_factor"`      // SoC sensitivity to one cycle of setpoint
	SoCReference float64 `json:"soc_reference"` // tracking target
	LearningRate float64 `json:"learning_rate"`
	Iterations   int     `json:"iterations"`
	MaxPowerKW   float64 `json:"max_power_kw"` // projection box
	// BalanceThresholdKW classifies the expected grid exchange as balanced
	// when its magnitude stays below this value.
	BalanceThresholdKW float64 `json:"balance_threshold_kw"`
}

// DefaultConfig returns the solver constants the weights were tuned for.
func DefaultConfig() Config {
	return Config{
		KFactor:            0.05,
		SoCReference:       0.5,
		LearningRate:       0.1,
		Iterations:         100,
		MaxPowerKW:         10,
		BalanceThresholdKW: 0.5,
	}
}

// Forecast is the prediction consumed by one control cycle.
type Forecast struct {
	PVKW   float64
	LoadKW float64
}

// NetKW is the forecast surplus (PV minus load).
func (f Forecast) NetKW() float64 { return f.PVKW - f.LoadKW }

// Command is one dispatched setpoint of a Plan.
type Command struct {
	Slot       int
	NodeID     string
	PowerKW    float64
	Overridden bool
}

// GridDirection classifies the expected exchange with the upstream grid.
type GridDirection int

const (
	GridBalanced GridDirection = iota
	GridImport
	GridExport
)

func (d GridDirection) String() string {
	switch d {
	case GridBalanced:
		return "balanced"
	case GridImport:
		return "import"
	case GridExport:
		return "export"
	default:
		return "unknown"
	}
}

// Plan is the outcome of one optimization cycle.
type Plan struct {
	Commands []Command
	// Skipped lists isolated slots excluded from dispatch.
	Skipped []int
	// ExpectedGridKW = load − pv + Σ commands; positive imports from the
	// grid. Observability only, never fed back into the gradient.
	ExpectedGridKW float64
	Direction      GridDirection
}

// TotalCommandKW sums the dispatched setpoints.
func (p Plan) TotalCommandKW() float64 {
	total := 0.0
	for _, c := range p.Commands {
		total += c.PowerKW
	}
	return total
}

// Optimizer runs projected gradient descent against the fleet registry using
// the shared runtime-mutable weights.
type Optimizer struct {
	cfg    Config
	params *model.MPCParams
}

// New creates an optimizer. Zero-valued config fields are replaced by
// defaults so a partially specified configuration stays solvable.
func New(cfg Config, params *model.MPCParams) *Optimizer {
	def := DefaultConfig()
	if cfg.KFactor == 0 {
		cfg.KFactor = def.KFactor
	}
	if cfg.SoCReference == 0 {
		cfg.SoCReference = def.SoCReference
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = def.LearningRate
	}
	if cfg.Iterations == 0 {
		cfg.Iterations = def.Iterations
	}
	if cfg.MaxPowerKW == 0 {
		cfg.MaxPowerKW = def.MaxPowerKW
	}
	if cfg.BalanceThresholdKW == 0 {
		cfg.BalanceThresholdKW = def.BalanceThresholdKW
	}
	if params == nil {
		params = model.NewMPCParams()
	}
	return &Optimizer{cfg: cfg, params: params}
}

// Solve runs one full control cycle against the registry: overrides are
// forced onto their records, the gradient loop refines the free records in
// slot order, and the dispatch set is assembled skipping isolated units.
func (o *Optimizer) Solve(reg *registry.Registry, fc Forecast) Plan {
	cost, effort, soc, price := o.params.Snapshot()
	cfg := o.cfg

	var plan Plan
	reg.Update(func(records []*registry.Battery) {
		// Overrides are always reflected, even for records the gradient
		// loop never touches.
		for _, b := range records {
			if b.HasObjective {
				b.OptimalU = projectBox(b.ObjectivePower, cfg.MaxPowerKW)
			}
		}

		// Fixed-iteration PGD. Iteration order over batteries follows slot
		// order so identical inputs reproduce identical results. There is no
		// cross-battery term: coupling is implicit through the shared
		// forecast context only.
		for iter := 0; iter < cfg.Iterations; iter++ {
			for _, b := range records {
				if b.State == model.StateIsolated || b.HasObjective {
					continue
				}
				u := b.OptimalU
				socTerm := b.SoC + cfg.KFactor*u - cfg.SoCReference
				grad := cost*price + 2*effort*u + 2*soc*cfg.KFactor*socTerm
				b.OptimalU = projectBox(u-cfg.LearningRate*grad, cfg.MaxPowerKW)
			}
		}

		// Dispatch set: isolated records are skipped outright even though
		// the hardware would also reject the command.
		for _, b := range records {
			if b.State == model.StateIsolated {
				plan.Skipped = append(plan.Skipped, b.Slot)
				continue
			}
			cmd := Command{Slot: b.Slot, NodeID: b.NodeID, PowerKW: b.OptimalU}
			if b.HasObjective {
				cmd.PowerKW = b.ObjectivePower
				cmd.Overridden = true
			}
			plan.Commands = append(plan.Commands, cmd)
		}
	})

	plan.ExpectedGridKW = fc.LoadKW - fc.PVKW + plan.TotalCommandKW()
	switch {
	case math.Abs(plan.ExpectedGridKW) < cfg.BalanceThresholdKW:
		plan.Direction = GridBalanced
	case plan.ExpectedGridKW > 0:
		plan.Direction = GridImport
	default:
		plan.Direction = GridExport
	}
	return plan
}

func projectBox(u, bound float64) float64 {
	if u > bound {
		return bound
	}
	if u < -bound {
		return -bound
	}
	return u
}
