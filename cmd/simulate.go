package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilianp07/microgrid/config"
	"github.com/kilianp07/microgrid/core/battery"
	"github.com/kilianp07/microgrid/core/events"
	"github.com/kilianp07/microgrid/core/model"
	"github.com/kilianp07/microgrid/core/mpc"
	"github.com/kilianp07/microgrid/core/registry"
	"github.com/kilianp07/microgrid/core/sim"
	"github.com/kilianp07/microgrid/infra/logger"
	"github.com/kilianp07/microgrid/internal/eventbus"
)

var (
	simNodes  int
	simCycles int
	simSeed   int64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run controller and fleet in-process, without a broker",
	RunE:  runSimulate,
}

func init() {
	simulateCmd.Flags().IntVar(&simNodes, "nodes", 3, "number of simulated batteries")
	simulateCmd.Flags().IntVar(&simCycles, "cycles", 50, "control cycles to run")
	simulateCmd.Flags().Int64Var(&simSeed, "seed", 42, "random seed")
	rootCmd.AddCommand(simulateCmd)
}

// runSimulate closes the control loop in memory: the optimizer's commands
// feed the battery engines directly and their telemetry feeds back into the
// registry, with no transport in between.
func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logg := logger.New("simulate")

	capacity := cfg.Controller.FleetCapacity
	if simNodes > capacity {
		capacity = simNodes
	}
	reg := registry.New(capacity, cfg.Controller.MaxPowerKW)
	params := model.NewMPCParams()
	mpcCfg := cfg.Controller.MPC
	if mpcCfg.MaxPowerKW == 0 {
		mpcCfg.MaxPowerKW = cfg.Controller.MaxPowerKW
	}
	opt := mpc.New(mpcCfg, params)

	rng := newRand(simSeed)
	env := sim.New(cfg.Controller.Sim, rng)
	pred, err := sim.PersistencePredictor(cfg.Controller.Sim)
	if err != nil {
		return fmt.Errorf("forecaster: %w", err)
	}

	faults := eventbus.NewTyped[events.FaultEvent]()
	defer faults.Close()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for f := range faults.Subscribe() {
			logg.Errorf("%s isolated: %v", f.NodeID, f.Reasons)
		}
	}()

	type simNode struct {
		id     string
		engine *battery.Engine
	}
	nodes := make([]simNode, 0, simNodes)
	for i := 0; i < simNodes; i++ {
		id := fmt.Sprintf("sim-%d", i)
		engine := battery.NewEngine(cfg.Node.Physics, cfg.Node.Thresholds, battery.DefaultSoHModel(), rng, logg)
		if _, err := reg.Register(id); err != nil {
			return fmt.Errorf("register %s: %w", id, err)
		}
		if err := engine.Start(); err != nil {
			return fmt.Errorf("start %s: %w", id, err)
		}
		nodes = append(nodes, simNode{id: id, engine: engine})
	}

	dt := float64(cfg.Controller.CycleSeconds)
	for cycle := 0; cycle < simCycles; cycle++ {
		env.Step()

		for _, n := range nodes {
			n.engine.Tick(dt)
			if n.engine.State() == model.StateRunning {
				rep := n.engine.EvaluateSafety()
				if rep.Level == battery.SafetyCritical {
					faults.Publish(events.FaultEvent{NodeID: n.id, Reasons: rep.Reasons, SoH: rep.SoH, Temp: rep.Temp})
				}
			}
			if err := reg.UpdateTelemetry(n.engine.Snapshot(n.id)); err != nil {
				return fmt.Errorf("telemetry %s: %w", n.id, err)
			}
		}

		fc := mpc.Forecast{PVKW: env.PVKW(), LoadKW: env.LoadKW()}
		if out, perr := pred.Predict(env.Features()); perr == nil && len(out) == 2 {
			fc = mpc.Forecast{PVKW: max(out[0], 0), LoadKW: max(out[1], 0)}
		}
		plan := opt.Solve(reg, fc)
		for _, c := range plan.Commands {
			for _, n := range nodes {
				if n.id == c.NodeID {
					if cerr := n.engine.Command(c.PowerKW); cerr != nil {
						logg.Warnf("command %s: %v", n.id, cerr)
					}
				}
			}
		}

		logg.Infof("cycle %d: hour=%.1f pv=%.2f load=%.2f grid=%.2f kW (%s), %d commands, %d isolated",
			cycle, env.Hour(), fc.PVKW, fc.LoadKW, plan.ExpectedGridKW, plan.Direction, len(plan.Commands), len(plan.Skipped))
	}

	for _, b := range reg.ListActive() {
		logg.Infof("final slot %d (%s): state=%s soc=%.3f soh=%.3f", b.Slot, b.NodeID, b.State, b.SoC, b.SoH)
	}
	faults.Close()
	<-done
	return nil
}
