package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/microgrid/app"
	"github.com/kilianp07/microgrid/config"
	coremetrics "github.com/kilianp07/microgrid/core/metrics"
	"github.com/kilianp07/microgrid/core/model"
	"github.com/kilianp07/microgrid/core/mpc"
	"github.com/kilianp07/microgrid/core/registry"
	"github.com/kilianp07/microgrid/core/sim"
	"github.com/kilianp07/microgrid/infra/logger"
	"github.com/kilianp07/microgrid/infra/metrics"
	"github.com/kilianp07/microgrid/infra/mqtt"
	"github.com/kilianp07/microgrid/internal/eventbus"
)

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the fleet controller",
	RunE:  runController,
}

func init() {
	rootCmd.AddCommand(controllerCmd)
}

func runController(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logg := logger.New("controller")

	reg := registry.New(cfg.Controller.FleetCapacity, cfg.Controller.MaxPowerKW)
	params := model.NewMPCParams()
	mpcCfg := cfg.Controller.MPC
	if mpcCfg.MaxPowerKW == 0 {
		mpcCfg.MaxPowerKW = cfg.Controller.MaxPowerKW
	}
	opt := mpc.New(mpcCfg, params)
	env := sim.New(cfg.Controller.Sim, newRand(cfg.Controller.Seed))
	pred, err := sim.PersistencePredictor(cfg.Controller.Sim)
	if err != nil {
		return fmt.Errorf("forecaster: %w", err)
	}

	sink, closeSinks, err := buildSinks(ctx, cfg.Metrics, logg)
	if err != nil {
		return err
	}
	defer closeSinks()

	bus := eventbus.New()
	defer bus.Close()
	go func() {
		for e := range bus.Subscribe() {
			logg.Debugf("event: %+v", e)
		}
	}()

	// The transport's subscriptions come up before the controller exists;
	// a registration arriving in that window is refused and the node
	// retries on its own schedule.
	var ctrl *app.Controller
	handlers := mqtt.ControllerHandlers{
		Register: func(nodeID string) (int, error) {
			if ctrl == nil {
				return 0, errors.New("controller starting")
			}
			return ctrl.HandleRegister(nodeID)
		},
		Telemetry: func(t model.Telemetry) {
			if ctrl != nil {
				ctrl.HandleTelemetry(t)
			}
		},
		Objective: func(req mqtt.ObjectiveRequest) error {
			if ctrl == nil {
				return errors.New("controller starting")
			}
			return ctrl.HandleObjective(req)
		},
		MPCUpdate: func(u model.MPCParamsUpdate) {
			if ctrl != nil {
				ctrl.HandleMPCUpdate(u)
			}
		},
	}
	transport, err := mqtt.NewControllerTransport(cfg.MQTT, handlers, logg)
	if err != nil {
		return fmt.Errorf("mqtt transport: %w", err)
	}
	defer transport.Close()

	ctrl = app.NewController(app.ControllerDeps{
		Registry:   reg,
		Params:     params,
		Optimizer:  opt,
		Env:        env,
		Predictor:  pred,
		Transport:  transport,
		Sink:       sink,
		Bus:        bus,
		Log:        logg,
		Cycle:      time.Duration(cfg.Controller.CycleSeconds) * time.Second,
		AckTimeout: time.Duration(cfg.Controller.AckTimeoutSeconds) * time.Second,
	})

	logg.Infof("controller up: capacity=%d cycle=%ds", reg.Capacity(), cfg.Controller.CycleSeconds)
	if err := ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildSinks assembles the configured metrics sinks and returns a combined
// sink plus a shutdown function.
func buildSinks(ctx context.Context, cfg config.MetricsConfig, logg logger.Logger) (coremetrics.MetricsSink, func(), error) {
	var sinks []coremetrics.MetricsSink
	closers := []func(){}
	if cfg.PrometheusEnabled {
		prom, err := metrics.NewPromSink()
		if err != nil {
			return nil, nil, fmt.Errorf("prom sink: %w", err)
		}
		sinks = append(sinks, prom)
		go func() {
			if err := metrics.StartPromServer(ctx, cfg.PrometheusAddr); err != nil {
				logg.Errorf("prom server: %v", err)
			}
		}()
	}
	if cfg.Influx.Enabled {
		influx := metrics.NewInfluxSinkWithFallback(cfg.Influx)
		sinks = append(sinks, influx)
		if c, ok := influx.(*metrics.InfluxSink); ok {
			closers = append(closers, c.Close)
		}
	}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	switch len(sinks) {
	case 0:
		return coremetrics.NopSink{}, closeAll, nil
	case 1:
		return sinks[0], closeAll, nil
	default:
		return coremetrics.NewMultiSink(sinks...), closeAll, nil
	}
}

func newRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}
