package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/microgrid/app"
	"github.com/kilianp07/microgrid/config"
	"github.com/kilianp07/microgrid/core/battery"
	"github.com/kilianp07/microgrid/infra/logger"
	"github.com/kilianp07/microgrid/infra/mqtt"
	"github.com/kilianp07/microgrid/internal/eventbus"
)

var nodeID string

var batteryCmd = &cobra.Command{
	Use:   "battery",
	Short: "Run one simulated battery node",
	RunE:  runBattery,
}

func init() {
	batteryCmd.Flags().StringVar(&nodeID, "id", "", "node identifier (overrides the config file)")
	rootCmd.AddCommand(batteryCmd)
}

func runBattery(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if nodeID != "" {
		cfg.Node.ID = nodeID
	}
	if err := cfg.Node.Validate(); err != nil {
		return err
	}
	logg := logger.New(cfg.Node.ID)

	engine := battery.NewEngine(
		cfg.Node.Physics,
		cfg.Node.Thresholds,
		battery.DefaultSoHModel(),
		newRand(cfg.Node.Seed),
		logg,
	)

	bus := eventbus.New()
	defer bus.Close()
	go func() {
		for e := range bus.Subscribe() {
			logg.Debugf("event: %+v", e)
		}
	}()

	var svc *app.Node
	handlers := mqtt.NodeHandlers{
		Command: func(powerKW float64) error {
			if svc == nil {
				return errors.New("node starting")
			}
			return svc.HandleCommand(powerKW)
		},
		Params: func(u mqtt.NodeParamsUpdate) {
			if svc != nil {
				svc.HandleParams(u)
			}
		},
	}
	mqttCfg := cfg.MQTT
	if mqttCfg.ClientID == "" {
		mqttCfg.ClientID = cfg.Node.ID
	}
	transport, err := mqtt.NewNodeTransport(mqttCfg, cfg.Node.ID, handlers, logg)
	if err != nil {
		return fmt.Errorf("mqtt transport: %w", err)
	}
	defer transport.Close()

	svc = app.NewNode(app.NodeDeps{
		ID:            cfg.Node.ID,
		Engine:        engine,
		Transport:     transport,
		Bus:           bus,
		Log:           logg,
		Tick:          time.Duration(cfg.Node.TickSeconds) * time.Second,
		Telemetry:     time.Duration(cfg.Node.TelemetrySeconds) * time.Second,
		Attempts:      cfg.Node.RegisterAttempts,
		RegisterDelay: time.Duration(cfg.Node.RegisterDelaySeconds) * time.Second,
	})

	// SIGUSR1 is the stand-in for the physical maintenance button: the only
	// way to leave isolation.
	resetCh := make(chan os.Signal, 1)
	signal.Notify(resetCh, syscall.SIGUSR1)
	go func() {
		for {
			select {
			case <-resetCh:
				svc.Reset()
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
