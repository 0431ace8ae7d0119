package app

import (
	"context"
	"time"

	"github.com/kilianp07/microgrid/core/battery"
	"github.com/kilianp07/microgrid/core/events"
	"github.com/kilianp07/microgrid/core/logger"
	"github.com/kilianp07/microgrid/core/model"
	"github.com/kilianp07/microgrid/infra/mqtt"
	"github.com/kilianp07/microgrid/internal/eventbus"
)

// NodeTransport is the outbound surface a battery node needs from its wire
// layer.
type NodeTransport interface {
	Register(ctx context.Context, attempts int, delay time.Duration) (int, error)
	PublishTelemetry(t model.Telemetry) error
	Close()
}

// Node runs one simulated battery: registration, the physics tick, safety
// evaluation and periodic telemetry.
type Node struct {
	id        string
	engine    *battery.Engine
	transport NodeTransport
	bus       eventbus.EventBus
	log       logger.Logger

	tick          time.Duration
	telemetry     time.Duration
	attempts      int
	registerDelay time.Duration

	slot int
}

// NodeDeps collects the collaborators of a Node.
type NodeDeps struct {
	ID            string
	Engine        *battery.Engine
	Transport     NodeTransport
	Bus           eventbus.EventBus
	Log           logger.Logger
	Tick          time.Duration
	Telemetry     time.Duration
	Attempts      int
	RegisterDelay time.Duration
}

// NewNode assembles a battery node service.
func NewNode(d NodeDeps) *Node {
	if d.Log == nil {
		d.Log = logger.Nop{}
	}
	if d.Tick <= 0 {
		d.Tick = time.Second
	}
	if d.Telemetry <= 0 {
		d.Telemetry = 5 * time.Second
	}
	if d.Attempts <= 0 {
		d.Attempts = 10
	}
	if d.RegisterDelay <= 0 {
		d.RegisterDelay = 5 * time.Second
	}
	return &Node{
		id:            d.ID,
		engine:        d.Engine,
		transport:     d.Transport,
		bus:           d.Bus,
		log:           d.Log,
		tick:          d.Tick,
		telemetry:     d.Telemetry,
		attempts:      d.Attempts,
		registerDelay: d.RegisterDelay,
	}
}

// Slot returns the fleet slot assigned at registration.
func (n *Node) Slot() int { return n.slot }

// HandleCommand applies a dispatched power setpoint.
func (n *Node) HandleCommand(powerKW float64) error {
	return n.engine.Command(powerKW)
}

// HandleParams applies a remote threshold update and, when requested, forces
// the pack into isolation. Any other state request is refused: leaving
// isolation takes a local reset.
func (n *Node) HandleParams(u mqtt.NodeParamsUpdate) {
	n.engine.SetThresholds(u.Thresholds)
	switch u.State {
	case "":
	case model.StateIsolated.String():
		n.log.Warnf("remote isolation requested")
		n.engine.Isolate()
	default:
		n.log.Warnf("state change to %q not permitted remotely", u.State)
	}
}

// Reset performs the local maintenance reset, the only way out of isolation.
func (n *Node) Reset() {
	if err := n.engine.Reset(); err != nil {
		n.log.Warnf("reset: %v", err)
		return
	}
	n.log.Infof("pack reset, resuming operation")
	n.publishTelemetry()
}

// Run registers with the controller and drives the physics and telemetry
// loops until the context is canceled. A registration give-up is fatal.
func (n *Node) Run(ctx context.Context) error {
	slot, err := n.transport.Register(ctx, n.attempts, n.registerDelay)
	if err != nil {
		return err
	}
	n.slot = slot
	n.log.Infof("registered as slot %d", slot)

	if err := n.engine.Start(); err != nil {
		return err
	}

	tick := time.NewTicker(n.tick)
	defer tick.Stop()
	tele := time.NewTicker(n.telemetry)
	defer tele.Stop()

	ticks := 0
	for {
		select {
		case <-tick.C:
			n.engine.Tick(n.tick.Seconds())
			if n.engine.State() == model.StateRunning {
				rep := n.engine.EvaluateSafety()
				if rep.Level == battery.SafetyCritical {
					n.onFault(rep)
				}
			}
			ticks++
			if ticks%10 == 0 {
				p := n.engine.Physical()
				n.log.Infof("state=%s soc=%.3f soh=%.3f temp=%.1f setpoint=%.2f kW",
					n.engine.State(), p.SoC, p.SoH, p.Temperature, p.SetpointKW)
			}
		case <-tele.C:
			n.publishTelemetry()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// onFault reports a critical safety trip. The engine has already isolated
// itself; the immediate telemetry publish lets the controller observe the
// state change before the next scheduled report.
func (n *Node) onFault(rep battery.SafetyReport) {
	n.log.Errorf("critical safety condition, pack isolated: %v", rep.Reasons)
	if n.bus != nil {
		n.bus.Publish(events.FaultEvent{
			NodeID:  n.id,
			Reasons: rep.Reasons,
			SoH:     rep.SoH,
			Temp:    rep.Temp,
			Time:    time.Now(),
		})
	}
	n.publishTelemetry()
}

func (n *Node) publishTelemetry() {
	if err := n.transport.PublishTelemetry(n.engine.Snapshot(n.id)); err != nil {
		n.log.Errorf("telemetry publish: %v", err)
	}
}
