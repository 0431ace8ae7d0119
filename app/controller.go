// Package app wires the core components into the two runnable services: the
// microgrid controller and the battery node.
package app

import (
	"context"
	"time"

	"github.com/kilianp07/microgrid/core/events"
	"github.com/kilianp07/microgrid/core/forecast"
	"github.com/kilianp07/microgrid/core/logger"
	coremetrics "github.com/kilianp07/microgrid/core/metrics"
	"github.com/kilianp07/microgrid/core/model"
	"github.com/kilianp07/microgrid/core/mpc"
	"github.com/kilianp07/microgrid/core/registry"
	"github.com/kilianp07/microgrid/core/sim"
	"github.com/kilianp07/microgrid/infra/mqtt"
	"github.com/kilianp07/microgrid/internal/eventbus"
)

// ControllerTransport is the outbound surface the controller needs from its
// wire layer. infra/mqtt.ControllerTransport implements it; tests substitute
// fakes.
type ControllerTransport interface {
	SubscribeTelemetry(nodeID string) error
	SendCommand(nodeID string, powerKW float64, timeout time.Duration) (bool, time.Duration, error)
	PublishState(snapshot any) error
	Close()
}

// BatterySnapshot is one fleet entry of the published state.
type BatterySnapshot struct {
	Slot           int                  `json:"slot"`
	NodeID         string               `json:"node_id"`
	OptimalU       float64              `json:"optimal_u"`
	SoC            float64              `json:"soc"`
	ActualPower    float64              `json:"actual_power"`
	Voltage        float64              `json:"voltage"`
	Current        float64              `json:"current"`
	Temperature    float64              `json:"temperature"`
	SoH            float64              `json:"soh"`
	State          model.OperatingState `json:"state"`
	HasObjective   bool                 `json:"has_objective"`
	ObjectivePower float64              `json:"objective_power"`
}

// StateSnapshot is the controller's published fleet view.
type StateSnapshot struct {
	ActiveCount int               `json:"active_count"`
	PVKW        float64           `json:"pv_kw"`
	LoadKW      float64           `json:"load_kw"`
	Batteries   []BatterySnapshot `json:"batteries"`
}

// Controller runs the periodic MPC cycle against the fleet.
type Controller struct {
	registry   *registry.Registry
	params     *model.MPCParams
	optimizer  *mpc.Optimizer
	env        *sim.Environment
	predictor  forecast.Predictor
	transport  ControllerTransport
	sink       coremetrics.MetricsSink
	bus        eventbus.EventBus
	log        logger.Logger
	cycle      time.Duration
	ackTimeout time.Duration
	cycles     int
}

// ControllerDeps collects the collaborators of a Controller.
type ControllerDeps struct {
	Registry   *registry.Registry
	Params     *model.MPCParams
	Optimizer  *mpc.Optimizer
	Env        *sim.Environment
	Predictor  forecast.Predictor
	Transport  ControllerTransport
	Sink       coremetrics.MetricsSink
	Bus        eventbus.EventBus
	Log        logger.Logger
	Cycle      time.Duration
	AckTimeout time.Duration
}

// NewController assembles a controller. Nil sink, bus and logger degrade to
// no-ops.
func NewController(d ControllerDeps) *Controller {
	if d.Sink == nil {
		d.Sink = coremetrics.NopSink{}
	}
	if d.Log == nil {
		d.Log = logger.Nop{}
	}
	if d.Cycle <= 0 {
		d.Cycle = 5 * time.Second
	}
	if d.AckTimeout <= 0 {
		d.AckTimeout = 2 * time.Second
	}
	return &Controller{
		registry:   d.Registry,
		params:     d.Params,
		optimizer:  d.Optimizer,
		env:        d.Env,
		predictor:  d.Predictor,
		transport:  d.Transport,
		sink:       d.Sink,
		bus:        d.Bus,
		log:        d.Log,
		cycle:      d.Cycle,
		ackTimeout: d.AckTimeout,
	}
}

// HandleRegister registers the node and requests its telemetry subscription
// exactly once per record.
func (c *Controller) HandleRegister(nodeID string) (int, error) {
	slot, err := c.registry.Register(nodeID)
	if err != nil {
		return 0, err
	}
	if c.registry.MarkSubscribed(slot) {
		if err := c.transport.SubscribeTelemetry(nodeID); err != nil {
			c.log.Errorf("telemetry subscription for %s: %v", nodeID, err)
		}
	}
	if c.bus != nil {
		c.bus.Publish(events.RegistrationEvent{NodeID: nodeID, Slot: slot, Accepted: true, Time: time.Now()})
	}
	return slot, nil
}

// HandleTelemetry stores a node update and forwards it to telemetry-capable
// sinks.
func (c *Controller) HandleTelemetry(t model.Telemetry) {
	if err := c.registry.UpdateTelemetry(t); err != nil {
		c.log.Warnf("telemetry from unknown node %s", t.NodeID)
		return
	}
	if tr, ok := c.sink.(coremetrics.TelemetryRecorder); ok {
		if err := tr.RecordTelemetry(t); err != nil {
			c.log.Errorf("telemetry sink: %v", err)
		}
	}
}

// HandleObjective installs or clears a manual override. Clear wins over the
// power value.
func (c *Controller) HandleObjective(req mqtt.ObjectiveRequest) error {
	if req.Clear {
		err := c.registry.ClearObjective(req.Slot)
		if err == nil {
			c.log.Infof("cleared objective on slot %d", req.Slot)
		}
		return err
	}
	err := c.registry.SetObjective(req.Slot, req.PowerKW)
	if err == nil {
		c.log.Infof("objective on slot %d: %.2f kW", req.Slot, req.PowerKW)
	}
	return err
}

// HandleMPCUpdate merges a partial weight update.
func (c *Controller) HandleMPCUpdate(u model.MPCParamsUpdate) {
	c.params.Apply(u)
	cost, effort, soc, price := c.params.Snapshot()
	c.log.Infof("mpc params: cost=%.2f effort=%.2f soc=%.2f price=%.2f", cost, effort, soc, price)
}

// Run executes control cycles until the context is canceled.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cycle)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Cycle()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Cycle runs one full control cycle: forecast, solve, dispatch, report.
func (c *Controller) Cycle() mpc.Plan {
	c.env.Step()
	fc := c.forecastStep()

	plan := c.optimizer.Solve(c.registry, fc)

	records := make([]coremetrics.DispatchRecord, 0, len(plan.Commands))
	for _, cmd := range plan.Commands {
		acked, latency, err := c.transport.SendCommand(cmd.NodeID, cmd.PowerKW, c.ackTimeout)
		if err != nil {
			// One unreachable node never stalls the cycle; it is skipped
			// until the next pass.
			c.log.Warnf("dispatch to %s (slot %d): %v", cmd.NodeID, cmd.Slot, err)
		}
		records = append(records, coremetrics.DispatchRecord{
			NodeID:     cmd.NodeID,
			Slot:       cmd.Slot,
			PowerKW:    cmd.PowerKW,
			Overridden: cmd.Overridden,
			Acked:      acked,
			Latency:    latency,
			Time:       time.Now(),
		})
	}
	if err := c.sink.RecordDispatch(records); err != nil {
		c.log.Errorf("dispatch metrics: %v", err)
	}

	c.log.Infof("cycle: pv=%.2f load=%.2f grid=%.2f kW (%s), %d commands, %d isolated",
		fc.PVKW, fc.LoadKW, plan.ExpectedGridKW, plan.Direction, len(plan.Commands), len(plan.Skipped))

	if err := c.sink.RecordCycle(coremetrics.CycleRecord{
		PVKW:           fc.PVKW,
		LoadKW:         fc.LoadKW,
		ExpectedGridKW: plan.ExpectedGridKW,
		Direction:      plan.Direction.String(),
		ActiveNodes:    len(plan.Commands),
		IsolatedNodes:  len(plan.Skipped),
		Time:           time.Now(),
	}); err != nil {
		c.log.Errorf("cycle metrics: %v", err)
	}
	if c.bus != nil {
		c.bus.Publish(events.DispatchEvent{
			Commands:       len(plan.Commands),
			SkippedSlots:   plan.Skipped,
			PVKW:           fc.PVKW,
			LoadKW:         fc.LoadKW,
			ExpectedGridKW: plan.ExpectedGridKW,
			Direction:      plan.Direction.String(),
			Time:           time.Now(),
		})
	}
	if err := c.transport.PublishState(c.Snapshot()); err != nil {
		c.log.Errorf("state publish: %v", err)
	}

	c.cycles++
	if c.cycles%statusEvery == 0 {
		c.logFleetStatus()
	}
	return plan
}

// statusEvery spaces out the per-battery status lines, in cycles.
const statusEvery = 6

func (c *Controller) logFleetStatus() {
	for _, b := range c.registry.ListActive() {
		c.log.Infof("slot %d (%s): state=%s soc=%.3f soh=%.3f u=%.2f actual=%.2f kW",
			b.Slot, b.NodeID, b.State, b.SoC, b.SoH, b.OptimalU, b.ActualPower)
	}
}

// forecastStep queries the regressor over the environment features, falling
// back to the simulator's current values when the model is unavailable.
func (c *Controller) forecastStep() mpc.Forecast {
	out, err := c.predictor.Predict(c.env.Features())
	if err != nil || len(out) < 2 {
		c.log.Warnf("pv/load forecast unavailable, using current values: %v", err)
		return mpc.Forecast{PVKW: c.env.PVKW(), LoadKW: c.env.LoadKW()}
	}
	fc := mpc.Forecast{PVKW: out[0], LoadKW: out[1]}
	if fc.PVKW < 0 {
		fc.PVKW = 0
	}
	if fc.LoadKW < 0 {
		fc.LoadKW = 0
	}
	return fc
}

// Snapshot assembles the published fleet view.
func (c *Controller) Snapshot() StateSnapshot {
	active := c.registry.ListActive()
	snap := StateSnapshot{
		ActiveCount: len(active),
		PVKW:        c.env.PVKW(),
		LoadKW:      c.env.LoadKW(),
		Batteries:   make([]BatterySnapshot, 0, len(active)),
	}
	for _, b := range active {
		snap.Batteries = append(snap.Batteries, BatterySnapshot{
			Slot:           b.Slot,
			NodeID:         b.NodeID,
			OptimalU:       b.OptimalU,
			SoC:            b.SoC,
			ActualPower:    b.ActualPower,
			Voltage:        b.Voltage,
			Current:        b.Current,
			Temperature:    b.Temperature,
			SoH:            b.SoH,
			State:          b.State,
			HasObjective:   b.HasObjective,
			ObjectivePower: b.ObjectivePower,
		})
	}
	return snap
}
