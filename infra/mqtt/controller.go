package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/kilianp07/microgrid/core/model"
	"github.com/kilianp07/microgrid/infra/logger"
)

// RegistrationRequest is the payload a node publishes to join the fleet.
type RegistrationRequest struct {
	NodeID string `json:"node_id"`
}

// RegistrationAck is the controller's reply on the per-node ack topic.
type RegistrationAck struct {
	Accepted bool   `json:"accepted"`
	Slot     int    `json:"slot"`
	Reason   string `json:"reason,omitempty"`
}

// ObjectiveRequest is the operator payload installing or clearing a manual
// override. Clear takes precedence over the power value.
type ObjectiveRequest struct {
	Slot    int     `json:"slot"`
	PowerKW float64 `json:"power_kw"`
	Clear   bool    `json:"clear"`
}

// ControllerHandlers are the callbacks the controller service wires into its
// transport. Handlers run on the paho callback goroutine and must not block.
type ControllerHandlers struct {
	// Register maps a node ID to a slot, or returns an error when the fleet
	// is full.
	Register func(nodeID string) (int, error)
	// Telemetry receives decoded node telemetry.
	Telemetry func(model.Telemetry)
	// Objective applies a manual override request.
	Objective func(ObjectiveRequest) error
	// MPCUpdate applies a partial weight update.
	MPCUpdate func(model.MPCParamsUpdate)
}

// ControllerTransport is the controller side of the wire contract.
type ControllerTransport struct {
	cli      paho.Client
	qos      byte
	handlers ControllerHandlers
	log      logger.Logger

	mu       sync.Mutex
	ackChans map[string]chan bool
}

// NewControllerTransport connects to the broker and installs the inbound
// subscriptions (registration, command acks, operator topics). Telemetry
// subscriptions are installed per node via SubscribeTelemetry.
func NewControllerTransport(cfg Config, handlers ControllerHandlers, log logger.Logger) (*ControllerTransport, error) {
	cli, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	t := &ControllerTransport{
		cli:      cli,
		qos:      cfg.QoS,
		handlers: handlers,
		log:      log,
		ackChans: make(map[string]chan bool),
	}
	subs := map[string]paho.MessageHandler{
		TopicRegister:  t.onRegister,
		TopicAck:       t.onAck,
		TopicObjective: t.onObjective,
		TopicMPC:       t.onMPCUpdate,
	}
	for topic, cb := range subs {
		if err := subscribe(cli, topic, t.qos, cb); err != nil {
			cli.Disconnect(250)
			return nil, err
		}
	}
	return t, nil
}

func (t *ControllerTransport) onRegister(_ paho.Client, msg paho.Message) {
	var req RegistrationRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil || req.NodeID == "" {
		t.log.Warnf("bad registration payload: %s", msg.Payload())
		return
	}
	ack := RegistrationAck{Accepted: true}
	slot, err := t.handlers.Register(req.NodeID)
	if err != nil {
		ack = RegistrationAck{Accepted: false, Reason: err.Error()}
		t.log.Warnf("registration of %s rejected: %v", req.NodeID, err)
	} else {
		ack.Slot = slot
		t.log.Infof("registered node %s on slot %d", req.NodeID, slot)
	}
	payload, _ := json.Marshal(ack)
	if err := publish(t.cli, RegisterAckTopic(req.NodeID), t.qos, payload); err != nil {
		t.log.Errorf("registration ack: %v", err)
	}
}

func (t *ControllerTransport) onAck(_ paho.Client, msg paho.Message) {
	var ack model.CommandAck
	if err := json.Unmarshal(msg.Payload(), &ack); err != nil {
		t.log.Warnf("bad command ack: %s", msg.Payload())
		return
	}
	t.mu.Lock()
	ch, ok := t.ackChans[ack.CommandID]
	t.mu.Unlock()
	if ok {
		select {
		case ch <- ack.Accepted:
		default:
		}
	}
}

func (t *ControllerTransport) onTelemetry(_ paho.Client, msg paho.Message) {
	var tm model.Telemetry
	if err := json.Unmarshal(msg.Payload(), &tm); err != nil {
		t.log.Warnf("bad telemetry payload: %s", msg.Payload())
		return
	}
	t.handlers.Telemetry(tm)
}

func (t *ControllerTransport) onObjective(_ paho.Client, msg paho.Message) {
	var req ObjectiveRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		t.log.Warnf("bad objective payload: %s", msg.Payload())
		return
	}
	if err := t.handlers.Objective(req); err != nil {
		t.log.Warnf("objective rejected: %v", err)
	}
}

func (t *ControllerTransport) onMPCUpdate(_ paho.Client, msg paho.Message) {
	var upd model.MPCParamsUpdate
	if err := json.Unmarshal(msg.Payload(), &upd); err != nil {
		t.log.Warnf("bad mpc params payload: %s", msg.Payload())
		return
	}
	t.handlers.MPCUpdate(upd)
}

// SubscribeTelemetry installs the telemetry subscription for one node. The
// caller guards idempotency through the registry's per-record flag.
func (t *ControllerTransport) SubscribeTelemetry(nodeID string) error {
	return subscribe(t.cli, TelemetryTopic(nodeID), t.qos, t.onTelemetry)
}

// SendCommand publishes one power command and waits for the node's
// acknowledgment. A single attempt bounded by the timeout: on failure the
// caller proceeds to the next battery, it never retries within a cycle.
func (t *ControllerTransport) SendCommand(nodeID string, powerKW float64, timeout time.Duration) (bool, time.Duration, error) {
	cmd := model.PowerCommand{
		CommandID: uuid.NewString(),
		NodeID:    nodeID,
		PowerKW:   powerKW,
		Timestamp: time.Now(),
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return false, 0, err
	}

	ch := make(chan bool, 1)
	t.mu.Lock()
	t.ackChans[cmd.CommandID] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.ackChans, cmd.CommandID)
		t.mu.Unlock()
	}()

	start := time.Now()
	if err := publish(t.cli, CommandTopic(nodeID), t.qos, payload); err != nil {
		return false, time.Since(start), err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case accepted := <-ch:
		return accepted, time.Since(start), nil
	case <-timer.C:
		return false, time.Since(start), fmt.Errorf("command %s to %s: %w", cmd.CommandID, nodeID, ErrAckTimeout)
	}
}

// SendThresholds forwards a safety parameter update to one node.
func (t *ControllerTransport) SendThresholds(nodeID string, payload []byte) error {
	return publish(t.cli, ParamsTopic(nodeID), t.qos, payload)
}

// PublishState publishes the controller's fleet snapshot.
func (t *ControllerTransport) PublishState(snapshot any) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return publish(t.cli, TopicState, t.qos, payload)
}

// Close disconnects from the broker.
func (t *ControllerTransport) Close() {
	t.cli.Disconnect(250)
}
