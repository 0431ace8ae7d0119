package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/microgrid/core/battery"
	"github.com/kilianp07/microgrid/core/model"
	"github.com/kilianp07/microgrid/infra/logger"
)

// NodeParamsUpdate is the operator payload for one battery node: partial
// safety thresholds plus an optional forced state. Only "ISO" is honored;
// leaving isolation requires a local physical reset.
type NodeParamsUpdate struct {
	battery.Thresholds
	State string `json:"state,omitempty"`
}

// NodeHandlers are the callbacks a battery node wires into its transport.
type NodeHandlers struct {
	// Command applies a power setpoint (kW). A non-nil error turns into a
	// rejected ack.
	Command func(powerKW float64) error
	// Params applies a threshold/state update.
	Params func(NodeParamsUpdate)
}

// NodeTransport is the battery-node side of the wire contract.
type NodeTransport struct {
	cli      paho.Client
	qos      byte
	nodeID   string
	handlers NodeHandlers
	log      logger.Logger

	regAck chan RegistrationAck
}

// NewNodeTransport connects and installs the command and parameter
// subscriptions for the node.
func NewNodeTransport(cfg Config, nodeID string, handlers NodeHandlers, log logger.Logger) (*NodeTransport, error) {
	cli, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	t := &NodeTransport{
		cli:      cli,
		qos:      cfg.QoS,
		nodeID:   nodeID,
		handlers: handlers,
		log:      log,
		regAck:   make(chan RegistrationAck, 1),
	}
	subs := map[string]paho.MessageHandler{
		CommandTopic(nodeID):     t.onCommand,
		ParamsTopic(nodeID):      t.onParams,
		RegisterAckTopic(nodeID): t.onRegisterAck,
	}
	for topic, cb := range subs {
		if err := subscribe(cli, topic, t.qos, cb); err != nil {
			cli.Disconnect(250)
			return nil, err
		}
	}
	return t, nil
}

func (t *NodeTransport) onCommand(_ paho.Client, msg paho.Message) {
	var cmd model.PowerCommand
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		t.log.Warnf("bad command payload: %s", msg.Payload())
		return
	}
	ack := model.CommandAck{CommandID: cmd.CommandID, NodeID: t.nodeID, Accepted: true}
	if err := t.handlers.Command(cmd.PowerKW); err != nil {
		ack.Accepted = false
		ack.Reason = err.Error()
		t.log.Warnf("command %.2f kW rejected: %v", cmd.PowerKW, err)
	}
	payload, _ := json.Marshal(ack)
	if err := publish(t.cli, TopicAck, t.qos, payload); err != nil {
		t.log.Errorf("command ack: %v", err)
	}
}

func (t *NodeTransport) onParams(_ paho.Client, msg paho.Message) {
	var upd NodeParamsUpdate
	if err := json.Unmarshal(msg.Payload(), &upd); err != nil {
		t.log.Warnf("bad params payload: %s", msg.Payload())
		return
	}
	t.handlers.Params(upd)
}

func (t *NodeTransport) onRegisterAck(_ paho.Client, msg paho.Message) {
	var ack RegistrationAck
	if err := json.Unmarshal(msg.Payload(), &ack); err != nil {
		t.log.Warnf("bad registration ack: %s", msg.Payload())
		return
	}
	select {
	case t.regAck <- ack:
	default:
	}
}

// Register announces the node to the controller and waits for its slot
// assignment. Attempts are bounded: after each publish the node waits one
// delay period for the ack, then retries, and finally gives up with
// ErrRegistrationFailed so the caller can halt.
func (t *NodeTransport) Register(ctx context.Context, attempts int, delay time.Duration) (int, error) {
	if attempts <= 0 {
		attempts = 10
	}
	if delay <= 0 {
		delay = 5 * time.Second
	}
	payload, _ := json.Marshal(RegistrationRequest{NodeID: t.nodeID})
	for i := 0; i < attempts; i++ {
		t.log.Infof("registration attempt %d/%d", i+1, attempts)
		if err := publish(t.cli, TopicRegister, t.qos, payload); err != nil {
			t.log.Warnf("registration publish: %v", err)
		}
		timer := time.NewTimer(delay)
		select {
		case ack := <-t.regAck:
			timer.Stop()
			if ack.Accepted {
				return ack.Slot, nil
			}
			// Typically the fleet is at capacity; retry, a slot may never
			// free up but the operator may raise the limit.
			t.log.Warnf("registration rejected: %s", ack.Reason)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		case <-timer.C:
			t.log.Warnf("registration ack timeout, retrying")
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		}
	}
	return 0, fmt.Errorf("%w: no ack after %d attempts", ErrRegistrationFailed, attempts)
}

// PublishTelemetry ships one telemetry snapshot.
func (t *NodeTransport) PublishTelemetry(tm model.Telemetry) error {
	payload, err := json.Marshal(tm)
	if err != nil {
		return err
	}
	return publish(t.cli, TelemetryTopic(t.nodeID), t.qos, payload)
}

// Close disconnects from the broker.
func (t *NodeTransport) Close() {
	t.cli.Disconnect(250)
}
