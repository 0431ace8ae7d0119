package model

import "time"

// Telemetry is a snapshot of a battery node's electrical state as shipped on
// the telemetry topic. Power values are kilowatts, the canonical unit across
// the whole module.
type Telemetry struct {
	NodeID      string         `json:"node_id"`
	Voltage     float64        `json:"voltage"`
	Current     float64        `json:"current"`
	Temperature float64        `json:"temperature"`
	SoC         float64        `json:"state_of_charge"`
	SoH         float64        `json:"state_of_health"`
	State       OperatingState `json:"operating_state"`
	Timestamp   time.Time      `json:"timestamp"`
}

// ActualPowerKW derives the instantaneous power exchanged with the grid from
// the measured voltage and current. Isolated nodes report zero current, so
// this is zero for them by construction.
func (t Telemetry) ActualPowerKW() float64 {
	return t.Voltage * t.Current / 1000.0
}

// PowerCommand is a dispatch order for a single battery node.
type PowerCommand struct {
	CommandID string    `json:"command_id"`
	NodeID    string    `json:"node_id"`
	PowerKW   float64   `json:"power_kw"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandAck acknowledges a PowerCommand. Accepted is false when the node
// rejected the order, e.g. because it is not in the RUNNING state.
type CommandAck struct {
	CommandID string `json:"command_id"`
	NodeID    string `json:"node_id"`
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason,omitempty"`
}
