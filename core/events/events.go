// Package events declares the payload types exchanged on the internal event
// bus, such as safety faults raised by battery engines and the per-cycle
// dispatch summaries emitted by the controller.
package events

import (
	"time"

	"github.com/kilianp07/microgrid/core/model"
)

// FaultEvent is published when a node's safety evaluation turns CRITICAL and
// the pack isolates itself.
type FaultEvent struct {
	NodeID  string
	Reasons []string
	SoH     float64
	Temp    float64
	Time    time.Time
}

// RegistrationEvent is published by the controller when a node joins the
// fleet (or is turned away at capacity).
type RegistrationEvent struct {
	NodeID   string
	Slot     int
	Accepted bool
	Time     time.Time
}

// DispatchEvent summarizes one control cycle.
type DispatchEvent struct {
	Commands       int
	SkippedSlots   []int
	PVKW           float64
	LoadKW         float64
	ExpectedGridKW float64
	Direction      string
	Time           time.Time
}

// TelemetryEvent carries a node telemetry update through the bus.
type TelemetryEvent struct {
	Telemetry model.Telemetry
}
