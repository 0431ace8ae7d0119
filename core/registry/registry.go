// Package registry tracks the battery nodes known to the controller: their
// identity, telemetry snapshots, solver setpoints and manual overrides.
// Slots are append-only within capacity; a slot index is stable for the
// lifetime of the record and never compacted or reused.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/kilianp07/microgrid/core/model"
)

// DefaultCapacity is the fleet size limit used when none is configured.
const DefaultCapacity = 5

var (
	// ErrCapacity signals that registration was rejected because all slots
	// are in use.
	ErrCapacity = errors.New("registry: fleet capacity reached")
	// ErrNotFound signals a lookup for an unknown node.
	ErrNotFound = errors.New("registry: node not found")
	// ErrInvalidSlot signals an objective update for an unknown or inactive
	// slot.
	ErrInvalidSlot = errors.New("registry: invalid slot")
)

// Battery is one fleet record. Fields are mutated only through Registry
// methods or inside Registry.Update so the per-registry lock covers the
// telemetry and optimizer writers.
type Battery struct {
	NodeID string
	Slot   int
	Active bool

	// Subscribed guards the telemetry subscription: it is requested at most
	// once per record.
	Subscribed bool

	SoC         float64
	Voltage     float64
	Current     float64
	Temperature float64
	SoH         float64
	ActualPower float64 // kW, derived from telemetry
	State       model.OperatingState
	LastUpdate  time.Time

	// OptimalU is the solver-owned setpoint in kW.
	OptimalU float64
	// HasObjective freezes OptimalU at ObjectivePower and excludes the
	// record from gradient updates.
	HasObjective   bool
	ObjectivePower float64
}

// Registry is the controller-side fleet table.
type Registry struct {
	mu       sync.Mutex
	slots    []*Battery
	capacity int
	maxPower float64
}

// New creates a registry with the given slot capacity and per-unit power
// bound (kW). Non-positive arguments fall back to defaults.
func New(capacity int, maxPowerKW float64) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if maxPowerKW <= 0 {
		maxPowerKW = 10
	}
	return &Registry{capacity: capacity, maxPower: maxPowerKW}
}

// Register adds a node and returns its slot index. Registration is
// idempotent: a known node keeps its existing slot. Once capacity is reached
// new nodes are rejected with ErrCapacity and existing slots are untouched.
func (r *Registry) Register(nodeID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.slots {
		if b.NodeID == nodeID {
			return b.Slot, nil
		}
	}
	if len(r.slots) >= r.capacity {
		return 0, ErrCapacity
	}
	b := &Battery{
		NodeID:      nodeID,
		Slot:        len(r.slots),
		Active:      true,
		SoC:         0.5,
		SoH:         1.0,
		Temperature: 25.0,
		State:       model.StateInit,
		LastUpdate:  time.Now(),
	}
	r.slots = append(r.slots, b)
	return b.Slot, nil
}

// FindByNode returns the slot index for a node ID.
func (r *Registry) FindByNode(nodeID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.slots {
		if b.NodeID == nodeID {
			return b.Slot, nil
		}
	}
	return 0, ErrNotFound
}

// UpdateTelemetry stores the node's latest measurements into its record.
func (r *Registry) UpdateTelemetry(t model.Telemetry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.slots {
		if b.NodeID != t.NodeID {
			continue
		}
		b.SoC = t.SoC
		b.Voltage = t.Voltage
		b.Current = t.Current
		b.Temperature = t.Temperature
		b.SoH = t.SoH
		b.State = t.State
		b.ActualPower = t.ActualPowerKW()
		b.LastUpdate = t.Timestamp
		return nil
	}
	return ErrNotFound
}

// SetObjective installs a manual power override (kW) on a slot. The value is
// clamped to the per-unit power bound.
func (r *Registry) SetObjective(slot int, powerKW float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := r.slotLocked(slot)
	if err != nil {
		return err
	}
	if powerKW > r.maxPower {
		powerKW = r.maxPower
	}
	if powerKW < -r.maxPower {
		powerKW = -r.maxPower
	}
	b.HasObjective = true
	b.ObjectivePower = powerKW
	return nil
}

// ClearObjective removes the manual override from a slot.
func (r *Registry) ClearObjective(slot int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := r.slotLocked(slot)
	if err != nil {
		return err
	}
	b.HasObjective = false
	b.ObjectivePower = 0
	return nil
}

// MarkSubscribed records that the telemetry subscription for a slot has been
// requested, and reports whether it still needed requesting.
func (r *Registry) MarkSubscribed(slot int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := r.slotLocked(slot)
	if err != nil || b.Subscribed {
		return false
	}
	b.Subscribed = true
	return true
}

// ListActive returns copies of all active records in slot order.
func (r *Registry) ListActive() []Battery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Battery, 0, len(r.slots))
	for _, b := range r.slots {
		if b.Active {
			out = append(out, *b)
		}
	}
	return out
}

// Update runs fn under the registry lock with direct access to the active
// records in slot order. The optimizer uses it to seed and write back
// setpoints in one critical section.
func (r *Registry) Update(fn func(records []*Battery)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	active := make([]*Battery, 0, len(r.slots))
	for _, b := range r.slots {
		if b.Active {
			active = append(active, b)
		}
	}
	fn(active)
}

// Len returns the number of registered slots.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// Capacity returns the slot capacity.
func (r *Registry) Capacity() int { return r.capacity }

func (r *Registry) slotLocked(slot int) (*Battery, error) {
	if slot < 0 || slot >= len(r.slots) || !r.slots[slot].Active {
		return nil, ErrInvalidSlot
	}
	return r.slots[slot], nil
}
