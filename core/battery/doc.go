// Package battery implements the local safety state machine and physical
// model of a storage node. The engine owns the node's physical state, applies
// commanded setpoints under state-of-charge derating and hard cutoffs,
// advances the electro-thermal model once per tick, tracks degradation, and
// isolates the pack when a critical condition is detected, independently of
// anything the controller commands.
package battery
