package model

import "fmt"

// OperatingState is the lifecycle state of a battery node.
type OperatingState int

const (
	StateInit OperatingState = iota
	StateRunning
	StateIsolated
)

// String returns the three-letter wire form used on telemetry payloads.
func (s OperatingState) String() string {
	switch s {
	case StateInit:
		return "INI"
	case StateRunning:
		return "RUN"
	case StateIsolated:
		return "ISO"
	default:
		return "unknown"
	}
}

// ParseOperatingState converts the wire form back to the enum.
func ParseOperatingState(s string) (OperatingState, error) {
	switch s {
	case "INI":
		return StateInit, nil
	case "RUN":
		return StateRunning, nil
	case "ISO":
		return StateIsolated, nil
	}
	return StateInit, fmt.Errorf("unknown operating state %q", s)
}

// MarshalJSON serializes the state as its three-letter wire form.
func (s OperatingState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON accepts the three-letter wire form.
func (s *OperatingState) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("operating state must be a JSON string: %s", b)
	}
	st, err := ParseOperatingState(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	*s = st
	return nil
}
