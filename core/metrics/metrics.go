// Package metrics defines the observability sinks the controller records
// into. Implementations live under infra/metrics; NopSink and MultiSink make
// sinks optional and composable.
package metrics

import (
	"time"

	"github.com/kilianp07/microgrid/core/model"
)

// DispatchRecord captures one command sent to a battery node.
type DispatchRecord struct {
	NodeID     string
	Slot       int
	PowerKW    float64
	Overridden bool
	Acked      bool
	Latency    time.Duration
	Time       time.Time
}

// CycleRecord captures the per-cycle grid view.
type CycleRecord struct {
	PVKW           float64
	LoadKW         float64
	ExpectedGridKW float64
	Direction      string
	ActiveNodes    int
	IsolatedNodes  int
	Time           time.Time
}

// MetricsSink records dispatch commands and cycle summaries.
type MetricsSink interface {
	RecordDispatch(records []DispatchRecord) error
	RecordCycle(rec CycleRecord) error
}

// TelemetryRecorder is implemented by sinks that also persist raw node
// telemetry, such as the InfluxDB sink.
type TelemetryRecorder interface {
	RecordTelemetry(t model.Telemetry) error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) RecordDispatch([]DispatchRecord) error { return nil }
func (NopSink) RecordCycle(CycleRecord) error         { return nil }

// MultiSink fans records out to several sinks, returning the first error.
type MultiSink struct {
	sinks []MetricsSink
}

// NewMultiSink combines the given sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) RecordDispatch(records []DispatchRecord) error {
	for _, s := range m.sinks {
		if err := s.RecordDispatch(records); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiSink) RecordCycle(rec CycleRecord) error {
	for _, s := range m.sinks {
		if err := s.RecordCycle(rec); err != nil {
			return err
		}
	}
	return nil
}

// RecordTelemetry forwards telemetry to every sink that supports it.
func (m *MultiSink) RecordTelemetry(t model.Telemetry) error {
	for _, s := range m.sinks {
		if tr, ok := s.(TelemetryRecorder); ok {
			if err := tr.RecordTelemetry(t); err != nil {
				return err
			}
		}
	}
	return nil
}
