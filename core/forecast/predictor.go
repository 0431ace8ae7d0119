package forecast

import "fmt"

// Predictor is the opaque regressor capability. Implementations map a flat
// feature window to one or more scalar predictions and must be stateless per
// call. The controller expects two outputs (PV and load forecast in kW), the
// battery safety engine expects one (state of health).
type Predictor interface {
	Predict(window []float64) ([]float64, error)
}

// MockPredictor returns fixed outputs regardless of the input window. It is
// the deterministic stand-in used by tests and the offline simulator.
type MockPredictor struct {
	Outputs []float64
}

// Predict returns a copy of the configured outputs.
func (m MockPredictor) Predict(window []float64) ([]float64, error) {
	_ = window
	out := make([]float64, len(m.Outputs))
	copy(out, m.Outputs)
	return out, nil
}

// EchoPredictor forecasts state of health as the mean of the last feature
// row's SoC-adjacent slot. It gives the node a usable default when no trained
// model is plugged in: the forecast tracks the window instead of a constant.
type EchoPredictor struct {
	Features int // feature count per row
	Index    int // column echoed back
}

// Predict returns the selected column of the newest row.
func (e EchoPredictor) Predict(window []float64) ([]float64, error) {
	if e.Features <= 0 || len(window) < e.Features {
		return nil, fmt.Errorf("forecast: window shorter than one row (%d < %d)", len(window), e.Features)
	}
	last := window[len(window)-e.Features:]
	if e.Index < 0 || e.Index >= len(last) {
		return nil, fmt.Errorf("forecast: echo index %d out of range", e.Index)
	}
	return []float64{last[e.Index]}, nil
}
