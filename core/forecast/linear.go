package forecast

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// LinearPredictor is a multi-output linear regressor: outputs = W·window + b.
// Weights are either supplied directly (exported from an offline training
// run) or fitted from sample windows with Fit.
type LinearPredictor struct {
	weights *mat.Dense // outputs × inputs
	bias    []float64
}

// NewLinearPredictor builds a predictor from row-major weights and a bias
// vector. len(weights) must equal outputs*inputs.
func NewLinearPredictor(outputs, inputs int, weights, bias []float64) (*LinearPredictor, error) {
	if len(weights) != outputs*inputs {
		return nil, fmt.Errorf("forecast: weight matrix %d does not match %dx%d", len(weights), outputs, inputs)
	}
	if len(bias) != outputs {
		return nil, fmt.Errorf("forecast: bias length %d does not match %d outputs", len(bias), outputs)
	}
	b := make([]float64, outputs)
	copy(b, bias)
	return &LinearPredictor{weights: mat.NewDense(outputs, inputs, weights), bias: b}, nil
}

// FitLinearPredictor solves the least-squares problem mapping the sample
// windows (one per row of x) onto the targets (one row per sample, one column
// per output). A column of ones is appended to learn the bias term.
func FitLinearPredictor(x [][]float64, y [][]float64) (*LinearPredictor, error) {
	if len(x) == 0 || len(x) != len(y) {
		return nil, fmt.Errorf("forecast: need equal non-zero sample counts, got %d/%d", len(x), len(y))
	}
	inputs := len(x[0])
	outputs := len(y[0])

	a := mat.NewDense(len(x), inputs+1, nil)
	for i, row := range x {
		if len(row) != inputs {
			return nil, fmt.Errorf("forecast: sample %d has %d features, want %d", i, len(row), inputs)
		}
		for j, v := range row {
			a.Set(i, j, v)
		}
		a.Set(i, inputs, 1)
	}
	t := mat.NewDense(len(y), outputs, nil)
	for i, row := range y {
		if len(row) != outputs {
			return nil, fmt.Errorf("forecast: target %d has %d outputs, want %d", i, len(row), outputs)
		}
		t.SetRow(i, row)
	}

	var sol mat.Dense
	if err := sol.Solve(a, t); err != nil {
		return nil, fmt.Errorf("forecast: least squares solve: %w", err)
	}

	w := mat.NewDense(outputs, inputs, nil)
	bias := make([]float64, outputs)
	for o := 0; o < outputs; o++ {
		for j := 0; j < inputs; j++ {
			w.Set(o, j, sol.At(j, o))
		}
		bias[o] = sol.At(inputs, o)
	}
	return &LinearPredictor{weights: w, bias: bias}, nil
}

// Predict applies the linear model to the window.
func (p *LinearPredictor) Predict(window []float64) ([]float64, error) {
	outputs, inputs := p.weights.Dims()
	if len(window) != inputs {
		return nil, fmt.Errorf("forecast: window length %d does not match model inputs %d", len(window), inputs)
	}
	in := mat.NewVecDense(inputs, window)
	out := mat.NewVecDense(outputs, nil)
	out.MulVec(p.weights, in)
	res := make([]float64, outputs)
	for i := range res {
		res[i] = out.AtVec(i) + p.bias[i]
	}
	return res, nil
}
