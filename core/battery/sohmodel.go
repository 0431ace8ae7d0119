package battery

import "github.com/kilianp07/microgrid/core/forecast"

// DefaultSoHModel is the health regressor used when no trained model is
// configured: nominal health minus a penalty growing with the temperature
// history in the feature window. The engine blends its output with the
// tracked degradation, so the surrogate only needs to move in the right
// direction.
func DefaultSoHModel() forecast.Predictor {
	inputs := mlWindow * nFeatures
	weights := make([]float64, inputs)
	for r := 0; r < mlWindow; r++ {
		weights[r*nFeatures+2] = -0.0032
	}
	p, err := forecast.NewLinearPredictor(1, inputs, weights, []float64{1.02})
	if err != nil {
		panic(err)
	}
	return p
}
