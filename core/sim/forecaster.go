package sim

import "github.com/kilianp07/microgrid/core/forecast"

// PersistencePredictor builds the default PV/load forecaster: a linear model
// whose weights pick the newest observation out of the feature window and
// denormalize it back to kilowatts. It stands in for a fitted regressor until
// one is trained on recorded windows with forecast.FitLinearPredictor.
func PersistencePredictor(cfg Config) (*forecast.LinearPredictor, error) {
	if cfg.PVPeakKW <= 0 {
		cfg.PVPeakKW = DefaultConfig().PVPeakKW
	}
	inputs := predWindow * nPredFeat
	weights := make([]float64, 2*inputs)
	last := (predWindow - 1) * nPredFeat
	weights[last+4] = cfg.PVPeakKW
	weights[inputs+last+5] = cfg.PVPeakKW
	return forecast.NewLinearPredictor(2, inputs, weights, []float64{0, 0})
}
