// Package forecast provides the sliding feature windows and the opaque
// regressor capability used by both the controller (PV/load forecasting) and
// the battery nodes (state-of-health forecasting).
package forecast
