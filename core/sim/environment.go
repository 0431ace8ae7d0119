// Package sim provides the synthetic irradiance/load environment feeding the
// controller's forecast input. It is a test-harness collaborator: any source
// with the same statistical shape (a real sensor feed included) can replace
// it behind the same feature window.
package sim

import (
	"math"
	"math/rand"

	"github.com/kilianp07/microgrid/core/forecast"
)

// Feature window geometry consumed by the PV/load regressor.
const (
	predWindow       = 10
	nPredFeat        = 6
	maxIrradianceWM2 = 1200.0
)

// Config bounds the simulated series.
type Config struct {
	PVPeakKW   float64 `json:"pv_peak_kw"`
	BaseLoadKW float64 `json:"base_load_kw"`
	// HourStep is how much simulated time one Step advances, in hours.
	HourStep float64 `json:"hour_step"`
}

// DefaultConfig matches a single 10 kW microgrid feeder.
func DefaultConfig() Config {
	return Config{PVPeakKW: 10, BaseLoadKW: 2.5, HourStep: 0.5}
}

// Environment produces PV and load series on a simulated clock and maintains
// the sliding feature window for the forecaster.
type Environment struct {
	cfg Config
	rng *rand.Rand

	hour       float64
	day        float64
	cloudCover float64
	sunnyDay   bool
	ambientC   float64

	pvKW   float64
	loadKW float64

	window *forecast.Window
}

// New creates an environment starting at 06:00 on a sunny day. The rand
// source drives cloud turbulence and load events; seed it for reproducible
// runs.
func New(cfg Config, rng *rand.Rand) *Environment {
	if cfg.PVPeakKW <= 0 {
		cfg.PVPeakKW = 10
	}
	if cfg.BaseLoadKW <= 0 {
		cfg.BaseLoadKW = 2.5
	}
	if cfg.HourStep <= 0 {
		cfg.HourStep = 0.5
	}
	return &Environment{
		cfg:        cfg,
		rng:        rng,
		hour:       6.0,
		day:        0.5,
		cloudCover: 0.3,
		sunnyDay:   true,
		ambientC:   22.0,
		loadKW:     2.0,
		window:     forecast.NewWindow(predWindow, nPredFeat, 0),
	}
}

// Step advances the simulated clock by one increment, regenerates PV and
// load, and pushes a feature row into the forecast window.
func (e *Environment) Step() {
	e.hour += e.cfg.HourStep
	if e.hour >= 24 {
		e.hour = 0
		e.sunnyDay = e.rng.Float64() > 0.3
		e.day += 0.1
		if e.day > 1 {
			e.day = 0
		}
	}

	irradiance := e.stepPV()
	e.stepLoad()

	e.window.Push(
		irradiance/maxIrradianceWM2,
		e.ambientC,
		e.hour/24.0,
		e.day,
		e.pvKW/e.cfg.PVPeakKW,
		e.loadKW/e.cfg.PVPeakKW,
	)
}

// stepPV models irradiance as a solar elevation arc filtered by a random
// walk of cloud cover, and returns the clear-sky irradiance for the feature
// row.
func (e *Environment) stepPV() float64 {
	if e.hour < 6 || e.hour >= 18 {
		e.pvKW = 0
		e.cloudCover = 0.3
		return 0
	}

	sunElevation := math.Sin(math.Pi * (e.hour - 6) / 12)
	baseIrradiance := 1000.0 * sunElevation

	e.cloudCover += (e.rng.Float64()*2 - 1) * 0.15
	if e.cloudCover < 0 {
		e.cloudCover = 0
	}
	if e.cloudCover > 0.95 {
		e.cloudCover = 0.95
	}
	if !e.sunnyDay {
		e.cloudCover = 0.5 + e.cloudCover*0.5
	}

	cloudFactor := 1 - e.cloudCover*0.85
	turbulence := 1.0
	if e.cloudCover > 0.3 {
		turbulence = 0.7 + e.rng.Float64()*0.6
	}

	effective := baseIrradiance * cloudFactor * turbulence
	e.pvKW = e.cfg.PVPeakKW * effective / 1000.0
	e.pvKW += (e.rng.Float64() - 0.5) * 0.3
	if e.pvKW < 0 {
		e.pvKW = 0
	}
	if e.pvKW > e.cfg.PVPeakKW {
		e.pvKW = e.cfg.PVPeakKW
	}
	return baseIrradiance
}

// stepLoad applies the hour-of-day demand profile with random events layered
// on top.
func (e *Environment) stepLoad() {
	var hourFactor float64
	switch {
	case e.hour < 6:
		hourFactor = 0.3 + e.rng.Float64()*0.2
	case e.hour < 9:
		morningRamp := (e.hour - 6) / 3
		hourFactor = 0.5 + morningRamp*0.7
	case e.hour < 12:
		hourFactor = 0.9 + e.rng.Float64()*0.3
	case e.hour < 14:
		hourFactor = 1.1 + e.rng.Float64()*0.2
	case e.hour < 17:
		hourFactor = 0.7 + e.rng.Float64()*0.3
	case e.hour < 21:
		hourFactor = 1.3 + e.rng.Float64()*0.4
	default:
		eveningRamp := 1 - (e.hour-21)/3
		hourFactor = 0.4 + eveningRamp*0.6
	}

	eventLoad := 0.0
	if e.rng.Float64() < 0.15 {
		eventLoad = e.rng.Float64()*3 + 1
	}

	e.loadKW = e.cfg.BaseLoadKW*hourFactor + eventLoad
	e.loadKW += (e.rng.Float64() - 0.5) * 0.4
	if e.loadKW < 0.5 {
		e.loadKW = 0.5
	}
	if limit := e.cfg.PVPeakKW * 0.8; e.loadKW > limit {
		e.loadKW = limit
	}
}

// PVKW returns the current photovoltaic production.
func (e *Environment) PVKW() float64 { return e.pvKW }

// LoadKW returns the current consumer demand.
func (e *Environment) LoadKW() float64 { return e.loadKW }

// Hour returns the simulated hour of day.
func (e *Environment) Hour() float64 { return e.hour }

// Features returns the forecast window snapshot, oldest row first.
func (e *Environment) Features() []float64 { return e.window.Snapshot() }
