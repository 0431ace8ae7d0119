// Package metrics provides the Prometheus and InfluxDB implementations of
// the core metrics sinks.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/microgrid/core/metrics"
)

// PromSink records control-cycle metrics on a Prometheus registerer.
type PromSink struct {
	dispatches *prometheus.CounterVec
	ackLatency *prometheus.HistogramVec
	gridKW     prometheus.Gauge
	pvKW       prometheus.Gauge
	loadKW     prometheus.Gauge
	active     prometheus.Gauge
	isolated   prometheus.Gauge
}

// NewPromSink registers the microgrid metrics on the default registerer.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer. A nil
// registerer defaults to the global one.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "microgrid_dispatch_commands_total",
			Help: "Power commands sent to battery nodes",
		}, []string{"node_id", "overridden", "acked"}),
		ackLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "microgrid_dispatch_ack_seconds",
			Help:    "Time between command publish and node acknowledgment",
			Buckets: prometheus.DefBuckets,
		}, []string{"node_id"}),
		gridKW: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "microgrid_expected_grid_kw",
			Help: "Expected grid exchange for the current cycle (positive imports)",
		}),
		pvKW: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "microgrid_forecast_pv_kw",
			Help: "Forecast photovoltaic production",
		}),
		loadKW: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "microgrid_forecast_load_kw",
			Help: "Forecast load",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "microgrid_active_nodes",
			Help: "Battery nodes participating in dispatch",
		}),
		isolated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "microgrid_isolated_nodes",
			Help: "Battery nodes excluded from dispatch by isolation",
		}),
	}
	collectors := []prometheus.Collector{s.dispatches, s.ackLatency, s.gridKW, s.pvKW, s.loadKW, s.active, s.isolated}
	for i, c := range collectors {
		if err := reg.Register(c); err != nil {
			are, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				return nil, err
			}
			switch i {
			case 0:
				s.dispatches = are.ExistingCollector.(*prometheus.CounterVec)
			case 1:
				s.ackLatency = are.ExistingCollector.(*prometheus.HistogramVec)
			case 2:
				s.gridKW = are.ExistingCollector.(prometheus.Gauge)
			case 3:
				s.pvKW = are.ExistingCollector.(prometheus.Gauge)
			case 4:
				s.loadKW = are.ExistingCollector.(prometheus.Gauge)
			case 5:
				s.active = are.ExistingCollector.(prometheus.Gauge)
			case 6:
				s.isolated = are.ExistingCollector.(prometheus.Gauge)
			}
		}
	}
	return s, nil
}

// RecordDispatch increments the command counter and observes ack latency.
func (s *PromSink) RecordDispatch(records []coremetrics.DispatchRecord) error {
	for _, r := range records {
		s.dispatches.WithLabelValues(r.NodeID, strconv.FormatBool(r.Overridden), strconv.FormatBool(r.Acked)).Inc()
		s.ackLatency.WithLabelValues(r.NodeID).Observe(r.Latency.Seconds())
	}
	return nil
}

// RecordCycle updates the per-cycle gauges.
func (s *PromSink) RecordCycle(rec coremetrics.CycleRecord) error {
	s.gridKW.Set(rec.ExpectedGridKW)
	s.pvKW.Set(rec.PVKW)
	s.loadKW.Set(rec.LoadKW)
	s.active.Set(float64(rec.ActiveNodes))
	s.isolated.Set(float64(rec.IsolatedNodes))
	return nil
}
