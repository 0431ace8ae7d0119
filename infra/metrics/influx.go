package metrics

import (
	"context"
	"math"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/microgrid/core/metrics"
	"github.com/kilianp07/microgrid/core/model"
	"github.com/kilianp07/microgrid/infra/logger"
)

// InfluxConfig locates the InfluxDB instance used for time-series storage.
type InfluxConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Token   string `json:"token"`
	Org     string `json:"org"`
	Bucket  string `json:"bucket"`
}

// InfluxSink writes dispatch, cycle and telemetry points using the official
// InfluxDB client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a sink for the given endpoint.
func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback pings the instance and degrades to a NopSink when
// the health check fails, so a missing database never blocks control cycles.
func NewInfluxSinkWithFallback(cfg InfluxConfig) coremetrics.MetricsSink {
	sink := NewInfluxSink(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// RecordDispatch writes one point per dispatched command.
func (s *InfluxSink) RecordDispatch(records []coremetrics.DispatchRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, r := range records {
		p := write.NewPointWithMeasurement("dispatch_command").
			AddTag("node_id", r.NodeID).
			AddTag("slot", strconv.Itoa(r.Slot)).
			AddTag("overridden", strconv.FormatBool(r.Overridden)).
			AddTag("acked", strconv.FormatBool(r.Acked)).
			AddField("power_kw", round3(r.PowerKW)).
			AddField("latency_ms", round3(r.Latency.Seconds()*1000)).
			SetTime(r.Time)
		if err := s.writeAPI.WritePoint(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// RecordCycle writes the per-cycle grid summary.
func (s *InfluxSink) RecordCycle(rec coremetrics.CycleRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("control_cycle").
		AddTag("direction", rec.Direction).
		AddField("pv_kw", round3(rec.PVKW)).
		AddField("load_kw", round3(rec.LoadKW)).
		AddField("expected_grid_kw", round3(rec.ExpectedGridKW)).
		AddField("active_nodes", rec.ActiveNodes).
		AddField("isolated_nodes", rec.IsolatedNodes).
		SetTime(rec.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordTelemetry persists one node telemetry sample.
func (s *InfluxSink) RecordTelemetry(t model.Telemetry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("battery_telemetry").
		AddTag("node_id", t.NodeID).
		AddTag("state", t.State.String()).
		AddField("voltage", round3(t.Voltage)).
		AddField("current", round3(t.Current)).
		AddField("temperature", round3(t.Temperature)).
		AddField("soc", round3(t.SoC)).
		AddField("soh", round3(t.SoH)).
		AddField("power_kw", round3(t.ActualPowerKW())).
		SetTime(t.Timestamp)
	return s.writeAPI.WritePoint(ctx, p)
}

// Close releases the underlying client.
func (s *InfluxSink) Close() { s.client.Close() }

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
