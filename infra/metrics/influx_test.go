package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/microgrid/core/metrics"
	"github.com/kilianp07/microgrid/core/model"
)

func TestInfluxSink_RecordTelemetry(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewInfluxSink(InfluxConfig{URL: srv.URL, Token: "tok", Org: "org", Bucket: "bucket"})
	defer sink.Close()

	now := time.Now()
	tm := model.Telemetry{
		NodeID:      "bat-1",
		Voltage:     3.712,
		Current:     120.5,
		Temperature: 31.2,
		SoC:         0.55,
		SoH:         0.98,
		State:       model.StateRunning,
		Timestamp:   now,
	}
	if err := sink.RecordTelemetry(tm); err != nil {
		t.Fatalf("record error: %v", err)
	}

	p := write.NewPointWithMeasurement("battery_telemetry").
		AddTag("node_id", "bat-1").
		AddTag("state", "RUN").
		AddField("voltage", 3.712).
		AddField("current", 120.5).
		AddField("temperature", 31.2).
		AddField("soc", 0.55).
		AddField("soh", 0.98).
		AddField("power_kw", round3(tm.ActualPowerKW())).
		SetTime(now)
	expected := strings.TrimSpace(write.PointToLineProtocol(p, time.Nanosecond))
	if strings.TrimSpace(body) != expected {
		t.Errorf("unexpected body:\n got %s\nwant %s", body, expected)
	}
}

func TestInfluxSink_RecordCycle(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewInfluxSink(InfluxConfig{URL: srv.URL, Token: "tok", Org: "org", Bucket: "bucket"})
	defer sink.Close()

	if err := sink.RecordCycle(coremetrics.CycleRecord{
		PVKW:           4.0,
		LoadKW:         2.0,
		ExpectedGridKW: -1.5,
		Direction:      "export",
		ActiveNodes:    2,
		Time:           time.Now(),
	}); err != nil {
		t.Fatalf("record error: %v", err)
	}
	if !strings.Contains(body, "control_cycle") || !strings.Contains(body, `direction=export`) {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestNewInfluxSinkWithFallback(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			called = true
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	sink := NewInfluxSinkWithFallback(InfluxConfig{URL: srv.URL, Token: "tok", Org: "org", Bucket: "bucket"})
	if _, ok := sink.(*InfluxSink); ok {
		t.Fatalf("expected NopSink on failing health check")
	}
	if !called {
		t.Fatalf("health endpoint not called")
	}
}
