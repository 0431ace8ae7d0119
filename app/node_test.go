package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kilianp07/microgrid/core/battery"
	"github.com/kilianp07/microgrid/core/events"
	"github.com/kilianp07/microgrid/core/logger"
	"github.com/kilianp07/microgrid/core/model"
	"github.com/kilianp07/microgrid/infra/mqtt"
	"github.com/kilianp07/microgrid/internal/eventbus"
)

type fakeNodeTransport struct {
	mu        sync.Mutex
	slot      int
	regErr    error
	published []model.Telemetry
}

func (f *fakeNodeTransport) Register(ctx context.Context, attempts int, delay time.Duration) (int, error) {
	return f.slot, f.regErr
}

func (f *fakeNodeTransport) PublishTelemetry(t model.Telemetry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, t)
	return nil
}

func (f *fakeNodeTransport) Close() {}

func (f *fakeNodeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func quietEngine() *battery.Engine {
	cfg := battery.DefaultPhysicsConfig()
	cfg.NoiseScale = 0
	return battery.NewEngine(cfg, battery.DefaultThresholds(), nil, nil, logger.Nop{})
}

func newTestNode(tr *fakeNodeTransport, engine *battery.Engine, bus eventbus.EventBus) *Node {
	return NewNode(NodeDeps{
		ID:            "bat-1",
		Engine:        engine,
		Transport:     tr,
		Bus:           bus,
		Log:           logger.Nop{},
		Tick:          5 * time.Millisecond,
		Telemetry:     10 * time.Millisecond,
		Attempts:      2,
		RegisterDelay: time.Millisecond,
	})
}

func TestRunRegistersAndPublishesTelemetry(t *testing.T) {
	tr := &fakeNodeTransport{slot: 2}
	engine := quietEngine()
	n := newTestNode(tr, engine, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	deadline := time.After(time.Second)
	for tr.count() == 0 {
		select {
		case <-deadline:
			t.Fatalf("no telemetry published")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled got %v", err)
	}
	if n.Slot() != 2 {
		t.Fatalf("slot not stored: %d", n.Slot())
	}
	if engine.State() != model.StateRunning {
		t.Fatalf("engine not started: %s", engine.State())
	}
}

func TestRunFailsWhenRegistrationGivesUp(t *testing.T) {
	tr := &fakeNodeTransport{regErr: mqtt.ErrRegistrationFailed}
	n := newTestNode(tr, quietEngine(), nil)
	if err := n.Run(context.Background()); !errors.Is(err, mqtt.ErrRegistrationFailed) {
		t.Fatalf("expected registration failure got %v", err)
	}
}

func TestHandleParamsRemoteIsolateOnly(t *testing.T) {
	engine := quietEngine()
	if err := engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	n := newTestNode(&fakeNodeTransport{}, engine, nil)

	n.HandleParams(mqtt.NodeParamsUpdate{Thresholds: battery.Thresholds{TempCritical: 70}})
	if engine.Thresholds().TempCritical != 70 {
		t.Fatalf("thresholds not applied")
	}
	if engine.State() != model.StateRunning {
		t.Fatalf("threshold update changed state: %s", engine.State())
	}

	// A remote RUN request is refused.
	n.HandleParams(mqtt.NodeParamsUpdate{State: "RUN"})
	if engine.State() != model.StateRunning {
		t.Fatalf("unexpected state change: %s", engine.State())
	}

	n.HandleParams(mqtt.NodeParamsUpdate{State: "ISO"})
	if engine.State() != model.StateIsolated {
		t.Fatalf("remote isolation ignored: %s", engine.State())
	}

	// Still isolated after another RUN request: only Reset leaves ISO.
	n.HandleParams(mqtt.NodeParamsUpdate{State: "RUN"})
	if engine.State() != model.StateIsolated {
		t.Fatalf("remote un-isolation must be refused: %s", engine.State())
	}
}

func TestResetLeavesIsolationAndNotifies(t *testing.T) {
	tr := &fakeNodeTransport{}
	engine := quietEngine()
	if err := engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	n := newTestNode(tr, engine, nil)

	// Reset outside isolation is a no-op beyond a warning.
	n.Reset()
	if tr.count() != 0 {
		t.Fatalf("reset outside isolation must not publish")
	}

	engine.Isolate()
	n.Reset()
	if engine.State() != model.StateRunning {
		t.Fatalf("reset did not resume: %s", engine.State())
	}
	if tr.count() != 1 {
		t.Fatalf("expected immediate telemetry after reset, got %d", tr.count())
	}
}

func TestFaultPublishesEventAndTelemetry(t *testing.T) {
	tr := &fakeNodeTransport{}
	engine := quietEngine()
	if err := engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	bus := eventbus.New()
	defer bus.Close()
	ch := bus.Subscribe()

	n := newTestNode(tr, engine, bus)
	n.onFault(battery.SafetyReport{Level: battery.SafetyCritical, Reasons: []string{"temp 70.0C above critical 60.0C"}, Temp: 70})

	select {
	case e := <-ch:
		fault, ok := e.(events.FaultEvent)
		if !ok {
			t.Fatalf("expected FaultEvent got %T", e)
		}
		if fault.NodeID != "bat-1" || len(fault.Reasons) != 1 {
			t.Fatalf("fault event incomplete: %+v", fault)
		}
	default:
		t.Fatalf("no event on the bus")
	}
	if tr.count() != 1 {
		t.Fatalf("expected immediate telemetry on fault, got %d", tr.count())
	}
}
