package mpc

import (
	"math"
	"testing"

	"github.com/kilianp07/microgrid/core/model"
	"github.com/kilianp07/microgrid/core/registry"
)

func fleet(t *testing.T, ids ...string) *registry.Registry {
	t.Helper()
	r := registry.New(len(ids), 10)
	for _, id := range ids {
		if _, err := r.Register(id); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
		if err := r.UpdateTelemetry(model.Telemetry{NodeID: id, SoC: 0.5, SoH: 1, State: model.StateRunning}); err != nil {
			t.Fatalf("telemetry %s: %v", id, err)
		}
	}
	return r
}

func TestSolveIdenticalBatteriesGetIdenticalSetpoints(t *testing.T) {
	reg := fleet(t, "a", "b", "c")
	opt := New(DefaultConfig(), nil)
	plan := opt.Solve(reg, Forecast{PVKW: 4, LoadKW: 2})
	if len(plan.Commands) != 3 {
		t.Fatalf("expected 3 commands got %d", len(plan.Commands))
	}
	for _, c := range plan.Commands[1:] {
		if math.Abs(c.PowerKW-plan.Commands[0].PowerKW) > 1e-12 {
			t.Fatalf("identical inputs diverged: %v vs %v", c.PowerKW, plan.Commands[0].PowerKW)
		}
	}
}

func TestSolveDeterministic(t *testing.T) {
	build := func() *registry.Registry { return fleet(t, "a", "b") }
	opt := New(DefaultConfig(), nil)
	p1 := opt.Solve(build(), Forecast{PVKW: 3, LoadKW: 5})
	p2 := opt.Solve(build(), Forecast{PVKW: 3, LoadKW: 5})
	for i := range p1.Commands {
		if p1.Commands[i].PowerKW != p2.Commands[i].PowerKW {
			t.Fatalf("solver not deterministic at slot %d", i)
		}
	}
}

func TestSolveSetpointsStayInBox(t *testing.T) {
	reg := fleet(t, "a")
	// An extreme SoC pulls the gradient hard toward discharge; the
	// projection must hold regardless.
	if err := reg.UpdateTelemetry(model.Telemetry{NodeID: "a", SoC: 1.0, State: model.StateRunning}); err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	cfg := DefaultConfig()
	cfg.MaxPowerKW = 0.2
	plan := New(cfg, nil).Solve(reg, Forecast{})
	if got := plan.Commands[0].PowerKW; math.Abs(got-(-0.2)) > 1e-9 {
		t.Fatalf("expected projection onto the box edge, got %v", got)
	}
}

func TestSolveConvergesToStationaryPoint(t *testing.T) {
	reg := fleet(t, "a")
	cfg := DefaultConfig()
	opt := New(cfg, nil)
	plan := opt.Solve(reg, Forecast{})
	u := plan.Commands[0].PowerKW

	// At the fixed point the gradient vanishes:
	// cost·price + 2·effort·u + 2·soc·k·(SoC + k·u − ref) = 0 with SoC=ref.
	params := model.NewMPCParams()
	cost, effort, soc, price := params.Snapshot()
	want := -(cost * price) / (2*effort + 2*soc*cfg.KFactor*cfg.KFactor)
	if math.Abs(u-want) > 1e-3 {
		t.Fatalf("expected stationary point near %v got %v", want, u)
	}
}

func TestSolveFreezesOverrides(t *testing.T) {
	reg := fleet(t, "a", "b")
	if err := reg.SetObjective(0, 7); err != nil {
		t.Fatalf("objective: %v", err)
	}
	plan := New(DefaultConfig(), nil).Solve(reg, Forecast{PVKW: 1, LoadKW: 1})
	if !plan.Commands[0].Overridden || plan.Commands[0].PowerKW != 7 {
		t.Fatalf("override not honored: %+v", plan.Commands[0])
	}
	if plan.Commands[1].Overridden {
		t.Fatalf("free battery flagged as overridden")
	}
	if plan.Commands[1].PowerKW == 7 {
		t.Fatalf("override leaked into free battery")
	}
}

func TestSolveSkipsIsolated(t *testing.T) {
	reg := fleet(t, "a", "b")
	if err := reg.UpdateTelemetry(model.Telemetry{NodeID: "a", SoC: 0.5, State: model.StateIsolated}); err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	plan := New(DefaultConfig(), nil).Solve(reg, Forecast{})
	if len(plan.Commands) != 1 || plan.Commands[0].NodeID != "b" {
		t.Fatalf("expected only b dispatched: %+v", plan.Commands)
	}
	if len(plan.Skipped) != 1 || plan.Skipped[0] != 0 {
		t.Fatalf("expected slot 0 skipped: %v", plan.Skipped)
	}
}

func TestGridClassification(t *testing.T) {
	reg := fleet(t, "a")
	if err := reg.SetObjective(0, 0); err != nil {
		t.Fatalf("objective: %v", err)
	}
	opt := New(DefaultConfig(), nil)

	if plan := opt.Solve(reg, Forecast{PVKW: 3, LoadKW: 3}); plan.Direction != GridBalanced {
		t.Fatalf("expected balanced got %s", plan.Direction)
	}
	if plan := opt.Solve(reg, Forecast{PVKW: 0, LoadKW: 5}); plan.Direction != GridImport {
		t.Fatalf("expected import got %s", plan.Direction)
	}
	if plan := opt.Solve(reg, Forecast{PVKW: 5, LoadKW: 0}); plan.Direction != GridExport {
		t.Fatalf("expected export got %s", plan.Direction)
	}
}

func TestParamsUpdateShiftsSolution(t *testing.T) {
	params := model.NewMPCParams()
	opt := New(DefaultConfig(), params)

	before := opt.Solve(fleet(t, "a"), Forecast{}).Commands[0].PowerKW
	price := 10.0
	params.Apply(model.MPCParamsUpdate{Price: &price})
	after := opt.Solve(fleet(t, "a"), Forecast{}).Commands[0].PowerKW
	if after >= before {
		t.Fatalf("a higher price must push toward discharge: before=%v after=%v", before, after)
	}
}
