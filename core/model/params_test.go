package model

import (
	"encoding/json"
	"testing"
)

func TestMPCParamsDefaults(t *testing.T) {
	cost, effort, soc, price := NewMPCParams().Snapshot()
	if cost != 1 || effort != 1 || soc != 20 || price != 0.25 {
		t.Fatalf("unexpected defaults: %v %v %v %v", cost, effort, soc, price)
	}
}

func TestMPCParamsPartialApply(t *testing.T) {
	p := NewMPCParams()
	price := 0.5
	p.Apply(MPCParamsUpdate{Price: &price})
	cost, effort, soc, got := p.Snapshot()
	if got != 0.5 {
		t.Fatalf("price not applied: %v", got)
	}
	if cost != 1 || effort != 1 || soc != 20 {
		t.Fatalf("unrelated weights changed: %v %v %v", cost, effort, soc)
	}
}

func TestMPCParamsUpdateFromJSON(t *testing.T) {
	var u MPCParamsUpdate
	if err := json.Unmarshal([]byte(`{"soc_weight": 5}`), &u); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if u.SoCWeight == nil || *u.SoCWeight != 5 {
		t.Fatalf("soc weight not decoded: %+v", u)
	}
	if u.CostWeight != nil || u.EffortWeight != nil || u.Price != nil {
		t.Fatalf("absent fields must stay nil: %+v", u)
	}

	p := NewMPCParams()
	p.Apply(u)
	_, _, soc, _ := p.Snapshot()
	if soc != 5 {
		t.Fatalf("decoded update not applied: %v", soc)
	}
}
