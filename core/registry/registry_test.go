package registry

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kilianp07/microgrid/core/model"
)

func TestRegisterAssignsSequentialSlots(t *testing.T) {
	r := New(3, 10)
	for i := 0; i < 3; i++ {
		slot, err := r.Register(fmt.Sprintf("node-%d", i))
		if err != nil {
			t.Fatalf("register node-%d: %v", i, err)
		}
		if slot != i {
			t.Fatalf("expected slot %d got %d", i, slot)
		}
	}
}

func TestRegisterIdempotent(t *testing.T) {
	r := New(3, 10)
	first, err := r.Register("node-a")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	again, err := r.Register("node-a")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if first != again {
		t.Fatalf("slot changed on re-register: %d != %d", first, again)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 record got %d", r.Len())
	}
}

func TestRegisterCapacityLeavesSlotsIntact(t *testing.T) {
	r := New(2, 10)
	if _, err := r.Register("node-a"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register("node-b"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register("node-c"); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity got %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("rejected registration mutated the table: %d records", r.Len())
	}
	if slot, err := r.FindByNode("node-b"); err != nil || slot != 1 {
		t.Fatalf("existing slot disturbed: slot=%d err=%v", slot, err)
	}
	if _, err := r.FindByNode("node-c"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestUpdateTelemetryDerivesActualPower(t *testing.T) {
	r := New(2, 10)
	if _, err := r.Register("node-a"); err != nil {
		t.Fatalf("register: %v", err)
	}
	now := time.Now()
	err := r.UpdateTelemetry(model.Telemetry{
		NodeID:    "node-a",
		Voltage:   3.6,
		Current:   1000,
		SoC:       0.44,
		SoH:       0.97,
		State:     model.StateRunning,
		Timestamp: now,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	b := r.ListActive()[0]
	if b.ActualPower != 3.6 {
		t.Fatalf("expected 3.6 kW got %v", b.ActualPower)
	}
	if b.SoC != 0.44 || b.State != model.StateRunning || !b.LastUpdate.Equal(now) {
		t.Fatalf("telemetry not stored: %+v", b)
	}

	if err := r.UpdateTelemetry(model.Telemetry{NodeID: "ghost"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestObjectiveClampAndClear(t *testing.T) {
	r := New(2, 10)
	if _, err := r.Register("node-a"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.SetObjective(0, 99); err != nil {
		t.Fatalf("set objective: %v", err)
	}
	b := r.ListActive()[0]
	if !b.HasObjective || b.ObjectivePower != 10 {
		t.Fatalf("expected clamped override of 10 kW: %+v", b)
	}
	if err := r.SetObjective(0, -99); err != nil {
		t.Fatalf("set objective: %v", err)
	}
	if got := r.ListActive()[0].ObjectivePower; got != -10 {
		t.Fatalf("expected -10 kW got %v", got)
	}
	if err := r.ClearObjective(0); err != nil {
		t.Fatalf("clear: %v", err)
	}
	b = r.ListActive()[0]
	if b.HasObjective || b.ObjectivePower != 0 {
		t.Fatalf("override not cleared: %+v", b)
	}

	if err := r.SetObjective(7, 1); !errors.Is(err, ErrInvalidSlot) {
		t.Fatalf("expected ErrInvalidSlot got %v", err)
	}
	if err := r.SetObjective(-1, 1); !errors.Is(err, ErrInvalidSlot) {
		t.Fatalf("expected ErrInvalidSlot got %v", err)
	}
}

func TestMarkSubscribedAtMostOnce(t *testing.T) {
	r := New(2, 10)
	if _, err := r.Register("node-a"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !r.MarkSubscribed(0) {
		t.Fatalf("first mark should report needed")
	}
	if r.MarkSubscribed(0) {
		t.Fatalf("second mark should report already done")
	}
	if r.MarkSubscribed(5) {
		t.Fatalf("unknown slot should report false")
	}
}

func TestUpdateExposesRecordsInSlotOrder(t *testing.T) {
	r := New(3, 10)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := r.Register(id); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	r.Update(func(records []*Battery) {
		if len(records) != 3 {
			t.Fatalf("expected 3 records got %d", len(records))
		}
		for i, b := range records {
			if b.Slot != i {
				t.Fatalf("record %d has slot %d", i, b.Slot)
			}
			b.OptimalU = float64(i)
		}
	})
	for i, b := range r.ListActive() {
		if b.OptimalU != float64(i) {
			t.Fatalf("write through Update lost for slot %d", i)
		}
	}
}
