package eventbus

import "testing"

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New()
	defer b.Close()

	a := b.Subscribe()
	c := b.Subscribe()
	b.Publish("tick")

	if got := <-a; got != "tick" {
		t.Fatalf("first subscriber got %v", got)
	}
	if got := <-c; got != "tick" {
		t.Fatalf("second subscriber got %v", got)
	}
}

func TestPublishDropsWhenSubscriberIsFull(t *testing.T) {
	b := New()
	defer b.Close()

	ch := b.Subscribe()
	for i := 0; i < subBuffer+5; i++ {
		b.Publish(i)
	}
	if len(ch) != subBuffer {
		t.Fatalf("buffered %d events, want %d", len(ch), subBuffer)
	}
	if got := <-ch; got != 0 {
		t.Fatalf("oldest event = %v, want 0", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	defer b.Close()

	ch := b.Subscribe()
	b.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after Unsubscribe")
	}

	// Publishing after removal must not panic.
	b.Publish("late")
}

func TestCloseIsIdempotentAndStopsDelivery(t *testing.T) {
	b := New()
	ch := b.Subscribe()

	b.Close()
	b.Close()

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after Close")
	}
	b.Publish("dropped")

	if post := b.Subscribe(); func() bool { _, ok := <-post; return ok }() {
		t.Fatal("subscription on a closed bus returned an open channel")
	}
}

func TestTypedBusCarriesStructs(t *testing.T) {
	type fault struct {
		Node string
		SoH  float64
	}
	b := NewTyped[fault]()
	defer b.Close()

	ch := b.Subscribe()
	b.Publish(fault{Node: "battery-3", SoH: 0.71})

	got := <-ch
	if got.Node != "battery-3" || got.SoH != 0.71 {
		t.Fatalf("received %+v", got)
	}
}
