package bus

import (
	"testing"
	"time"
)

func TestEventBus_PublishSubscribe(t *testing.T) {
	b := NewEventBus()
	id, events := b.Subscribe()
	if id == "" {
		t.Fatal("expected non-empty subscriber id")
	}
	if b.SubscriberCount() != 1 {
		t.Fatalf("subscriber count = %d, want 1", b.SubscriberCount())
	}

	want := Event{Kind: EventDelta, Dimension: "ENTITY", Key: "Jane Doe", Delta: 1}
	b.Publish(want)

	select {
	case got := <-events:
		if got.Key != want.Key || got.Kind != want.Kind || got.Delta != want.Delta {
			t.Errorf("got %+v, want %+v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEventBus_UnsubscribeClosesChannel(t *testing.T) {
	b := NewEventBus()
	id, events := b.Subscribe()

	b.Unsubscribe(id)
	if b.SubscriberCount() != 0 {
		t.Errorf("subscriber count = %d, want 0", b.SubscriberCount())
	}

	if _, ok := <-events; ok {
		t.Error("expected closed channel after unsubscribe")
	}

	// Double unsubscribe is a no-op.
	b.Unsubscribe(id)
}

func TestEventBus_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	// A single-slot buffer makes the overflow deterministic.
	b := &EventBus{subscribers: make(map[string]chan Event), buffer: 1}

	_, slow := b.Subscribe()
	_, fast := b.Subscribe()

	b.Publish(Event{Kind: EventDelta, Key: "first", Delta: 1})
	if got := <-fast; got.Key != "first" {
		t.Fatalf("fast got %q, want first", got.Key)
	}

	// The slow subscriber still holds "first"; this publish overflows
	// its buffer and drops it while the fast one keeps receiving.
	b.Publish(Event{Kind: EventDelta, Key: "second", Delta: 1})

	select {
	case got := <-fast:
		if got.Key != "second" {
			t.Errorf("fast got %q, want second", got.Key)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fast subscriber")
	}

	if b.SubscriberCount() != 1 {
		t.Errorf("subscriber count = %d, want 1 after slow drop", b.SubscriberCount())
	}

	// The dropped channel is closed once its buffered event is drained.
	if got, ok := <-slow; !ok || got.Key != "first" {
		t.Fatalf("slow drained %q ok=%v, want first ok=true", got.Key, ok)
	}
	if _, ok := <-slow; ok {
		t.Error("expected slow channel to be closed after drop")
	}
}
