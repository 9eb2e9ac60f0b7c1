package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Emit(MessageDelivered, MessageEvent{MessageID: "m1", Status: "DELIVERED"})

	select {
	case evt := <-ch:
		if evt.Kind != MessageDelivered {
			t.Errorf("got kind %q, want %s", evt.Kind, MessageDelivered)
		}
		if evt.Timestamp.IsZero() {
			t.Error("Emit should stamp the event time")
		}
		if p, ok := evt.Payload.(MessageEvent); !ok || p.MessageID != "m1" {
			t.Errorf("payload = %#v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("job.", 10)
	defer unsub()

	b.Publish(Event{Kind: MessageFailed})
	b.Publish(Event{Kind: JobDeadLettered})

	select {
	case evt := <-ch:
		if evt.Kind != JobDeadLettered {
			t.Errorf("got kind %q, want %s", evt.Kind, JobDeadLettered)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the message event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	unsub()

	if n := b.Subscribers(); n != 0 {
		t.Errorf("subscribers = %d after unsubscribe, want 0", n)
	}
	b.Publish(Event{Kind: MessageDelivered})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	// Buffer is full; this one is dropped without blocking.
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
	if n := b.Dropped(); n != 1 {
		t.Errorf("dropped = %d, want 1", n)
	}
}

func TestNilBusDropsEvents(t *testing.T) {
	var b *Bus
	b.Emit(MessageFailed, nil)
	if b.Dropped() != 0 {
		t.Error("nil bus should report no drops")
	}
}
