package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	b.Publish(Event{Kind: StatusChanged, Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != "session.status_changed" {
			t.Errorf("got kind %q, want session.status_changed", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Publish(Event{Kind: StatusChanged})
	b.Publish(Event{Kind: MessageSent})

	select {
	case evt := <-ch:
		if evt.Kind != MessageSent {
			t.Errorf("got kind %q, want %s", evt.Kind, MessageSent)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure session event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 10)
	unsub()

	b.Publish(Event{Kind: "session.status_changed"})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestFullBufferCountsDrops(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("port.", 1)
	defer unsub()

	b.Emit(PortCreated, "b1")
	b.Emit(PortPaused, "b1")

	evt := <-ch
	if evt.Kind != PortCreated {
		t.Errorf("got %q, want %s", evt.Kind, PortCreated)
	}
	if got := b.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

func TestEmptyPrefixMatchesAll(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 4)
	defer unsub()

	b.Emit(ConnectionCreated, nil)
	b.Emit(RelayNotified, nil)
	if len(ch) != 2 {
		t.Errorf("got %d events, want 2", len(ch))
	}
}

func TestEmitStampsTime(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("port.", 1)
	defer unsub()

	before := time.Now()
	b.Emit(PortCreated, "b1")

	evt := <-ch
	if evt.Timestamp.Before(before) {
		t.Errorf("timestamp %v before emit %v", evt.Timestamp, before)
	}
	if evt.Payload != "b1" {
		t.Errorf("payload = %v, want b1", evt.Payload)
	}
}

func TestEmitNilBus(t *testing.T) {
	var b *Bus
	b.Emit(PortCreated, nil)
}

func TestSubscribers(t *testing.T) {
	b := New()
	_, unsub1 := b.Subscribe("a.", 1)
	_, unsub2 := b.Subscribe("b.", 1)
	if got := b.Subscribers(); got != 2 {
		t.Errorf("Subscribers() = %d, want 2", got)
	}
	unsub1()
	unsub1()
	unsub2()
	if got := b.Subscribers(); got != 0 {
		t.Errorf("Subscribers() after unsubscribe = %d, want 0", got)
	}
}
