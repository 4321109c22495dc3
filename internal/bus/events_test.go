package bus

import (
	"testing"
	"time"

	"github.com/stellarlinkco/presencewatch/internal/presence"
)

func TestNewSessionClosed(t *testing.T) {
	start := time.Date(2024, 3, 1, 9, 59, 50, 0, time.UTC)
	s := presence.Session{EntityID: "1", StartedAt: start, EndedAt: start.Add(20 * time.Second)}

	ev := NewSessionClosed(s, "Ivan", true)
	if !ev.Forced || ev.Name != "Ivan" {
		t.Errorf("event = %+v", ev)
	}
	if len(ev.Buckets) != 2 {
		t.Fatalf("buckets = %v, want 2 entries", ev.Buckets)
	}
	if ev.Buckets[0].Seconds != 10 || ev.Buckets[1].Seconds != 10 {
		t.Errorf("buckets = %v", ev.Buckets)
	}
}

func TestEventBus_PublishAndClose(t *testing.T) {
	b := NewEventBus(4)
	b.Publish(EntityCreated{Entity: presence.Entity{ID: "1"}})
	b.Publish(SessionClosed{Session: presence.Session{EntityID: "1"}})
	b.Close()
	b.Publish(EntityCreated{Entity: presence.Entity{ID: "late"}})

	var got []Event
	for ev := range b.Events() {
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("received %d events, want 2", len(got))
	}
	if _, ok := got[0].(EntityCreated); !ok {
		t.Errorf("got[0] = %T, want EntityCreated", got[0])
	}
	if _, ok := got[1].(SessionClosed); !ok {
		t.Errorf("got[1] = %T, want SessionClosed", got[1])
	}

	// Idempotent close.
	b.Close()
}

func TestEventBus_Subscribe(t *testing.T) {
	b := NewEventBus(4)
	sub, cancel := b.Subscribe(1)

	b.Publish(EntityCreated{Entity: presence.Entity{ID: "1"}})
	// Subscriber buffer is full; the second event is dropped for it only.
	b.Publish(EntityCreated{Entity: presence.Entity{ID: "2"}})

	select {
	case ev := <-sub:
		if ev.(EntityCreated).Entity.ID != "1" {
			t.Errorf("subscriber got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
	select {
	case ev := <-sub:
		t.Fatalf("unexpected second event %+v", ev)
	default:
	}

	if len(b.Events()) != 2 {
		t.Errorf("consumer queue = %d, want 2", len(b.Events()))
	}

	cancel()
	cancel()
	if _, ok := <-sub; ok {
		t.Error("subscriber channel not closed by cancel")
	}
}

func TestEventBus_SubscribeAfterClose(t *testing.T) {
	b := NewEventBus(0)
	b.Close()
	sub, cancel := b.Subscribe(1)
	defer cancel()
	if _, ok := <-sub; ok {
		t.Error("expected closed channel")
	}
}

func TestEventBus_CloseClosesSubscribers(t *testing.T) {
	b := NewEventBus(1)
	sub, cancel := b.Subscribe(1)
	b.Close()
	if _, ok := <-sub; ok {
		t.Error("subscriber channel not closed by Close")
	}
	cancel()
}

func TestEventBus_SubscribeWhilePublishBlocked(t *testing.T) {
	b := NewEventBus(0)
	watch, _ := b.Subscribe(1)

	published := make(chan struct{})
	go func() {
		b.Publish(EntityCreated{Entity: presence.Entity{ID: "1"}})
		close(published)
	}()

	// The watcher copy arrives once Publish is past the fan-out and about
	// to block on the unread consumer stream.
	select {
	case <-watch:
	case <-time.After(2 * time.Second):
		t.Fatal("publish did not reach subscribers")
	}

	subscribed := make(chan struct{})
	go func() {
		_, cancel := b.Subscribe(1)
		cancel()
		close(subscribed)
	}()
	select {
	case <-subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe stalled behind a blocked Publish")
	}

	closed := make(chan struct{})
	go func() {
		b.Close()
		close(closed)
	}()

	ev, ok := <-b.Events()
	if !ok {
		t.Fatal("pending event lost on Close")
	}
	if e, _ := ev.(EntityCreated); e.Entity.ID != "1" {
		t.Errorf("event = %+v", ev)
	}
	for _, ch := range []chan struct{}{published, closed} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("Publish or Close did not return")
		}
	}
	if _, ok := <-b.Events(); ok {
		t.Error("consumer stream still open after Close")
	}
}
