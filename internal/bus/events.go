package bus

import (
	"sync"
	"time"

	"github.com/stellarlinkco/presencewatch/internal/presence"
)

// Event is one fact produced by a poll cycle for the persistence sink.
// The concrete types are EntityCreated and SessionClosed.
type Event interface {
	event()
}

// EntityCreated reports an entity seen online for the first time.
type EntityCreated struct {
	Entity presence.Entity
	At     time.Time
}

// SessionClosed reports a finalized session together with its hour buckets.
// Name is the entity's display name as last seen, so the sink can register
// entities that were offline when first observed.
type SessionClosed struct {
	Session presence.Session
	Name    string
	Buckets []presence.HourBucket
	// Forced is set when the session was closed by a shutdown flush.
	Forced  bool
}

func (EntityCreated) event() {}
func (SessionClosed) event() {}

// NewSessionClosed bucketizes s into a ready-to-dispatch event.
func NewSessionClosed(s presence.Session, name string, forced bool) SessionClosed {
	return SessionClosed{Session: s, Name: name, Buckets: presence.Buckets(s), Forced: forced}
}

// EventBus carries events from the watcher to a single persistence
// consumer and fans copies out to best-effort subscribers.
type EventBus struct {
	events  chan Event
	// sending counts publishers blocked on events outside the lock.
	sending sync.WaitGroup

	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewEventBus(bufSize int) *EventBus {
	if bufSize < 0 {
		bufSize = 0
	}
	return &EventBus{
		events: make(chan Event, bufSize),
		subs:   make(map[int]chan Event),
	}
}

// Publish queues ev for the persistence consumer, blocking while the buffer
// is full. Subscribers whose buffers are full miss the event.
// Publishing after Close is a no-op.
func (b *EventBus) Publish(ev Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	b.sending.Add(1)
	b.mu.RUnlock()

	defer b.sending.Done()
	b.events <- ev
}

// Events is the persistence consumer's stream. It is closed by Close.
func (b *EventBus) Events() <-chan Event {
	return b.events
}

// Subscribe registers a fan-out listener. The returned cancel func
// unregisters it and closes the channel.
func (b *EventBus) Subscribe(bufSize int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, bufSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
}

// Close stops accepting events and closes every subscriber channel. The
// consumer stream is closed once publishers already blocked on it have
// delivered, so the consumer must keep reading until Close returns.
// Events already queued remain readable.
func (b *EventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	b.sending.Wait()
	close(b.events)
}
