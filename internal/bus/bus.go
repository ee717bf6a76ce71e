package bus

import (
	"log"
	"sync"

	"github.com/google/uuid"
)

const defaultSubscriberBuffer = 256

// EventBus fans aggregate deltas and extraction events out to realtime
// subscribers. The aggregation sink is the only publisher. Delivery to
// each subscriber is independent: a subscriber that stops draining its
// channel is dropped, never allowed to block the others.
type EventBus struct {
	mu          sync.Mutex
	subscribers map[string]chan Event
	buffer      int
}

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string]chan Event),
		buffer:      defaultSubscriberBuffer,
	}
}

// Subscribe registers a new subscriber and returns its id and receive
// channel. The channel is closed when the subscriber is dropped or
// unsubscribed.
func (b *EventBus) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()

	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	if ok {
		close(ch)
	}
}

// Publish delivers the event to every subscriber without blocking. A
// subscriber whose buffer is full has fallen too far behind and is
// disconnected; the event still reaches everyone else.
func (b *EventBus) Publish(ev Event) {
	b.mu.Lock()
	var dropped []string
	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			dropped = append(dropped, id)
		}
	}
	for _, id := range dropped {
		close(b.subscribers[id])
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	for _, id := range dropped {
		log.Printf("[bus] dropped slow subscriber %s", id)
	}
}

// SubscriberCount reports the number of live subscribers.
func (b *EventBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
