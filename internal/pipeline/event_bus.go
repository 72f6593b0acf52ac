package pipeline

import (
	"sync"
)

// EventBus provides pub/sub for session events
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	typeFilter map[EventType]bool // Empty means every type
	channel    chan *Event
	handler    EventHandler
}

func (s *eventSubscription) wants(t EventType) bool {
	return len(s.typeFilter) == 0 || s.typeFilter[t]
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

func typeSet(types []EventType) map[EventType]bool {
	if len(types) == 0 {
		return nil
	}
	set := make(map[EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

// Subscribe registers a handler for the given event types (all types if none given)
// Returns an unsubscribe function
func (b *EventBus) Subscribe(handler EventHandler, types ...EventType) func() {
	sub := &eventSubscription{
		typeFilter: typeSet(types),
		handler:    handler,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// SubscribeChannel returns a channel that receives events of the given types
// The channel has the specified buffer size
// Returns the channel and an unsubscribe function
func (b *EventBus) SubscribeChannel(bufferSize int, types ...EventType) (<-chan *Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan *Event, bufferSize)
	sub := &eventSubscription{
		typeFilter: typeSet(types),
		channel:    ch,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// Publish sends an event to all subscribers
func (b *EventBus) Publish(ev *Event) {
	if ev == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if !sub.wants(ev.Type) {
			continue
		}

		// Handlers run synchronously on the publishing goroutine and must be quick.
		// Channel subscribers never block the publisher.
		if sub.handler != nil {
			sub.handler.OnEvent(ev)
		} else if sub.channel != nil {
			select {
			case sub.channel <- ev:
			default:
				// Channel full, skip this event
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
