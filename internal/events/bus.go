package events

import (
	"fmt"
	"log"
	"runtime/debug"
	"sync"
)

// Topics published by the reconciler and the queue coordinators
const (
	TopicTaskAdded   = "taskAdded"
	TopicTaskUpdated = "taskUpdated"
)

// Handler receives a published payload. A returned error is logged by the bus.
type Handler func(payload any) error

// Bus is an in-process publish/subscribe register. Handlers run synchronously
// on the publisher's goroutine, in the order they subscribed.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for topic
func (b *Bus) Subscribe(topic string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Publish delivers payload to every handler of topic. Handler failures
// (errors and panics) are logged and never reach the caller.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	hs := make([]Handler, len(b.handlers[topic]))
	copy(hs, b.handlers[topic])
	b.mu.RUnlock()

	for i, h := range hs {
		if err := invoke(h, payload); err != nil {
			log.Printf("[EVENTS] handler %d for %q failed: %v", i, topic, err)
		}
	}
}

// HasSubscribers reports whether topic has at least one handler
func (b *Bus) HasSubscribers(topic string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic]) > 0
}

func invoke(h Handler, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(payload)
}
