// Package events is a small in-process domain event bus. Handlers run
// synchronously in publish order; publishers must not assume delivery to
// external consumers.
package events

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ActivityGearSet is emitted after a manual gear correction succeeds.
// Data carries "athlete_id", "activity_id" and "gear_id".
const ActivityGearSet = "activity_gear_set"

// Event is one domain event occurrence.
type Event struct {
	ID   string
	Name string
	Time time.Time
	Data map[string]string
}

// Handler consumes events. Handlers must be fast; slow consumers should
// hand off to their own goroutine.
type Handler func(Event)

// Bus fans events out to subscribed handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for events with the given name.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Publish delivers an event to all handlers subscribed to its name.
func (b *Bus) Publish(name string, data map[string]string) Event {
	ev := Event{
		ID:   ulid.Make().String(),
		Name: name,
		Time: time.Now(),
		Data: data,
	}

	b.mu.RLock()
	handlers := b.handlers[name]
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
	return ev
}
