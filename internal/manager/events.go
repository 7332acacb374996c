package manager

import (
	"sync"

	"github.com/woodshed-app/shedsync/internal/engine"
	"github.com/woodshed-app/shedsync/internal/entity"
)

// Event names published by the manager.
const (
	EventCreated     = "data:created"
	EventUpdated     = "data:updated"
	EventDeleted     = "data:deleted"
	EventDataChanged = "module:data:changed"
	EventSyncState   = "sync:state"
	EventSyncResult  = "sync:result"
)

// Event is one notification on the bus.
type Event struct {
	Name   string
	Key    string // entity storage key, when the event concerns one entity
	Entity *entity.Entity
	State  *State // set for sync:state events
	Result *engine.Result // set for sync:result events
	At     int64 // epoch ms
}

// Bus is a small in-process publish/subscribe hub. Subscribers are invoked
// synchronously in subscription order; a slow subscriber delays the
// publisher, so handlers must be quick or hand off to their own goroutine.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]subscription
}

type subscription struct {
	name string // "" subscribes to everything
	fn   func(Event)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]subscription)}
}

// Subscribe registers fn for events with the given name. An empty name
// receives every event. The returned function removes the subscription;
// calling it more than once is harmless.
func (b *Bus) Subscribe(name string, fn func(Event)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = subscription{name: name, fn: fn}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers the event to matching subscribers.
func (b *Bus) Publish(ev Event) {
	if ev.At == 0 {
		ev.At = entity.NowMillis()
	}

	b.mu.Lock()
	matched := make([]func(Event), 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.name == "" || sub.name == ev.Name {
			matched = append(matched, sub.fn)
		}
	}
	b.mu.Unlock()

	for _, fn := range matched {
		fn(ev)
	}
}
