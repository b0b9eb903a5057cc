// Package eventbus is the console's in-process publish/subscribe registry.
//
// One Bus is built by the composition root and shared by every component that
// needs it. Dispatch is synchronous: callbacks run on the dispatching goroutine in
// registration order, and a panicking callback aborts the rest of that dispatch.
package eventbus

import "sync"

// Callback receives the payload passed to Dispatch (nil when there is none).
type Callback func(payload any)

type subscription struct {
	id     uint64
	cb     Callback
	active bool
}

// Bus maps event names to their ordered subscribers.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	events map[string][]*subscription
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{events: make(map[string][]*subscription)}
}

// Registration is the handle returned by Register and RegisterUnique.
type Registration struct {
	bus   *Bus
	event string
	id    uint64
	once  sync.Once
}

// ID returns the subscription id, unique for the lifetime of the bus.
func (r *Registration) ID() uint64 {
	return r.id
}

// Event returns the event name the registration listens to.
func (r *Registration) Event() string {
	return r.event
}

// Unregister removes this subscription. Calling it again is a no-op.
func (r *Registration) Unregister() {
	r.once.Do(func() {
		r.bus.remove(r.event, r.id)
	})
}

// Register adds cb as a subscriber of event.
func (b *Bus) Register(event string, cb Callback) *Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addLocked(event, cb)
}

// RegisterUnique makes cb the only subscriber of event, dropping every callback
// registered for it before. Unregistering the returned handle removes only cb.
func (b *Bus) RegisterUnique(event string, cb Callback) *Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.events[event] {
		sub.active = false
	}
	delete(b.events, event)
	return b.addLocked(event, cb)
}

// Dispatch calls every subscriber of event with payload. Subscribers are captured
// when the call starts; those unregistered before their turn are skipped.
func (b *Bus) Dispatch(event string, payload any) {
	b.mu.Lock()
	subs := b.events[event]
	if len(subs) == 0 {
		b.mu.Unlock()
		return
	}
	snapshot := make([]*subscription, len(subs))
	copy(snapshot, subs)
	b.mu.Unlock()

	for _, sub := range snapshot {
		if !b.isActive(sub) {
			continue
		}
		sub.cb(payload)
	}
}

// Subscribers returns the number of callbacks registered for event.
func (b *Bus) Subscribers(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events[event])
}

// Events returns the names of events that currently have subscribers.
func (b *Bus) Events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.events))
	for name := range b.events {
		names = append(names, name)
	}
	return names
}

func (b *Bus) addLocked(event string, cb Callback) *Registration {
	id := b.nextID
	b.nextID++
	b.events[event] = append(b.events[event], &subscription{id: id, cb: cb, active: true})
	return &Registration{bus: b, event: event, id: id}
}

func (b *Bus) remove(event string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.events[event]
	for i := range subs {
		if subs[i].id != id {
			continue
		}
		subs[i].active = false
		// Copy instead of shifting in place: a dispatch may hold the old slice.
		next := make([]*subscription, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		b.events[event] = next
		break
	}
	if len(b.events[event]) == 0 {
		delete(b.events, event)
	}
}

func (b *Bus) isActive(sub *subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sub.active
}
