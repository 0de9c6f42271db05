// Package bus fans tool server and service lifecycle events out to
// in-process watchers.
package bus

import (
	"sync"
	"sync/atomic"
)

const defaultBuffer = 64

// Subscription receives the events of the kinds it asked for.
type Subscription struct {
	bus   *Bus
	mask  uint32
	ch    chan Event
	drops atomic.Uint64
}

// Events is closed when the subscription is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped counts events discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.drops.Load()
}

// Close detaches the subscription and closes its channel. Safe to call twice.
func (s *Subscription) Close() {
	if s == nil || s.bus == nil {
		return
	}
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}

func (s *Subscription) wants(k Kind) bool {
	return s.mask == 0 || s.mask&(1<<k) != 0
}

// Bus delivers events without blocking the publisher. A nil *Bus accepts
// and discards everything.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
}

// New returns a bus whose subscriptions buffer up to buffer events each.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{subs: make(map[*Subscription]struct{}), buffer: buffer}
}

// Subscribe returns a subscription for the given kinds, or for every kind
// when none are named.
func (b *Bus) Subscribe(kinds ...Kind) *Subscription {
	sub := &Subscription{bus: b, ch: make(chan Event, b.buffer)}
	for _, k := range kinds {
		sub.mask |= 1 << k
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish hands ev to every interested subscriber. A full subscriber misses
// the event and its drop counter is incremented.
func (b *Bus) Publish(ev Event) {
	if b == nil || ev == nil {
		return
	}
	k := ev.Kind()
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.wants(k) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.drops.Add(1)
		}
	}
}
