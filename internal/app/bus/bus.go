// Package bus is the in-process typed event bus between the session layer
// and whoever renders it.
package bus

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/keary/presence/internal/core"
)

// Bus implements core.EventBus. Delivery is synchronous and at-most-once
// per listener; a panicking listener is dropped, not retried.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(core.Event)
}

func New() *Bus {
	return &Bus{subs: make(map[int]func(core.Event))}
}

func (b *Bus) Publish(ev core.Event) {
	b.mu.RLock()
	snapshot := make([]func(core.Event), 0, len(b.subs))
	for _, fn := range b.subs {
		snapshot = append(snapshot, fn)
	}
	b.mu.RUnlock()

	for _, fn := range snapshot {
		b.deliver(fn, ev)
	}
}

func (b *Bus) deliver(fn func(core.Event), ev core.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "bus").Interface("panic", r).Msg("listener panicked")
		}
	}()
	fn(ev)
}

func (b *Bus) Subscribe(fn func(core.Event)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
