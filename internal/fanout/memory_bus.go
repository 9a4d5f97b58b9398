package fanout

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrBusDown is returned by MemoryBus.Publish while the bus is down.
var ErrBusDown = errors.New("bus unavailable")

// MemoryBus is an in-process Bus. Nodes of a test cluster share one
// instance. Delivery is synchronous and ordered per publisher.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]func([]byte)
	nextID uint64
	down   atomic.Bool
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[uint64]func([]byte))}
}

// SetDown simulates an outage; Publish fails while down.
func (b *MemoryBus) SetDown(down bool) {
	b.down.Store(down)
}

func (b *MemoryBus) Publish(subject string, data []byte) error {
	if b.down.Load() {
		return ErrBusDown
	}

	b.mu.RLock()
	handlers := make([]func([]byte), 0, len(b.subs[subject]))
	for _, h := range b.subs[subject] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		// Each subscriber gets its own copy, as it would off the wire.
		h(append([]byte(nil), data...))
	}
	return nil
}

func (b *MemoryBus) Subscribe(subject string, handler func([]byte)) (func() error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[uint64]func([]byte))
	}
	b.subs[subject][id] = handler

	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[subject], id)
		return nil
	}, nil
}
