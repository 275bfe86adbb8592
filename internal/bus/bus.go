// Package bus is the in-process event bus connecting the sync transport, the
// store, the integrity engine and API watchers.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Bus fans events out to subscribers by kind prefix. Delivery never blocks
// the publisher: a subscriber whose buffer is full misses the event and the
// miss is counted.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool

	seq     atomic.Uint64
	dropped atomic.Uint64
	now     func() time.Time
}

type subscriber struct {
	prefix string
	ch     chan Event
}

// New creates an open bus.
func New() *Bus {
	return &Bus{
		subs: make(map[uint64]*subscriber),
		now:  time.Now,
	}
}

// Publish assigns evt the next sequence number, stamps it if Timestamp is
// zero and delivers it. Events published after Close are discarded.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	evt.Seq = b.seq.Add(1)
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.now()
	}
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit publishes payload under kind. Safe to call on a nil receiver, so
// components can run without a bus in tests.
func (b *Bus) Emit(kind string, payload any) {
	if b == nil {
		return
	}
	b.Publish(Event{Kind: kind, Payload: payload})
}

// Seq returns the sequence number of the last published event.
func (b *Bus) Seq() uint64 {
	return b.seq.Load()
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribe delivers events whose kind starts with namespace ("" matches
// everything) on a channel buffered to bufSize. The returned function
// unsubscribes and closes the channel; calling it more than once is safe.
// Subscribing to a closed bus yields an already closed channel.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{prefix: namespace, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Close closes every subscriber channel and discards later events. Readers
// see the close once they drain what was already buffered.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
