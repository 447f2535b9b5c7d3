package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Bus fans out events to subscribers filtered by kind prefix. It is the
// substrate under the realtime feed: store mutators publish, sessions and
// watchers consume.
//
// Delivery is lossy on purpose. A subscriber that cannot keep up has its
// events dropped rather than stalling publishers; consumers recover by
// refetching from the store.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	nextID  int
	dropped atomic.Uint64
}

type subscriber struct {
	prefix string
	ch     chan Event
}

func New() *Bus {
	return &Bus{subs: make(map[int]subscriber)}
}

// Publish delivers evt to every subscriber whose prefix matches evt.Kind.
// Never blocks.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
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

// Subscribe registers a buffered channel for events whose Kind starts with
// prefix. The returned func removes the registration; the channel is not
// closed, so a consumer loop must select on its own stop signal.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscriber{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Dropped reports how many events were discarded against full subscriber
// buffers since the bus was created.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
