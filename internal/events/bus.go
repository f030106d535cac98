package events

import "sync"

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls this far behind starts missing events; producers are never blocked.
const subscriberBuffer = 256

// Bus fans out run events to subscribers. One Bus per run. Thread-safe.
//
// Subscribers receive only events published after they subscribed. Slow
// subscribers that overflow their buffer are dropped (their channel is
// closed) rather than backing up the pipeline.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool
	doneCh chan struct{} // closed only on Close(), not on slow-subscriber drops
}

func NewBus() *Bus {
	return &Bus{
		subs:   make(map[uint64]chan Event),
		doneCh: make(chan struct{}),
	}
}

// Publish delivers ev to every live subscriber. Never blocks.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop to protect producers.
			close(ch)
			delete(b.subs, id)
		}
	}
}

// Subscribe returns an event channel, a done channel, and an unsubscribe
// function. The done channel is closed only when the bus is closed (the run
// ended), letting callers distinguish run completion from a slow-client drop.
func (b *Bus) Subscribe() (<-chan Event, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, b.doneCh, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, b.doneCh, unsub
}

// Close signals that no more events will be published and closes all
// subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.doneCh)
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
