package queue

import "sync"

// broadcasterBufferSize bounds each subscriber's channel. A slow subscriber
// drops events rather than blocking the publisher.
const broadcasterBufferSize = 64

// broadcaster fans out Events to any number of subscribers obtained through
// Queue.Subscribe, as a single process-wide event bus; the queue has no
// per-job subscription requirement.
type broadcaster struct {
	mu          sync.Mutex
	subscribers map[chan Event]struct{}
	closed      bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subscribers: make(map[chan Event]struct{})}
}

func (b *broadcaster) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, broadcasterBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// publish delivers evt to every current subscriber without blocking. A
// subscriber whose buffer is full misses the live notification; the
// durable state change that produced evt is never lost, since it was
// already committed to the store before publish is called.
func (b *broadcaster) publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (b *broadcaster) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}
