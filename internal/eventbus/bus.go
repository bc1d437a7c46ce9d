package eventbus

import (
	"sync"
	"sync/atomic"
)

// Bus is an in-memory broadcast of events of type E.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Every subscriber receives every event published while it is subscribed,
//     in publish order. Slow subscribers buffer, they never drop.
//   - Unsubscribe closes the subscriber's channel; undelivered events are discarded.
//   - Close flushes undelivered events to each subscriber, then closes its channel.
//     Subscribers must keep reading (or unsubscribe) until their channel closes.
type Bus[E any] struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber[E]
	seq    atomic.Uint64
	closed bool
}

// New returns an empty bus. Each subscription owns one pump goroutine.
func New[E any]() *Bus[E] {
	return &Bus[E]{subs: map[uint64]*subscriber[E]{}}
}

type subscriber[E any] struct {
	mu      sync.Mutex
	pending []E

	wake chan struct{}
	out  chan E

	done      chan struct{} // hard stop: unsubscribe
	doneOnce  sync.Once
	drain     chan struct{} // soft stop: bus closed
	drainOnce sync.Once
}

func (b *Bus[E]) Publish(e E) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		s.push(e)
	}
}

// Subscribe registers a new subscriber. buffer sizes the delivery channel;
// events beyond it are held in an unbounded mailbox.
func (b *Bus[E]) Subscribe(buffer int) (<-chan E, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber[E]{
		wake:  make(chan struct{}, 1),
		out:   make(chan E, buffer),
		done:  make(chan struct{}),
		drain: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s.out, func() {}
	}
	id := b.seq.Add(1)
	b.subs[id] = s
	b.mu.Unlock()

	go s.pump()

	unsub := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.doneOnce.Do(func() { close(s.done) })
	}
	return s.out, unsub
}

// Len reports the number of live subscribers.
func (b *Bus[E]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches every subscriber after flushing what was already published.
// Later publishes are dropped and later subscriptions get an already-closed channel.
func (b *Bus[E]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = map[uint64]*subscriber[E]{}
	b.mu.Unlock()

	for _, s := range subs {
		s.drainOnce.Do(func() { close(s.drain) })
	}
}

func (s *subscriber[E]) push(e E) {
	s.mu.Lock()
	s.pending = append(s.pending, e)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber[E]) take() []E {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	return batch
}

// pump is the only sender on out, so it is also the one that closes it.
func (s *subscriber[E]) pump() {
	defer close(s.out)
	for {
		batch := s.take()
		for _, e := range batch {
			select {
			case s.out <- e:
			case <-s.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		case <-s.drain:
			// No publisher can reach us anymore; flush the tail and exit.
			for _, e := range s.take() {
				select {
				case s.out <- e:
				case <-s.done:
					return
				}
			}
			return
		}
	}
}
