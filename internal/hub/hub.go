package hub

import (
	"sync"

	"github.com/rmacdonaldsmith/feedmesh-go/internal/unbounded"
)

// Hub broadcasts values to every live subscription.
// Delivery is unbounded: Emit never waits on a slow subscriber.
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed bool
}

// Subscription is one listener registered with a Hub
type Subscription[T any] struct {
	id    uint64
	hub   *Hub[T]
	queue *unbounded.Queue[T]
	once  sync.Once
}

// New creates an empty hub
func New[T any]() *Hub[T] {
	return &Hub[T]{
		subs: make(map[uint64]*Subscription[T]),
	}
}

// Subscribe registers a new listener. The subscription receives every value
// emitted after Subscribe returns. Subscribing to a closed hub returns a
// subscription whose channel is already closed.
func (h *Hub[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{
		hub:   h,
		queue: unbounded.New[T](),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		sub.queue.Close()
		return sub
	}

	h.nextID++
	sub.id = h.nextID
	h.subs[sub.id] = sub
	return sub
}

// Emit enqueues v on every live subscription and returns once all are enqueued.
// Emitting on a closed hub is a no-op.
func (h *Hub[T]) Emit(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	for _, sub := range h.subs {
		sub.queue.Push(v)
	}
}

// Len returns the number of live subscriptions
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscription. Values already enqueued are still delivered.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		sub.queue.Close()
		delete(h.subs, id)
	}
}

func (h *Hub[T]) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// C returns the delivery channel. It is closed after Close or Hub.Close.
func (s *Subscription[T]) C() <-chan T {
	return s.queue.Out()
}

// Close unsubscribes and discards any pending values. Safe to call multiple times.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.hub.remove(s.id)
		s.queue.Discard()
	})
}
