package unbounded

import (
	"sync"

	"github.com/eapache/channels"
)

// Queue is a typed FIFO with no capacity limit.
// Push never waits for the consumer; items accumulate until read.
// It is safe for concurrent producers.
type Queue[T any] struct {
	mu     sync.Mutex
	ch     *channels.InfiniteChannel
	out    chan T
	done   chan struct{}
	closed bool

	discardOnce sync.Once
}

// New creates an empty queue and starts its delivery goroutine
func New[T any]() *Queue[T] {
	q := &Queue[T]{
		ch:   channels.NewInfiniteChannel(),
		out:  make(chan T),
		done: make(chan struct{}),
	}
	go q.pump()
	return q
}

// Push enqueues v. It reports false if the queue has been closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.ch.In() <- v
	return true
}

// Out returns the consumer side. It is closed once the queue is closed
// and every pending item has been delivered.
func (q *Queue[T]) Out() <-chan T {
	return q.out
}

// Len returns the number of buffered items
func (q *Queue[T]) Len() int {
	return q.ch.Len()
}

// Close stops accepting items. Pending items are still delivered.
// Safe to call multiple times.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.ch.Close()
}

// Discard closes the queue and drops pending items.
// Used when the consumer has gone away.
func (q *Queue[T]) Discard() {
	q.Close()
	q.discardOnce.Do(func() {
		close(q.done)
	})
}

func (q *Queue[T]) pump() {
	defer close(q.out)

	for v := range q.ch.Out() {
		item, _ := v.(T)
		select {
		case q.out <- item:
		case <-q.done:
			// drain so the InfiniteChannel goroutine can exit
			for range q.ch.Out() {
			}
			return
		}
	}
}
