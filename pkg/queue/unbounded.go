// Package queue provides an unbounded FIFO drained through a channel.
package queue

import "sync"

// Unbounded buffers pushed items without limit and delivers them in order on
// Out. Push never blocks.
type Unbounded[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
	stop   chan struct{}
	out    chan T
}

func NewUnbounded[T any]() *Unbounded[T] {
	q := &Unbounded[T]{
		stop: make(chan struct{}),
		out:  make(chan T),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

// Push appends item. It reports false once the queue is closed.
func (q *Unbounded[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, item)
	q.cond.Signal()
	return true
}

func (q *Unbounded[T]) Out() <-chan T { return q.out }

func (q *Unbounded[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close drops undelivered items and closes Out.
func (q *Unbounded[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.stop)
	q.cond.Broadcast()
}

func (q *Unbounded[T]) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- item:
		case <-q.stop:
			return
		}
	}
}
