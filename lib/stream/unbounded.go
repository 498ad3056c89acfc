// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import "sync"

// Unbounded is a FIFO with a non-blocking Push and a channel-shaped
// consumer side. Items pushed before Close are all delivered on Out,
// after which Out is closed.
type Unbounded[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	wake   chan struct{}
	out    chan T
}

// NewUnbounded starts the delivery goroutine. It exits once the queue
// is closed and drained.
func NewUnbounded[T any]() *Unbounded[T] {
	queue := &Unbounded[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
	}
	go queue.deliver()
	return queue
}

// Push appends item. It reports false, discarding item, if the queue
// is closed.
func (q *Unbounded[T]) Push(item T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.notify()
	return true
}

// Out is the consumer side.
func (q *Unbounded[T]) Out() <-chan T { return q.out }

// Len counts items not yet handed to a consumer.
func (q *Unbounded[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting items. Idempotent.
func (q *Unbounded[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

func (q *Unbounded[T]) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Unbounded[T]) deliver() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.items) == 0 {
			if q.closed {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			<-q.wake
			q.mu.Lock()
		}
		item := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		q.out <- item
	}
}
