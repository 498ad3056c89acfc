// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Ring.Pop once the ring is closed and empty.
var ErrClosed = errors.New("stream: closed")

// Ring is a bounded FIFO with drop-oldest overflow. Safe for any number
// of producers and one consumer.
type Ring[T any] struct {
	mu      sync.Mutex
	buffer  []T
	head    int
	size    int
	closed  bool
	ready   chan struct{}
	dropped atomic.Uint64
}

// NewRing panics if capacity < 1.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		panic("stream: ring capacity must be positive")
	}
	return &Ring[T]{
		buffer: make([]T, capacity),
		ready:  make(chan struct{}, 1),
	}
}

// Push appends item, evicting the oldest element when full. It reports
// whether an element was evicted. Pushing to a closed ring is a no-op.
func (r *Ring[T]) Push(item T) (evicted bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	capacity := len(r.buffer)
	if r.size == capacity {
		var zero T
		r.buffer[r.head] = zero
		r.head = (r.head + 1) % capacity
		r.size--
		evicted = true
		r.dropped.Add(1)
	}
	r.buffer[(r.head+r.size)%capacity] = item
	r.size++
	r.mu.Unlock()

	select {
	case r.ready <- struct{}{}:
	default:
	}
	return evicted
}

// Pop removes the oldest element, blocking until one is available, the
// ring is closed and drained, or ctx is done.
func (r *Ring[T]) Pop(ctx context.Context) (T, error) {
	for {
		r.mu.Lock()
		if r.size > 0 {
			item := r.buffer[r.head]
			var zero T
			r.buffer[r.head] = zero
			r.head = (r.head + 1) % len(r.buffer)
			r.size--
			r.mu.Unlock()
			return item, nil
		}
		closed := r.closed
		r.mu.Unlock()

		if closed {
			var zero T
			return zero, ErrClosed
		}
		select {
		case <-r.ready:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Close wakes the consumer. Elements already queued can still be
// popped.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	select {
	case r.ready <- struct{}{}:
	default:
	}
}

func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *Ring[T]) Cap() int { return len(r.buffer) }

// Dropped counts evictions since creation.
func (r *Ring[T]) Dropped() uint64 { return r.dropped.Load() }
