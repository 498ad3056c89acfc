// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/patchbay-dev/patchbay/lib/wire"
)

var errOutboxClosed = errors.New("outbox closed")

// outbox is a connection's write queue with two lanes. Control frames
// (signals, subscriptions, heartbeats) are unbounded and always leave
// first; data frames are bounded and drop their oldest entry when full,
// like every other data path.
type outbox struct {
	mu       sync.Mutex
	control  []wire.Frame
	data     []wire.Frame
	capacity int
	dropped  uint64
	closed   bool
	wake     chan struct{}
}

func newOutbox(capacity int) *outbox {
	if capacity < 1 {
		capacity = 1
	}
	return &outbox{capacity: capacity, wake: make(chan struct{}, 1)}
}

func (o *outbox) pushControl(frame wire.Frame) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.control = append(o.control, frame)
	o.mu.Unlock()
	o.notify()
	return true
}

// pushData queues a data frame and reports whether one was evicted.
func (o *outbox) pushData(frame wire.Frame) (evicted bool) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	if len(o.data) == o.capacity {
		o.data[0] = wire.Frame{}
		o.data = o.data[1:]
		o.dropped++
		evicted = true
	}
	o.data = append(o.data, frame)
	o.mu.Unlock()
	o.notify()
	return evicted
}

func (o *outbox) notify() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// next blocks for the next frame, control lane first. After close it
// drains what is queued, then returns errOutboxClosed.
func (o *outbox) next(ctx context.Context) (wire.Frame, error) {
	for {
		o.mu.Lock()
		if len(o.control) > 0 {
			frame := o.control[0]
			o.control[0] = wire.Frame{}
			o.control = o.control[1:]
			o.mu.Unlock()
			return frame, nil
		}
		if len(o.data) > 0 {
			frame := o.data[0]
			o.data[0] = wire.Frame{}
			o.data = o.data[1:]
			o.mu.Unlock()
			return frame, nil
		}
		closed := o.closed
		o.mu.Unlock()
		if closed {
			return wire.Frame{}, errOutboxClosed
		}
		select {
		case <-o.wake:
		case <-ctx.Done():
			return wire.Frame{}, ctx.Err()
		}
	}
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.notify()
}

func (o *outbox) droppedCount() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
