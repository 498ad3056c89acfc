// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

// Package events is the control-plane notification bus. Adapters,
// bridges, the router core, and the signaling manager publish state
// changes and errors here; the node, CLI, and tests subscribe.
//
// Publishing never blocks. A subscriber that falls behind loses its
// oldest undelivered events and can see how many through Dropped.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Kind classifies an event.
type Kind string

const (
	AdapterState     Kind = "adapter.state"
	TranslationError Kind = "adapter.translation_error"
	BridgeCreated    Kind = "bridge.created"
	BridgeState      Kind = "bridge.state"
	BridgeDestroyed  Kind = "bridge.destroyed"
	DeliveryError    Kind = "router.delivery_error"
	SignalDropped    Kind = "router.signal_dropped"
	PeerAttached     Kind = "router.peer_attached"
	PeerDetached     Kind = "router.peer_detached"
	SessionState     Kind = "session.state"
	SessionError     Kind = "session.error"
)

// Event is one notification. Source names the emitting component (an
// adapter, bridge, peer, or session id).
type Event struct {
	Kind   Kind
	Time   time.Time
	Source string
	State  string
	Detail string
	Err    error
}

func (e Event) String() string {
	text := fmt.Sprintf("%s %s", e.Kind, e.Source)
	if e.State != "" {
		text += " state=" + e.State
	}
	if e.Detail != "" {
		text += " " + e.Detail
	}
	if e.Err != nil {
		text += " error=" + e.Err.Error()
	}
	return text
}

// Bus fans events out to subscribers. A nil *Bus discards everything,
// so components can publish unconditionally.
type Bus struct {
	mu          sync.Mutex
	subscribers map[*Subscription]struct{}
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[*Subscription]struct{})}
}

// Publish stamps the event if Time is unset and delivers it to every
// subscriber.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for subscription := range b.subscribers {
		subscription.offer(event)
	}
}

// Subscribe registers a subscriber that buffers up to size events.
func (b *Bus) Subscribe(size int) *Subscription {
	if size < 1 {
		size = 1
	}
	subscription := &Subscription{bus: b, channel: make(chan Event, size)}
	b.mu.Lock()
	b.subscribers[subscription] = struct{}{}
	b.mu.Unlock()
	return subscription
}

// Subscription receives events until Close.
type Subscription struct {
	bus     *Bus
	channel chan Event
	closed  bool
	dropped atomic.Uint64
}

func (s *Subscription) C() <-chan Event { return s.channel }

// Dropped counts events evicted because the subscriber was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unregisters the subscription and closes C. Idempotent.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.bus.subscribers, s)
	close(s.channel)
}

// offer runs with bus.mu held, which serializes it against Close.
func (s *Subscription) offer(event Event) {
	for {
		select {
		case s.channel <- event:
			return
		default:
		}
		select {
		case <-s.channel:
			s.dropped.Add(1)
		default:
		}
	}
}
