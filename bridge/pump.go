// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/patchbay-dev/patchbay/adapter"
	"github.com/patchbay-dev/patchbay/lib/events"
	"github.com/patchbay-dev/patchbay/lib/message"
	"github.com/patchbay-dev/patchbay/lib/stream"
	"github.com/patchbay-dev/patchbay/router"
)

// destination delivers routed messages to a router connection's
// adapter.
type destination struct {
	id      string
	adapter adapter.Adapter
}

func (d destination) ID() string { return d.id }

func (d destination) Deliver(ctx context.Context, m message.Message) error {
	return d.adapter.Send(ctx, m)
}

// startPumps launches the goroutines that move a bridge's messages.
// Every pump exits when ctx is cancelled or its inbound stream closes.
func (m *Manager) startPumps(ctx context.Context, e *entry, sourceMessages, targetMessages <-chan message.Message) {
	switch e.config.Kind {
	case RouterConnection:
		e.pumps.Add(1)
		go func() {
			defer e.pumps.Done()
			m.dispatch(ctx, e, sourceMessages)
		}()
	case Direct:
		toTarget := stream.NewRing[message.Message](m.queueSize)
		toSource := stream.NewRing[message.Message](m.queueSize)
		e.pumps.Add(4)
		go func() {
			defer e.pumps.Done()
			m.collect(ctx, e, e.source, sourceMessages, toTarget)
		}()
		go func() {
			defer e.pumps.Done()
			m.collect(ctx, e, e.target, targetMessages, toSource)
		}()
		go func() {
			defer e.pumps.Done()
			m.deliver(ctx, e, toTarget, e.target)
		}()
		go func() {
			defer e.pumps.Done()
			m.deliver(ctx, e, toSource, e.source)
		}()
	}
}

// dispatch feeds a router connection's inbound messages to the core.
func (m *Manager) dispatch(ctx context.Context, e *entry, messages <-chan message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				m.adapterEnded(ctx, e, e.source)
				return
			}
			msg = e.mappings.apply(msg)
			if err := m.core.Dispatch(ctx, msg, e.config.ID); err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, router.ErrClosed) {
					m.logger.Warn("router closed under active bridge", "bridge", e.config.ID)
					return
				}
				m.logger.Debug("dispatch failed", "bridge", e.config.ID, "address", msg.Address(), "error", err)
			}
		}
	}
}

// collect moves one adapter's inbound messages into the ring feeding
// the other side of a direct bridge.
func (m *Manager) collect(ctx context.Context, e *entry, from adapter.Adapter, messages <-chan message.Message, ring *stream.Ring[message.Message]) {
	defer ring.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				m.adapterEnded(ctx, e, from)
				return
			}
			if from == e.source {
				msg = e.mappings.apply(msg)
			}
			if ring.Push(msg) {
				m.logger.Debug("direct bridge full, dropped oldest message",
					"bridge", e.config.ID, "from", from.ID(), "address", msg.Address())
			}
		}
	}
}

// deliver drains a ring into an adapter.
func (m *Manager) deliver(ctx context.Context, e *entry, ring *stream.Ring[message.Message], to adapter.Adapter) {
	for {
		msg, err := ring.Pop(ctx)
		if err != nil {
			return
		}
		if err := to.Send(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Debug("direct delivery failed", "bridge", e.config.ID, "to", to.ID(), "address", msg.Address(), "error", err)
			m.events.Publish(events.Event{
				Kind:   events.DeliveryError,
				Source: e.config.ID,
				Detail: msg.Address(),
				Err:    err,
			})
		}
	}
}

// adapterEnded handles an inbound stream closing while the bridge is
// still wanted: the adapter failed or was stopped from outside.
func (m *Manager) adapterEnded(ctx context.Context, e *entry, a adapter.Adapter) {
	if ctx.Err() != nil {
		return
	}
	err := a.LastError()
	if err == nil {
		err = fmt.Errorf("adapter %s stopped", a.ID())
	}
	m.fail(e, err)
}

// fail moves an active bridge to Error and, for a router connection,
// out of the routing table in the same step.
func (m *Manager) fail(e *entry, cause error) {
	id := e.config.ID
	mark := func(tx *router.Tx) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.bridges[id] != e || e.status != StatusActive {
			return errStale
		}
		e.status = StatusError
		e.lastErr = cause
		if tx != nil && e.config.Kind == RouterConnection {
			tx.Detach(id)
		}
		return nil
	}
	err := m.core.Update(context.Background(), mark)
	if errors.Is(err, router.ErrClosed) {
		err = mark(nil)
	}
	if err != nil {
		return
	}

	m.logger.Warn("bridge failed", "bridge", id, "error", cause)
	m.events.Publish(events.Event{
		Kind:   events.BridgeState,
		Source: id,
		State:  string(StatusError),
		Err:    cause,
	})
}

var errStale = errors.New("bridge changed")
