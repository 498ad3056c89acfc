// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/patchbay-dev/patchbay/lib/events"
	"github.com/patchbay-dev/patchbay/lib/wire"
)

// recentlyClosed bounds how many finished correlation ids the relay
// remembers. Late signals for a remembered id are dropped quietly
// instead of counting as routing errors.
const recentlyClosed = 256

// SignalEndpoint is a peer that can receive relayed signals.
// DeliverSignal must not block: endpoints queue internally.
type SignalEndpoint interface {
	DeliverSignal(signal wire.Signal)
}

// pairing records the two parties of a signaling session.
type pairing struct {
	offerer  string
	answerer string
}

func (p pairing) counterpart(peer string) (string, bool) {
	switch peer {
	case p.offerer:
		return p.answerer, true
	case p.answerer:
		return p.offerer, true
	}
	return "", false
}

// relay is the loop-owned signaling registry.
type relay struct {
	core     *Core
	peers    map[string]SignalEndpoint
	sessions map[string]pairing
	closed   map[string]struct{}
	closedAt []string
}

func newRelay(core *Core) *relay {
	r := &relay{core: core}
	r.reset()
	return r
}

func (r *relay) reset() {
	r.peers = make(map[string]SignalEndpoint)
	r.sessions = make(map[string]pairing)
	r.closed = make(map[string]struct{})
	r.closedAt = nil
}

func (r *relay) remember(correlationID string) {
	delete(r.sessions, correlationID)
	if _, ok := r.closed[correlationID]; ok {
		return
	}
	r.closed[correlationID] = struct{}{}
	r.closedAt = append(r.closedAt, correlationID)
	if len(r.closedAt) > recentlyClosed {
		delete(r.closed, r.closedAt[0])
		r.closedAt = r.closedAt[1:]
	}
}

// AttachPeer makes peerID reachable for relayed signals.
func (c *Core) AttachPeer(ctx context.Context, peerID string, endpoint SignalEndpoint) error {
	if peerID == "" {
		return fmt.Errorf("%w: empty peer id", ErrUnknownPeer)
	}
	err := c.call(ctx, func() error {
		if _, exists := c.relay.peers[peerID]; exists {
			return fmt.Errorf("%w: %s", ErrPeerExists, peerID)
		}
		c.relay.peers[peerID] = endpoint
		c.metrics.peers.Set(float64(len(c.relay.peers)))
		return nil
	})
	if err == nil {
		c.logger.Info("signaling peer attached", "peer", peerID)
		c.events.Publish(events.Event{Kind: events.PeerAttached, Source: peerID})
	}
	return err
}

// DetachPeer removes peerID. Every session it was party to is closed
// and the counterpart receives a SessionClose.
func (c *Core) DetachPeer(ctx context.Context, peerID string) error {
	err := c.call(ctx, func() error {
		if _, exists := c.relay.peers[peerID]; !exists {
			return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
		}
		delete(c.relay.peers, peerID)
		c.metrics.peers.Set(float64(len(c.relay.peers)))
		for correlationID, pair := range c.relay.sessions {
			other, involved := pair.counterpart(peerID)
			if !involved {
				continue
			}
			c.relay.remember(correlationID)
			if endpoint, ok := c.relay.peers[other]; ok {
				endpoint.DeliverSignal(wire.Signal{
					Kind:          wire.SignalSessionClose,
					CorrelationID: correlationID,
					From:          peerID,
					To:            other,
					Reason:        "peer disconnected",
				})
			}
		}
		return nil
	})
	if err == nil {
		c.logger.Info("signaling peer detached", "peer", peerID)
		c.events.Publish(events.Event{Kind: events.PeerDetached, Source: peerID})
	}
	return err
}

// ForwardSignal relays a signal sent by peer from. An Offer registers
// its correlation id against (from, To); every other kind is routed to
// the other party of the registered pair. Unroutable signals are
// dropped, counted once in SignalErrors, and reported through the
// returned error and an event.
func (c *Core) ForwardSignal(ctx context.Context, from string, signal wire.Signal) error {
	var silent bool
	err := c.call(ctx, func() error {
		var err error
		silent, err = c.relay.forward(from, signal)
		return err
	})
	if err == nil || errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if silent {
		c.logger.Debug("dropping signal for finished session",
			"kind", signal.Kind, "correlation_id", signal.CorrelationID, "from", from)
		return err
	}
	c.signalErrors.Add(1)
	c.metrics.signalErrors.Inc()
	c.logger.Warn("dropping unroutable signal",
		"kind", signal.Kind, "correlation_id", signal.CorrelationID, "from", from, "error", err)
	c.events.Publish(events.Event{
		Kind:   events.SignalDropped,
		Source: from,
		Detail: signal.CorrelationID,
		Err:    err,
	})
	return err
}

// forward runs on the loop. silent reports a drop that is not a routing
// error (a late signal for a session that already closed).
func (r *relay) forward(from string, signal wire.Signal) (silent bool, err error) {
	if err := signal.Validate(); err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidSignal, err)
	}
	if _, ok := r.peers[from]; !ok {
		return false, fmt.Errorf("%w: sender %s", ErrUnknownPeer, from)
	}
	signal.From = from
	id := signal.CorrelationID

	if signal.Kind == wire.SignalOffer {
		if _, exists := r.sessions[id]; exists {
			return false, fmt.Errorf("%w: %s", ErrSessionExists, id)
		}
		if _, finished := r.closed[id]; finished {
			return false, fmt.Errorf("%w: %s was closed", ErrSessionExists, id)
		}
		target, ok := r.peers[signal.To]
		if !ok || signal.To == from {
			return false, fmt.Errorf("%w: offer target %q", ErrUnknownPeer, signal.To)
		}
		r.sessions[id] = pairing{offerer: from, answerer: signal.To}
		target.DeliverSignal(signal)
		r.core.metrics.signalsForwarded.Inc()
		return false, nil
	}

	pair, ok := r.sessions[id]
	if !ok {
		if _, finished := r.closed[id]; finished {
			return true, fmt.Errorf("%w: %s already closed", ErrUnknownSession, id)
		}
		return false, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	other, involved := pair.counterpart(from)
	if !involved {
		return false, fmt.Errorf("%w: %s on %s", ErrNotParticipant, from, id)
	}
	signal.To = other
	if signal.Kind == wire.SignalSessionClose {
		r.remember(id)
	}
	target, ok := r.peers[other]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownPeer, other)
	}
	target.DeliverSignal(signal)
	r.core.metrics.signalsForwarded.Inc()
	return false, nil
}

// Sessions returns the number of registered signaling sessions.
func (c *Core) Sessions(ctx context.Context) (int, error) {
	var count int
	err := c.call(ctx, func() error {
		count = len(c.relay.sessions)
		return nil
	})
	return count, err
}
