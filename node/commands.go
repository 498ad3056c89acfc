// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"

	"github.com/patchbay-dev/patchbay/adapter"
	"github.com/patchbay-dev/patchbay/bridge"
	"github.com/patchbay-dev/patchbay/lib/message"
	"github.com/patchbay-dev/patchbay/router"
	"github.com/patchbay-dev/patchbay/signaling"
)

// StartAdapter quick-connects an adapter to the router as an implicit
// bridge and returns the bridge id.
func (n *Node) StartAdapter(ctx context.Context, spec adapter.Spec, subscriptions ...string) (string, error) {
	if err := n.running(); err != nil {
		return "", err
	}
	n.persist.Lock()
	defer n.persist.Unlock()
	id, err := n.bridges.QuickConnect(ctx, spec, subscriptions...)
	if err != nil {
		return "", err
	}
	n.save()
	return id, nil
}

func (n *Node) CreateBridge(ctx context.Context, request bridge.Request) (string, error) {
	if err := n.running(); err != nil {
		return "", err
	}
	n.persist.Lock()
	defer n.persist.Unlock()
	id, err := n.bridges.CreateBridge(ctx, request)
	if err != nil {
		return "", err
	}
	n.save()
	return id, nil
}

func (n *Node) DestroyBridge(ctx context.Context, id string) error {
	if err := n.running(); err != nil {
		return err
	}
	n.persist.Lock()
	defer n.persist.Unlock()
	if err := n.bridges.DestroyBridge(ctx, id); err != nil {
		return err
	}
	n.save()
	return nil
}

func (n *Node) Subscribe(ctx context.Context, id, pattern string) error {
	if err := n.running(); err != nil {
		return err
	}
	n.persist.Lock()
	defer n.persist.Unlock()
	if err := n.bridges.Subscribe(ctx, id, pattern); err != nil {
		return err
	}
	n.save()
	return nil
}

func (n *Node) Unsubscribe(ctx context.Context, id, pattern string) error {
	if err := n.running(); err != nil {
		return err
	}
	n.persist.Lock()
	defer n.persist.Unlock()
	if err := n.bridges.Unsubscribe(ctx, id, pattern); err != nil {
		return err
	}
	n.save()
	return nil
}

// StartSession offers a P2P session from the router's own peer to
// peer. An empty correlationID is generated.
func (n *Node) StartSession(ctx context.Context, peer, correlationID string) (*signaling.Session, error) {
	if err := n.running(); err != nil {
		return nil, err
	}
	return n.signaling.StartSession(ctx, peer, correlationID)
}

func (n *Node) CloseSession(ctx context.Context, id string) error {
	if err := n.running(); err != nil {
		return err
	}
	return n.signaling.CloseSession(ctx, id)
}

// Bridges lists every bridge, implicit ones included.
func (n *Node) Bridges() []bridge.Info {
	if n.running() != nil {
		return nil
	}
	return n.bridges.List()
}

// Servers lists the bridges whose source adapter listens for clients.
func (n *Node) Servers() []bridge.Info {
	if n.running() != nil {
		return nil
	}
	return n.bridges.Servers()
}

// Sessions lists the router peer's signaling sessions.
func (n *Node) Sessions() []signaling.Info {
	if n.running() != nil {
		return nil
	}
	return n.signaling.Sessions()
}

// Stats snapshots the router core's counters.
func (n *Node) Stats() router.Stats {
	if n.running() != nil {
		return router.Stats{}
	}
	return n.core.Stats()
}

// Snapshot returns the last value routed to each address matching
// pattern.
func (n *Node) Snapshot(ctx context.Context, pattern string) ([]message.Message, error) {
	if err := n.running(); err != nil {
		return nil, err
	}
	return n.core.Snapshot(ctx, pattern)
}
