// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/patchbay-dev/patchbay/bridge"
	"github.com/patchbay-dev/patchbay/lib/wire"
	"github.com/patchbay-dev/patchbay/router"
	"github.com/patchbay-dev/patchbay/signaling"
	"github.com/patchbay-dev/patchbay/transport"
)

// link tracks one client connection: its implicit bridge and, once
// the client has said hello, its relay peer.
type link struct {
	node    *Node
	adapter *transport.LinkAdapter

	// Closed once the bridge is attached or refused. Link callbacks
	// wait on it so they never see a half-registered link.
	ready    chan struct{}
	bridgeID string

	mu   sync.Mutex
	peer string
}

// serveLink runs one accepted connection until it ends or ctx is
// cancelled. It is the listeners' handler.
func (n *Node) serveLink(ctx context.Context, conn transport.FrameConn) {
	l := &link{node: n, ready: make(chan struct{})}
	id := "link-" + uuid.NewString()
	l.adapter = transport.NewLinkAdapter(conn, transport.LinkConfig{
		ID:          id,
		Name:        n.core.ID(),
		QueueSize:   n.config.Router.QueueSize,
		Logger:      n.logger,
		Events:      n.events,
		Clock:       n.clock,
		OnHello:     func(peer string) { l.hello(ctx, peer) },
		OnSubscribe: func(pattern string, subscribe bool) { l.subscribe(ctx, pattern, subscribe) },
		OnSignal:    func(signal wire.Signal) { l.signal(ctx, signal) },
	})

	bridgeID, err := n.bridges.Attach(ctx, l.adapter, bridge.Request{
		ID:       id,
		Target:   bridge.RouterTarget(n.core.ID()),
		Implicit: true,
	})
	if err != nil {
		n.logger.Warn("refusing client link", "remote", conn.RemoteAddr(), "error", err)
		close(l.ready)
		l.adapter.Stop()
		conn.Close()
		return
	}
	l.bridgeID = bridgeID
	close(l.ready)
	n.logger.Info("client linked", "bridge", bridgeID, "remote", conn.RemoteAddr())

	select {
	case <-l.adapter.Done():
	case <-ctx.Done():
		l.adapter.Stop()
	}
	l.release()
}

func (l *link) attached() bool {
	<-l.ready
	return l.bridgeID != ""
}

func (l *link) hello(ctx context.Context, peer string) {
	if !l.attached() {
		return
	}
	err := l.node.core.AttachPeer(ctx, peer, l.adapter)
	if errors.Is(err, router.ErrPeerExists) {
		// Sessions served as links belong to a peer already reachable
		// through its signaling link.
		l.node.logger.Debug("peer already attached, link carries data only", "bridge", l.bridgeID, "peer", peer)
		return
	}
	if err != nil {
		l.node.logger.Warn("attaching relay peer", "bridge", l.bridgeID, "peer", peer, "error", err)
		return
	}
	l.mu.Lock()
	l.peer = peer
	l.mu.Unlock()
}

func (l *link) subscribe(ctx context.Context, pattern string, subscribe bool) {
	if !l.attached() {
		return
	}
	var err error
	if subscribe {
		err = l.node.bridges.Subscribe(ctx, l.bridgeID, pattern)
	} else {
		err = l.node.bridges.Unsubscribe(ctx, l.bridgeID, pattern)
	}
	if err != nil {
		l.node.logger.Warn("link subscription", "bridge", l.bridgeID, "pattern", pattern, "subscribe", subscribe, "error", err)
	}
}

// signal relays a client's signal under the peer name it said hello
// with, never the From it claims.
func (l *link) signal(ctx context.Context, signal wire.Signal) {
	if !l.attached() {
		return
	}
	l.mu.Lock()
	peer := l.peer
	l.mu.Unlock()
	if err := l.node.core.ForwardSignal(ctx, peer, signal); err != nil {
		l.node.logger.Debug("relaying client signal", "bridge", l.bridgeID, "peer", peer, "kind", signal.Kind, "error", err)
	}
}

// release detaches the peer and destroys the link's bridge.
func (l *link) release() {
	ctx := context.Background()
	l.mu.Lock()
	peer := l.peer
	l.peer = ""
	l.mu.Unlock()
	if peer != "" {
		if err := l.node.core.DetachPeer(ctx, peer); err != nil && !errors.Is(err, router.ErrClosed) {
			l.node.logger.Debug("detaching relay peer", "peer", peer, "error", err)
		}
	}
	if err := l.node.bridges.DestroyBridge(ctx, l.bridgeID); err != nil {
		l.node.logger.Debug("destroying link bridge", "bridge", l.bridgeID, "error", err)
	}
	l.node.logger.Info("client unlinked", "bridge", l.bridgeID, "peer", peer)
}

// serveSessions serves each connected session offered to the router
// peer as a client link.
func (n *Node) serveSessions(ctx context.Context) {
	var sessions sync.WaitGroup
	defer sessions.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case session, ok := <-n.signaling.Incoming():
			if !ok {
				return
			}
			sessions.Add(1)
			go func() {
				defer sessions.Done()
				n.serveSession(ctx, session)
			}()
		}
	}
}

func (n *Node) serveSession(ctx context.Context, session *signaling.Session) {
	select {
	case <-session.Established():
	case <-session.Done():
		return
	case <-ctx.Done():
		return
	}
	n.serveLink(ctx, transport.NewSessionConn(n.signaling, session))
}
