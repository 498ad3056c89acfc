// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/patchbay-dev/patchbay/lib/netutil"
)

const wsWriteTimeout = 10 * time.Second

// wsPeer serialises writes to one connection; gorilla allows a single
// concurrent writer.
type wsPeer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *wsPeer) write(messageType int, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return p.conn.WriteMessage(messageType, data)
}

// wsHub is the set of connected peers of a server-role adapter.
type wsHub struct {
	mu    sync.Mutex
	peers map[*wsPeer]struct{}
}

func newWSHub() *wsHub {
	return &wsHub{peers: make(map[*wsPeer]struct{})}
}

func (h *wsHub) add(peer *wsPeer) {
	h.mu.Lock()
	h.peers[peer] = struct{}{}
	h.mu.Unlock()
}

// remove forgets peer and closes its connection.
func (h *wsHub) remove(peer *wsPeer) {
	h.mu.Lock()
	delete(h.peers, peer)
	h.mu.Unlock()
	peer.conn.Close()
}

func (h *wsHub) snapshot() []*wsPeer {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := make([]*wsPeer, 0, len(h.peers))
	for peer := range h.peers {
		peers = append(peers, peer)
	}
	return peers
}

func (h *wsHub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// broadcast writes to every peer and returns the first failure. Peers
// that fail are dropped.
func (h *wsHub) broadcast(messageType int, data []byte) error {
	var firstErr error
	for _, peer := range h.snapshot() {
		if err := peer.write(messageType, data); err != nil {
			h.remove(peer)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (h *wsHub) closeAll() {
	for _, peer := range h.snapshot() {
		h.remove(peer)
	}
}

// httpEndpoint is a listener plus the server running on it. Server-role
// WebSocket, HTTP and Socket.IO adapters share it.
type httpEndpoint struct {
	listener net.Listener
	server   *http.Server
}

func listenHTTP(ctx context.Context, address string, handler http.Handler) (*httpEndpoint, error) {
	listener, err := netutil.ListenTCP(ctx, address)
	if err != nil {
		return nil, err
	}
	return &httpEndpoint{
		listener: listener,
		server:   &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second},
	}, nil
}

// serve blocks until close.
func (e *httpEndpoint) serve() error {
	err := e.server.Serve(e.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (e *httpEndpoint) close() error {
	return e.server.Close()
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}
