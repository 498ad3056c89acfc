// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/patchbay-dev/patchbay/lib/message"
	"github.com/patchbay-dev/patchbay/lib/netutil"
)

// websocketAdapter carries JSON envelopes over WebSocket. The server
// role accepts any number of peers and fans outbound messages out to
// all of them; the client role holds one connection.
type websocketAdapter struct {
	*base
	namespace string
	envelope  envelope
	hub       *wsHub

	mu       sync.Mutex
	endpoint *httpEndpoint
	client   *wsPeer
}

func newWebSocket(spec Spec, options Options) (Adapter, error) {
	if err := requireRole(spec, RoleServer, RoleClient); err != nil {
		return nil, err
	}
	a := &websocketAdapter{
		namespace: spec.Option("namespace", ""),
		envelope:  envelopeFor(spec),
		hub:       newWSHub(),
	}
	a.base = newBase(spec, options, a)
	return a, nil
}

func (a *websocketAdapter) open(ctx context.Context) (State, error) {
	if a.spec.Role == RoleClient {
		dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.DialContext(ctx, a.spec.Endpoint, nil)
		if err != nil {
			return StateError, newError(ErrConnectFailed, a.spec.ID, err)
		}
		a.mu.Lock()
		a.client = &wsPeer{conn: conn}
		a.mu.Unlock()
		return StateConnected, nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc(a.spec.Option("path", "/"), a.handleUpgrade)
	endpoint, err := listenHTTP(ctx, a.spec.Endpoint, mux)
	if err != nil {
		return StateError, newError(ErrBindFailed, a.spec.ID, err)
	}
	a.mu.Lock()
	a.endpoint = endpoint
	a.mu.Unlock()
	return StateListening, nil
}

func (a *websocketAdapter) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	peer := &wsPeer{conn: conn}
	a.hub.add(peer)
	defer a.hub.remove(peer)
	a.logger.Debug("websocket peer connected", "remote", r.RemoteAddr, "peers", a.hub.len())
	if err := a.readLoop(conn); err != nil {
		a.logger.Debug("websocket peer dropped", "remote", r.RemoteAddr, "error", err)
	}
}

func (a *websocketAdapter) run(ctx context.Context) error {
	a.mu.Lock()
	endpoint, client := a.endpoint, a.client
	a.mu.Unlock()
	if client != nil {
		err := a.readLoop(client.conn)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("server closed the connection")
		}
		return err
	}
	if endpoint == nil {
		<-ctx.Done()
		return nil
	}
	return endpoint.serve()
}

// readLoop translates frames until the connection ends. A clean close
// returns nil.
func (a *websocketAdapter) readLoop(conn *websocket.Conn) error {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || netutil.IsExpectedCloseError(err) {
				return nil
			}
			return err
		}
		m, err := a.decode(messageType, data)
		if err != nil {
			a.reportTranslation(err, conn.RemoteAddr().String())
			continue
		}
		a.emit(m)
	}
}

func (a *websocketAdapter) decode(messageType int, data []byte) (message.Message, error) {
	if messageType == websocket.BinaryMessage {
		return message.New(message.WebSocket, namespaced(a.namespace, "/binary"), message.Bytes(data)), nil
	}
	address, value, ok, err := a.envelope.decode(data)
	if err != nil {
		return message.Message{}, err
	}
	if !ok {
		return message.New(message.WebSocket, namespaced(a.namespace, "/text"), message.String(string(data))), nil
	}
	address = namespaced(a.namespace, address)
	if err := message.ValidateAddress(address); err != nil {
		return message.Message{}, translationError("envelope address: %v", err)
	}
	return message.New(message.WebSocket, address, value), nil
}

func (a *websocketAdapter) send(ctx context.Context, m message.Message) error {
	address, ok := stripNamespace(a.namespace, m.Address())
	if !ok {
		return translationError("%s is outside WebSocket namespace %s", m.Address(), a.namespace)
	}
	data, err := a.envelope.encode(address, m.Value())
	if err != nil {
		return translationError("encoding %s: %v", m.Address(), err)
	}

	a.mu.Lock()
	client, endpoint := a.client, a.endpoint
	a.mu.Unlock()
	switch {
	case client != nil:
		if err := client.write(websocket.TextMessage, data); err != nil {
			return fmt.Errorf("writing to %s: %w", a.spec.Endpoint, err)
		}
		return nil
	case endpoint != nil:
		return a.hub.broadcast(websocket.TextMessage, data)
	}
	return newError(ErrNotRunning, a.spec.ID, nil)
}

func (a *websocketAdapter) close() error {
	a.mu.Lock()
	endpoint, client := a.endpoint, a.client
	a.endpoint, a.client = nil, nil
	a.mu.Unlock()

	if client != nil {
		_ = client.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err := client.conn.Close(); err != nil && !netutil.IsExpectedCloseError(err) {
			return err
		}
		return nil
	}
	if endpoint != nil {
		err := endpoint.close()
		a.hub.closeAll()
		return err
	}
	return nil
}
