// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/patchbay-dev/patchbay/lib/message"
	"github.com/patchbay-dev/patchbay/lib/netutil"
)

// Engine.IO v4 packet types, followed by Socket.IO packet types (which
// ride inside an Engine.IO message packet).
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'

	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioConnectError = '4'
	sioBinaryEvent  = '5'
)

const (
	socketIOPath         = "/socket.io/"
	socketIOPingInterval = 25 * time.Second
	socketIOPingTimeout  = 20 * time.Second
	socketIOHandshake    = 10 * time.Second
)

// sioPacket is a decoded Socket.IO packet on the default namespace.
type sioPacket struct {
	kind byte
	data []byte
}

// parseSocketIO decodes a message packet's body ("2[...]", "0{...}").
// Packets for other namespaces report namespace != "/".
func parseSocketIO(body string) (packet sioPacket, namespace string, err error) {
	if body == "" {
		return sioPacket{}, "", translationError("empty Socket.IO packet")
	}
	packet.kind = body[0]
	rest := body[1:]
	namespace = "/"
	if strings.HasPrefix(rest, "/") {
		end := strings.IndexByte(rest, ',')
		if end < 0 {
			return packet, rest, nil
		}
		namespace, rest = rest[:end], rest[end+1:]
	}
	// Acknowledgement id.
	rest = strings.TrimLeft(rest, "0123456789")
	packet.data = []byte(rest)
	return packet, namespace, nil
}

// decodeEvent splits an event payload into the event name and its
// arguments.
func decodeEvent(data []byte) (string, []json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil || len(items) == 0 {
		return "", nil, translationError("Socket.IO event is not a non-empty array")
	}
	var event string
	if err := json.Unmarshal(items[0], &event); err != nil {
		return "", nil, translationError("Socket.IO event name is not a string")
	}
	return event, items[1:], nil
}

func encodeEvent(event string, payload any) ([]byte, error) {
	data, err := json.Marshal([]any{event, payload})
	if err != nil {
		return nil, err
	}
	return append([]byte{eioMessage, sioEvent}, data...), nil
}

// socketIOAdapter speaks the Socket.IO v5 protocol on the default
// namespace over the Engine.IO v4 WebSocket transport.
type socketIOAdapter struct {
	*base
	namespace    string
	defaultEvent string
	events       map[string]bool
	envelope     envelope
	hub          *wsHub

	mu       sync.Mutex
	endpoint *httpEndpoint
	client   *wsPeer
}

func newSocketIO(spec Spec, options Options) (Adapter, error) {
	if err := requireRole(spec, RoleServer, RoleClient); err != nil {
		return nil, err
	}
	a := &socketIOAdapter{
		namespace:    spec.Option("namespace", "/socketio"),
		defaultEvent: spec.Option("event", "message"),
		envelope:     envelopeFor(spec),
		hub:          newWSHub(),
	}
	if names := spec.ListOption("events", nil); len(names) > 0 {
		a.events = make(map[string]bool, len(names))
		for _, name := range names {
			a.events[name] = true
		}
	}
	a.base = newBase(spec, options, a)
	return a, nil
}

// socketIOURL turns an http(s) or ws(s) base URL into the Engine.IO
// WebSocket endpoint.
func socketIOURL(endpoint string) (string, error) {
	target, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	switch target.Scheme {
	case "http":
		target.Scheme = "ws"
	case "https":
		target.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", target.Scheme)
	}
	if target.Path == "" || target.Path == "/" {
		target.Path = socketIOPath
	}
	query := target.Query()
	query.Set("EIO", "4")
	query.Set("transport", "websocket")
	target.RawQuery = query.Encode()
	return target.String(), nil
}

func (a *socketIOAdapter) open(ctx context.Context) (State, error) {
	if a.spec.Role == RoleClient {
		peer, err := a.dial(ctx)
		if err != nil {
			return StateError, newError(ErrConnectFailed, a.spec.ID, err)
		}
		a.mu.Lock()
		a.client = peer
		a.mu.Unlock()
		return StateConnected, nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc(socketIOPath, a.handleUpgrade)
	endpoint, err := listenHTTP(ctx, a.spec.Endpoint, mux)
	if err != nil {
		return StateError, newError(ErrBindFailed, a.spec.ID, err)
	}
	a.mu.Lock()
	a.endpoint = endpoint
	a.mu.Unlock()
	return StateListening, nil
}

// dial opens the transport and joins the default namespace.
func (a *socketIOAdapter) dial(ctx context.Context) (*wsPeer, error) {
	target, err := socketIOURL(a.spec.Endpoint)
	if err != nil {
		return nil, err
	}
	dialer := &websocket.Dialer{HandshakeTimeout: socketIOHandshake}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, err
	}
	peer := &wsPeer{conn: conn}
	fail := func(err error) (*wsPeer, error) {
		conn.Close()
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(socketIOHandshake))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fail(fmt.Errorf("reading Engine.IO handshake: %w", err))
	}
	if len(data) == 0 || data[0] != eioOpen {
		return fail(fmt.Errorf("expected Engine.IO open packet, got %q", data))
	}
	if err := peer.write(websocket.TextMessage, []byte{eioMessage, sioConnect}); err != nil {
		return fail(fmt.Errorf("joining namespace: %w", err))
	}
	for {
		_, data, err = conn.ReadMessage()
		if err != nil {
			return fail(fmt.Errorf("waiting for namespace join: %w", err))
		}
		if len(data) >= 2 && data[0] == eioMessage && data[1] == sioConnect {
			break
		}
		if len(data) >= 2 && data[0] == eioMessage && data[1] == sioConnectError {
			return fail(fmt.Errorf("server refused namespace: %s", data[2:]))
		}
		if len(data) == 1 && data[0] == eioPing {
			peer.write(websocket.TextMessage, []byte{eioPong})
		}
	}
	_ = conn.SetReadDeadline(time.Time{})
	return peer, nil
}

func (a *socketIOAdapter) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Get("EIO") != "4" || query.Get("transport") != "websocket" {
		writeJSONError(w, http.StatusBadRequest, "only Engine.IO v4 over websocket is supported")
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("socket.io upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	peer := &wsPeer{conn: conn}
	defer a.hub.remove(peer)

	sid := uuid.NewString()
	handshake, _ := json.Marshal(map[string]any{
		"sid":          sid,
		"upgrades":     []string{},
		"pingInterval": socketIOPingInterval.Milliseconds(),
		"pingTimeout":  socketIOPingTimeout.Milliseconds(),
		"maxPayload":   httpMaxBody,
	})
	if err := peer.write(websocket.TextMessage, append([]byte{eioOpen}, handshake...)); err != nil {
		return
	}
	if err := a.readLoop(peer, sid); err != nil {
		a.logger.Debug("socket.io peer dropped", "remote", r.RemoteAddr, "error", err)
	}
}

// readLoop handles Engine.IO packets until the peer goes away. sid is
// empty on the client side.
func (a *socketIOAdapter) readLoop(peer *wsPeer, sid string) error {
	for {
		_, data, err := peer.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || netutil.IsExpectedCloseError(err) {
				return nil
			}
			return err
		}
		if len(data) == 0 {
			continue
		}
		switch data[0] {
		case eioPing:
			if err := peer.write(websocket.TextMessage, []byte{eioPong}); err != nil {
				return err
			}
			continue
		case eioPong:
			continue
		case eioClose:
			return nil
		case eioMessage:
		default:
			continue
		}

		packet, namespace, err := parseSocketIO(string(data[1:]))
		if err != nil {
			a.reportTranslation(err, peer.conn.RemoteAddr().String())
			continue
		}
		if namespace != "/" {
			if packet.kind == sioConnect && sid != "" {
				refusal := fmt.Sprintf(`%c%c%s,{"message":"Invalid namespace"}`, eioMessage, sioConnectError, namespace)
				peer.write(websocket.TextMessage, []byte(refusal))
			}
			continue
		}

		switch packet.kind {
		case sioConnect:
			if sid == "" {
				continue
			}
			reply, _ := json.Marshal(map[string]string{"sid": sid})
			if err := peer.write(websocket.TextMessage, append([]byte{eioMessage, sioConnect}, reply...)); err != nil {
				return err
			}
			a.hub.add(peer)
		case sioDisconnect:
			return nil
		case sioEvent:
			m, ok, err := a.decode(packet.data)
			if err != nil {
				a.reportTranslation(err, peer.conn.RemoteAddr().String())
				continue
			}
			if ok {
				a.emit(m)
			}
		case sioBinaryEvent:
			a.reportTranslation(translationError("binary Socket.IO events are not supported"), peer.conn.RemoteAddr().String())
		}
	}
}

// decode maps an event to a message. ok is false for events outside the
// filter.
func (a *socketIOAdapter) decode(data []byte) (message.Message, bool, error) {
	event, arguments, err := decodeEvent(data)
	if err != nil {
		return message.Message{}, false, err
	}
	if a.events != nil && !a.events[event] {
		return message.Message{}, false, nil
	}

	if len(arguments) == 1 {
		address, value, ok, err := a.envelope.decode(arguments[0])
		if err != nil {
			return message.Message{}, false, err
		}
		if ok {
			return a.newMessage(address, value)
		}
	}
	values := make([]message.Value, 0, len(arguments))
	for i, argument := range arguments {
		value, err := message.ParseJSON(bytes.TrimSpace(argument))
		if err != nil {
			return message.Message{}, false, translationError("event %s argument %d: %v", event, i, err)
		}
		values = append(values, value)
	}
	var value message.Value
	switch len(values) {
	case 0:
		value = message.Null()
	case 1:
		value = values[0]
	default:
		value = message.List(values...)
	}
	return a.newMessage("/"+event, value)
}

func (a *socketIOAdapter) newMessage(path string, value message.Value) (message.Message, bool, error) {
	address := namespaced(a.namespace, path)
	if err := message.ValidateAddress(address); err != nil {
		return message.Message{}, false, translationError("event address: %v", err)
	}
	return message.New(message.SocketIO, address, value), true, nil
}

func (a *socketIOAdapter) run(ctx context.Context) error {
	a.mu.Lock()
	endpoint, client := a.endpoint, a.client
	a.mu.Unlock()
	if client != nil {
		err := a.readLoop(client, "")
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("server closed the session")
		}
		return err
	}
	if endpoint == nil {
		<-ctx.Done()
		return nil
	}

	go a.pingPeers(ctx)
	return endpoint.serve()
}

// pingPeers sends Engine.IO heartbeats; v4 servers initiate them.
func (a *socketIOAdapter) pingPeers(ctx context.Context) {
	ticker := a.clock.NewTicker(socketIOPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			a.hub.broadcast(websocket.TextMessage, []byte{eioPing})
		}
	}
}

func (a *socketIOAdapter) send(ctx context.Context, m message.Message) error {
	var (
		data []byte
		err  error
	)
	if path, ok := stripNamespace(a.namespace, m.Address()); ok && path != "/" {
		data, err = encodeEvent(strings.TrimPrefix(path, "/"), m.Value())
	} else {
		var payload []byte
		payload, err = a.envelope.encode(m.Address(), m.Value())
		if err == nil {
			data, err = encodeEvent(a.defaultEvent, json.RawMessage(payload))
		}
	}
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

func (a *socketIOAdapter) close() error {
	a.mu.Lock()
	endpoint, client := a.endpoint, a.client
	a.endpoint, a.client = nil, nil
	a.mu.Unlock()

	if client != nil {
		_ = client.write(websocket.TextMessage, []byte{eioMessage, sioDisconnect})
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
