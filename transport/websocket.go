// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/patchbay-dev/patchbay/lib/wire"
)

var (
	_ Listener  = (*WebSocketListener)(nil)
	_ Dialer    = (*WebSocketDialer)(nil)
	_ FrameConn = (*wsConn)(nil)
)

// LinkPath is the HTTP path WebSocket clients upgrade on.
const LinkPath = "/link"

// wsConn carries one CBOR frame per binary WebSocket message.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) ReadFrame() (wire.Frame, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return wire.Frame{}, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		frame, err := wire.Decode(data)
		if err != nil {
			return wire.Frame{}, fmt.Errorf("%w: %v", wire.ErrInvalidPayload, err)
		}
		return frame, nil
	}
}

func (c *wsConn) WriteFrame(frame wire.Frame) error {
	data, err := wire.Encode(frame)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", frame.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// WebSocketListener accepts router clients upgrading on LinkPath.
type WebSocketListener struct {
	listener net.Listener
	server   *http.Server
}

func NewWebSocketListener(address string) (*WebSocketListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &WebSocketListener{listener: listener}, nil
}

var linkUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (l *WebSocketListener) Serve(ctx context.Context, handler Handler) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+LinkPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := linkUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(ctx, &wsConn{conn: conn})
	})
	l.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	stop := context.AfterFunc(ctx, func() { l.server.Close() })
	defer stop()

	err := l.server.Serve(l.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Address is the ws:// URL clients dial.
func (l *WebSocketListener) Address() string {
	return "ws://" + l.listener.Addr().String() + LinkPath
}

func (l *WebSocketListener) Close() error {
	if l.server != nil {
		return l.server.Close()
	}
	return l.listener.Close()
}

// WebSocketDialer opens WebSocket links. A bare host:port address is
// dialed as ws://host:port/link.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
}

func (d *WebSocketDialer) DialContext(ctx context.Context, address string) (FrameConn, error) {
	if !strings.Contains(address, "://") {
		address = "ws://" + address + LinkPath
	}
	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := &websocket.Dialer{HandshakeTimeout: timeout}
	conn, response, err := dialer.DialContext(ctx, address, nil)
	if response != nil && response.Body != nil {
		response.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}
