// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/patchbay-dev/patchbay/lib/wire"
)

// FrameConn is a connection that carries whole router frames. Reads
// and writes may run concurrently with each other; WriteFrame is safe
// for concurrent use.
type FrameConn interface {
	ReadFrame() (wire.Frame, error)
	WriteFrame(frame wire.Frame) error
	Close() error

	// RemoteAddr identifies the far end for logs.
	RemoteAddr() string
}

// Handler takes ownership of an accepted connection.
type Handler func(ctx context.Context, conn FrameConn)

// Listener accepts router clients.
type Listener interface {
	// Serve accepts connections and passes each to handler until ctx
	// is cancelled or Close is called. It returns nil on clean
	// shutdown.
	Serve(ctx context.Context, handler Handler) error

	// Address is what clients dial.
	Address() string

	Close() error
}

// Dialer opens a connection to a router.
type Dialer interface {
	DialContext(ctx context.Context, address string) (FrameConn, error)
}

// DialerFor picks the dialer for a router address. "ws://" and "wss://"
// addresses use WebSocket; "tcp://" and bare host:port use TCP. The
// returned address is what the dialer expects.
func DialerFor(address string) (Dialer, string, error) {
	switch {
	case strings.HasPrefix(address, "ws://"), strings.HasPrefix(address, "wss://"):
		return &WebSocketDialer{}, address, nil
	case strings.HasPrefix(address, "tcp://"):
		return &TCPDialer{}, strings.TrimPrefix(address, "tcp://"), nil
	case strings.Contains(address, "://"):
		return nil, "", fmt.Errorf("unsupported router address %q", address)
	}
	return &TCPDialer{}, address, nil
}
