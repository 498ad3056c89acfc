// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/patchbay-dev/patchbay/lib/wire"
	"github.com/patchbay-dev/patchbay/signaling"
)

var _ FrameConn = (*SessionConn)(nil)

// SessionConn carries frames over a connected peer session, one frame
// per data channel message.
type SessionConn struct {
	manager *signaling.Manager
	session *signaling.Session
}

func NewSessionConn(manager *signaling.Manager, session *signaling.Session) *SessionConn {
	return &SessionConn{manager: manager, session: session}
}

func (c *SessionConn) ReadFrame() (wire.Frame, error) {
	select {
	case data, ok := <-c.session.Data():
		if !ok {
			return wire.Frame{}, io.EOF
		}
		frame, err := wire.Decode(data)
		if err != nil {
			return wire.Frame{}, fmt.Errorf("%w: %v", wire.ErrInvalidPayload, err)
		}
		return frame, nil
	case <-c.session.Done():
		return wire.Frame{}, io.EOF
	}
}

func (c *SessionConn) WriteFrame(frame wire.Frame) error {
	data, err := wire.Encode(frame)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", frame.Type, err)
	}
	return c.session.SendData(data)
}

// Close ends the session, telling the remote peer.
func (c *SessionConn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.manager.CloseSession(ctx, c.session.ID())
}

func (c *SessionConn) RemoteAddr() string { return "p2p:" + c.session.Peer() }
