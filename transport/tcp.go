// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/patchbay-dev/patchbay/lib/codec"
	"github.com/patchbay-dev/patchbay/lib/wire"
)

// Compile-time interface checks.
var (
	_ Listener  = (*TCPListener)(nil)
	_ Dialer    = (*TCPDialer)(nil)
	_ FrameConn = (*tcpConn)(nil)
)

// writeTimeout bounds one frame write so a stalled client cannot hold
// a writer forever.
const writeTimeout = 10 * time.Second

// tcpConn frames a TCP connection as a stream of CBOR items, one per
// frame.
type tcpConn struct {
	conn    net.Conn
	decoder *codec.Decoder

	writeMu sync.Mutex
	writer  *bufio.Writer
	encoder *codec.Encoder
}

func newTCPConn(conn net.Conn) *tcpConn {
	writer := bufio.NewWriter(conn)
	return &tcpConn{
		conn:    conn,
		decoder: codec.NewDecoder(bufio.NewReader(conn)),
		writer:  writer,
		encoder: codec.NewEncoder(writer),
	}
}

func (c *tcpConn) ReadFrame() (wire.Frame, error) {
	var frame wire.Frame
	if err := c.decoder.Decode(&frame); err != nil {
		return wire.Frame{}, err
	}
	return frame, nil
}

func (c *tcpConn) WriteFrame(frame wire.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.encoder.Encode(frame); err != nil {
		return fmt.Errorf("encoding %s frame: %w", frame.Type, err)
	}
	return c.writer.Flush()
}

func (c *tcpConn) Close() error       { return c.conn.Close() }
func (c *tcpConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// TCPListener accepts router clients on a TCP port.
type TCPListener struct {
	listener net.Listener
}

// NewTCPListener listens on address (e.g. ":7400"). Use ":0" for a
// random available port.
func NewTCPListener(address string) (*TCPListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &TCPListener{listener: listener}, nil
}

func (l *TCPListener) Serve(ctx context.Context, handler Handler) error {
	stop := context.AfterFunc(ctx, func() { l.listener.Close() })
	defer stop()

	var handlers sync.WaitGroup
	defer handlers.Wait()
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		handlers.Add(1)
		go func() {
			defer handlers.Done()
			handler(ctx, newTCPConn(conn))
		}()
	}
}

// Address returns the listening address in "host:port" format.
func (l *TCPListener) Address() string {
	return l.listener.Addr().String()
}

func (l *TCPListener) Close() error {
	err := l.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// TCPDialer opens TCP connections to a router.
type TCPDialer struct {
	// Timeout bounds connection establishment. Zero means only the
	// context deadline applies.
	Timeout time.Duration
}

func (d *TCPDialer) DialContext(ctx context.Context, address string) (FrameConn, error) {
	conn, err := (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return newTCPConn(conn), nil
}
