// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/patchbay-dev/patchbay/lib/clock"
	"github.com/patchbay-dev/patchbay/lib/message"
	"github.com/patchbay-dev/patchbay/lib/stream"
	"github.com/patchbay-dev/patchbay/lib/wire"
)

// ErrClientClosed is returned by operations on a closed Client.
var ErrClientClosed = errors.New("router client closed")

// ClientOptions tunes a Client. The zero value is usable.
type ClientOptions struct {
	HeartbeatInterval time.Duration
	QueueSize         int
	Logger            *slog.Logger
	Clock             clock.Clock
}

// Client is a peer's connection to a router.
type Client struct {
	conn   FrameConn
	peerID string
	logger *slog.Logger
	clock  clock.Clock
	out    *outbox
	inbox  *stream.Unbounded[message.Message]

	cancel    context.CancelFunc
	workers   sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	err      error
	onSignal func(wire.Signal)
	held     []wire.Signal
}

// Dial connects to the router at address and announces peerID.
func Dial(ctx context.Context, dialer Dialer, address, peerID string, options ClientOptions) (*Client, error) {
	if peerID == "" {
		return nil, errors.New("dialing router: peer id is required")
	}
	conn, err := dialer.DialContext(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("dialing router %s: %w", address, err)
	}
	return NewClient(conn, peerID, options), nil
}

// NewClient runs the client protocol on an established connection.
func NewClient(conn FrameConn, peerID string, options ClientOptions) *Client {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.HeartbeatInterval <= 0 {
		options.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if options.QueueSize <= 0 {
		options.QueueSize = defaultLinkQueue
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:   conn,
		peerID: peerID,
		logger: logger.With("peer_id", peerID, "router", conn.RemoteAddr()),
		clock:  options.Clock,
		out:    newOutbox(options.QueueSize),
		inbox:  stream.NewUnbounded[message.Message](),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.out.pushControl(wire.HeartbeatFrame(peerID, c.clock.Now()))

	c.workers.Add(3)
	go func() {
		defer c.workers.Done()
		c.readLoop()
	}()
	go func() {
		defer c.workers.Done()
		c.writeLoop(ctx)
	}()
	go func() {
		defer c.workers.Done()
		c.heartbeat(ctx, options.HeartbeatInterval)
	}()
	return c
}

func (c *Client) PeerID() string { return c.peerID }

// Messages yields data routed to this client. It is closed when the
// connection ends.
func (c *Client) Messages() <-chan message.Message { return c.inbox.Out() }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended, nil after a local Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Publish(ctx context.Context, m message.Message) error {
	if c.closed() {
		return ErrClientClosed
	}
	if c.out.pushData(wire.DataFrame(m)) {
		c.logger.Debug("client queue full, dropped oldest frame")
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, pattern string) error {
	return c.control(wire.SubscribeFrame(pattern, true))
}

func (c *Client) Unsubscribe(ctx context.Context, pattern string) error {
	return c.control(wire.SubscribeFrame(pattern, false))
}

// SendSignal relays a signal through the router. It satisfies
// signaling.Signaler.
func (c *Client) SendSignal(ctx context.Context, signal wire.Signal) error {
	frame, err := wire.SignalFrame(signal)
	if err != nil {
		return err
	}
	return c.control(frame)
}

// OnSignal sets the handler for relayed signals. Signals that arrived
// before a handler was set are delivered to it first.
func (c *Client) OnSignal(handler func(wire.Signal)) {
	c.mu.Lock()
	c.onSignal = handler
	held := c.held
	c.held = nil
	c.mu.Unlock()
	for _, signal := range held {
		handler(signal)
	}
}

func (c *Client) control(frame wire.Frame) error {
	if !c.out.pushControl(frame) {
		return ErrClientClosed
	}
	return nil
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close ends the connection after flushing queued frames for up to
// one write timeout.
func (c *Client) Close() error {
	c.out.close()
	flushed := make(chan struct{})
	go func() {
		c.workers.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-time.After(writeTimeout):
	}
	c.shutdown(nil)
	<-flushed
	return nil
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()
		c.cancel()
		c.out.close()
		c.conn.Close()
		c.inbox.Close()
		close(c.done)
		if cause != nil {
			c.logger.Warn("router connection lost", "error", cause)
		}
	})
}

func (c *Client) readLoop() {
	for {
		frame, err := c.conn.ReadFrame()
		if err != nil {
			c.shutdown(fmt.Errorf("reading frame: %w", err))
			return
		}
		switch frame.Type {
		case wire.FrameData:
			c.inbox.Push(frame.Message(message.Link))
		case wire.FrameSignal:
			signal, err := wire.ParseSignal(frame)
			if err != nil {
				c.logger.Debug("dropping invalid signal", "error", err)
				continue
			}
			c.deliver(signal)
		case wire.FrameHeartbeat:
		default:
			c.logger.Debug("ignoring frame", "type", frame.Type, "address", frame.Address)
		}
	}
}

func (c *Client) deliver(signal wire.Signal) {
	c.mu.Lock()
	handler := c.onSignal
	if handler == nil {
		c.held = append(c.held, signal)
	}
	c.mu.Unlock()
	if handler != nil {
		handler(signal)
	}
}

// writeLoop drains the outbox. It exits once the outbox is closed and
// empty, which lets Close flush.
func (c *Client) writeLoop(ctx context.Context) {
	for {
		frame, err := c.out.next(ctx)
		if err != nil {
			if errors.Is(err, errOutboxClosed) {
				c.shutdown(nil)
			}
			return
		}
		if err := c.conn.WriteFrame(frame); err != nil {
			c.shutdown(fmt.Errorf("writing %s frame: %w", frame.Type, err))
			return
		}
	}
}

func (c *Client) heartbeat(ctx context.Context, interval time.Duration) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			c.out.pushControl(wire.HeartbeatFrame(c.peerID, now))
		}
	}
}
