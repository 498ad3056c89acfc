// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patchbay-dev/patchbay/adapter"
	"github.com/patchbay-dev/patchbay/lib/clock"
	"github.com/patchbay-dev/patchbay/lib/events"
	"github.com/patchbay-dev/patchbay/lib/message"
	"github.com/patchbay-dev/patchbay/lib/stream"
	"github.com/patchbay-dev/patchbay/lib/wire"
)

const (
	// DefaultHeartbeatInterval is how often clients announce themselves.
	DefaultHeartbeatInterval = 5 * time.Second

	// DefaultIdleTimeout closes a link that has sent nothing for three
	// heartbeat intervals.
	DefaultIdleTimeout = 3 * DefaultHeartbeatInterval

	defaultLinkQueue = 1024
)

var _ adapter.Adapter = (*LinkAdapter)(nil)

// LinkConfig configures a LinkAdapter. The callbacks run on the link's
// read goroutine in frame order; a callback that blocks holds up the
// link's inbound traffic.
type LinkConfig struct {
	// ID is the adapter id.
	ID string

	// Name is the router name sent in heartbeat replies.
	Name string

	QueueSize   int
	IdleTimeout time.Duration

	Logger *slog.Logger
	Events *events.Bus
	Clock  clock.Clock

	// OnHello receives the peer name from the first heartbeat.
	OnHello     func(peer string)
	OnSubscribe func(pattern string, subscribe bool)
	OnSignal    func(signal wire.Signal)
}

// LinkAdapter is the router side of one client connection, presented
// as an adapter of protocol link. It runs once: after the connection
// ends it cannot be restarted.
type LinkAdapter struct {
	config LinkConfig
	conn   FrameConn
	logger *slog.Logger
	clock  clock.Clock
	out    *outbox

	lifecycle sync.Mutex
	started   bool
	cancel    context.CancelFunc
	workers   sync.WaitGroup
	done      chan struct{}
	endOnce   sync.Once

	mu      sync.Mutex
	state   adapter.State
	lastErr error
	peer    string
	inbox   *stream.Unbounded[message.Message]

	lastSeen atomic.Int64
}

func NewLinkAdapter(conn FrameConn, config LinkConfig) *LinkAdapter {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaultLinkQueue
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	return &LinkAdapter{
		config: config,
		conn:   conn,
		logger: logger.With("adapter", config.ID, "protocol", message.Link.String(), "remote", conn.RemoteAddr()),
		clock:  config.Clock,
		out:    newOutbox(config.QueueSize),
		done:   make(chan struct{}),
		inbox:  stream.NewUnbounded[message.Message](),
	}
}

func (l *LinkAdapter) ID() string                 { return l.config.ID }
func (l *LinkAdapter) Protocol() message.Protocol { return message.Link }
func (l *LinkAdapter) Role() adapter.Role         { return adapter.RoleServer }
func (l *LinkAdapter) Endpoint() string           { return l.conn.RemoteAddr() }

func (l *LinkAdapter) State() adapter.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *LinkAdapter) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// Peer is the name the client announced, empty until its first
// heartbeat.
func (l *LinkAdapter) Peer() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peer
}

func (l *LinkAdapter) Messages() <-chan message.Message { return l.inbox.Out() }

// Done is closed once the connection has ended for any reason.
func (l *LinkAdapter) Done() <-chan struct{} { return l.done }

// DroppedFrames counts data frames evicted from the write queue.
func (l *LinkAdapter) DroppedFrames() uint64 { return l.out.droppedCount() }

func (l *LinkAdapter) setState(state adapter.State, err error) {
	l.mu.Lock()
	l.state = state
	if err != nil {
		l.lastErr = err
	}
	l.mu.Unlock()

	l.config.Events.Publish(events.Event{Kind: events.AdapterState, Source: l.config.ID, State: state.String(), Err: err})
	if err != nil {
		l.logger.Warn("link state changed", "state", state.String(), "error", err)
	} else {
		l.logger.Info("link state changed", "state", state.String())
	}
}

func (l *LinkAdapter) Start(ctx context.Context) error {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()

	if l.started {
		if l.State().Running() {
			return &adapter.Error{Kind: adapter.ErrAlreadyRunning, Adapter: l.config.ID}
		}
		return &adapter.Error{Kind: adapter.ErrConnectFailed, Adapter: l.config.ID, Err: errors.New("link connection has ended")}
	}
	l.started = true
	l.lastSeen.Store(l.clock.Now().UnixNano())

	runCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.workers.Add(3)
	go func() {
		defer l.workers.Done()
		l.readLoop()
	}()
	go func() {
		defer l.workers.Done()
		l.writeLoop(runCtx)
	}()
	go func() {
		defer l.workers.Done()
		l.watchIdle(runCtx)
	}()
	l.setState(adapter.StateConnected, nil)
	return nil
}

// Send queues m for the client. It does not wait for the write; when
// the queue is full the oldest data frame is dropped.
func (l *LinkAdapter) Send(ctx context.Context, m message.Message) error {
	if !l.State().Running() {
		return &adapter.Error{Kind: adapter.ErrNotRunning, Adapter: l.config.ID}
	}
	if l.out.pushData(wire.DataFrame(m)) {
		l.logger.Debug("link queue full, dropped oldest frame")
	}
	return nil
}

// DeliverSignal queues a relayed signal ahead of pending data. It never
// blocks, so the link can serve as a router.SignalEndpoint.
func (l *LinkAdapter) DeliverSignal(signal wire.Signal) {
	frame, err := wire.SignalFrame(signal)
	if err != nil {
		l.logger.Warn("encoding signal", "kind", signal.Kind, "error", err)
		return
	}
	if !l.out.pushControl(frame) {
		l.logger.Debug("dropping signal for closed link", "kind", signal.Kind, "correlation_id", signal.CorrelationID)
	}
}

func (l *LinkAdapter) Stop() error {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()

	if l.State() == adapter.StateStopped {
		return nil
	}
	l.end(nil)
	l.workers.Wait()
	l.setState(adapter.StateStopped, nil)
	return nil
}

// end tears the connection down once. A non-nil cause marks the link
// failed.
func (l *LinkAdapter) end(cause error) {
	l.endOnce.Do(func() {
		if l.cancel != nil {
			l.cancel()
		}
		l.out.close()
		if err := l.conn.Close(); err != nil {
			l.logger.Debug("closing link connection", "error", err)
		}
		if cause != nil {
			l.setState(adapter.StateError, &adapter.Error{Kind: adapter.ErrConnectFailed, Adapter: l.config.ID, Err: cause})
		}
		l.inbox.Close()
		close(l.done)
	})
}

func (l *LinkAdapter) readLoop() {
	for {
		frame, err := l.conn.ReadFrame()
		if err != nil {
			l.end(fmt.Errorf("reading frame: %w", err))
			return
		}
		l.lastSeen.Store(l.clock.Now().UnixNano())
		l.handle(frame)
	}
}

func (l *LinkAdapter) handle(frame wire.Frame) {
	switch frame.Type {
	case wire.FrameData:
		if !l.inbox.Push(frame.Message(message.Link)) {
			l.logger.Debug("dropping frame after close", "address", frame.Address)
		}

	case wire.FrameSubscribe:
		if l.config.OnSubscribe != nil {
			l.config.OnSubscribe(frame.Address, !frame.IsUnsubscribe())
		}

	case wire.FrameSignal:
		signal, err := wire.ParseSignal(frame)
		if err != nil {
			l.translationFailed(err, frame)
			return
		}
		if l.config.OnSignal != nil {
			l.config.OnSignal(signal)
		}

	case wire.FrameHeartbeat:
		name := frame.HeartbeatName()
		l.mu.Lock()
		first := l.peer == "" && name != ""
		if first {
			l.peer = name
		}
		l.mu.Unlock()
		if first {
			l.logger.Info("link peer announced", "peer", name)
			if l.config.OnHello != nil {
				l.config.OnHello(name)
			}
		}
		l.out.pushControl(wire.HeartbeatFrame(l.config.Name, l.clock.Now()))

	default:
		l.translationFailed(fmt.Errorf("%w: unknown frame type %d", wire.ErrInvalidPayload, frame.Type), frame)
	}
}

func (l *LinkAdapter) translationFailed(err error, frame wire.Frame) {
	l.logger.Debug("dropping invalid frame", "type", frame.Type, "address", frame.Address, "error", err)
	l.config.Events.Publish(events.Event{
		Kind:   events.TranslationError,
		Source: l.config.ID,
		Detail: frame.Address,
		Err:    err,
	})
}

func (l *LinkAdapter) writeLoop(ctx context.Context) {
	for {
		frame, err := l.out.next(ctx)
		if err != nil {
			return
		}
		if err := l.conn.WriteFrame(frame); err != nil {
			l.end(fmt.Errorf("writing %s frame: %w", frame.Type, err))
			return
		}
	}
}

// watchIdle ends a link whose client has gone quiet.
func (l *LinkAdapter) watchIdle(ctx context.Context) {
	ticker := l.clock.NewTicker(l.config.IdleTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			idle := l.clock.Now().Sub(time.Unix(0, l.lastSeen.Load()))
			if idle >= l.config.IdleTimeout {
				l.end(fmt.Errorf("no frames for %s", idle.Round(time.Millisecond)))
				return
			}
		}
	}
}
