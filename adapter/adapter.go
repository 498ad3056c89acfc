// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/patchbay-dev/patchbay/lib/clock"
	"github.com/patchbay-dev/patchbay/lib/events"
	"github.com/patchbay-dev/patchbay/lib/message"
	"github.com/patchbay-dev/patchbay/lib/stream"
)

// State is an adapter lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateListening
	StateConnected
	StateError
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Running reports whether the adapter can send and receive.
func (s State) Running() bool {
	return s == StateListening || s == StateConnected
}

// Adapter is one protocol endpoint. An adapter is its own handle: the
// value returned by New is what Start, Send, and Stop operate on.
type Adapter interface {
	ID() string
	Protocol() message.Protocol
	Role() Role
	Endpoint() string
	State() State
	LastError() error

	// Start binds or connects. It fails with an *Error of kind
	// ErrBindFailed, ErrConnectFailed, or ErrDeviceUnavailable when
	// the endpoint is unavailable.
	Start(ctx context.Context) error

	// Send translates m to the protocol and transmits it.
	Send(ctx context.Context, m message.Message) error

	// Messages is the inbound stream of the current run. It closes
	// when the run ends; call it again after a restart.
	Messages() <-chan message.Message

	// Stop releases every resource before returning. Idempotent.
	Stop() error
}

// Options carries the collaborators every adapter receives.
type Options struct {
	Logger *slog.Logger
	Events *events.Bus
	Clock  clock.Clock
}

// driver is the protocol-specific half of an adapter. base calls open
// and close under its lifecycle lock; run is the read loop for one
// run and returns when ctx is cancelled or the endpoint fails.
type driver interface {
	open(ctx context.Context) (State, error)
	run(ctx context.Context) error
	send(ctx context.Context, m message.Message) error
	close() error
}

// base implements the lifecycle shared by every protocol. Variants
// embed it and supply themselves as the driver.
type base struct {
	spec   Spec
	logger *slog.Logger
	events *events.Bus
	clock  clock.Clock
	driver driver

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	loopDone  chan struct{}

	mu      sync.Mutex
	state   State
	lastErr error
	inbox   *stream.Unbounded[message.Message]

	translationErrors atomic.Uint64
}

func newBase(spec Spec, options Options, d driver) *base {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := options.Clock
	if c == nil {
		c = clock.Real()
	}
	closed := stream.NewUnbounded[message.Message]()
	closed.Close()
	return &base{
		spec:   spec,
		logger: logger.With("adapter", spec.ID, "protocol", spec.Protocol.String()),
		events: options.Events,
		clock:  c,
		driver: d,
		inbox:  closed,
	}
}

func (b *base) ID() string                 { return b.spec.ID }
func (b *base) Protocol() message.Protocol { return b.spec.Protocol }
func (b *base) Role() Role                 { return b.spec.Role }
func (b *base) Endpoint() string           { return b.spec.Endpoint }
func (b *base) Spec() Spec                 { return b.spec }

func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

func (b *base) Messages() <-chan message.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inbox.Out()
}

// TranslationErrors counts inputs and outputs that could not be
// translated.
func (b *base) TranslationErrors() uint64 { return b.translationErrors.Load() }

func (b *base) setState(state State, err error) {
	b.mu.Lock()
	b.state = state
	if err != nil {
		b.lastErr = err
	}
	b.mu.Unlock()

	event := events.Event{Kind: events.AdapterState, Source: b.spec.ID, State: state.String(), Err: err}
	b.events.Publish(event)
	if err != nil {
		b.logger.Warn("adapter state changed", "state", state.String(), "error", err)
	} else {
		b.logger.Info("adapter state changed", "state", state.String(), "endpoint", b.spec.Endpoint)
	}
}

func (b *base) Start(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if b.State().Running() {
		return newError(ErrAlreadyRunning, b.spec.ID, nil)
	}
	// Reclaim anything a failed run left behind.
	b.teardown()

	b.setState(StateStarting, nil)
	inbox := stream.NewUnbounded[message.Message]()
	b.mu.Lock()
	b.inbox = inbox
	b.mu.Unlock()

	state, err := b.driver.open(ctx)
	if err != nil {
		inbox.Close()
		var adapterErr *Error
		if !errors.As(err, &adapterErr) {
			err = newError(ErrConnectFailed, b.spec.ID, err)
		}
		b.setState(StateError, err)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.cancel = cancel
	b.loopDone = done
	go b.runLoop(runCtx, inbox, done)

	b.setState(state, nil)
	return nil
}

func (b *base) runLoop(ctx context.Context, inbox *stream.Unbounded[message.Message], done chan struct{}) {
	defer close(done)
	defer inbox.Close()
	err := b.driver.run(ctx)
	if err == nil || ctx.Err() != nil {
		return
	}
	// The endpoint failed underneath us. Release it so the adapter can
	// be started again, and surface the failure.
	if closeErr := b.driver.close(); closeErr != nil {
		b.logger.Debug("closing failed endpoint", "error", closeErr)
	}
	b.setState(StateError, newError(ErrConnectFailed, b.spec.ID, err))
}

// teardown cancels and waits for the current run. Callers hold the
// lifecycle lock.
func (b *base) teardown() error {
	if b.cancel == nil {
		return nil
	}
	b.cancel()
	err := b.driver.close()
	<-b.loopDone
	b.cancel = nil
	b.loopDone = nil
	return err
}

func (b *base) Stop() error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if b.State() == StateStopped {
		return nil
	}
	err := b.teardown()
	b.setState(StateStopped, nil)
	if err != nil {
		return fmt.Errorf("stopping adapter %s: %w", b.spec.ID, err)
	}
	return nil
}

func (b *base) Send(ctx context.Context, m message.Message) error {
	if !b.State().Running() {
		return newError(ErrNotRunning, b.spec.ID, nil)
	}
	err := b.driver.send(ctx, m)
	if err != nil && errors.Is(err, ErrTranslation) {
		b.reportTranslation(err, m.Address())
	}
	return err
}

// emit hands a translated inbound message to the stream.
func (b *base) emit(m message.Message) {
	b.mu.Lock()
	inbox := b.inbox
	b.mu.Unlock()
	if !inbox.Push(m) {
		b.logger.Debug("dropping message after stop", "address", m.Address())
	}
}

// reportTranslation records input that could not be translated. The
// read loop carries on.
func (b *base) reportTranslation(err error, detail string) {
	b.translationErrors.Add(1)
	b.logger.Debug("translation failed", "detail", detail, "error", err)
	b.events.Publish(events.Event{
		Kind:   events.TranslationError,
		Source: b.spec.ID,
		Detail: detail,
		Err:    err,
	})
}
