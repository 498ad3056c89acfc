// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/patchbay-dev/patchbay/lib/events"
	"github.com/patchbay-dev/patchbay/lib/message"
	"github.com/patchbay-dev/patchbay/lib/stream"
)

const (
	// DefaultQueueSize is the per-destination outbox capacity.
	DefaultQueueSize = 256

	commandBacklog = 1024
)

// Destination receives the messages routed to it. Deliver is called
// from a single writer goroutine per destination, so a destination sees
// messages one at a time and in order.
type Destination interface {
	ID() string
	Deliver(ctx context.Context, m message.Message) error
}

// Config configures a Core.
type Config struct {
	// ID names this router. Bridges targeting the router must name it.
	ID string

	// QueueSize is the outbox capacity per destination. Zero means
	// DefaultQueueSize.
	QueueSize int

	Logger *slog.Logger
	Events *events.Bus

	// StateLimit bounds the last-value store. Zero means
	// DefaultStateLimit; negative turns retention off.
	StateLimit int

	// Registerer receives the router's prometheus collectors. Nil
	// leaves them unexported.
	Registerer prometheus.Registerer
}

// Core is the router core. Create with New, release with Close.
type Core struct {
	id        string
	queueSize int
	logger    *slog.Logger
	events    *events.Bus
	metrics   *metrics

	commands  chan func()
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	dispatched   atomic.Uint64
	dropped      atomic.Uint64
	signalErrors atomic.Uint64
	retained     atomic.Uint64
	replayed     atomic.Uint64

	// Owned by the loop goroutine.
	table        *Table
	state        *state
	destinations map[string]*destination
	relay        *relay
}

// New starts a core's loop goroutine.
func New(config Config) (*Core, error) {
	if config.ID == "" {
		return nil, errors.New("router: ID is required")
	}
	if config.QueueSize < 0 {
		return nil, fmt.Errorf("router: negative queue size %d", config.QueueSize)
	}
	if config.QueueSize == 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.StateLimit == 0 {
		config.StateLimit = DefaultStateLimit
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m, err := newMetrics(config.Registerer, config.ID)
	if err != nil {
		return nil, err
	}

	core := &Core{
		id:           config.ID,
		queueSize:    config.QueueSize,
		logger:       logger.With("router", config.ID),
		events:       config.Events,
		metrics:      m,
		commands:     make(chan func(), commandBacklog),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		table:        NewTable(),
		state:        newState(config.StateLimit),
		destinations: make(map[string]*destination),
	}
	core.relay = newRelay(core)
	go core.loop()
	return core, nil
}

// ID returns the router id.
func (c *Core) ID() string { return c.id }

func (c *Core) loop() {
	defer close(c.done)
	for {
		select {
		case command := <-c.commands:
			command()
		case <-c.stop:
			c.shutdown()
			return
		}
	}
}

func (c *Core) shutdown() {
	var waits []<-chan struct{}
	for id := range c.destinations {
		waits = append(waits, c.detach(id))
	}
	for _, wait := range waits {
		<-wait
	}
	c.relay.reset()
}

// Close stops the loop and every destination writer. Idempotent.
func (c *Core) Close() error {
	c.closeOnce.Do(func() { close(c.stop) })
	<-c.done
	return nil
}

// submit enqueues command on the loop.
func (c *Core) submit(ctx context.Context, command func()) error {
	select {
	case <-c.stop:
		return ErrClosed
	default:
	}
	select {
	case c.commands <- command:
		return nil
	case <-c.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs command on the loop and waits for it. Once enqueued the
// command always runs, so call waits past ctx cancellation; the loop
// never blocks, which bounds that wait.
func (c *Core) call(ctx context.Context, command func() error) error {
	result := make(chan error, 1)
	if err := c.submit(ctx, func() { result <- command() }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-c.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrClosed
		}
	}
}

// Update runs fn on the loop as one atomic step. fn must not block and
// must not call back into the Core.
func (c *Core) Update(ctx context.Context, fn func(tx *Tx) error) error {
	return c.call(ctx, func() error { return fn(&Tx{core: c}) })
}

// Dispatch routes m to every destination subscribed to a matching
// pattern except origin, and records it as the address's last value.
// It returns once the message is queued on the loop; it never waits on
// destinations.
func (c *Core) Dispatch(ctx context.Context, m message.Message, origin string) error {
	return c.submit(ctx, func() { c.route(m, origin) })
}

func (c *Core) route(m message.Message, origin string) {
	c.dispatched.Add(1)
	c.metrics.dispatched.Inc()
	if c.state.record(m, origin) {
		c.retained.Store(uint64(c.state.len()))
		c.metrics.retained.Set(float64(c.state.len()))
	}
	for _, id := range c.table.Match(m.Address()) {
		if id == origin {
			continue
		}
		target, ok := c.destinations[id]
		if !ok {
			continue
		}
		c.enqueue(target, m)
	}
}

func (c *Core) enqueue(target *destination, m message.Message) {
	if target.outbox.Push(m) {
		c.dropped.Add(1)
		c.metrics.dropped.Inc()
		c.logger.Debug("outbox full, dropped oldest message",
			"destination", target.target.ID(), "address", m.Address())
	}
}

// replay queues the retained values matching patterns to a destination
// that just subscribed to them.
func (c *Core) replay(target *destination, patterns ...message.Pattern) {
	if len(patterns) == 0 {
		return
	}
	for _, m := range c.state.matching(target.target.ID(), patterns...) {
		c.replayed.Add(1)
		c.metrics.replayed.Inc()
		c.enqueue(target, m)
	}
}

// Snapshot returns the last value of every address matching pattern,
// ordered by address.
func (c *Core) Snapshot(ctx context.Context, raw string) ([]message.Message, error) {
	pattern, err := message.CompilePattern(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPattern, err)
	}
	var found []message.Message
	err = c.call(ctx, func() error {
		found = c.state.matching("", pattern)
		return nil
	})
	return found, err
}

// Stats is a point-in-time snapshot of core counters.
type Stats struct {
	Dispatched   uint64
	Dropped      uint64
	SignalErrors uint64
	// Retained is the number of addresses with a stored last value.
	Retained uint64
	// Replayed counts retained values sent to new subscribers.
	Replayed uint64
}

func (c *Core) Stats() Stats {
	return Stats{
		Dispatched:   c.dispatched.Load(),
		Dropped:      c.dropped.Load(),
		SignalErrors: c.signalErrors.Load(),
		Retained:     c.retained.Load(),
		Replayed:     c.replayed.Load(),
	}
}

// SignalErrors counts signaling messages dropped as unroutable.
func (c *Core) SignalErrors() uint64 { return c.signalErrors.Load() }

// destination is an attached Destination with its outbox and writer.
type destination struct {
	target Destination
	outbox *stream.Ring[message.Message]
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *Core) attach(target Destination) *destination {
	ctx, cancel := context.WithCancel(context.Background())
	d := &destination{
		target: target,
		outbox: stream.NewRing[message.Message](c.queueSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.destinations[target.ID()] = d
	c.metrics.destinations.Set(float64(len(c.destinations)))
	go c.write(ctx, d)
	return d
}

func (c *Core) detach(id string) <-chan struct{} {
	d, ok := c.destinations[id]
	if !ok {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	delete(c.destinations, id)
	c.table.RemoveAll(id)
	c.metrics.destinations.Set(float64(len(c.destinations)))
	d.outbox.Close()
	d.cancel()
	return d.done
}

func (c *Core) write(ctx context.Context, d *destination) {
	defer close(d.done)
	id := d.target.ID()
	for {
		m, err := d.outbox.Pop(ctx)
		if err != nil {
			return
		}
		if err := d.target.Deliver(ctx, m); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.metrics.deliveryErrors.Inc()
			c.logger.Debug("delivery failed", "destination", id, "address", m.Address(), "error", err)
			c.events.Publish(events.Event{
				Kind:   events.DeliveryError,
				Source: id,
				Detail: m.Address(),
				Err:    err,
			})
			continue
		}
		c.metrics.delivered.Inc()
	}
}

// Tx is the handle passed to Update. It is valid only for the duration
// of the Update callback.
type Tx struct {
	core *Core
}

// Attach registers a destination, subscribes it to patterns and queues
// the retained values they match.
func (tx *Tx) Attach(target Destination, patterns ...string) error {
	c := tx.core
	id := target.ID()
	if _, exists := c.destinations[id]; exists {
		return fmt.Errorf("%w: %s", ErrDestinationExists, id)
	}
	compiled := make([]message.Pattern, 0, len(patterns))
	for _, raw := range patterns {
		pattern, err := message.CompilePattern(raw)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPattern, err)
		}
		compiled = append(compiled, pattern)
	}
	d := c.attach(target)
	for _, pattern := range compiled {
		c.table.Add(pattern, id)
	}
	c.replay(d, compiled...)
	return nil
}

// Detach removes a destination and all its subscriptions. The returned
// channel closes once its writer has exited; callers must not wait on
// it inside the Update callback.
func (tx *Tx) Detach(id string) <-chan struct{} {
	return tx.core.detach(id)
}

// Attached reports whether id is an attached destination.
func (tx *Tx) Attached(id string) bool {
	_, ok := tx.core.destinations[id]
	return ok
}

// Subscribe adds pattern to an attached destination and queues the
// retained values it matches. Subscribing twice is a no-op.
func (tx *Tx) Subscribe(id, raw string) error {
	c := tx.core
	d, ok := c.destinations[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDestination, id)
	}
	pattern, err := message.CompilePattern(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPattern, err)
	}
	if c.table.Add(pattern, id) {
		c.replay(d, pattern)
	}
	return nil
}

// Unsubscribe removes pattern from an attached destination. Removing a
// pattern the destination does not hold is a no-op.
func (tx *Tx) Unsubscribe(id, raw string) error {
	c := tx.core
	if _, ok := c.destinations[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDestination, id)
	}
	pattern, err := message.CompilePattern(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPattern, err)
	}
	c.table.Remove(pattern, id)
	return nil
}

// Subscriptions lists the patterns id is subscribed with.
func (tx *Tx) Subscriptions(id string) []string {
	return tx.core.table.Patterns(id)
}
