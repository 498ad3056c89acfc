// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/patchbay-dev/patchbay/adapter"
	"github.com/patchbay-dev/patchbay/bridge"
	"github.com/patchbay-dev/patchbay/lib/clock"
	"github.com/patchbay-dev/patchbay/lib/config"
	"github.com/patchbay-dev/patchbay/lib/events"
	"github.com/patchbay-dev/patchbay/lib/message"
	"github.com/patchbay-dev/patchbay/router"
	"github.com/patchbay-dev/patchbay/signaling"
	"github.com/patchbay-dev/patchbay/transport"
)

// ErrNotStarted is returned by commands issued before Start or after
// Close.
var ErrNotStarted = errors.New("node not running")

// Config configures a Node.
type Config struct {
	Config *config.Config

	// Store persists the bridge table. Nil means config.OpenStore on
	// Config.StateFile, or no persistence when that is empty too.
	Store config.Store

	Logger *slog.Logger
	Clock  clock.Clock

	// NewEngine builds the router peer's session engines. Nil means
	// pion with the configured ICE servers.
	NewEngine signaling.EngineFactory

	// NewAdapter builds bridge adapters. Nil means adapter.New.
	NewAdapter func(adapter.Spec, adapter.Options) (adapter.Adapter, error)
}

// Node is a running router with its control plane.
type Node struct {
	config    *config.Config
	store     config.Store
	ownStore  bool
	logger    *slog.Logger
	clock     clock.Clock
	newEngine signaling.EngineFactory
	newBridge func(adapter.Spec, adapter.Options) (adapter.Adapter, error)
	events    *events.Bus
	registry  *prometheus.Registry

	mu        sync.Mutex
	started   bool
	closed    bool
	core      *router.Core
	bridges   *bridge.Manager
	signaling *signaling.Manager
	detach    func(context.Context) error
	listeners []transport.Listener
	metrics   *http.Server
	metricsAt string
	cancel    context.CancelFunc
	serving   *errgroup.Group

	// Serializes table changes with their save, so saves land in
	// command order.
	persist sync.Mutex
}

func New(nodeConfig Config) (*Node, error) {
	cfg := nodeConfig.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := nodeConfig.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newEngine := nodeConfig.NewEngine
	if newEngine == nil {
		newEngine = signaling.PionFactory(signaling.PionConfig{
			ICEServers: signaling.ICEServers(cfg.Signaling.ICEServers, cfg.Signaling.ICEUsername, cfg.Signaling.ICECredential),
			Logger:     logger,
		})
	}
	nodeClock := nodeConfig.Clock
	if nodeClock == nil {
		nodeClock = clock.Real()
	}
	return &Node{
		config:    cfg,
		store:     nodeConfig.Store,
		logger:    logger.With("node", cfg.Router.ID),
		clock:     nodeClock,
		newEngine: newEngine,
		newBridge: nodeConfig.NewAdapter,
		events:    events.NewBus(),
		registry:  prometheus.NewRegistry(),
	}, nil
}

// Start brings the node up: router core, bridge manager, signaling
// peer, listeners and metrics endpoint, then the configured and
// persisted bridges. Bridges that fail to start are logged and
// skipped. On error everything already started is torn down.
func (n *Node) Start(ctx context.Context) (err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return errors.New("node already started")
	}
	n.started = true
	defer func() {
		if err != nil {
			n.closed = true
			n.teardown(context.Background())
		}
	}()

	if n.store == nil && n.config.StateFile != "" {
		if n.store, err = config.OpenStore(n.config.StateFile, n.logger); err != nil {
			return fmt.Errorf("opening state file: %w", err)
		}
		n.ownStore = true
	}

	n.core, err = router.New(router.Config{
		ID:         n.config.Router.ID,
		QueueSize:  n.config.Router.QueueSize,
		StateLimit: n.config.Router.StateLimit,
		Logger:     n.logger,
		Events:     n.events,
		Registerer: n.registry,
	})
	if err != nil {
		return fmt.Errorf("starting router core: %w", err)
	}
	n.bridges = bridge.NewManager(n.core, bridge.Options{
		Logger:         n.logger,
		Events:         n.events,
		AdapterOptions: adapter.Options{Logger: n.logger, Events: n.events, Clock: n.clock},
		QueueSize:      n.config.Router.QueueSize,
		NewAdapter:     n.newBridge,
	})

	signalingConfig := n.config.Signaling
	peerID := n.config.SignalingID()
	n.signaling, err = signaling.NewManager(signaling.Config{
		PeerID:         peerID,
		Signaler:       signaling.RouterPort{Core: n.core, PeerID: peerID},
		NewEngine:      n.newEngine,
		Clock:          n.clock,
		AnswerTimeout:  signalingConfig.AnswerTimeout.Std(),
		ConnectTimeout: signalingConfig.ConnectTimeout.Std(),
		CloseGrace:     signalingConfig.CloseGrace.Std(),
		MaxSessions:    signalingConfig.MaxSessions,
		MaxCandidates:  signalingConfig.MaxCandidates,
		Logger:         n.logger,
		Events:         n.events,
	})
	if err != nil {
		return fmt.Errorf("starting signaling peer: %w", err)
	}
	n.detach, err = signaling.AttachLocal(ctx, n.core, n.signaling)
	if err != nil {
		return fmt.Errorf("attaching signaling peer %s: %w", peerID, err)
	}
	if err := registerNodeMetrics(n.registry, n); err != nil {
		return err
	}

	if address := n.config.Listen.TCP; address != "" {
		listener, err := transport.NewTCPListener(address)
		if err != nil {
			return fmt.Errorf("listening on tcp %s: %w", address, err)
		}
		n.listeners = append(n.listeners, listener)
	}
	if address := n.config.Listen.WebSocket; address != "" {
		listener, err := transport.NewWebSocketListener(address)
		if err != nil {
			return fmt.Errorf("listening on websocket %s: %w", address, err)
		}
		n.listeners = append(n.listeners, listener)
	}
	if address := n.config.MetricsAddress; address != "" {
		if err := n.startMetrics(address); err != nil {
			return err
		}
	}

	serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n.cancel = cancel
	n.serving, serveCtx = errgroup.WithContext(serveCtx)
	for _, listener := range n.listeners {
		n.logger.Info("accepting router clients", "address", listener.Address())
		n.serving.Go(func() error {
			return listener.Serve(serveCtx, n.serveLink)
		})
	}
	n.serving.Go(func() error {
		n.serveSessions(serveCtx)
		return nil
	})

	n.restoreBridges(ctx)
	n.logger.Info("node started", "router", n.core.ID(), "peer", peerID)
	return nil
}

func (n *Node) startMetrics(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listening for metrics on %s: %w", address, err)
	}
	n.metrics = &http.Server{Handler: metricsHandler(n.registry), ReadHeaderTimeout: 10 * time.Second}
	n.metricsAt = listener.Addr().String()
	go func() {
		if err := n.metrics.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("metrics server failed", "error", err)
		}
	}()
	n.logger.Info("serving metrics", "address", n.metricsAt)
	return nil
}

// restoreBridges creates the configured bridges, then the persisted
// ones whose ids are not already taken.
func (n *Node) restoreBridges(ctx context.Context) {
	records := append([]bridge.Config(nil), n.config.Bridges...)
	if n.store != nil {
		saved, err := n.store.Load()
		if err != nil {
			n.logger.Error("loading saved bridges", "error", err)
		}
		records = append(records, saved...)
	}
	seen := make(map[string]bool)
	for _, record := range records {
		if seen[record.ID] || record.Source.Protocol == message.Link {
			continue
		}
		seen[record.ID] = true
		if _, err := n.bridges.CreateBridge(ctx, record.Request()); err != nil {
			n.logger.Warn("restoring bridge", "bridge", record.ID, "error", err)
		}
	}
}

// Close stops accepting clients, ends every session and bridge, and
// shuts the router core down.
func (n *Node) Close(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started || n.closed {
		return nil
	}
	n.closed = true
	err := n.teardown(ctx)
	n.logger.Info("node stopped")
	return err
}

func (n *Node) teardown(ctx context.Context) error {
	var errs []error
	if n.cancel != nil {
		n.cancel()
		if err := n.serving.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, listener := range n.listeners {
		listener.Close()
	}
	if n.signaling != nil {
		if n.detach != nil {
			n.detach(ctx)
		}
		if err := n.signaling.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing signaling: %w", err))
		}
	}
	if n.bridges != nil {
		if err := n.bridges.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing bridges: %w", err))
		}
	}
	if n.core != nil {
		n.core.Close()
	}
	if n.metrics != nil {
		if err := n.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping metrics server: %w", err))
		}
	}
	if closer, ok := n.store.(io.Closer); ok && n.ownStore {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing state store: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (n *Node) running() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started || n.closed {
		return ErrNotStarted
	}
	return nil
}

// save writes the bridge table, minus link bridges, to the store.
// Callers hold n.persist.
func (n *Node) save() {
	if n.store == nil {
		return
	}
	var records []bridge.Config
	for _, record := range n.bridges.Configs() {
		if record.Source.Protocol != message.Link {
			records = append(records, record)
		}
	}
	if err := n.store.Save(records); err != nil {
		n.logger.Error("saving bridge table", "error", err)
	}
}

// Events is the node's event bus. Subscribe to observe every adapter,
// bridge, session, and router event.
func (n *Node) Events() *events.Bus { return n.events }

// Registry holds the node's prometheus collectors.
func (n *Node) Registry() *prometheus.Registry { return n.registry }

// RouterID names the node's router core.
func (n *Node) RouterID() string { return n.config.Router.ID }

// PeerID is the node's name on the signaling relay.
func (n *Node) PeerID() string { return n.config.SignalingID() }

// ListenAddresses are the addresses clients can dial, TCP first.
func (n *Node) ListenAddresses() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	addresses := make([]string, 0, len(n.listeners))
	for _, listener := range n.listeners {
		addresses = append(addresses, listener.Address())
	}
	return addresses
}

// MetricsAddress is where /metrics is served, or "" when disabled.
func (n *Node) MetricsAddress() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.metricsAt
}
