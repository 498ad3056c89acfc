// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/patchbay-dev/patchbay/adapter"
	"github.com/patchbay-dev/patchbay/bridge"
	"github.com/patchbay-dev/patchbay/lib/config"
	"github.com/patchbay-dev/patchbay/lib/events"
	"github.com/patchbay-dev/patchbay/lib/message"
	"github.com/patchbay-dev/patchbay/lib/testutil"
	"github.com/patchbay-dev/patchbay/lib/wire"
	"github.com/patchbay-dev/patchbay/transport"
)

func startNode(t *testing.T, configure func(*config.Config)) *Node {
	t.Helper()
	cfg := config.Default()
	cfg.Listen.TCP = "127.0.0.1:0"
	cfg.Listen.WebSocket = "127.0.0.1:0"
	if configure != nil {
		configure(cfg)
	}
	n, err := New(Config{Config: cfg})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := n.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return n
}

func dial(t *testing.T, address, peerID string) *transport.Client {
	t.Helper()
	dialer, address, err := transport.DialerFor(address)
	if err != nil {
		t.Fatalf("DialerFor: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := transport.Dial(ctx, dialer, address, peerID, transport.ClientOptions{})
	if err != nil {
		t.Fatalf("Dial(%s): %v", address, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// awaitEvent waits for an event of kind from source.
func awaitEvent(t *testing.T, subscription *events.Subscription, kind events.Kind, source string) events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-subscription.C():
			if event.Kind == kind && event.Source == source {
				return event
			}
		case <-deadline:
			t.Fatalf("no %s event from %s", kind, source)
		}
	}
}

func hasSubscription(n *Node, pattern string) func() bool {
	return func() bool {
		for _, info := range n.Bridges() {
			if slices.Contains(info.Subscriptions, pattern) {
				return true
			}
		}
		return false
	}
}

// Clients on either transport exchange messages through the router
// and are listed as implicit link bridges.
func TestClientsRouteThroughNode(t *testing.T) {
	t.Parallel()

	n := startNode(t, nil)
	addresses := n.ListenAddresses()
	if len(addresses) != 2 || !strings.HasPrefix(addresses[1], "ws://") {
		t.Fatalf("ListenAddresses() = %v", addresses)
	}
	ctx := context.Background()

	alice := dial(t, addresses[0], "alice")
	bob := dial(t, addresses[1], "bob")
	if err := alice.Subscribe(ctx, "/fader/*"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, hasSubscription(n, "/fader/*"), "alice's subscription registered")

	if err := bob.Publish(ctx, message.New(message.OSC, "/fader/1", message.Float(0.75))); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got := testutil.RequireReceive(t, alice.Messages(), 5*time.Second, "routed message")
	if value, _ := got.Value().AsFloat(); got.Address() != "/fader/1" || value != 0.75 {
		t.Fatalf("alice received %v", got)
	}

	infos := n.Bridges()
	if len(infos) != 2 {
		t.Fatalf("Bridges() = %d entries, want 2", len(infos))
	}
	for _, info := range infos {
		if !info.Implicit || info.Source.Protocol != message.Link || info.Kind != bridge.RouterConnection {
			t.Errorf("link bridge %+v", info)
		}
	}

	alice.Close()
	testutil.Eventually(t, 5*time.Second, func() bool { return len(n.Bridges()) == 1 }, "alice's bridge destroyed")
}

// Signals between linked clients are relayed under the name each
// client said hello with, and unroutable ones are counted.
func TestClientSignalRelay(t *testing.T) {
	t.Parallel()

	n := startNode(t, nil)
	subscription := n.Events().Subscribe(256)
	defer subscription.Close()
	address := n.ListenAddresses()[0]
	ctx := context.Background()

	alice := dial(t, address, "alice")
	bob := dial(t, address, "bob")
	awaitEvent(t, subscription, events.PeerAttached, "alice")
	awaitEvent(t, subscription, events.PeerAttached, "bob")

	received := make(chan wire.Signal, 4)
	bob.OnSignal(func(signal wire.Signal) { received <- signal })

	offer := wire.Signal{Kind: wire.SignalOffer, CorrelationID: "abc123", From: "mallory", To: "bob", Description: "offer-sdp"}
	if err := alice.SendSignal(ctx, offer); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}
	got := testutil.RequireReceive(t, received, 5*time.Second, "relayed offer")
	if got.Kind != wire.SignalOffer || got.From != "alice" || got.Description != "offer-sdp" {
		t.Fatalf("bob received %+v", got)
	}

	before := n.Stats().SignalErrors
	stray := wire.Signal{Kind: wire.SignalICECandidate, CorrelationID: "unregistered", To: "bob", Candidate: "candidate"}
	if err := alice.SendSignal(ctx, stray); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool { return n.Stats().SignalErrors == before+1 }, "stray candidate counted")
	testutil.RequireNoReceive(t, received, 100*time.Millisecond, "stray candidate relayed")

	alice.Close()
	closing := testutil.RequireReceive(t, received, 5*time.Second, "session close on disconnect")
	if closing.Kind != wire.SignalSessionClose || closing.CorrelationID != "abc123" {
		t.Fatalf("bob received %+v", closing)
	}
	awaitEvent(t, subscription, events.PeerDetached, "alice")
}

// The bridge table survives a restart through the state file; link
// bridges are never saved.
func TestBridgeTablePersists(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"bridges.yaml", "bridges.db"} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			testBridgeTablePersists(t, filepath.Join(t.TempDir(), name))
		})
	}
}

func savedTable(t *testing.T, stateFile string) []bridge.Config {
	t.Helper()
	store, err := config.OpenStore(stateFile, nil)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}
	records, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return records
}

func testBridgeTablePersists(t *testing.T, stateFile string) {
	cfg := config.Default()
	cfg.Listen.TCP = "127.0.0.1:0"
	cfg.StateFile = stateFile
	ctx := context.Background()
	spec := adapter.Spec{Protocol: message.OSC, Role: adapter.RoleServer, Endpoint: testutil.FreeUDPAddress(t)}

	first, err := New(Config{Config: cfg})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := first.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	dial(t, first.ListenAddresses()[0], "alice")
	testutil.Eventually(t, 5*time.Second, func() bool { return len(first.Bridges()) == 1 }, "link bridge")

	id, err := first.StartAdapter(ctx, spec, "/fader/*")
	if err != nil {
		t.Fatalf("StartAdapter: %v", err)
	}
	if err := first.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	saved := savedTable(t, stateFile)
	if len(saved) != 1 || saved[0].ID != id || !saved[0].Implicit {
		t.Fatalf("saved table = %+v, want only %s", saved, id)
	}

	second := startNode(t, func(c *config.Config) { c.StateFile = stateFile })
	infos := second.Bridges()
	if len(infos) != 1 || infos[0].ID != id || infos[0].Status != bridge.StatusActive {
		t.Fatalf("restored bridges = %+v", infos)
	}
	if !slices.Equal(infos[0].Subscriptions, []string{"/fader/*"}) {
		t.Errorf("restored subscriptions = %v", infos[0].Subscriptions)
	}

	if err := second.DestroyBridge(ctx, id); err != nil {
		t.Fatalf("DestroyBridge: %v", err)
	}
	if saved := savedTable(t, stateFile); len(saved) != 0 {
		t.Errorf("table after destroy = %+v", saved)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	n := startNode(t, func(c *config.Config) { c.MetricsAddress = "127.0.0.1:0" })
	if _, err := n.StartAdapter(context.Background(), adapter.Spec{
		Protocol: message.OSC, Role: adapter.RoleServer, Endpoint: testutil.FreeUDPAddress(t),
	}); err != nil {
		t.Fatalf("StartAdapter: %v", err)
	}

	response, err := http.Get("http://" + n.MetricsAddress() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer response.Body.Close()
	body, _ := io.ReadAll(response.Body)
	for _, want := range []string{`patchbay_bridges_active{router="main"} 1`, "patchbay_signaling_errors_total", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("/metrics missing %q", want)
		}
	}
}

func TestCommandsRequireStart(t *testing.T) {
	t.Parallel()

	n, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := n.StartAdapter(context.Background(), adapter.Spec{}); err != ErrNotStarted {
		t.Errorf("StartAdapter before Start = %v, want ErrNotStarted", err)
	}
	if _, err := n.Snapshot(context.Background(), "/**"); err != ErrNotStarted {
		t.Errorf("Snapshot before Start = %v, want ErrNotStarted", err)
	}
	if n.Bridges() != nil || n.Sessions() != nil {
		t.Error("queries before Start returned data")
	}
	if err := n.Close(context.Background()); err != nil {
		t.Errorf("Close before Start = %v", err)
	}
}

// A client that subscribes after a value was published still gets it.
func TestLateClientGetsLastValue(t *testing.T) {
	t.Parallel()

	n := startNode(t, nil)
	ctx := context.Background()
	bob := dial(t, n.ListenAddresses()[0], "bob")
	if err := bob.Publish(ctx, message.New(message.OSC, "/scene/current", message.String("intro"))); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		retained, err := n.Snapshot(ctx, "/scene/*")
		return err == nil && len(retained) == 1
	}, "value retained by the router")

	carol := dial(t, n.ListenAddresses()[1], "carol")
	if err := carol.Subscribe(ctx, "/scene/*"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	got := testutil.RequireReceive(t, carol.Messages(), 5*time.Second, "last value for a late subscriber")
	if text, _ := got.Value().AsString(); got.Address() != "/scene/current" || text != "intro" {
		t.Fatalf("carol received %v", got)
	}
}
