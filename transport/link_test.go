// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/patchbay-dev/patchbay/adapter"
	"github.com/patchbay-dev/patchbay/lib/clock"
	"github.com/patchbay-dev/patchbay/lib/message"
	"github.com/patchbay-dev/patchbay/lib/testutil"
	"github.com/patchbay-dev/patchbay/lib/wire"
)

type subscription struct {
	pattern   string
	subscribe bool
}

// linkHarness serves TCP links and records their callbacks.
type linkHarness struct {
	links         chan *LinkAdapter
	hellos        chan string
	subscriptions chan subscription
	signals       chan wire.Signal
	address       string
}

func newLinkHarness(t *testing.T, clk clock.Clock) *linkHarness {
	t.Helper()
	h := &linkHarness{
		links:         make(chan *LinkAdapter, 4),
		hellos:        make(chan string, 4),
		subscriptions: make(chan subscription, 16),
		signals:       make(chan wire.Signal, 16),
	}
	listener, err := NewTCPListener("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewTCPListener: %v", err)
	}
	h.address = listener.Address()
	serve(t, listener, func(ctx context.Context, conn FrameConn) {
		link := NewLinkAdapter(conn, LinkConfig{
			ID:          "link-" + conn.RemoteAddr(),
			Name:        "main",
			Clock:       clk,
			OnHello:     func(peer string) { h.hellos <- peer },
			OnSubscribe: func(pattern string, subscribe bool) { h.subscriptions <- subscription{pattern, subscribe} },
			OnSignal:    func(signal wire.Signal) { h.signals <- signal },
		})
		if err := link.Start(ctx); err != nil {
			t.Errorf("link Start: %v", err)
			return
		}
		t.Cleanup(func() { link.Stop() })
		h.links <- link
	})
	return h
}

func dialClient(t *testing.T, address, peerID string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, &TCPDialer{}, address, peerID, ClientOptions{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestLinkClientExchange(t *testing.T) {
	t.Parallel()

	h := newLinkHarness(t, nil)
	client := dialClient(t, h.address, "alice")
	link := testutil.RequireReceive(t, h.links, 5*time.Second, "accepted link")
	ctx := context.Background()

	if peer := testutil.RequireReceive(t, h.hellos, 5*time.Second, "hello"); peer != "alice" {
		t.Fatalf("hello from %q, want alice", peer)
	}
	if link.Peer() != "alice" || link.Protocol() != message.Link || link.State() != adapter.StateConnected {
		t.Fatalf("link peer %q protocol %s state %s", link.Peer(), link.Protocol(), link.State())
	}

	if err := client.Subscribe(ctx, "/fader/*"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := client.Unsubscribe(ctx, "/fader/*"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if got := testutil.RequireReceive(t, h.subscriptions, 5*time.Second, "subscribe"); got != (subscription{"/fader/*", true}) {
		t.Fatalf("first subscription = %+v", got)
	}
	if got := testutil.RequireReceive(t, h.subscriptions, 5*time.Second, "unsubscribe"); got != (subscription{"/fader/*", false}) {
		t.Fatalf("second subscription = %+v", got)
	}

	if err := client.Publish(ctx, message.New(message.OSC, "/fader/1", message.Float(0.75))); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	inbound := testutil.RequireReceive(t, link.Messages(), 5*time.Second, "published message")
	if inbound.Address() != "/fader/1" || inbound.Origin() != message.Link {
		t.Fatalf("link received %v", inbound)
	}

	if err := link.Send(ctx, message.New(message.MIDI, "/meter", message.Int(7))); err != nil {
		t.Fatalf("link Send: %v", err)
	}
	outbound := testutil.RequireReceive(t, client.Messages(), 5*time.Second, "routed message")
	if got, _ := outbound.Value().AsInt(); outbound.Address() != "/meter" || got != 7 {
		t.Fatalf("client received %v", outbound)
	}

	offer := wire.Signal{Kind: wire.SignalOffer, CorrelationID: "abc123", To: "bob", Description: "sdp"}
	if err := client.SendSignal(ctx, offer); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}
	if got := testutil.RequireReceive(t, h.signals, 5*time.Second, "signal at router"); got.CorrelationID != "abc123" || got.To != "bob" {
		t.Fatalf("router received %+v", got)
	}

	relayed := make(chan wire.Signal, 1)
	client.OnSignal(func(signal wire.Signal) { relayed <- signal })
	link.DeliverSignal(wire.Signal{Kind: wire.SignalAnswer, CorrelationID: "abc123", From: "bob", To: "alice", Description: "answer"})
	if got := testutil.RequireReceive(t, relayed, 5*time.Second, "signal at client"); got.Kind != wire.SignalAnswer || got.From != "bob" {
		t.Fatalf("client received %+v", got)
	}

	client.Close()
	testutil.RequireClosed(t, link.Done(), 5*time.Second, "link ends with the client")
	testutil.RequireClosed(t, link.Messages(), 5*time.Second, "link messages close")
	if link.State() != adapter.StateError || !errors.Is(link.LastError(), adapter.ErrConnectFailed) {
		t.Fatalf("link state %s error %v", link.State(), link.LastError())
	}
	if err := link.Start(ctx); !errors.Is(err, adapter.ErrConnectFailed) {
		t.Fatalf("restart after end = %v, want ErrConnectFailed", err)
	}
}

// Signals queued behind data leave first.
func TestLinkSignalsJumpData(t *testing.T) {
	t.Parallel()

	out := newOutbox(8)
	for _, address := range []string{"/a", "/b"} {
		out.pushData(wire.DataFrame(message.New(message.OSC, address, message.Null())))
	}
	link := &LinkAdapter{out: out}
	link.DeliverSignal(wire.Signal{Kind: wire.SignalSessionClose, CorrelationID: "s1", To: "bob"})

	frame, err := out.next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if frame.Type != wire.FrameSignal {
		t.Fatalf("first frame is %s, want signal", frame.Type)
	}
}

func TestLinkIdleTimeout(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	h := newLinkHarness(t, fake)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := (&TCPDialer{}).DialContext(ctx, h.address)
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer conn.Close()
	link := testutil.RequireReceive(t, h.links, 5*time.Second, "accepted link")

	fake.BlockUntil(1)
	fake.Advance(DefaultIdleTimeout - DefaultIdleTimeout/3)
	testutil.RequireNoReceive(t, link.Done(), 50*time.Millisecond, "link ended early")
	fake.Advance(DefaultIdleTimeout / 3)
	testutil.RequireClosed(t, link.Done(), 5*time.Second, "idle link closed")
	if link.State() != adapter.StateError {
		t.Fatalf("state = %s, want error", link.State())
	}
	if _, err := conn.ReadFrame(); err == nil {
		t.Fatal("client side still readable after idle close")
	}
}

func TestLinkSendRequiresRunning(t *testing.T) {
	t.Parallel()

	h := newLinkHarness(t, nil)
	client := dialClient(t, h.address, "alice")
	link := testutil.RequireReceive(t, h.links, 5*time.Second, "accepted link")

	if err := link.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if link.State() != adapter.StateStopped {
		t.Fatalf("state = %s, want stopped", link.State())
	}
	err := link.Send(context.Background(), message.New(message.OSC, "/x", message.Null()))
	if !errors.Is(err, adapter.ErrNotRunning) {
		t.Fatalf("Send after Stop = %v, want ErrNotRunning", err)
	}
	testutil.RequireClosed(t, client.Done(), 5*time.Second, "client sees the link close")
}
