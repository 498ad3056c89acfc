// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/patchbay-dev/patchbay/lib/message"
	"github.com/patchbay-dev/patchbay/lib/testutil"
	"github.com/patchbay-dev/patchbay/lib/wire"
)

// echo writes every frame it reads back to the sender.
func echo(ctx context.Context, conn FrameConn) {
	defer conn.Close()
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return
		}
		if err := conn.WriteFrame(frame); err != nil {
			return
		}
	}
}

func serve(t *testing.T, listener Listener, handler Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- listener.Serve(ctx, handler) }()
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, served, 5*time.Second, "Serve returns"); err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
}

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		listen func() (Listener, error)
		dialer Dialer
	}{
		{"tcp", func() (Listener, error) { return NewTCPListener("127.0.0.1:0") }, &TCPDialer{}},
		{"websocket", func() (Listener, error) { return NewWebSocketListener("127.0.0.1:0") }, &WebSocketDialer{}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			listener, err := test.listen()
			if err != nil {
				t.Fatalf("listen: %v", err)
			}
			serve(t, listener, echo)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			conn, err := test.dialer.DialContext(ctx, listener.Address())
			if err != nil {
				t.Fatalf("DialContext(%s): %v", listener.Address(), err)
			}
			defer conn.Close()

			sent := []wire.Frame{
				wire.DataFrame(message.New(message.OSC, "/fader/1", message.Float(0.5))),
				wire.SubscribeFrame("/fader/*", true),
				wire.HeartbeatFrame("alice", time.UnixMicro(1_700_000_000_000_000)),
				wire.DataFrame(message.New(message.OSC, "/xy", message.List(message.Int(1), message.String("a")))),
			}
			for _, frame := range sent {
				if err := conn.WriteFrame(frame); err != nil {
					t.Fatalf("WriteFrame: %v", err)
				}
			}
			for i, want := range sent {
				got, err := conn.ReadFrame()
				if err != nil {
					t.Fatalf("ReadFrame %d: %v", i, err)
				}
				if got.Type != want.Type || got.Address != want.Address || !message.ApproxEqual(got.Payload, want.Payload, 0) {
					t.Fatalf("frame %d = %+v, want %+v", i, got, want)
				}
			}
		})
	}
}

func TestListenerAddresses(t *testing.T) {
	t.Parallel()

	tcp, err := NewTCPListener("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewTCPListener: %v", err)
	}
	defer tcp.Close()
	if !strings.HasPrefix(tcp.Address(), "127.0.0.1:") {
		t.Errorf("TCP Address() = %q", tcp.Address())
	}

	ws, err := NewWebSocketListener("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewWebSocketListener: %v", err)
	}
	defer ws.Close()
	if !strings.HasPrefix(ws.Address(), "ws://127.0.0.1:") || !strings.HasSuffix(ws.Address(), LinkPath) {
		t.Errorf("WebSocket Address() = %q", ws.Address())
	}
}

func TestDialerFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		address string
		want    string
		tcp     bool
		fails   bool
	}{
		{address: "127.0.0.1:7400", want: "127.0.0.1:7400", tcp: true},
		{address: "tcp://router:7400", want: "router:7400", tcp: true},
		{address: "ws://router:7401/link", want: "ws://router:7401/link"},
		{address: "wss://router/link", want: "wss://router/link"},
		{address: "udp://router:7400", fails: true},
	}
	for _, test := range tests {
		dialer, address, err := DialerFor(test.address)
		if test.fails {
			if err == nil {
				t.Errorf("DialerFor(%q) succeeded", test.address)
			}
			continue
		}
		if err != nil {
			t.Errorf("DialerFor(%q): %v", test.address, err)
			continue
		}
		_, isTCP := dialer.(*TCPDialer)
		if address != test.want || isTCP != test.tcp {
			t.Errorf("DialerFor(%q) = %T %q", test.address, dialer, address)
		}
	}
}

func TestOutboxOrdering(t *testing.T) {
	t.Parallel()

	out := newOutbox(2)
	out.pushData(wire.Frame{Type: wire.FrameData, Address: "/a"})
	out.pushData(wire.Frame{Type: wire.FrameData, Address: "/b"})
	if !out.pushData(wire.Frame{Type: wire.FrameData, Address: "/c"}) {
		t.Fatal("third data frame into a queue of two evicted nothing")
	}
	out.pushControl(wire.Frame{Type: wire.FrameSignal, Address: "/signal/bob"})
	out.close()

	var got []string
	for {
		frame, err := out.next(context.Background())
		if err != nil {
			break
		}
		got = append(got, frame.Address)
	}
	want := "/signal/bob /b /c"
	if strings.Join(got, " ") != want {
		t.Fatalf("drained %v, want %s", got, want)
	}
	if out.droppedCount() != 1 {
		t.Fatalf("dropped = %d, want 1", out.droppedCount())
	}
	if out.pushControl(wire.Frame{}) {
		t.Fatal("push after close accepted")
	}
}
