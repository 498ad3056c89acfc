// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/patchbay-dev/patchbay/lib/message"
	"github.com/patchbay-dev/patchbay/lib/testutil"
)

func TestParseSocketIO(t *testing.T) {
	t.Parallel()

	tests := []struct {
		body      string
		kind      byte
		namespace string
		data      string
	}{
		{`2["fader",0.5]`, sioEvent, "/", `["fader",0.5]`},
		{`212["ack",1]`, sioEvent, "/", `["ack",1]`},
		{`0`, sioConnect, "/", ``},
		{`0/admin,`, sioConnect, "/admin", ``},
		{`2/admin,["x"]`, sioEvent, "/admin", `["x"]`},
		{`1/chat`, sioDisconnect, "/chat", ``},
	}
	for _, test := range tests {
		packet, namespace, err := parseSocketIO(test.body)
		if err != nil {
			t.Errorf("parseSocketIO(%q): %v", test.body, err)
			continue
		}
		if packet.kind != test.kind || namespace != test.namespace || string(packet.data) != test.data {
			t.Errorf("parseSocketIO(%q) = %c %q %q", test.body, packet.kind, namespace, packet.data)
		}
	}
	if _, _, err := parseSocketIO(""); err == nil {
		t.Error("empty packet accepted")
	}
}

func TestSocketIOURL(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"http://host:3000":            "ws://host:3000/socket.io/?EIO=4&transport=websocket",
		"https://host/":               "wss://host/socket.io/?EIO=4&transport=websocket",
		"ws://host:3000/custom/path/": "ws://host:3000/custom/path/?EIO=4&transport=websocket",
	}
	for endpoint, want := range tests {
		got, err := socketIOURL(endpoint)
		if err != nil || got != want {
			t.Errorf("socketIOURL(%q) = %q, %v; want %q", endpoint, got, err, want)
		}
	}
	if _, err := socketIOURL("ftp://host"); err == nil {
		t.Error("ftp scheme accepted")
	}
}

// joinSocketIO performs the Engine.IO handshake and default namespace
// join the way a browser client would.
func joinSocketIO(t *testing.T, endpoint string) *websocket.Conn {
	t.Helper()
	conn := dialWebSocket(t, "ws://"+endpoint+"/socket.io/?EIO=4&transport=websocket")
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, open, err := conn.ReadMessage()
	if err != nil || len(open) == 0 || open[0] != eioOpen || !strings.Contains(string(open), `"sid"`) {
		t.Fatalf("open packet = %q, %v", open, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("40")); err != nil {
		t.Fatalf("join: %v", err)
	}
	_, joined, err := conn.ReadMessage()
	if err != nil || !strings.HasPrefix(string(joined), `40{"sid":`) {
		t.Fatalf("join reply = %q, %v", joined, err)
	}
	return conn
}

func TestSocketIOServerEvents(t *testing.T) {
	t.Parallel()

	endpoint := testutil.FreeTCPAddress(t)
	a := startAdapter(t, Spec{ID: "sio", Protocol: message.SocketIO, Role: RoleServer, Endpoint: endpoint}, Options{})
	conn := joinSocketIO(t, endpoint)

	events := []struct {
		packet  string
		address string
		value   message.Value
	}{
		{`42["fader",0.5]`, "/socketio/fader", message.Float(0.5)},
		{`42["bang"]`, "/socketio/bang", message.Null()},
		{`42["xy",1,2]`, "/socketio/xy", message.List(message.Int(1), message.Int(2))},
		{`42["message",{"address":"/cue/go","value":true}]`, "/socketio/cue/go", message.Bool(true)},
	}
	for _, event := range events {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(event.packet)); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
		got := testutil.RequireReceive(t, a.Messages(), 5*time.Second, "event %s", event.packet)
		if got.Address() != event.address || !message.ApproxEqual(got.Value(), event.value, 1e-9) || got.Origin() != message.SocketIO {
			t.Fatalf("%s -> %v, want %s %v", event.packet, got, event.address, event.value)
		}
	}

	// Engine.IO ping from the client is answered with a pong.
	conn.WriteMessage(websocket.TextMessage, []byte("2"))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, pong, err := conn.ReadMessage(); err != nil || string(pong) != "3" {
		t.Fatalf("ping reply = %q, %v", pong, err)
	}

	if err := a.Send(context.Background(), message.New(message.OSC, "/socketio/meter", message.Int(7))); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, data, err := conn.ReadMessage(); err != nil || string(data) != `42["meter",7]` {
		t.Fatalf("named event = %q, %v", data, err)
	}
	if err := a.Send(context.Background(), message.New(message.OSC, "/osc/level", message.Float(0.25))); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, data, err := conn.ReadMessage(); err != nil || string(data) != `42["message",{"address":"/osc/level","value":0.25}]` {
		t.Fatalf("default event = %q, %v", data, err)
	}
}

func TestSocketIOServerRefusesOtherNamespaces(t *testing.T) {
	t.Parallel()

	endpoint := testutil.FreeTCPAddress(t)
	startAdapter(t, Spec{ID: "sio", Protocol: message.SocketIO, Role: RoleServer, Endpoint: endpoint}, Options{})
	conn := dialWebSocket(t, "ws://"+endpoint+"/socket.io/?EIO=4&transport=websocket")
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("open packet: %v", err)
	}
	conn.WriteMessage(websocket.TextMessage, []byte("40/admin,"))
	if _, data, err := conn.ReadMessage(); err != nil || !strings.HasPrefix(string(data), "44/admin,") {
		t.Fatalf("namespace refusal = %q, %v", data, err)
	}
}

func TestSocketIOEventFilter(t *testing.T) {
	t.Parallel()

	endpoint := testutil.FreeTCPAddress(t)
	a := startAdapter(t, Spec{
		ID: "sio", Protocol: message.SocketIO, Role: RoleServer, Endpoint: endpoint,
		Options: map[string]string{"events": "fader", "namespace": "/ui"},
	}, Options{})
	conn := joinSocketIO(t, endpoint)

	conn.WriteMessage(websocket.TextMessage, []byte(`42["chat","hi"]`))
	conn.WriteMessage(websocket.TextMessage, []byte(`42["fader",1]`))
	got := testutil.RequireReceive(t, a.Messages(), 5*time.Second, "filtered event")
	if got.Address() != "/ui/fader" {
		t.Fatalf("received %v, want /ui/fader only", got)
	}
}

func TestSocketIOClientAgainstServer(t *testing.T) {
	t.Parallel()

	endpoint := testutil.FreeTCPAddress(t)
	server := startAdapter(t, Spec{ID: "sio-server", Protocol: message.SocketIO, Role: RoleServer, Endpoint: endpoint}, Options{})
	client := startAdapter(t, Spec{
		ID: "sio-client", Protocol: message.SocketIO, Role: RoleClient, Endpoint: "http://" + endpoint,
	}, Options{})
	if client.State() != StateConnected {
		t.Fatalf("client state = %s", client.State())
	}

	if err := client.Send(context.Background(), message.New(message.OSC, "/socketio/scene", message.String("intro"))); err != nil {
		t.Fatalf("client Send: %v", err)
	}
	got := testutil.RequireReceive(t, server.Messages(), 5*time.Second, "client event at server")
	if scene, _ := got.Value().AsString(); got.Address() != "/socketio/scene" || scene != "intro" {
		t.Fatalf("server received %v", got)
	}

	if err := server.Send(context.Background(), message.New(message.OSC, "/socketio/tally", message.Bool(true))); err != nil {
		t.Fatalf("server Send: %v", err)
	}
	got = testutil.RequireReceive(t, client.Messages(), 5*time.Second, "server event at client")
	if got.Address() != "/socketio/tally" {
		t.Fatalf("client received %v", got)
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool { return client.State() == StateError }, "client noticing the server going away")
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("server restart: %v", err)
	}
}
