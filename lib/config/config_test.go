// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/patchbay-dev/patchbay/adapter"
	"github.com/patchbay-dev/patchbay/bridge"
	"github.com/patchbay-dev/patchbay/lib/message"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

func TestDefault(t *testing.T) {
	t.Parallel()

	config := Default()
	if config.Router.ID != "main" {
		t.Errorf("router.id = %q, want main", config.Router.ID)
	}
	if config.Signaling.AnswerTimeout.Std() != 30*time.Second {
		t.Errorf("answer_timeout = %s, want 30s", config.Signaling.AnswerTimeout)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestLoadRequiresEnvironment(t *testing.T) {
	t.Setenv(EnvironmentVariable, "")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() with no PATCHBAY_CONFIG succeeded")
	}
	if !strings.HasPrefix(err.Error(), "PATCHBAY_CONFIG environment variable not set") {
		t.Errorf("error = %q", err)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("PATCHBAY_TEST_STATE", "/var/lib/patchbay")
	path := writeFile(t, "patchbay.yaml", `
router:
  id: stage
  queue_size: 64
listen:
  tcp: 127.0.0.1:7000
  websocket: 127.0.0.1:7001
state_file: ${PATCHBAY_TEST_STATE}/bridges.yaml
signaling:
  answer_timeout: 5s
  ice_servers: [stun:stun.example.org:3478]
bridges:
  - id: desk
    source: {protocol: osc, role: server, endpoint: "${PATCHBAY_TEST_HOST:-127.0.0.1}:9000"}
    target: {router: stage}
    subscriptions: ["/fader/*"]
    mappings:
      - from: /desk/*/level
        to: /fader/*
        transforms:
          - {type: scale, from_min: 0, from_max: 127, to_min: 0, to_max: 1}
`)
	t.Setenv(EnvironmentVariable, path)

	config, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if config.Router.ID != "stage" || config.Router.QueueSize != 64 {
		t.Errorf("router = %+v", config.Router)
	}
	if config.Listen.TCP != "127.0.0.1:7000" || config.Listen.WebSocket != "127.0.0.1:7001" {
		t.Errorf("listen = %+v", config.Listen)
	}
	if config.StateFile != "/var/lib/patchbay/bridges.yaml" {
		t.Errorf("state_file = %q", config.StateFile)
	}
	if config.Signaling.AnswerTimeout.Std() != 5*time.Second {
		t.Errorf("answer_timeout = %s, want 5s", config.Signaling.AnswerTimeout)
	}
	// Unset fields keep their defaults.
	if config.Signaling.ConnectTimeout.Std() != 30*time.Second {
		t.Errorf("connect_timeout = %s, want 30s", config.Signaling.ConnectTimeout)
	}
	if len(config.Bridges) != 1 {
		t.Fatalf("bridges = %d, want 1", len(config.Bridges))
	}
	desk := config.Bridges[0]
	if desk.Source.Protocol != message.OSC || desk.Source.Role != adapter.RoleServer {
		t.Errorf("source = %+v", desk.Source)
	}
	if desk.Source.Endpoint != "127.0.0.1:9000" {
		t.Errorf("endpoint = %q, want default expansion", desk.Source.Endpoint)
	}
	if len(desk.Mappings) != 1 || desk.Mappings[0].To != "/fader/*" ||
		len(desk.Mappings[0].Transforms) != 1 || desk.Mappings[0].Transforms[0].FromMax != 127 {
		t.Errorf("mappings = %+v", desk.Mappings)
	}
	if config.SignalingID() != "stage" {
		t.Errorf("SignalingID() = %q, want router id", config.SignalingID())
	}
}

func TestLoadJSONC(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "patchbay.jsonc", `{
  // comments and trailing commas are allowed
  "router": {"id": "jsonc"},
  "signaling": {"peer_id": "router-peer", "close_grace": "2s",},
  "bridges": [
    {
      "id": "lights",
      "source": {"protocol": "mqtt", "role": "client", "endpoint": "tcp://broker:1883"},
      "target": {"adapter": {"protocol": "dmx", "role": "device", "endpoint": "/dev/ttyUSB0"}},
    },
  ],
}`)

	config, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if config.Router.ID != "jsonc" {
		t.Errorf("router.id = %q", config.Router.ID)
	}
	if config.SignalingID() != "router-peer" {
		t.Errorf("SignalingID() = %q", config.SignalingID())
	}
	if config.Signaling.CloseGrace.Std() != 2*time.Second {
		t.Errorf("close_grace = %s", config.Signaling.CloseGrace)
	}
	if target := config.Bridges[0].Target; target.Kind() != bridge.Direct || target.Adapter.Protocol != message.DMX {
		t.Errorf("target = %+v", target)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	t.Parallel()

	config := Default()
	config.Router.ID = ""
	config.Router.QueueSize = 0
	config.Bridges = []bridge.Config{
		{ID: "a", Source: adapter.Spec{Protocol: message.OSC, Endpoint: ":9000"}},
		{ID: "a", Source: adapter.Spec{Protocol: message.OSC, Endpoint: ":9001"}, Target: bridge.RouterTarget("main")},
		{ID: "b", Source: adapter.Spec{Protocol: message.OSC, Endpoint: ":9002"},
			Target:        bridge.AdapterTarget(adapter.Spec{Protocol: message.MIDI, Endpoint: "/dev/midi"}),
			Subscriptions: []string{"/x"}},
		{ID: "c", Source: adapter.Spec{Protocol: message.OSC, Endpoint: ":9003"}, Target: bridge.RouterTarget("main"),
			Mappings: []bridge.Mapping{{From: "/x", Transforms: []bridge.Transform{{Type: "wobble"}}}}},
	}

	err := config.Validate()
	if err == nil {
		t.Fatal("Validate() = nil")
	}
	for _, want := range []string{
		"router.id is required",
		"router.queue_size must be positive",
		"exactly one of router or adapter",
		`duplicate id "a"`,
		"direct bridges take no subscriptions",
		`unknown transform "wobble"`,
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error missing %q:\n%v", want, err)
		}
	}
}

func TestLoadFileErrors(t *testing.T) {
	t.Parallel()

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: err = %v, want ErrNotExist", err)
	}
	path := writeFile(t, "bad.yaml", "signaling:\n  answer_timeout: soon\n")
	if _, err := LoadFile(path); err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("bad duration: err = %v", err)
	}
	path = writeFile(t, "bad.yaml", "bridges:\n  - id: x\n    source: {protocol: carrier-pigeon}\n")
	if _, err := LoadFile(path); err == nil {
		t.Error("unknown protocol accepted")
	}
}

func TestFileStore(t *testing.T) {
	t.Parallel()

	store := NewFileStore(filepath.Join(t.TempDir(), "state", "bridges.yaml"))

	records, err := store.Load()
	if err != nil || len(records) != 0 {
		t.Fatalf("Load() on missing file = %v, %v; want empty", records, err)
	}

	want := []bridge.Config{{
		ID:            "desk",
		Kind:          bridge.RouterConnection,
		Source:        adapter.Spec{ID: "desk", Protocol: message.OSC, Role: adapter.RoleServer, Endpoint: "127.0.0.1:9000"},
		Target:        bridge.RouterTarget("main"),
		Subscriptions: []string{"/fader/*"},
	}}
	if err := store.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 1 || got[0].ID != "desk" || got[0].Source.Protocol != message.OSC ||
		got[0].Target.Router != "main" || len(got[0].Subscriptions) != 1 {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}

	if err := store.Save(nil); err != nil {
		t.Fatalf("Save(nil): %v", err)
	}
	entries, _ := os.ReadDir(filepath.Dir(store.Path()))
	if len(entries) != 1 {
		t.Errorf("state directory holds %d entries, want only the state file", len(entries))
	}
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bridges.db")
	opened, err := OpenStore(path, nil)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	store, ok := opened.(*SQLiteStore)
	if !ok {
		t.Fatalf("OpenStore(%s) = %T, want *SQLiteStore", path, opened)
	}
	defer store.Close()

	records := []bridge.Config{
		{
			ID:     "lights",
			Kind:   bridge.Direct,
			Source: adapter.Spec{ID: "lights", Protocol: message.MQTT, Role: adapter.RoleClient, Endpoint: "tcp://broker:1883"},
			Target: bridge.AdapterTarget(adapter.Spec{ID: "lights-target", Protocol: message.DMX, Role: adapter.RoleDevice, Endpoint: "/dev/ttyUSB0"}),
		},
		{
			ID:            "desk",
			Kind:          bridge.RouterConnection,
			Source:        adapter.Spec{ID: "desk", Protocol: message.OSC, Role: adapter.RoleServer, Endpoint: "127.0.0.1:9000"},
			Target:        bridge.RouterTarget("main"),
			Subscriptions: []string{"/fader/*"},
		},
	}
	if err := store.Save(records); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Save(records[1:]); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 1 || got[0].ID != "desk" || got[0].Source.Protocol != message.OSC ||
		got[0].Target.Router != "main" || got[0].Subscriptions[0] != "/fader/*" {
		t.Fatalf("Load() = %+v", got)
	}

	if err := store.Save(records); err != nil {
		t.Fatalf("third Save: %v", err)
	}
	got, _ = store.Load()
	if len(got) != 2 || got[0].ID != "lights" || got[0].Target.Adapter == nil || got[0].Target.Adapter.Protocol != message.DMX {
		t.Fatalf("Load() after full save = %+v", got)
	}

	if _, ok := mustOpen(t, filepath.Join(t.TempDir(), "bridges.yaml")).(*FileStore); !ok {
		t.Error("OpenStore for .yaml did not return a FileStore")
	}
}

func mustOpen(t *testing.T, path string) Store {
	t.Helper()
	store, err := OpenStore(path, nil)
	if err != nil {
		t.Fatalf("OpenStore(%s): %v", path, err)
	}
	return store
}
