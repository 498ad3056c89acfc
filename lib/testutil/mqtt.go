// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
)

// MQTTBroker is an in-process MQTT broker on a loopback port that
// accepts every client.
type MQTTBroker struct {
	// URL is the broker address in the tcp://host:port form MQTT
	// clients dial.
	URL string

	server    *mochi.Server
	closeOnce sync.Once
}

// StartMQTTBroker starts a broker that is closed when the test ends.
func StartMQTTBroker(t testing.TB) *MQTTBroker {
	t.Helper()
	server := mochi.New(&mochi.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatalf("adding MQTT auth hook: %v", err)
	}
	address := FreeTCPAddress(t)
	if err := server.AddListener(listeners.NewTCP(listeners.Config{ID: "tcp", Address: address})); err != nil {
		t.Fatalf("adding MQTT listener on %s: %v", address, err)
	}
	if err := server.Serve(); err != nil {
		t.Fatalf("starting MQTT broker: %v", err)
	}
	broker := &MQTTBroker{URL: "tcp://" + address, server: server}
	t.Cleanup(broker.Close)
	return broker
}

// Close stops the broker and drops every client connection.
func (b *MQTTBroker) Close() {
	b.closeOnce.Do(func() { b.server.Close() })
}
