// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/patchbay-dev/patchbay/lib/message"
)

const mqttConnectTimeout = 10 * time.Second

// mqttAdapter is an MQTT client. Each subscribed topic becomes an
// address under the namespace; outbound addresses become topics.
type mqttAdapter struct {
	*base
	namespace string
	topics    []string
	qos       byte

	mu     sync.Mutex
	client mqtt.Client
	lost   chan error
}

func newMQTT(spec Spec, options Options) (Adapter, error) {
	if err := requireRole(spec, RoleClient); err != nil {
		return nil, err
	}
	qos, err := spec.IntOption("qos", 0)
	if err != nil {
		return nil, err
	}
	if qos < 0 || qos > 2 {
		return nil, fmt.Errorf("%w: MQTT qos %d outside 0..2", ErrInvalidSpec, qos)
	}
	a := &mqttAdapter{
		namespace: spec.Option("namespace", ""),
		topics:    spec.ListOption("topics", []string{"#"}),
		qos:       byte(qos),
	}
	a.base = newBase(spec, options, a)
	return a, nil
}

func (a *mqttAdapter) open(ctx context.Context) (State, error) {
	lost := make(chan error, 1)
	clientID := a.spec.Option("client_id", "patchbay-"+a.spec.ID)
	opts := mqtt.NewClientOptions().
		AddBroker(a.spec.Endpoint).
		SetClientID(clientID).
		SetUsername(a.spec.Option("username", "")).
		SetPassword(a.spec.Option("password", "")).
		SetAutoReconnect(false).
		SetOrderMatters(true).
		SetConnectTimeout(mqttConnectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			select {
			case lost <- err:
			default:
			}
		})

	client := mqtt.NewClient(opts)
	if err := waitToken(ctx, client.Connect(), mqttConnectTimeout); err != nil {
		return StateError, newError(ErrConnectFailed, a.spec.ID, fmt.Errorf("connecting to %s: %w", a.spec.Endpoint, err))
	}

	filters := make(map[string]byte, len(a.topics))
	for _, topic := range a.topics {
		filters[topic] = a.qos
	}
	if err := waitToken(ctx, client.SubscribeMultiple(filters, a.onMessage), mqttConnectTimeout); err != nil {
		client.Disconnect(0)
		return StateError, newError(ErrConnectFailed, a.spec.ID, fmt.Errorf("subscribing to %v: %w", a.topics, err))
	}

	a.mu.Lock()
	a.client = client
	a.lost = lost
	a.mu.Unlock()
	return StateConnected, nil
}

// waitToken blocks until token completes, ctx ends, or timeout passes.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	}
}

func (a *mqttAdapter) onMessage(_ mqtt.Client, m mqtt.Message) {
	address, err := topicAddress(a.namespace, m.Topic())
	if err != nil {
		a.reportTranslation(err, m.Topic())
		return
	}
	a.emit(message.New(message.MQTT, address, parsePayload(m.Payload())))
}

// topicAddress maps an MQTT topic into the address space; topic levels
// become segments.
func topicAddress(namespace, topic string) (string, error) {
	address := namespaced(namespace, "/"+topic)
	if err := message.ValidateAddress(address); err != nil {
		return "", translationError("MQTT topic %q: %v", topic, err)
	}
	return address, nil
}

// addressTopic is the inverse of topicAddress.
func addressTopic(namespace, address string) (string, error) {
	path, ok := stripNamespace(namespace, address)
	if !ok {
		return "", translationError("%s is outside MQTT namespace %s", address, namespace)
	}
	topic := strings.TrimPrefix(path, "/")
	if topic == "" || strings.ContainsAny(topic, "#+") {
		return "", translationError("%s does not name a publishable topic", address)
	}
	return topic, nil
}

// parsePayload reads an empty payload as Null, then tries JSON, bare
// numbers and booleans, and UTF-8 text in turn. Anything else is
// carried as bytes.
func parsePayload(payload []byte) message.Value {
	if len(payload) == 0 {
		return message.Null()
	}
	if value, err := message.ParseJSON(payload); err == nil {
		return value
	}
	if !utf8.Valid(payload) {
		return message.Bytes(payload)
	}
	text := strings.TrimSpace(string(payload))
	if i, err := strconv.ParseInt(text, 10, 64); err == nil {
		return message.Int(i)
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return message.Float(f)
	}
	switch strings.ToLower(text) {
	case "true":
		return message.Bool(true)
	case "false":
		return message.Bool(false)
	}
	return message.String(string(payload))
}

// encodePayload is the outbound form of a value.
func encodePayload(value message.Value) ([]byte, error) {
	switch value.Kind() {
	case message.KindNull:
		return nil, nil
	case message.KindBool:
		b, _ := value.AsBool()
		return []byte(strconv.FormatBool(b)), nil
	case message.KindInt:
		i, _ := value.AsInt()
		return []byte(strconv.FormatInt(i, 10)), nil
	case message.KindFloat:
		// JSON form keeps a fraction on whole numbers.
		return value.MarshalJSON()
	case message.KindString:
		s, _ := value.AsString()
		return []byte(s), nil
	case message.KindBytes:
		b, _ := value.AsBytes()
		return b, nil
	}
	return json.Marshal(value)
}

func (a *mqttAdapter) run(ctx context.Context) error {
	a.mu.Lock()
	lost := a.lost
	a.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil
	case err := <-lost:
		return fmt.Errorf("connection to %s lost: %w", a.spec.Endpoint, err)
	}
}

func (a *mqttAdapter) send(ctx context.Context, m message.Message) error {
	topic, err := addressTopic(a.namespace, m.Address())
	if err != nil {
		return err
	}
	payload, err := encodePayload(m.Value())
	if err != nil {
		return translationError("encoding %s: %v", m.Address(), err)
	}

	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return newError(ErrNotRunning, a.spec.ID, nil)
	}
	if err := waitToken(ctx, client.Publish(topic, a.qos, false, payload), mqttConnectTimeout); err != nil {
		return fmt.Errorf("publishing %s: %w", topic, err)
	}
	return nil
}

func (a *mqttAdapter) close() error {
	a.mu.Lock()
	client := a.client
	a.client = nil
	a.mu.Unlock()
	if client == nil {
		return nil
	}
	client.Disconnect(250)
	return nil
}
