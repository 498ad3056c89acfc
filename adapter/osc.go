// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"context"
	"fmt"
	"math"
	"net"
	"sync"

	"github.com/hypebeast/go-osc/osc"

	"github.com/patchbay-dev/patchbay/lib/message"
	"github.com/patchbay-dev/patchbay/lib/netutil"
)

const maxDatagram = 65535

// oscAdapter speaks OSC over UDP. As a server it binds Endpoint and
// replies to the configured remote (or the most recent sender). As a
// client it sends to Endpoint from an ephemeral port and accepts
// replies there.
type oscAdapter struct {
	*base
	namespace string

	mu     sync.Mutex
	conn   *net.UDPConn
	remote *net.UDPAddr
}

func newOSC(spec Spec, options Options) (Adapter, error) {
	if err := requireRole(spec, RoleServer, RoleClient); err != nil {
		return nil, err
	}
	a := &oscAdapter{namespace: spec.Option("namespace", "")}
	a.base = newBase(spec, options, a)
	return a, nil
}

func (a *oscAdapter) open(ctx context.Context) (State, error) {
	bind := a.spec.Endpoint
	remoteAddress := a.spec.Option("remote", "")
	state := StateListening
	if a.spec.Role == RoleClient {
		bind = a.spec.Option("bind", "0.0.0.0:0")
		remoteAddress = a.spec.Endpoint
		state = StateConnected
	}

	var remote *net.UDPAddr
	if remoteAddress != "" {
		resolved, err := net.ResolveUDPAddr("udp4", remoteAddress)
		if err != nil {
			return StateError, newError(ErrConnectFailed, a.spec.ID, fmt.Errorf("resolving %s: %w", remoteAddress, err))
		}
		remote = resolved
	}

	conn, err := netutil.ListenUDP(ctx, bind)
	if err != nil {
		return StateError, newError(ErrBindFailed, a.spec.ID, err)
	}
	a.mu.Lock()
	a.conn = conn
	a.remote = remote
	a.mu.Unlock()
	return state, nil
}

func (a *oscAdapter) run(ctx context.Context) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()

	buffer := make([]byte, maxDatagram)
	for {
		n, sender, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if ctx.Err() != nil || netutil.IsExpectedCloseError(err) {
				return nil
			}
			return err
		}
		if a.spec.Role == RoleServer && a.spec.Option("remote", "") == "" {
			a.mu.Lock()
			a.remote = sender
			a.mu.Unlock()
		}

		packet, err := osc.ParsePacket(string(buffer[:n]))
		if err != nil {
			a.reportTranslation(translationError("parsing OSC packet: %v", err), sender.String())
			continue
		}
		messages, err := oscPacketToMessages(packet, a.namespace)
		for _, m := range messages {
			a.emit(m)
		}
		if err != nil {
			a.reportTranslation(err, sender.String())
		}
	}
}

func (a *oscAdapter) send(ctx context.Context, m message.Message) error {
	packet, err := messageToOSC(m, a.namespace)
	if err != nil {
		return err
	}
	data, err := packet.MarshalBinary()
	if err != nil {
		return translationError("encoding OSC %s: %v", packet.Address, err)
	}

	a.mu.Lock()
	conn, remote := a.conn, a.remote
	a.mu.Unlock()
	if conn == nil {
		return newError(ErrNotRunning, a.spec.ID, nil)
	}
	if remote == nil {
		return newError(ErrConnectFailed, a.spec.ID, fmt.Errorf("no OSC destination: set the remote option"))
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.WriteToUDP(data, remote); err != nil {
		return fmt.Errorf("sending OSC to %s: %w", remote, err)
	}
	return nil
}

func (a *oscAdapter) close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	if netutil.IsExpectedCloseError(err) {
		return nil
	}
	return err
}

// oscPacketToMessages flattens bundles in order. Messages that fail to
// translate are skipped; the first failure is returned alongside the
// messages that did translate.
func oscPacketToMessages(packet osc.Packet, namespace string) ([]message.Message, error) {
	switch p := packet.(type) {
	case *osc.Message:
		m, err := oscMessageToMessage(p, namespace)
		if err != nil {
			return nil, err
		}
		return []message.Message{m}, nil
	case *osc.Bundle:
		var (
			out      []message.Message
			firstErr error
		)
		for _, element := range p.Messages {
			m, err := oscMessageToMessage(element, namespace)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			out = append(out, m)
		}
		for _, nested := range p.Bundles {
			messages, err := oscPacketToMessages(nested, namespace)
			out = append(out, messages...)
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return out, firstErr
	}
	return nil, translationError("unsupported OSC packet %T", packet)
}

func oscMessageToMessage(m *osc.Message, namespace string) (message.Message, error) {
	if err := message.ValidateAddress(m.Address); err != nil {
		return message.Message{}, translationError("OSC address: %v", err)
	}
	values := make([]message.Value, 0, len(m.Arguments))
	for i, argument := range m.Arguments {
		value, err := oscArgumentToValue(argument)
		if err != nil {
			return message.Message{}, translationError("OSC %s argument %d: %v", m.Address, i, err)
		}
		values = append(values, value)
	}

	var value message.Value
	switch len(values) {
	case 0:
		value = message.Null()
	case 1:
		value = values[0]
	default:
		value = message.List(values...)
	}
	return message.New(message.OSC, namespaced(namespace, m.Address), value), nil
}

func oscArgumentToValue(argument any) (message.Value, error) {
	switch argument.(type) {
	case nil, bool, int32, int64, float32, float64, string, []byte:
		return message.FromNative(argument)
	}
	return message.Value{}, fmt.Errorf("unsupported type %T", argument)
}

func messageToOSC(m message.Message, namespace string) (*osc.Message, error) {
	address, ok := stripNamespace(namespace, m.Address())
	if !ok {
		return nil, translationError("%s is outside OSC namespace %s", m.Address(), namespace)
	}
	packet := osc.NewMessage(address)
	value := m.Value()
	if value.Kind() == message.KindList {
		for i, item := range value.Items() {
			argument, err := valueToOSCArgument(item)
			if err != nil {
				return nil, translationError("%s item %d: %v", m.Address(), i, err)
			}
			packet.Append(argument)
		}
		return packet, nil
	}
	if value.IsNull() {
		return packet, nil
	}
	argument, err := valueToOSCArgument(value)
	if err != nil {
		return nil, translationError("%s: %v", m.Address(), err)
	}
	packet.Append(argument)
	return packet, nil
}

func valueToOSCArgument(value message.Value) (any, error) {
	switch value.Kind() {
	case message.KindNull:
		return nil, nil
	case message.KindBool:
		b, _ := value.AsBool()
		return b, nil
	case message.KindInt:
		i, _ := value.AsInt()
		if i >= math.MinInt32 && i <= math.MaxInt32 {
			return int32(i), nil
		}
		return i, nil
	case message.KindFloat:
		f, _ := value.AsFloat()
		return float32(f), nil
	case message.KindString:
		s, _ := value.AsString()
		return s, nil
	case message.KindBytes:
		b, _ := value.AsBytes()
		return b, nil
	}
	return nil, fmt.Errorf("%s values have no OSC argument form", value.Kind())
}
