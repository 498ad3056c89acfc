// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"fmt"
	"sync"

	"github.com/patchbay-dev/patchbay/lib/message"
)

// Constructor builds an adapter from a validated spec.
type Constructor func(spec Spec, options Options) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = map[message.Protocol]Constructor{
		message.OSC:       newOSC,
		message.ArtNet:    newArtNet,
		message.SACN:      newSACN,
		message.MQTT:      newMQTT,
		message.MIDI:      newMIDI,
		message.DMX:       newDMX,
		message.WebSocket: newWebSocket,
		message.HTTP:      newHTTP,
		message.SocketIO:  newSocketIO,
	}
)

// Register installs or replaces the constructor for protocol.
func Register(protocol message.Protocol, constructor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[protocol] = constructor
}

// Supported reports whether New can build adapters for protocol.
func Supported(protocol message.Protocol) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[protocol]
	return ok
}

// New validates spec and builds the adapter for its protocol. The
// adapter is Idle until Start.
func New(spec Spec, options Options) (Adapter, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	registryMu.RLock()
	constructor, ok := registry[spec.Protocol]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, spec.Protocol)
	}
	return constructor(spec, options)
}

// requireRole rejects roles a protocol does not implement.
func requireRole(spec Spec, allowed ...Role) error {
	for _, role := range allowed {
		if spec.Role == role {
			return nil
		}
	}
	return fmt.Errorf("%w: %s adapters do not support role %q", ErrInvalidSpec, spec.Protocol, spec.Role)
}
