// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/patchbay-dev/patchbay/lib/message"
)

// ENTTEC DMX USB Pro framing.
const (
	enttecStart       = 0x7e
	enttecEnd         = 0xe7
	enttecLabelOutput = 6
	dmxDefaultRate    = 44
)

// encodeEnttec wraps one universe in an "Output Only Send DMX" packet.
func encodeEnttec(frame [dmxSlots]byte) []byte {
	length := dmxSlots + 1 // start code
	packet := make([]byte, 0, length+5)
	packet = append(packet, enttecStart, enttecLabelOutput, byte(length), byte(length>>8), 0)
	packet = append(packet, frame[:]...)
	return append(packet, enttecEnd)
}

// openSerialPort is replaced in tests.
var openSerialPort = func(path string) (io.WriteCloser, error) {
	return serial.Open(path, &serial.Mode{
		BaudRate: 250000,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.TwoStopBits,
	})
}

// dmxAdapter drives one universe through a USB DMX interface. It is
// output only; the frame is rewritten at the refresh rate while it has
// unsent changes.
type dmxAdapter struct {
	*base
	namespace string
	universe  int
	interval  time.Duration
	frame     *universeTable

	mu    sync.Mutex
	port  io.WriteCloser
	dirty bool
}

func newDMX(spec Spec, options Options) (Adapter, error) {
	if err := requireRole(spec, RoleDevice); err != nil {
		return nil, err
	}
	universe, err := spec.IntOption("universe", 0)
	if err != nil {
		return nil, err
	}
	rate, err := spec.IntOption("refresh_hz", dmxDefaultRate)
	if err != nil {
		return nil, err
	}
	if rate < 1 || rate > 1000 {
		return nil, fmt.Errorf("%w: refresh_hz %d outside 1..1000", ErrInvalidSpec, rate)
	}
	a := &dmxAdapter{
		namespace: spec.Option("namespace", "/dmx"),
		universe:  universe,
		interval:  time.Second / time.Duration(rate),
		frame:     newUniverseTable(),
	}
	a.base = newBase(spec, options, a)
	return a, nil
}

func (a *dmxAdapter) open(ctx context.Context) (State, error) {
	port, err := openSerialPort(a.spec.Endpoint)
	if err != nil {
		return StateError, newError(ErrDeviceUnavailable, a.spec.ID, err)
	}
	a.mu.Lock()
	a.port = port
	a.dirty = true
	a.mu.Unlock()
	return StateConnected, nil
}

func (a *dmxAdapter) run(ctx context.Context) error {
	ticker := a.clock.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if err := a.flush(); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// flush writes the frame if it changed since the last write.
func (a *dmxAdapter) flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.dirty || a.port == nil {
		return nil
	}
	frame := a.frame.snapshot(a.universe)
	if _, err := a.port.Write(encodeEnttec(frame)); err != nil {
		return fmt.Errorf("writing DMX frame to %s: %w", a.spec.Endpoint, err)
	}
	a.dirty = false
	return nil
}

func (a *dmxAdapter) send(ctx context.Context, m message.Message) error {
	universe, slot, err := parseSlotAddress(a.namespace, m.Address())
	if err != nil {
		return err
	}
	if universe != a.universe {
		return translationError("%s: this interface drives universe %d", m.Address(), a.universe)
	}
	level, err := dmxLevel(m.Value())
	if err != nil {
		return err
	}
	a.frame.set(universe, slot, level)
	a.mu.Lock()
	a.dirty = true
	a.mu.Unlock()
	return nil
}

func (a *dmxAdapter) close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.port == nil {
		return nil
	}
	err := a.port.Close()
	a.port = nil
	return err
}
