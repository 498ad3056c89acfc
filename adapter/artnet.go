// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/patchbay-dev/patchbay/lib/message"
	"github.com/patchbay-dev/patchbay/lib/netutil"
)

const (
	artNetPort            = 6454
	artNetOpDmx           = 0x5000
	artNetProtocolVersion = 14
	artNetHeaderSize      = 18
)

var (
	artNetID = []byte("Art-Net\x00")

	// errNotArtDmx marks valid Art-Net traffic (polls, replies) that
	// carries no channel data.
	errNotArtDmx = errors.New("not an ArtDmx packet")
)

// encodeArtDmx builds an ArtDmx packet. data is padded to an even
// length as the protocol requires.
func encodeArtDmx(sequence byte, universe int, data []byte) []byte {
	length := len(data)
	if length%2 == 1 {
		length++
	}
	packet := make([]byte, artNetHeaderSize+length)
	copy(packet, artNetID)
	binary.LittleEndian.PutUint16(packet[8:], artNetOpDmx)
	binary.BigEndian.PutUint16(packet[10:], artNetProtocolVersion)
	packet[12] = sequence
	packet[13] = 0 // physical port
	packet[14] = byte(universe & 0xff)
	packet[15] = byte((universe >> 8) & 0x7f)
	binary.BigEndian.PutUint16(packet[16:], uint16(length))
	copy(packet[artNetHeaderSize:], data)
	return packet
}

// decodeArtDmx extracts the 15-bit port address and channel data.
func decodeArtDmx(packet []byte) (universe int, data []byte, err error) {
	if len(packet) < 10 || !bytes.Equal(packet[:8], artNetID) {
		return 0, nil, translationError("not an Art-Net packet")
	}
	if binary.LittleEndian.Uint16(packet[8:]) != artNetOpDmx {
		return 0, nil, errNotArtDmx
	}
	if len(packet) < artNetHeaderSize {
		return 0, nil, translationError("truncated ArtDmx header (%d bytes)", len(packet))
	}
	universe = int(packet[14]) | int(packet[15]&0x7f)<<8
	length := int(binary.BigEndian.Uint16(packet[16:]))
	if length > dmxSlots || artNetHeaderSize+length > len(packet) {
		return 0, nil, translationError("ArtDmx length %d exceeds packet", length)
	}
	return universe, packet[artNetHeaderSize : artNetHeaderSize+length], nil
}

// artNetAdapter receives ArtDmx frames and reports changed channels;
// outbound messages update a universe and transmit the whole frame.
type artNetAdapter struct {
	*base
	namespace string
	filter    map[int]bool
	received  *universeTable
	sent      *universeTable

	mu       sync.Mutex
	conn     *net.UDPConn
	remote   *net.UDPAddr
	sequence byte
}

func newArtNet(spec Spec, options Options) (Adapter, error) {
	if err := requireRole(spec, RoleServer); err != nil {
		return nil, err
	}
	filter, err := universeFilter(spec.ListOption("universes", nil))
	if err != nil {
		return nil, err
	}
	a := &artNetAdapter{
		namespace: spec.Option("namespace", "/artnet"),
		filter:    filter,
		received:  newUniverseTable(),
		sent:      newUniverseTable(),
	}
	a.base = newBase(spec, options, a)
	return a, nil
}

func (a *artNetAdapter) open(ctx context.Context) (State, error) {
	var remote *net.UDPAddr
	if address := a.spec.Option("remote", ""); address != "" {
		resolved, err := net.ResolveUDPAddr("udp4", address)
		if err != nil {
			return StateError, newError(ErrConnectFailed, a.spec.ID, err)
		}
		if resolved.Port == 0 {
			resolved.Port = artNetPort
		}
		remote = resolved
	}
	conn, err := netutil.ListenUDP(ctx, a.spec.Endpoint)
	if err != nil {
		return StateError, newError(ErrBindFailed, a.spec.ID, err)
	}
	a.received.reset()
	a.mu.Lock()
	a.conn = conn
	a.remote = remote
	a.mu.Unlock()
	return StateListening, nil
}

func (a *artNetAdapter) run(ctx context.Context) error {
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
		universe, data, err := decodeArtDmx(buffer[:n])
		if errors.Is(err, errNotArtDmx) {
			continue
		}
		if err != nil {
			a.reportTranslation(err, sender.String())
			continue
		}
		if a.filter != nil && !a.filter[universe] {
			continue
		}
		for _, slot := range a.received.diff(universe, data) {
			a.emit(message.New(message.ArtNet, slotAddress(a.namespace, universe, slot), message.Int(int64(data[slot-1]))))
		}
	}
}

func (a *artNetAdapter) send(ctx context.Context, m message.Message) error {
	universe, slot, err := parseSlotAddress(a.namespace, m.Address())
	if err != nil {
		return err
	}
	level, err := dmxLevel(m.Value())
	if err != nil {
		return err
	}
	frame := a.sent.set(universe, slot, level)

	a.mu.Lock()
	conn, remote := a.conn, a.remote
	a.sequence++
	if a.sequence == 0 {
		// Zero disables sequencing on receivers.
		a.sequence = 1
	}
	sequence := a.sequence
	a.mu.Unlock()
	if conn == nil {
		return newError(ErrNotRunning, a.spec.ID, nil)
	}
	if remote == nil {
		return newError(ErrConnectFailed, a.spec.ID, fmt.Errorf("no Art-Net destination: set the remote option"))
	}
	if _, err := conn.WriteToUDP(encodeArtDmx(sequence, universe, frame[:]), remote); err != nil {
		return fmt.Errorf("sending ArtDmx to %s: %w", remote, err)
	}
	return nil
}

func (a *artNetAdapter) close() error {
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
