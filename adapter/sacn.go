// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/net/ipv4"

	"github.com/patchbay-dev/patchbay/lib/message"
	"github.com/patchbay-dev/patchbay/lib/netutil"
)

// E1.31 (streaming ACN) data packet layout.
const (
	sacnPort            = 5568
	sacnRootVector      = 0x00000004
	sacnFramingVector   = 0x00000002
	sacnDMPVector       = 0x02
	sacnFramingOffset   = 38
	sacnDMPOffset       = 115
	sacnDataOffset      = 126
	sacnSourceNameSize  = 64
	sacnDefaultPriority = 100
	sacnOptionTerminate = 0x40
)

var sacnPacketID = []byte("ASC-E1.17\x00\x00\x00")

// sacnFrame is one decoded E1.31 data packet.
type sacnFrame struct {
	cid        uuid.UUID
	sourceName string
	priority   byte
	sequence   byte
	options    byte
	universe   int
	data       []byte
}

func encodeSACN(frame sacnFrame) []byte {
	length := sacnDataOffset + len(frame.data)
	packet := make([]byte, length)

	binary.BigEndian.PutUint16(packet[0:], 0x0010)
	copy(packet[4:], sacnPacketID)
	binary.BigEndian.PutUint16(packet[16:], 0x7000|uint16(length-16))
	binary.BigEndian.PutUint32(packet[18:], sacnRootVector)
	copy(packet[22:38], frame.cid[:])

	binary.BigEndian.PutUint16(packet[38:], 0x7000|uint16(length-sacnFramingOffset))
	binary.BigEndian.PutUint32(packet[40:], sacnFramingVector)
	copy(packet[44:44+sacnSourceNameSize-1], frame.sourceName)
	packet[108] = frame.priority
	packet[111] = frame.sequence
	packet[112] = frame.options
	binary.BigEndian.PutUint16(packet[113:], uint16(frame.universe))

	binary.BigEndian.PutUint16(packet[115:], 0x7000|uint16(length-sacnDMPOffset))
	packet[117] = sacnDMPVector
	packet[118] = 0xa1
	binary.BigEndian.PutUint16(packet[119:], 0)
	binary.BigEndian.PutUint16(packet[121:], 1)
	binary.BigEndian.PutUint16(packet[123:], uint16(len(frame.data)+1))
	packet[125] = 0 // DMX start code
	copy(packet[sacnDataOffset:], frame.data)
	return packet
}

func decodeSACN(packet []byte) (sacnFrame, error) {
	if len(packet) < sacnDataOffset {
		return sacnFrame{}, translationError("E1.31 packet too short (%d bytes)", len(packet))
	}
	if !bytes.Equal(packet[4:16], sacnPacketID) {
		return sacnFrame{}, translationError("missing ACN packet identifier")
	}
	if binary.BigEndian.Uint32(packet[18:]) != sacnRootVector {
		return sacnFrame{}, translationError("root vector %#x is not E1.31 data", binary.BigEndian.Uint32(packet[18:]))
	}
	if binary.BigEndian.Uint32(packet[40:]) != sacnFramingVector || packet[117] != sacnDMPVector {
		return sacnFrame{}, translationError("not an E1.31 data packet")
	}
	if packet[125] != 0 {
		return sacnFrame{}, translationError("unsupported start code %#x", packet[125])
	}
	count := int(binary.BigEndian.Uint16(packet[123:])) - 1
	if count < 0 || count > dmxSlots || sacnDataOffset+count > len(packet) {
		return sacnFrame{}, translationError("E1.31 property count %d exceeds packet", count+1)
	}

	var frame sacnFrame
	copy(frame.cid[:], packet[22:38])
	frame.sourceName = string(bytes.TrimRight(packet[44:44+sacnSourceNameSize], "\x00"))
	frame.priority = packet[108]
	frame.sequence = packet[111]
	frame.options = packet[112]
	frame.universe = int(binary.BigEndian.Uint16(packet[113:]))
	frame.data = packet[sacnDataOffset : sacnDataOffset+count]
	return frame, nil
}

// sacnMulticastGroup is the E1.31 multicast address for universe.
func sacnMulticastGroup(universe int) net.IP {
	return net.IPv4(239, 255, byte(universe>>8), byte(universe))
}

// sacnAdapter receives E1.31 data packets by unicast or, with
// multicast=true, by joining each configured universe's group.
type sacnAdapter struct {
	*base
	namespace  string
	universes  []int
	multicast  bool
	priority   byte
	sourceName string
	cid        uuid.UUID
	received   *universeTable
	sent       *universeTable

	mu        sync.Mutex
	conn      *net.UDPConn
	remote    *net.UDPAddr
	sequences map[int]byte
}

func newSACN(spec Spec, options Options) (Adapter, error) {
	if err := requireRole(spec, RoleServer); err != nil {
		return nil, err
	}
	universeNames := spec.ListOption("universes", []string{"1"})
	filter, err := universeFilter(universeNames)
	if err != nil {
		return nil, err
	}
	multicast, err := spec.BoolOption("multicast", false)
	if err != nil {
		return nil, err
	}
	priority, err := spec.IntOption("priority", sacnDefaultPriority)
	if err != nil {
		return nil, err
	}
	if priority < 0 || priority > 200 {
		return nil, fmt.Errorf("%w: sACN priority %d outside 0..200", ErrInvalidSpec, priority)
	}

	a := &sacnAdapter{
		namespace:  spec.Option("namespace", "/sacn"),
		multicast:  multicast,
		priority:   byte(priority),
		sourceName: spec.Option("source_name", "patchbay"),
		cid:        uuid.New(),
		received:   newUniverseTable(),
		sent:       newUniverseTable(),
		sequences:  make(map[int]byte),
	}
	for universe := range filter {
		a.universes = append(a.universes, universe)
	}
	a.base = newBase(spec, options, a)
	return a, nil
}

func (a *sacnAdapter) accepts(universe int) bool {
	for _, candidate := range a.universes {
		if candidate == universe {
			return true
		}
	}
	return false
}

func (a *sacnAdapter) open(ctx context.Context) (State, error) {
	var remote *net.UDPAddr
	if address := a.spec.Option("remote", ""); address != "" {
		resolved, err := net.ResolveUDPAddr("udp4", address)
		if err != nil {
			return StateError, newError(ErrConnectFailed, a.spec.ID, err)
		}
		remote = resolved
	}

	conn, err := netutil.ListenUDP(ctx, a.spec.Endpoint)
	if err != nil {
		return StateError, newError(ErrBindFailed, a.spec.ID, err)
	}
	if a.multicast {
		var iface *net.Interface
		if name := a.spec.Option("interface", ""); name != "" {
			iface, err = net.InterfaceByName(name)
			if err != nil {
				conn.Close()
				return StateError, newError(ErrBindFailed, a.spec.ID, err)
			}
		}
		packetConn := ipv4.NewPacketConn(conn)
		for _, universe := range a.universes {
			group := &net.UDPAddr{IP: sacnMulticastGroup(universe)}
			if err := packetConn.JoinGroup(iface, group); err != nil {
				conn.Close()
				return StateError, newError(ErrBindFailed, a.spec.ID, fmt.Errorf("joining %s: %w", group.IP, err))
			}
		}
	}

	a.received.reset()
	a.mu.Lock()
	a.conn = conn
	a.remote = remote
	a.mu.Unlock()
	return StateListening, nil
}

func (a *sacnAdapter) run(ctx context.Context) error {
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
		frame, err := decodeSACN(buffer[:n])
		if err != nil {
			a.reportTranslation(err, sender.String())
			continue
		}
		if frame.cid == a.cid || !a.accepts(frame.universe) {
			continue
		}
		if frame.options&sacnOptionTerminate != 0 {
			a.logger.Debug("sACN source terminated stream", "universe", frame.universe, "source", frame.sourceName)
			continue
		}
		for _, slot := range a.received.diff(frame.universe, frame.data) {
			address := slotAddress(a.namespace, frame.universe, slot)
			a.emit(message.New(message.SACN, address, message.Int(int64(frame.data[slot-1]))))
		}
	}
}

func (a *sacnAdapter) send(ctx context.Context, m message.Message) error {
	universe, slot, err := parseSlotAddress(a.namespace, m.Address())
	if err != nil {
		return err
	}
	if universe < 1 || universe > 63999 {
		return translationError("sACN universe %d outside 1..63999", universe)
	}
	level, err := dmxLevel(m.Value())
	if err != nil {
		return err
	}
	data := a.sent.set(universe, slot, level)

	a.mu.Lock()
	conn, remote := a.conn, a.remote
	a.sequences[universe]++
	sequence := a.sequences[universe]
	a.mu.Unlock()
	if conn == nil {
		return newError(ErrNotRunning, a.spec.ID, nil)
	}
	if remote == nil {
		remote = &net.UDPAddr{IP: sacnMulticastGroup(universe), Port: sacnPort}
	}

	packet := encodeSACN(sacnFrame{
		cid:        a.cid,
		sourceName: a.sourceName,
		priority:   a.priority,
		sequence:   sequence,
		universe:   universe,
		data:       data[:],
	})
	if _, err := conn.WriteToUDP(packet, remote); err != nil {
		return fmt.Errorf("sending E1.31 universe %s to %s: %w", strconv.Itoa(universe), remote, err)
	}
	return nil
}

func (a *sacnAdapter) close() error {
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
