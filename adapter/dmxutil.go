// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/patchbay-dev/patchbay/lib/message"
)

// dmxSlots is the number of channels in one DMX512 universe.
const dmxSlots = 512

// Lighting protocols (Art-Net, sACN, DMX) share one address scheme:
// {namespace}/{universe}/{slot}, slot 1..512, value Int 0..255.

func slotAddress(namespace string, universe, slot int) string {
	return message.Join(namespace, strconv.Itoa(universe), strconv.Itoa(slot))
}

// parseSlotAddress is the inverse of slotAddress.
func parseSlotAddress(namespace, address string) (universe, slot int, err error) {
	rest, ok := stripNamespace(namespace, address)
	if !ok {
		return 0, 0, translationError("%s is outside namespace %s", address, namespace)
	}
	segments := message.Segments(rest)
	if len(segments) != 2 {
		return 0, 0, translationError("%s is not {universe}/{slot}", address)
	}
	universe, err = strconv.Atoi(segments[0])
	if err != nil || universe < 0 || universe > 0x7fff {
		return 0, 0, translationError("%s: universe %q out of range", address, segments[0])
	}
	slot, err = strconv.Atoi(segments[1])
	if err != nil || slot < 1 || slot > dmxSlots {
		return 0, 0, translationError("%s: slot %q out of range 1..%d", address, segments[1], dmxSlots)
	}
	return universe, slot, nil
}

// dmxLevel converts a value to a channel level. Integers are clamped
// to 0..255; floats within [0, 1] are treated as a fraction of full;
// other floats are rounded and clamped; bools map to 0 or 255.
func dmxLevel(value message.Value) (byte, error) {
	switch value.Kind() {
	case message.KindInt:
		i, _ := value.AsInt()
		return byte(max(0, min(255, i))), nil
	case message.KindFloat:
		f, _ := value.AsFloat()
		if math.IsNaN(f) {
			return 0, translationError("NaN is not a channel level")
		}
		if f >= 0 && f <= 1 {
			return byte(math.Round(f * 255)), nil
		}
		return byte(max(0, min(255, math.Round(f)))), nil
	case message.KindBool:
		if b, _ := value.AsBool(); b {
			return 255, nil
		}
		return 0, nil
	}
	return 0, translationError("%s values are not channel levels", value.Kind())
}

// universeTable remembers the last frame seen (or sent) per universe so
// receivers report only changed slots and senders can transmit whole
// frames after a single-slot update.
type universeTable struct {
	mu     sync.Mutex
	frames map[int]*[dmxSlots]byte
}

func newUniverseTable() *universeTable {
	return &universeTable{frames: make(map[int]*[dmxSlots]byte)}
}

func (t *universeTable) frame(universe int) *[dmxSlots]byte {
	frame, ok := t.frames[universe]
	if !ok {
		frame = new([dmxSlots]byte)
		t.frames[universe] = frame
	}
	return frame
}

// diff stores data as the universe's current frame and returns the
// 1-based slots whose level changed. Slots beyond len(data) are left
// untouched.
func (t *universeTable) diff(universe int, data []byte) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	frame := t.frame(universe)
	var changed []int
	for i := 0; i < len(data) && i < dmxSlots; i++ {
		if frame[i] != data[i] {
			frame[i] = data[i]
			changed = append(changed, i+1)
		}
	}
	return changed
}

// set updates one slot and returns a copy of the whole frame.
func (t *universeTable) set(universe, slot int, level byte) [dmxSlots]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	frame := t.frame(universe)
	frame[slot-1] = level
	return *frame
}

// snapshot returns a copy of the universe's frame.
func (t *universeTable) snapshot(universe int) [dmxSlots]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.frame(universe)
}

// reset forgets every universe.
func (t *universeTable) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.frames)
}

// universeFilter parses a list of universe numbers. An empty list
// accepts every universe.
func universeFilter(items []string) (map[int]bool, error) {
	if len(items) == 0 {
		return nil, nil
	}
	filter := make(map[int]bool, len(items))
	for _, item := range items {
		universe, err := strconv.Atoi(item)
		if err != nil || universe < 0 || universe > 0x7fff {
			return nil, fmt.Errorf("%w: universe %q out of range", ErrInvalidSpec, item)
		}
		filter[universe] = true
	}
	return filter, nil
}
