// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"sync"

	"gitlab.com/gomidi/midi/v2"

	"github.com/patchbay-dev/patchbay/lib/message"
	"github.com/patchbay-dev/patchbay/lib/netutil"
)

// MIDI addresses are {namespace}/{device}/ch/{channel}/{kind}[/{n}]
// with channel 1..16:
//
//	.../cc/{controller}  Int 0..127
//	.../note/{key}       Int velocity, 0 on release
//	.../program          Int 0..127
//	.../pressure         Int 0..127
//	.../bend             Int -8192..8191

// midiParser reassembles channel messages from a raw byte stream,
// honouring running status. System exclusive and system common data is
// skipped; real-time bytes may appear anywhere and are ignored.
type midiParser struct {
	status  byte
	pending []byte
	inSysEx bool
}

// midiDataLength is the number of data bytes after a channel status.
func midiDataLength(status byte) int {
	switch status & 0xf0 {
	case 0xc0, 0xd0:
		return 1
	}
	return 2
}

// feed consumes bytes and returns every complete channel message.
func (p *midiParser) feed(data []byte) []midi.Message {
	var out []midi.Message
	for _, b := range data {
		switch {
		case b >= 0xf8:
			continue
		case b == 0xf0:
			p.inSysEx = true
			p.status = 0
			p.pending = p.pending[:0]
			continue
		case b == 0xf7:
			p.inSysEx = false
			continue
		case b >= 0xf1:
			// System common cancels running status.
			p.inSysEx = false
			p.status = 0
			p.pending = p.pending[:0]
			continue
		case b >= 0x80:
			p.inSysEx = false
			p.status = b
			p.pending = p.pending[:0]
			continue
		}
		if p.inSysEx || p.status == 0 {
			continue
		}
		p.pending = append(p.pending, b)
		if len(p.pending) == midiDataLength(p.status) {
			raw := append([]byte{p.status}, p.pending...)
			out = append(out, midi.Message(raw))
			p.pending = p.pending[:0]
		}
	}
	return out
}

// midiToMessage maps one channel message into the address schema.
func midiToMessage(prefix string, raw midi.Message) (message.Message, bool) {
	var (
		channel, key, velocity, controller, value, program, pressure uint8
		relative                                                     int16
		absolute                                                     uint16
	)
	channelPath := func(elements ...string) string {
		return message.Join(append([]string{prefix, "ch", strconv.Itoa(int(channel) + 1)}, elements...)...)
	}
	switch {
	case raw.GetNoteStart(&channel, &key, &velocity):
		return message.New(message.MIDI, channelPath("note", strconv.Itoa(int(key))), message.Int(int64(velocity))), true
	case raw.GetNoteEnd(&channel, &key):
		return message.New(message.MIDI, channelPath("note", strconv.Itoa(int(key))), message.Int(0)), true
	case raw.GetControlChange(&channel, &controller, &value):
		return message.New(message.MIDI, channelPath("cc", strconv.Itoa(int(controller))), message.Int(int64(value))), true
	case raw.GetProgramChange(&channel, &program):
		return message.New(message.MIDI, channelPath("program"), message.Int(int64(program))), true
	case raw.GetAfterTouch(&channel, &pressure):
		return message.New(message.MIDI, channelPath("pressure"), message.Int(int64(pressure))), true
	case raw.GetPitchBend(&channel, &relative, &absolute):
		return message.New(message.MIDI, channelPath("bend"), message.Int(int64(relative))), true
	}
	return message.Message{}, false
}

// midiValue converts a value to a 7-bit data byte.
func midiValue(value message.Value) (uint8, error) {
	switch value.Kind() {
	case message.KindInt:
		i, _ := value.AsInt()
		return uint8(max(0, min(127, i))), nil
	case message.KindFloat:
		f, _ := value.AsFloat()
		if math.IsNaN(f) {
			return 0, translationError("NaN is not a MIDI value")
		}
		if f >= 0 && f <= 1 {
			return uint8(math.Round(f * 127)), nil
		}
		return uint8(max(0, min(127, math.Round(f)))), nil
	case message.KindBool:
		if b, _ := value.AsBool(); b {
			return 127, nil
		}
		return 0, nil
	}
	return 0, translationError("%s values have no MIDI form", value.Kind())
}

// messageToMIDI maps an address back to bytes. Addresses inside the
// schema map exactly; anything else becomes a control change on the
// default channel, numbered by the address's last numeric segment.
func messageToMIDI(prefix string, defaultChannel uint8, m message.Message) (midi.Message, error) {
	if rest, ok := stripNamespace(prefix, m.Address()); ok {
		if raw, matched, err := schemaToMIDI(message.Segments(rest), m.Value()); matched {
			return raw, err
		}
	}

	segments := message.Segments(m.Address())
	for i := len(segments) - 1; i >= 0; i-- {
		number, err := strconv.Atoi(segments[i])
		if err != nil || number < 0 {
			continue
		}
		value, err := midiValue(m.Value())
		if err != nil {
			return nil, err
		}
		return midi.ControlChange(defaultChannel, uint8(number%128), value), nil
	}
	return nil, translationError("%s has no numeric segment to use as a controller", m.Address())
}

// schemaToMIDI handles ch/{n}/... paths. matched is false when the
// path is not in the schema at all.
func schemaToMIDI(segments []string, value message.Value) (raw midi.Message, matched bool, err error) {
	if len(segments) < 3 || segments[0] != "ch" {
		return nil, false, nil
	}
	channelNumber, err := strconv.Atoi(segments[1])
	if err != nil || channelNumber < 1 || channelNumber > 16 {
		return nil, false, nil
	}
	channel := uint8(channelNumber - 1)
	kind, rest := segments[2], segments[3:]

	number := func() (uint8, error) {
		if len(rest) != 1 {
			return 0, translationError("MIDI %s needs one number", kind)
		}
		n, err := strconv.Atoi(rest[0])
		if err != nil || n < 0 || n > 127 {
			return 0, translationError("MIDI %s number %q out of range 0..127", kind, rest[0])
		}
		return uint8(n), nil
	}

	switch kind {
	case "cc":
		controller, err := number()
		if err != nil {
			return nil, true, err
		}
		level, err := midiValue(value)
		if err != nil {
			return nil, true, err
		}
		return midi.ControlChange(channel, controller, level), true, nil
	case "note":
		key, err := number()
		if err != nil {
			return nil, true, err
		}
		velocity, err := midiValue(value)
		if err != nil {
			return nil, true, err
		}
		if velocity == 0 {
			return midi.NoteOff(channel, key), true, nil
		}
		return midi.NoteOn(channel, key, velocity), true, nil
	case "program":
		program, err := midiValue(value)
		if err != nil {
			return nil, true, err
		}
		return midi.ProgramChange(channel, program), true, nil
	case "pressure":
		pressure, err := midiValue(value)
		if err != nil {
			return nil, true, err
		}
		return midi.AfterTouch(channel, pressure), true, nil
	case "bend":
		bend, ok := value.AsInt()
		if !ok {
			return nil, true, translationError("MIDI bend needs an integer, got %s", value.Kind())
		}
		return midi.Pitchbend(channel, int16(max(-8192, min(8191, bend)))), true, nil
	}
	return nil, false, nil
}

// midiAdapter talks to a raw MIDI device node (or any byte stream with
// the same framing, such as a named pipe).
type midiAdapter struct {
	*base
	prefix  string
	channel uint8

	mu     sync.Mutex
	input  *os.File
	output *os.File
}

func newMIDI(spec Spec, options Options) (Adapter, error) {
	if err := requireRole(spec, RoleDevice); err != nil {
		return nil, err
	}
	channel, err := spec.IntOption("channel", 1)
	if err != nil {
		return nil, err
	}
	if channel < 1 || channel > 16 {
		return nil, fmt.Errorf("%w: MIDI channel %d outside 1..16", ErrInvalidSpec, channel)
	}
	a := &midiAdapter{
		prefix:  message.Join(spec.Option("namespace", "/midi"), spec.Option("device_name", "default")),
		channel: uint8(channel - 1),
	}
	a.base = newBase(spec, options, a)
	return a, nil
}

// openDevice prefers read-write so a named pipe never reports EOF while
// the adapter holds it.
func openDevice(path string, fallback int) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err == nil {
		return file, nil
	}
	return os.OpenFile(path, fallback, 0)
}

func (a *midiAdapter) open(ctx context.Context) (State, error) {
	input, err := openDevice(a.spec.Endpoint, os.O_RDONLY)
	if err != nil {
		return StateError, newError(ErrDeviceUnavailable, a.spec.ID, err)
	}
	output := input
	if path := a.spec.Option("output", ""); path != "" && path != a.spec.Endpoint {
		output, err = openDevice(path, os.O_WRONLY)
		if err != nil {
			input.Close()
			return StateError, newError(ErrDeviceUnavailable, a.spec.ID, err)
		}
	}
	a.mu.Lock()
	a.input = input
	a.output = output
	a.mu.Unlock()
	return StateConnected, nil
}

func (a *midiAdapter) run(ctx context.Context) error {
	a.mu.Lock()
	input := a.input
	a.mu.Unlock()

	var parser midiParser
	buffer := make([]byte, 1024)
	for {
		n, err := input.Read(buffer)
		for _, raw := range parser.feed(buffer[:n]) {
			if m, ok := midiToMessage(a.prefix, raw); ok {
				a.emit(m)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return newError(ErrDeviceUnavailable, a.spec.ID, fmt.Errorf("%s closed", a.spec.Endpoint))
			}
			if netutil.IsExpectedCloseError(err) {
				return nil
			}
			return err
		}
	}
}

func (a *midiAdapter) send(ctx context.Context, m message.Message) error {
	raw, err := messageToMIDI(a.prefix, a.channel, m)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.output == nil {
		return newError(ErrNotRunning, a.spec.ID, nil)
	}
	if _, err := a.output.Write(raw); err != nil {
		return fmt.Errorf("writing MIDI to %s: %w", a.output.Name(), err)
	}
	return nil
}

func (a *midiAdapter) close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	if a.output != nil && a.output != a.input {
		errs = append(errs, a.output.Close())
	}
	if a.input != nil {
		errs = append(errs, a.input.Close())
	}
	a.input, a.output = nil, nil
	err := errors.Join(errs...)
	if netutil.IsExpectedCloseError(err) {
		return nil
	}
	return err
}
