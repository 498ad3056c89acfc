// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/patchbay-dev/patchbay/lib/message"
	"github.com/patchbay-dev/patchbay/lib/testutil"
)

func TestMIDIParserRunningStatus(t *testing.T) {
	t.Parallel()

	var parser midiParser
	stream := []byte{
		0xb0, 7, 100, // control change
		8, 50, // running status: another control change
		0xf8,         // clock tick in the middle of nothing
		0x91, 60, 0xfe, 127, // active sensing between data bytes
		0xf0, 0x7e, 0x01, 0xf7, // sysex, skipped
		0xc2, 5, // program change, one data byte
		0xe0, 0x00, 0x40, // pitch bend centre
	}
	got := parser.feed(stream[:4])
	got = append(got, parser.feed(stream[4:])...)

	want := [][]byte{
		{0xb0, 7, 100},
		{0xb0, 8, 50},
		{0x91, 60, 127},
		{0xc2, 5},
		{0xe0, 0x00, 0x40},
	}
	if len(got) != len(want) {
		t.Fatalf("parsed %d messages, want %d: % x", len(got), len(want), got)
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("message %d = % x, want % x", i, got[i], want[i])
		}
	}
}

func TestMIDIParserDropsDataWithoutStatus(t *testing.T) {
	t.Parallel()

	var parser midiParser
	if got := parser.feed([]byte{1, 2, 3}); len(got) != 0 {
		t.Fatalf("parsed % x from bare data bytes", got)
	}
	// System common cancels running status.
	if got := parser.feed([]byte{0x90, 60, 100, 0xf2, 0, 0, 61, 100}); len(got) != 1 {
		t.Fatalf("parsed %d messages, want 1", len(got))
	}
}

func TestMIDIToMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     []byte
		address string
		value   int64
	}{
		{[]byte{0xb0, 7, 100}, "/midi/desk/ch/1/cc/7", 100},
		{[]byte{0x93, 60, 90}, "/midi/desk/ch/4/note/60", 90},
		{[]byte{0x93, 60, 0}, "/midi/desk/ch/4/note/60", 0},
		{[]byte{0x83, 60, 64}, "/midi/desk/ch/4/note/60", 0},
		{[]byte{0xcf, 12}, "/midi/desk/ch/16/program", 12},
		{[]byte{0xd0, 33}, "/midi/desk/ch/1/pressure", 33},
		{[]byte{0xe1, 0x00, 0x40}, "/midi/desk/ch/2/bend", 0},
		{[]byte{0xe1, 0x00, 0x00}, "/midi/desk/ch/2/bend", -8192},
	}
	for _, test := range tests {
		m, ok := midiToMessage("/midi/desk", test.raw)
		if !ok {
			t.Errorf("% x not translated", test.raw)
			continue
		}
		if got, _ := m.Value().AsInt(); m.Address() != test.address || got != test.value {
			t.Errorf("% x -> %v, want %s %d", test.raw, m, test.address, test.value)
		}
	}
}

func TestMessageToMIDI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		address string
		value   message.Value
		want    []byte
	}{
		{"/midi/desk/ch/1/cc/7", message.Int(100), []byte{0xb0, 7, 100}},
		{"/midi/desk/ch/3/note/64", message.Int(80), []byte{0x92, 64, 80}},
		{"/midi/desk/ch/3/note/64", message.Int(0), []byte{0x82, 64, 0}},
		{"/midi/desk/ch/1/program", message.Int(9), []byte{0xc0, 9}},
		{"/midi/desk/ch/1/bend", message.Int(0), []byte{0xe0, 0x00, 0x40}},
		{"/midi/desk/ch/1/cc/7", message.Float(1), []byte{0xb0, 7, 127}},
		// Outside the schema: controller from the last numeric segment
		// on the default channel.
		{"/fader/1", message.Int(42), []byte{0xb5, 1, 42}},
		{"/mixer/200/gain", message.Float(0.5), []byte{0xb5, 200 % 128, 64}},
		{"/fader/1", message.Int(500), []byte{0xb5, 1, 127}},
	}
	for _, test := range tests {
		raw, err := messageToMIDI("/midi/desk", 5, message.New(message.OSC, test.address, test.value))
		if err != nil {
			t.Errorf("%s: %v", test.address, err)
			continue
		}
		if !bytes.Equal(raw, test.want) {
			t.Errorf("%s %v -> % x, want % x", test.address, test.value, []byte(raw), test.want)
		}
	}

	if _, err := messageToMIDI("/midi/desk", 0, message.New(message.OSC, "/no/numbers", message.Int(1))); !errors.Is(err, ErrTranslation) {
		t.Errorf("address without numbers = %v, want translation error", err)
	}
	if _, err := messageToMIDI("/midi/desk", 0, message.New(message.OSC, "/midi/desk/ch/1/cc/300", message.Int(1))); !errors.Is(err, ErrTranslation) {
		t.Errorf("controller 300 = %v, want translation error", err)
	}
}

func TestMIDIAdapterOverFIFOs(t *testing.T) {
	t.Parallel()

	input := testutil.FIFO(t, "midi-in")
	output := testutil.FIFO(t, "midi-out")
	reader := testutil.OpenFIFOReader(t, output)

	a := startAdapter(t, Spec{
		ID: "midi", Protocol: message.MIDI, Role: RoleDevice, Endpoint: input,
		Options: map[string]string{"output": output, "device_name": "pads", "channel": "2"},
	}, Options{})

	writer, err := os.OpenFile(input, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("opening input fifo: %v", err)
	}
	defer writer.Close()
	if _, err := writer.Write([]byte{0x90, 36, 100, 36, 0}); err != nil {
		t.Fatalf("writing MIDI: %v", err)
	}
	first := testutil.RequireReceive(t, a.Messages(), 5*time.Second, "note on")
	second := testutil.RequireReceive(t, a.Messages(), 5*time.Second, "note off via running status")
	if first.Address() != "/midi/pads/ch/1/note/36" || second.Address() != first.Address() {
		t.Fatalf("received %v then %v", first, second)
	}
	if v, _ := second.Value().AsInt(); v != 0 {
		t.Fatalf("release velocity = %v", second.Value())
	}

	if err := a.Send(context.Background(), message.New(message.OSC, "/fader/1", message.Int(42))); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := make([]byte, 3)
	reader.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(reader, got); err != nil {
		t.Fatalf("reading output fifo: %v", err)
	}
	if !bytes.Equal(got, []byte{0xb1, 1, 42}) {
		t.Fatalf("wrote % x, want b1 01 2a", got)
	}

	if err := a.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("restart on the same device: %v", err)
	}
}

func TestMIDIStartReportsMissingDevice(t *testing.T) {
	t.Parallel()

	a, err := New(Spec{ID: "midi", Protocol: message.MIDI, Role: RoleDevice, Endpoint: "/nonexistent/midi"}, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("Start = %v, want ErrDeviceUnavailable", err)
	}
}
