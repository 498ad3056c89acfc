// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/patchbay-dev/patchbay/lib/message"
	"github.com/patchbay-dev/patchbay/lib/testutil"
)

func TestMappingRewritesAddresses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mapping Mapping
		address string
		want    string
	}{
		{"exact", Mapping{From: "/midi/ch/1/cc/7", To: "/mixer/master"}, "/midi/ch/1/cc/7", "/mixer/master"},
		{"single capture", Mapping{From: "/desk/*/level", To: "/fader/*"}, "/desk/3/level", "/fader/3"},
		{"two captures", Mapping{From: "/desk/*/*", To: "/mixer/*/strip/*"}, "/desk/a/b", "/mixer/a/strip/b"},
		{"tail capture", Mapping{From: "/osc/**", To: "/show/**"}, "/osc/cue/12/go", "/show/cue/12/go"},
		{"empty tail", Mapping{From: "/osc/**", To: "/show/**"}, "/osc", "/show"},
		{"keep address", Mapping{From: "/fader/*"}, "/fader/1", "/fader/1"},
		{"no match", Mapping{From: "/desk/*/level", To: "/fader/*"}, "/desk/3/mute", "/desk/3/mute"},
		{"longer address", Mapping{From: "/desk/*", To: "/fader/*"}, "/desk/3/level", "/desk/3/level"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			table, err := compileMappings([]Mapping{test.mapping})
			if err != nil {
				t.Fatalf("compileMappings: %v", err)
			}
			got := table.apply(message.New(message.OSC, test.address, message.Int(1)))
			if got.Address() != test.want {
				t.Fatalf("apply(%s) address = %s, want %s", test.address, got.Address(), test.want)
			}
		})
	}
}

func TestFirstMatchingMappingWins(t *testing.T) {
	t.Parallel()

	table, err := compileMappings([]Mapping{
		{From: "/fader/1", To: "/master"},
		{From: "/fader/*", To: "/channel/*"},
	})
	if err != nil {
		t.Fatalf("compileMappings: %v", err)
	}
	for address, want := range map[string]string{"/fader/1": "/master", "/fader/2": "/channel/2"} {
		if got := table.apply(message.New(message.OSC, address, message.Null())).Address(); got != want {
			t.Errorf("apply(%s) = %s, want %s", address, got, want)
		}
	}
}

func TestTransforms(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		transform Transform
		in        message.Value
		want      message.Value
	}{
		{"scale midi to unit", Transform{Type: TransformScale, FromMax: 127, ToMax: 1}, message.Int(127), message.Float(1)},
		{"scale unit to dmx", Transform{Type: TransformScale, FromMax: 1, ToMax: 255}, message.Float(0.5), message.Float(127.5)},
		{"clamp float", Transform{Type: TransformClamp, Min: 0, Max: 1}, message.Float(1.5), message.Float(1)},
		{"clamp keeps int", Transform{Type: TransformClamp, Min: 0, Max: 127}, message.Int(-4), message.Int(0)},
		{"invert", Transform{Type: TransformInvert}, message.Float(0.25), message.Float(0.75)},
		{"to int", Transform{Type: TransformInt}, message.Float(99.9), message.Int(99)},
		{"to float", Transform{Type: TransformFloat}, message.Int(3), message.Float(3)},
		{"threshold above", Transform{Type: TransformThreshold, Threshold: 0.5}, message.Float(0.5), message.Float(1)},
		{"threshold below", Transform{Type: TransformThreshold, Threshold: 0.5}, message.Float(0.49), message.Float(0)},
		{"dead zone", Transform{Type: TransformDeadZone, Threshold: 0.05}, message.Float(-0.01), message.Float(0)},
		{"outside dead zone", Transform{Type: TransformDeadZone, Threshold: 0.05}, message.Float(0.2), message.Float(0.2)},
		{"quantize", Transform{Type: TransformQuantize, Steps: 4}, message.Float(0.3), message.Float(0.25)},
		{"round", Transform{Type: TransformRound, Decimals: 2}, message.Float(0.12345), message.Float(0.12)},
		{"strings pass", Transform{Type: TransformInvert}, message.String("go"), message.String("go")},
		{"bools pass", Transform{Type: TransformInvert}, message.Bool(true), message.Bool(true)},
	}
	for _, test := range tests {
		got := test.transform.Apply(test.in)
		if got.Kind() != test.want.Kind() || !message.ApproxEqual(got, test.want, 1e-9) {
			t.Errorf("%s: Apply(%v) = %v (%s), want %v (%s)", test.name, test.in, got, got.Kind(), test.want, test.want.Kind())
		}
	}
}

func TestTransformChainRunsInOrder(t *testing.T) {
	t.Parallel()

	table, err := compileMappings([]Mapping{{
		From: "/midi/**",
		Transforms: []Transform{
			{Type: TransformScale, FromMax: 127, ToMax: 1},
			{Type: TransformInvert},
			{Type: TransformRound, Decimals: 1},
		},
	}})
	if err != nil {
		t.Fatalf("compileMappings: %v", err)
	}
	got := table.apply(message.New(message.MIDI, "/midi/cc/1", message.Int(127)))
	if !message.ApproxEqual(got.Value(), message.Float(0), 1e-9) {
		t.Fatalf("chain result = %v, want 0", got.Value())
	}
}

func TestInvalidMappings(t *testing.T) {
	t.Parallel()

	for name, mapping := range map[string]Mapping{
		"unrooted from":       {From: "fader"},
		"inner double star":   {From: "/a/**/b"},
		"too many holes":      {From: "/a/*", To: "/b/*/*"},
		"bad to":              {From: "/a", To: "b"},
		"missing type":        {From: "/a", Transforms: []Transform{{}}},
		"flat scale":          {From: "/a", Transforms: []Transform{{Type: TransformScale, FromMin: 1, FromMax: 1}}},
		"inverted clamp":      {From: "/a", Transforms: []Transform{{Type: TransformClamp, Min: 2, Max: 1}}},
		"zero quantize steps": {From: "/a", Transforms: []Transform{{Type: TransformQuantize}}},
	} {
		if err := ValidateMappings([]Mapping{mapping}); err == nil {
			t.Errorf("%s: ValidateMappings accepted %+v", name, mapping)
		}
	}
}

func TestRouterConnectionAppliesMappings(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	out := h.connect(t, "out", "/fader/*")
	if _, err := h.manager.CreateBridge(ctx, Request{
		ID:     "desk",
		Source: fakeSpec("desk"),
		Target: RouterTarget("main"),
		Mappings: []Mapping{{
			From:       "/midi/ch/1/cc/*",
			To:         "/fader/*",
			Transforms: []Transform{{Type: TransformScale, FromMax: 127, ToMax: 1}},
		}},
	}); err != nil {
		t.Fatalf("CreateBridge: %v", err)
	}
	desk := h.fakes.get(t, "desk")

	desk.emit("/midi/ch/1/cc/7", message.Int(127))
	got := testutil.RequireReceive(t, out.sent, 5*time.Second, "mapped message")
	if got.Address() != "/fader/7" || !message.ApproxEqual(got.Value(), message.Float(1), 1e-9) {
		t.Fatalf("out received %s = %v, want /fader/7 = 1.0", got.Address(), got.Value())
	}
	if info, _ := h.manager.Bridge("desk"); len(info.Mappings) != 1 {
		t.Fatalf("Bridge(desk).Mappings = %+v", info.Mappings)
	}
	if configs := h.manager.Configs(); len(configs[len(configs)-1].Mappings) != 1 {
		t.Fatalf("Configs() lost the mappings: %+v", configs)
	}
}

func TestDirectBridgeMapsSourceSideOnly(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.manager.CreateBridge(ctx, Request{
		ID:       "pair",
		Source:   fakeSpec("left"),
		Target:   AdapterTarget(fakeSpec("right")),
		Mappings: []Mapping{{From: "/**", Transforms: []Transform{{Type: TransformInvert}}}},
	}); err != nil {
		t.Fatalf("CreateBridge: %v", err)
	}
	left, right := h.fakes.get(t, "left"), h.fakes.get(t, "right")

	left.emit("/level", message.Float(0.25))
	got := testutil.RequireReceive(t, right.sent, 5*time.Second, "left to right")
	if !message.ApproxEqual(got.Value(), message.Float(0.75), 1e-9) {
		t.Fatalf("right received %v, want 0.75", got.Value())
	}
	right.emit("/level", message.Float(0.25))
	got = testutil.RequireReceive(t, left.sent, 5*time.Second, "right to left")
	if !message.ApproxEqual(got.Value(), message.Float(0.25), 1e-9) {
		t.Fatalf("left received %v, want the untouched 0.25", got.Value())
	}
}

func TestCreateBridgeRejectsBadMapping(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.manager.CreateBridge(context.Background(), Request{
		ID:       "bad",
		Source:   fakeSpec("bad"),
		Target:   RouterTarget("main"),
		Mappings: []Mapping{{From: "/a/*", To: "/b/*/*"}},
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("CreateBridge with bad mapping = %v, want ErrInvalidRequest", err)
	}
	if len(h.manager.List()) != 0 {
		t.Fatal("rejected bridge was registered")
	}
}
