// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/patchbay-dev/patchbay/lib/message"
)

// Role is how an adapter meets its endpoint.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
	RoleDevice Role = "device"
)

// Spec describes an adapter to build. It is the persisted form of an
// adapter inside a bridge record.
type Spec struct {
	ID       string            `yaml:"id" json:"id"`
	Protocol message.Protocol  `yaml:"protocol" json:"protocol"`
	Role     Role              `yaml:"role" json:"role"`
	Endpoint string            `yaml:"endpoint" json:"endpoint"`
	Options  map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
}

// Validate checks fields every protocol needs.
func (s Spec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: adapter id is required", ErrInvalidSpec)
	}
	if s.Protocol == 0 {
		return fmt.Errorf("%w: adapter %s has no protocol", ErrInvalidSpec, s.ID)
	}
	switch s.Role {
	case RoleServer, RoleClient, RoleDevice:
	default:
		return fmt.Errorf("%w: adapter %s has unknown role %q", ErrInvalidSpec, s.ID, s.Role)
	}
	if s.Endpoint == "" {
		return fmt.Errorf("%w: adapter %s has no endpoint", ErrInvalidSpec, s.ID)
	}
	return nil
}

// Option returns the named option or fallback when unset.
func (s Spec) Option(name, fallback string) string {
	if value, ok := s.Options[name]; ok && value != "" {
		return value
	}
	return fallback
}

// IntOption parses the named option as an integer.
func (s Spec) IntOption(name string, fallback int) (int, error) {
	raw, ok := s.Options[name]
	if !ok || raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: option %s=%q is not an integer", ErrInvalidSpec, name, raw)
	}
	return value, nil
}

// BoolOption parses the named option as a boolean.
func (s Spec) BoolOption(name string, fallback bool) (bool, error) {
	raw, ok := s.Options[name]
	if !ok || raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: option %s=%q is not a boolean", ErrInvalidSpec, name, raw)
	}
	return value, nil
}

// DurationOption parses the named option as a Go duration.
func (s Spec) DurationOption(name string, fallback time.Duration) (time.Duration, error) {
	raw, ok := s.Options[name]
	if !ok || raw == "" {
		return fallback, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: option %s=%q is not a duration", ErrInvalidSpec, name, raw)
	}
	return value, nil
}

// ListOption splits a comma-separated option, dropping empty items.
func (s Spec) ListOption(name string, fallback []string) []string {
	raw, ok := s.Options[name]
	if !ok || raw == "" {
		return fallback
	}
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// namespaced prefixes a protocol-native path with namespace.
func namespaced(namespace, path string) string {
	return message.Join(namespace, path)
}

// stripNamespace removes namespace from address. It reports false when
// address lies outside the namespace.
func stripNamespace(namespace, address string) (string, bool) {
	namespace = strings.TrimSuffix(namespace, "/")
	if namespace == "" || namespace == "/" {
		return address, true
	}
	if address == namespace {
		return "/", true
	}
	if rest, ok := strings.CutPrefix(address, namespace+"/"); ok {
		return "/" + rest, true
	}
	return "", false
}
