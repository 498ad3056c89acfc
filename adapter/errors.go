// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is against an *Error.
var (
	ErrBindFailed        = errors.New("bind failed")
	ErrConnectFailed     = errors.New("connect failed")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrTranslation       = errors.New("translation error")
	ErrNotRunning        = errors.New("adapter not running")
	ErrAlreadyRunning    = errors.New("adapter already running")
	ErrInvalidSpec       = errors.New("invalid adapter spec")
	ErrUnknownProtocol   = errors.New("unknown protocol")
)

// Error carries the adapter id and the underlying cause alongside the
// kind.
type Error struct {
	Kind    error
	Adapter string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("adapter %s: %v", e.Adapter, e.Kind)
	}
	return fmt.Sprintf("adapter %s: %v: %v", e.Adapter, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, adapterID string, err error) *Error {
	return &Error{Kind: kind, Adapter: adapterID, Err: err}
}

// translationError builds the error reported for input that cannot be
// mapped to or from a message.
func translationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTranslation, fmt.Sprintf(format, args...))
}
