// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is against an *Error.
var (
	ErrUnknownAdapter = errors.New("unknown adapter")
	ErrAlreadyExists  = errors.New("already exists")
	ErrNotFound       = errors.New("bridge not found")
	ErrUnknownRouter  = errors.New("unknown router")
	ErrInvalidRequest = errors.New("invalid request")
)

// Error is returned synchronously by Manager operations.
type Error struct {
	Kind   error
	Bridge string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("bridge %s: %v", e.Bridge, e.Kind)
	}
	return fmt.Sprintf("bridge %s: %v: %v", e.Bridge, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, bridgeID string, format string, args ...any) *Error {
	var err error
	if format != "" {
		err = fmt.Errorf(format, args...)
	}
	return &Error{Kind: kind, Bridge: bridgeID, Err: err}
}
