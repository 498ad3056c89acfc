// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for Patchbay binaries:
// reporting a fatal error to stderr when the structured logger may not
// exist yet, and building that logger once flags are parsed.
package process
