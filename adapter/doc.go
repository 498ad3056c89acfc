// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

// Package adapter translates between one external protocol endpoint
// and the canonical message form.
//
// Every adapter follows the same lifecycle:
//
//	Idle -> Starting -> Listening | Connected -> Stopped
//	                 \-> Error (bind, connect, or device failure)
//
// Start binds or connects and returns an error if the endpoint is
// unavailable; the adapter is left in Error and is not retried
// automatically. Stop releases every socket, device handle, and
// goroutine before it returns, so the same endpoint can be started
// again immediately. Stop is idempotent.
//
// Inbound traffic is exposed on Messages, an unbounded channel that
// preserves arrival order and closes when the run ends. Inputs that
// cannot be translated are reported as TranslationError events and
// skipped; they never end the stream.
//
// Construct adapters through [New], which dispatches on the spec's
// protocol. Each protocol lives in its own file.
package adapter
