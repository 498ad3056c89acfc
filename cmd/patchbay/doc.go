// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

// patchbay is the router daemon. It loads one config file, starts the
// router core with its bridges, listens for remote clients on TCP and
// WebSocket, relays signaling between them, and runs until SIGINT or
// SIGTERM.
package main
