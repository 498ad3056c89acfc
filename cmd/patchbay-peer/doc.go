// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

// patchbay-peer links to a patchbay router as a named signaling peer
// and opens or answers peer-to-peer sessions through it.
//
// With --offer it offers a session to the named peer. Once the data
// channel opens it speaks the router client protocol over it: it
// subscribes to each --subscribe pattern, prints every message it
// receives as "ADDRESS JSON-VALUE", and publishes each stdin line of
// the same form. Offering to the router's own peer id gives a direct
// peer-to-peer link into the router.
//
// Without --offer it answers every session offered to it and echoes
// the data it receives, which is enough to check connectivity between
// two machines.
package main
