// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the one CBOR configuration every Patchbay package
// shares. Router frames on the transport wire, signaling payloads, and
// message values all go through it, so two peers always agree on the
// bytes.
//
// Encoding is Core Deterministic (RFC 8949 §4.2): sorted map keys,
// shortest integer and float forms, no indefinite-length items.
//
// Buffer-oriented:
//
//	data, err := codec.Marshal(frame)
//	err = codec.Unmarshal(data, &frame)
//
// Stream-oriented (one item after another on a connection):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Wire structs use `cbor:"N,keyasint"` tags so frames stay compact;
// configuration and JSON-facing types use `json` tags, which the CBOR
// library honours as a fallback.
package codec
