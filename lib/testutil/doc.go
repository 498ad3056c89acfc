// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by Patchbay tests.
//
// [RequireReceive], [RequireClosed], and [RequireNoReceive] wrap the
// select-with-timeout safety valve so tests never hang. They are the
// only place tests wait on the wall clock; protocol deadlines are
// driven through lib/clock fakes instead.
//
// [FreeUDPAddress] and [FreeTCPAddress] reserve loopback ports for
// adapters that must bind a concrete endpoint. [FIFO] creates a named
// pipe that stands in for a raw MIDI device node. [StartMQTTBroker]
// runs an in-process MQTT broker for adapter and bridge tests.
package testutil
