// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddress sets SO_REUSEADDR so an endpoint released by Stop can be
// bound again at once, and so several sACN receivers can share the
// multicast port.
func reuseAddress(network, address string, raw syscall.RawConn) error {
	var sockoptErr error
	err := raw.Control(func(fd uintptr) {
		sockoptErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockoptErr
}

var listenConfig = net.ListenConfig{Control: reuseAddress}

// ListenUDP binds a UDP socket with SO_REUSEADDR.
func ListenUDP(ctx context.Context, address string) (*net.UDPConn, error) {
	packetConn, err := listenConfig.ListenPacket(ctx, "udp4", address)
	if err != nil {
		return nil, err
	}
	conn, ok := packetConn.(*net.UDPConn)
	if !ok {
		packetConn.Close()
		return nil, fmt.Errorf("listen udp %s: unexpected connection type %T", address, packetConn)
	}
	return conn, nil
}

// ListenTCP binds a TCP listener with SO_REUSEADDR.
func ListenTCP(ctx context.Context, address string) (net.Listener, error) {
	return listenConfig.Listen(ctx, "tcp", address)
}
