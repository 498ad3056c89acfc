// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"

	"github.com/patchbay-dev/patchbay/lib/wire"
	"github.com/patchbay-dev/patchbay/router"
)

// RouterPort is the Signaler for a manager living in the same process
// as the router core: signals go straight into the core's relay under
// PeerID.
type RouterPort struct {
	Core   *router.Core
	PeerID string
}

func (p RouterPort) SendSignal(ctx context.Context, signal wire.Signal) error {
	return p.Core.ForwardSignal(ctx, p.PeerID, signal)
}

// AttachLocal registers manager as a peer of core and returns the
// detach function.
func AttachLocal(ctx context.Context, core *router.Core, manager *Manager) (func(context.Context) error, error) {
	if err := core.AttachPeer(ctx, manager.PeerID(), manager); err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		return core.DetachPeer(ctx, manager.PeerID())
	}, nil
}
