// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package pubsub distributes tenant configuration invalidation events
// across gateway processes.
package pubsub

import (
	"context"

	"github.com/zeebo/errs"
)

// Error is the default error class for the pubsub package.
var Error = errs.Class("pubsub")

// TenantsUpdateChannel carries tenant ids whose configuration changed.
const TenantsUpdateChannel = "tenants_update"

// Bus delivers at-least-once eviction signals between processes.
//
// architecture: Service
type Bus interface {
	// Publish sends the tenant id to every subscriber of the channel.
	Publish(ctx context.Context, tenantID string) error

	// Subscribe delivers tenant ids to fn until the context is canceled.
	// It blocks for the duration of the subscription.
	Subscribe(ctx context.Context, fn func(tenantID string)) error

	// Close releases the underlying connections.
	Close() error
}
