// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package pubsub_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/depot/depot/pubsub"
	"storj.io/depot/private/testcontext"
)

func TestRedisBusPublishSubscribe(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := miniredis.RunT(t)

	bus, err := pubsub.NewRedisBus(zaptest.NewLogger(t), "redis://"+server.Addr())
	require.NoError(t, err)
	defer ctx.Check(bus.Close)

	require.NoError(t, bus.Ping(ctx))

	received := make(chan string, 1)
	subctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ctx.Go(func() error {
		return bus.Subscribe(subctx, func(tenantID string) {
			select {
			case received <- tenantID:
			default:
			}
		})
	})

	// subscription is established asynchronously; retry the publish
	// until the subscriber observes it
	deadline := time.Now().Add(10 * time.Second)
	for {
		require.NoError(t, bus.Publish(ctx, "tenant-a"))
		select {
		case got := <-received:
			require.Equal(t, "tenant-a", got)
			cancel()
			return
		case <-time.After(50 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber never received the notification")
		}
	}
}

func TestRedisBusInvalidURL(t *testing.T) {
	_, err := pubsub.NewRedisBus(zaptest.NewLogger(t), "not-a-url")
	require.Error(t, err)
}
