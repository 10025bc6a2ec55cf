// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package pubsub_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/depot/depot/pubsub"
	"storj.io/depot/private/dbutil/pgtest"
	"storj.io/depot/private/dbutil/pgutil"
	"storj.io/depot/private/testcontext"
)

func TestPGNotifyPublishSubscribe(t *testing.T) {
	connstr := pgtest.PickPostgres(t)

	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	pool, err := pgutil.OpenPool(ctx, connstr, "depot-test-pubsub", 3)
	require.NoError(t, err)
	defer pool.Close()

	bus := pubsub.NewPGNotify(zaptest.NewLogger(t), pool)
	defer ctx.Check(bus.Close)

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

	// LISTEN is issued asynchronously; retry the publish until the
	// subscriber observes it
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

func TestPGNotifySubscribeCancel(t *testing.T) {
	connstr := pgtest.PickPostgres(t)

	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	pool, err := pgutil.OpenPool(ctx, connstr, "depot-test-pubsub", 3)
	require.NoError(t, err)
	defer pool.Close()

	bus := pubsub.NewPGNotify(zaptest.NewLogger(t), pool)
	defer ctx.Check(bus.Close)

	subctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- bus.Subscribe(subctx, func(string) {})
	}()

	// give the listener a moment to acquire its connection
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("subscribe did not return after cancel")
	}
}
