// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package pubsub

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"storj.io/depot/private/errs2"
	"storj.io/depot/private/sync2"
)

// RedisBus implements Bus on a Redis Pub/Sub channel for deployments
// with an out-of-band broker.
type RedisBus struct {
	log    *zap.Logger
	client *redis.Client
}

// NewRedisBus connects a bus to the Redis at the given URL.
func NewRedisBus(log *zap.Logger, address string) (*RedisBus, error) {
	opts, err := redis.ParseURL(address)
	if err != nil {
		return nil, Error.New("invalid redis URL: %v", err)
	}

	return &RedisBus{
		log:    log,
		client: redis.NewClient(opts),
	}, nil
}

// Ping checks that the Redis connection is alive.
func (bus *RedisBus) Ping(ctx context.Context) error {
	return Error.Wrap(bus.client.Ping(ctx).Err())
}

// Publish sends the tenant id to every subscriber of the channel.
func (bus *RedisBus) Publish(ctx context.Context, tenantID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return Error.Wrap(bus.client.Publish(ctx, TenantsUpdateChannel, tenantID).Err())
}

// Subscribe delivers tenant ids to fn until the context is canceled.
// Broken subscriptions are re-established with backoff.
func (bus *RedisBus) Subscribe(ctx context.Context, fn func(tenantID string)) error {
	for {
		err := bus.receive(ctx, fn)
		if errs2.IsCanceled(err) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			bus.log.Warn("subscription lost, reconnecting", zap.Error(err))
			mon.Event("pubsub_reconnect")
		}
		if !sync2.Sleep(ctx, 5*time.Second) {
			return nil
		}
	}
}

func (bus *RedisBus) receive(ctx context.Context, fn func(tenantID string)) error {
	pubsub := bus.client.Subscribe(ctx, TenantsUpdateChannel)
	defer func() { _ = pubsub.Close() }()

	for {
		message, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			return Error.Wrap(err)
		}
		fn(message.Payload)
	}
}

// Close releases the redis client.
func (bus *RedisBus) Close() error {
	return Error.Wrap(bus.client.Close())
}
