// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package pubsub

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"storj.io/depot/private/errs2"
	"storj.io/depot/private/sync2"
)

var mon = monkit.Package()

// PGNotify implements Bus on top of PostgreSQL LISTEN/NOTIFY.
type PGNotify struct {
	log  *zap.Logger
	pool *pgxpool.Pool
}

// NewPGNotify creates a LISTEN/NOTIFY bus on the given pool. The pool is
// owned by the caller.
func NewPGNotify(log *zap.Logger, pool *pgxpool.Pool) *PGNotify {
	return &PGNotify{log: log, pool: pool}
}

// Publish notifies every listener on the tenants update channel.
func (bus *PGNotify) Publish(ctx context.Context, tenantID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = bus.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, TenantsUpdateChannel, tenantID)
	return Error.Wrap(err)
}

// Subscribe holds a dedicated connection listening on the tenants update
// channel and calls fn for every notification. Broken connections are
// re-established with backoff.
func (bus *PGNotify) Subscribe(ctx context.Context, fn func(tenantID string)) error {
	for {
		err := bus.listen(ctx, fn)
		if errs2.IsCanceled(err) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			bus.log.Warn("listen connection lost, reconnecting", zap.Error(err))
			mon.Event("pubsub_reconnect")
		}
		if !sync2.Sleep(ctx, 5*time.Second) {
			return nil
		}
	}
}

func (bus *PGNotify) listen(ctx context.Context, fn func(tenantID string)) (err error) {
	conn, err := bus.pool.Acquire(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `LISTEN `+TenantsUpdateChannel); err != nil {
		return Error.Wrap(err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return Error.Wrap(err)
		}
		fn(notification.Payload)
	}
}

// Close implements Bus. The pool is owned by the caller, so there is
// nothing to release here.
func (bus *PGNotify) Close() error { return nil }
