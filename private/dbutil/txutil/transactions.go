// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package txutil provides safe transaction-encapsulation functions which have
// retry semantics as necessary.
package txutil

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/depot/private/dbutil/pgutil"
)

var mon = monkit.Package()

// DB is implemented by *pgxpool.Pool and *pgxpool.Conn.
type DB interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// WithTx starts a transaction on the given database. While in the transaction,
// fn is called with a handle to the transaction in order to make use of it. If
// fn returns an error, the transaction is rolled back. If fn returns nil, the
// transaction is committed.
//
// Transactions that fail with a serialization or deadlock error are restarted.
// If fn has any side effects outside of changes to the database, they must be
// idempotent: fn may be called more than one time.
func WithTx(ctx context.Context, db DB, txOptions pgx.TxOptions, fn func(context.Context, pgx.Tx) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	start := time.Now()

	for i := 0; ; i++ {
		err, rollbackErr := withTxOnce(ctx, db, txOptions, fn)
		if time.Since(start) < 5*time.Minute && i < 10 {
			if pgutil.IsTransient(err) {
				mon.Event(fmt.Sprintf("transaction_retry_%d", i+1))
				continue
			}
		}
		mon.IntVal("transaction_retries").Observe(int64(i))
		return errs.Wrap(errs.Combine(err, rollbackErr))
	}
}

// withTxOnce creates a transaction, ensures that it is eventually released
// (commit or rollback) and passes it to the provided callback. It does not
// handle retries, delegating that to callers.
func withTxOnce(ctx context.Context, db DB, txOptions pgx.TxOptions, fn func(context.Context, pgx.Tx) error) (err, rollbackErr error) {
	defer mon.Task()(&ctx)(&err)

	tx, err := db.BeginTx(ctx, txOptions)
	if err != nil {
		return errs.Wrap(err), nil
	}
	defer func() {
		if err == nil {
			err = tx.Commit(ctx)
		} else {
			rollbackErr = ignoreTxDone(tx.Rollback(ctx))
		}
	}()

	return fn(ctx, tx), nil
}

func ignoreTxDone(err error) error {
	if errs.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}
