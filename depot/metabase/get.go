// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package metabase

import (
	"context"

	"github.com/jackc/pgx/v4"
	"github.com/zeebo/errs"

	"storj.io/depot/depot/session"
	"storj.io/depot/private/dbutil/pgutil"
)

// GetObject contains arguments necessary for fetching an object row.
type GetObject struct {
	BucketID string
	Name     string
}

// Verify verifies get object fields.
func (opts *GetObject) Verify() error {
	switch {
	case opts.BucketID == "":
		return ErrInvalidRequest.New("BucketID missing")
	case opts.Name == "":
		return ErrInvalidRequest.New("Name missing")
	}
	return nil
}

// GetObject returns the current row for the name. Rows hidden by row
// level policies surface as ErrObjectNotFound, the same as absent ones.
func (store *Store) GetObject(ctx context.Context, sess *session.Session, opts GetObject) (_ Object, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return Object{}, err
	}

	object, err := scanObject(sess.Tx().QueryRow(ctx,
		`SELECT `+objectColumns+` FROM objects WHERE bucket_id = $1 AND name = $2`,
		opts.BucketID, opts.Name))
	if err != nil {
		if errs.Is(err, pgx.ErrNoRows) {
			return Object{}, ErrObjectNotFound.New("%s/%s", opts.BucketID, opts.Name)
		}
		if pgutil.IsPermissionDenied(err) {
			return Object{}, ErrPermissionDenied.Wrap(err)
		}
		return Object{}, Error.New("unable to query object: %w", err)
	}
	return object, nil
}
