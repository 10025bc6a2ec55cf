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

// RenameObject contains arguments necessary for renaming an object.
type RenameObject struct {
	BucketID string
	OldName  string
	NewName  string
}

// Verify verifies rename object fields.
func (opts *RenameObject) Verify() error {
	if opts.BucketID == "" {
		return ErrInvalidRequest.New("BucketID missing")
	}
	if err := validateName(opts.OldName); err != nil {
		return err
	}
	if err := validateName(opts.NewName); err != nil {
		return err
	}
	if opts.OldName == opts.NewName {
		return ErrInvalidRequest.New("OldName and NewName are the same")
	}
	return nil
}

// RenameObject atomically moves the row to the new name, keeping the
// version token so the existing blob stays addressable while the caller
// relocates it. Prefixes for the new name are added and the old leaf
// prefixes pruned in the same transaction.
func (store *Store) RenameObject(ctx context.Context, sess *session.Session, opts RenameObject) (_ Object, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return Object{}, err
	}

	object, err := scanObject(sess.Tx().QueryRow(ctx, `
		UPDATE objects
		SET name = $3, level = $4, updated_at = now()
		WHERE bucket_id = $1 AND name = $2
		RETURNING `+objectColumns,
		opts.BucketID, opts.OldName, opts.NewName, Levels(opts.NewName)))
	if err != nil {
		switch {
		case errs.Is(err, pgx.ErrNoRows):
			return Object{}, ErrObjectNotFound.New("%s/%s", opts.BucketID, opts.OldName)
		case pgutil.IsUniqueViolation(err):
			return Object{}, ErrObjectAlreadyExists.New("%s/%s", opts.BucketID, opts.NewName)
		case pgutil.IsPermissionDenied(err):
			return Object{}, ErrPermissionDenied.Wrap(err)
		}
		return Object{}, Error.New("unable to rename object: %w", err)
	}

	if err := store.AddPrefixes(ctx, sess, opts.BucketID, opts.NewName); err != nil {
		return Object{}, err
	}
	if err := store.DeleteLeafPrefixes(ctx, sess, opts.BucketID, []string{opts.OldName}); err != nil {
		return Object{}, err
	}
	return object, nil
}
