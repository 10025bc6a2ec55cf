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

// DeleteObject contains arguments necessary for deleting an object row.
type DeleteObject struct {
	BucketID string
	Name     string
}

// Verify verifies delete object fields.
func (opts *DeleteObject) Verify() error {
	switch {
	case opts.BucketID == "":
		return ErrInvalidRequest.New("BucketID missing")
	case opts.Name == "":
		return ErrInvalidRequest.New("Name missing")
	}
	return nil
}

// DeleteObject removes the row and prunes prefixes left without
// children. It returns the deleted row; its version identifies the blob
// the caller must schedule for deletion.
func (store *Store) DeleteObject(ctx context.Context, sess *session.Session, opts DeleteObject) (_ Object, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return Object{}, err
	}

	object, err := scanObject(sess.Tx().QueryRow(ctx,
		`DELETE FROM objects WHERE bucket_id = $1 AND name = $2 RETURNING `+objectColumns,
		opts.BucketID, opts.Name))
	if err != nil {
		if errs.Is(err, pgx.ErrNoRows) {
			return Object{}, ErrObjectNotFound.New("%s/%s", opts.BucketID, opts.Name)
		}
		if pgutil.IsPermissionDenied(err) {
			return Object{}, ErrPermissionDenied.Wrap(err)
		}
		return Object{}, Error.New("unable to delete object: %w", err)
	}

	if err := store.DeleteLeafPrefixes(ctx, sess, opts.BucketID, []string{opts.Name}); err != nil {
		return Object{}, err
	}
	return object, nil
}

// DeleteObjectVersions contains arguments necessary for deleting
// specific stored versions, used by the orphan scanner.
type DeleteObjectVersions struct {
	BucketID string
	Versions []NameVersion
}

// Verify verifies delete object versions fields.
func (opts *DeleteObjectVersions) Verify() error {
	if opts.BucketID == "" {
		return ErrInvalidRequest.New("BucketID missing")
	}
	for _, pair := range opts.Versions {
		if pair.Name == "" || pair.Version == "" {
			return ErrInvalidRequest.New("Versions contains an empty pair")
		}
	}
	return nil
}

// DeleteObjectVersions deletes the rows whose (name, version) pairs
// match exactly. Rows that were replaced since the pairs were collected
// carry a different version and are left alone.
func (store *Store) DeleteObjectVersions(ctx context.Context, sess *session.Session, opts DeleteObjectVersions) (deleted []NameVersion, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return nil, err
	}
	if len(opts.Versions) == 0 {
		return nil, nil
	}

	names := make([]string, len(opts.Versions))
	versions := make([]string, len(opts.Versions))
	for i, pair := range opts.Versions {
		names[i] = pair.Name
		versions[i] = pair.Version
	}

	rows, err := sess.Tx().Query(ctx, `
		DELETE FROM objects o
		USING unnest($2::text[], $3::text[]) AS p(name, version)
		WHERE o.bucket_id = $1 AND o.name = p.name AND o.version = p.version
		RETURNING o.name, o.version`,
		opts.BucketID, names, versions)
	if err != nil {
		if pgutil.IsPermissionDenied(err) {
			return nil, ErrPermissionDenied.Wrap(err)
		}
		return nil, Error.New("unable to delete object versions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pair NameVersion
		if err := rows.Scan(&pair.Name, &pair.Version); err != nil {
			return nil, Error.Wrap(err)
		}
		deleted = append(deleted, pair)
	}
	if err := rows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}

	if len(deleted) > 0 {
		deletedNames := make([]string, len(deleted))
		for i, pair := range deleted {
			deletedNames[i] = pair.Name
		}
		if err := store.DeleteLeafPrefixes(ctx, sess, opts.BucketID, deletedNames); err != nil {
			return nil, err
		}
	}
	return deleted, nil
}
