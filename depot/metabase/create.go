// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package metabase

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/zeebo/errs"

	"storj.io/depot/depot/session"
	"storj.io/depot/private/dbutil/pgutil"
)

// validateName checks an object name for structural problems. Policy
// checks stay in the database; this only rejects names that cannot map
// to a blob key.
func validateName(name string) error {
	switch {
	case name == "":
		return ErrInvalidRequest.New("Name missing")
	case strings.HasPrefix(name, string(Delimiter)) || strings.HasSuffix(name, string(Delimiter)):
		return ErrInvalidRequest.New("Name must not begin or end with %q", Delimiter)
	case strings.Contains(name, "//"):
		return ErrInvalidRequest.New("Name must not contain empty components")
	case strings.ContainsRune(name, 0):
		return ErrInvalidRequest.New("Name must not contain NUL")
	}
	return nil
}

// InsertPendingObject contains arguments necessary for reserving an
// object row before the blob upload begins.
type InsertPendingObject struct {
	BucketID string
	Name     string
	Owner    string
}

// Verify verifies insert pending object fields.
func (opts *InsertPendingObject) Verify() error {
	if opts.BucketID == "" {
		return ErrInvalidRequest.New("BucketID missing")
	}
	return validateName(opts.Name)
}

// InsertPendingObject inserts the object row with a fresh version token
// and Pending status. The insert doubles as the authorization check:
// row level policies reject it for callers without write access.
func (store *Store) InsertPendingObject(ctx context.Context, sess *session.Session, opts InsertPendingObject) (_ Object, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return Object{}, err
	}

	version, err := NewVersion()
	if err != nil {
		return Object{}, err
	}

	object := Object{
		BucketID: opts.BucketID,
		Name:     opts.Name,
		Owner:    opts.Owner,
		Version:  version,
		Status:   Pending,
	}
	err = sess.Tx().QueryRow(ctx, `
		INSERT INTO objects (bucket_id, name, owner, version, status, level)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
		RETURNING id, created_at, updated_at`,
		opts.BucketID, opts.Name, opts.Owner, version, Pending, Levels(opts.Name)).
		Scan(&object.ID, &object.CreatedAt, &object.UpdatedAt)
	if err != nil {
		switch {
		case pgutil.IsUniqueViolation(err):
			return Object{}, ErrObjectAlreadyExists.New("%s/%s", opts.BucketID, opts.Name)
		case pgutil.IsForeignKeyViolation(err):
			return Object{}, ErrBucketNotFound.New("%q", opts.BucketID)
		case pgutil.IsPermissionDenied(err):
			return Object{}, ErrPermissionDenied.Wrap(err)
		}
		return Object{}, Error.New("unable to insert object: %w", err)
	}

	if err := store.AddPrefixes(ctx, sess, opts.BucketID, opts.Name); err != nil {
		return Object{}, err
	}
	return object, nil
}

// ReplaceObjectVersion contains arguments necessary for reusing an
// existing row for a new upload.
type ReplaceObjectVersion struct {
	BucketID string
	Name     string
	Owner    string
}

// Verify verifies replace object version fields.
func (opts *ReplaceObjectVersion) Verify() error {
	if opts.BucketID == "" {
		return ErrInvalidRequest.New("BucketID missing")
	}
	return validateName(opts.Name)
}

// ReplaceObjectVersion issues a fresh version token for an existing
// object and flips it back to Pending. The returned previousVersion
// identifies the superseded blob the caller must schedule for deletion.
func (store *Store) ReplaceObjectVersion(ctx context.Context, sess *session.Session, opts ReplaceObjectVersion) (_ Object, previousVersion string, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return Object{}, "", err
	}

	version, err := NewVersion()
	if err != nil {
		return Object{}, "", err
	}

	object := Object{
		BucketID: opts.BucketID,
		Name:     opts.Name,
		Version:  version,
		Status:   Pending,
	}
	var owner sql.NullString
	err = sess.Tx().QueryRow(ctx, `
		WITH prev AS (
			SELECT id, version FROM objects
			WHERE bucket_id = $1 AND name = $2
			FOR UPDATE
		)
		UPDATE objects o
		SET version = $3,
		    status = $4,
		    owner = COALESCE(NULLIF($5, ''), o.owner),
		    updated_at = now()
		FROM prev
		WHERE o.id = prev.id
		RETURNING o.id, o.owner, prev.version, o.created_at, o.updated_at`,
		opts.BucketID, opts.Name, version, Pending, opts.Owner).
		Scan(&object.ID, &owner, &previousVersion, &object.CreatedAt, &object.UpdatedAt)
	if err != nil {
		if errs.Is(err, pgx.ErrNoRows) {
			return Object{}, "", ErrObjectNotFound.New("%s/%s", opts.BucketID, opts.Name)
		}
		if pgutil.IsPermissionDenied(err) {
			return Object{}, "", ErrPermissionDenied.Wrap(err)
		}
		return Object{}, "", Error.New("unable to replace object version: %w", err)
	}
	object.Owner = owner.String
	return object, previousVersion, nil
}

// FinalizeObject contains arguments necessary for committing an
// uploaded object.
type FinalizeObject struct {
	ObjectID uuid.UUID
	Metadata ObjectMetadata
}

// Verify verifies finalize object fields.
func (opts *FinalizeObject) Verify() error {
	switch {
	case opts.ObjectID == uuid.Nil:
		return ErrInvalidRequest.New("ObjectID missing")
	case opts.Metadata.Size < 0:
		return ErrInvalidRequest.New("Size negative: %v", opts.Metadata.Size)
	}
	return nil
}

// FinalizeObject writes the blob metadata onto the row and marks it
// Committed. The row may have been deleted by compensation while the
// upload ran; that surfaces as ErrObjectNotFound.
func (store *Store) FinalizeObject(ctx context.Context, sess *session.Session, opts FinalizeObject) (_ Object, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return Object{}, err
	}

	object, err := scanObject(sess.Tx().QueryRow(ctx, `
		UPDATE objects
		SET status = $2,
		    size = $3,
		    mimetype = NULLIF($4, ''),
		    etag = NULLIF($5, ''),
		    cache_control = NULLIF($6, ''),
		    updated_at = now()
		WHERE id = $1
		RETURNING `+objectColumns,
		opts.ObjectID, Committed,
		opts.Metadata.Size, opts.Metadata.Mimetype, opts.Metadata.ETag, opts.Metadata.CacheControl))
	if err != nil {
		if errs.Is(err, pgx.ErrNoRows) {
			return Object{}, ErrObjectNotFound.New("%s", opts.ObjectID)
		}
		if pgutil.IsPermissionDenied(err) {
			return Object{}, ErrPermissionDenied.Wrap(err)
		}
		return Object{}, Error.New("unable to finalize object: %w", err)
	}
	return object, nil
}
