// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package metabase

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v4"
	"github.com/zeebo/errs"

	"storj.io/depot/depot/session"
	"storj.io/depot/private/dbutil/pgutil"
)

const bucketColumns = `id, name, owner, public, file_size_limit, allowed_mime_types, created_at, updated_at`

func scanBucket(row pgx.Row) (Bucket, error) {
	var bucket Bucket
	var owner sql.NullString
	var fileSizeLimit sql.NullInt64

	err := row.Scan(
		&bucket.ID, &bucket.Name, &owner, &bucket.Public,
		&fileSizeLimit, &bucket.AllowedMimeTypes,
		&bucket.CreatedAt, &bucket.UpdatedAt,
	)
	if err != nil {
		return Bucket{}, err
	}
	bucket.Owner = owner.String
	bucket.FileSizeLimit = fileSizeLimit.Int64
	return bucket, nil
}

// CreateBucket contains arguments necessary for creating a bucket.
type CreateBucket struct {
	ID               string
	Name             string // defaults to ID
	Owner            string
	Public           bool
	FileSizeLimit    int64
	AllowedMimeTypes []string
}

// Verify verifies create bucket fields.
func (opts *CreateBucket) Verify() error {
	switch {
	case opts.ID == "":
		return ErrInvalidRequest.New("ID missing")
	case opts.FileSizeLimit < 0:
		return ErrInvalidRequest.New("FileSizeLimit negative: %v", opts.FileSizeLimit)
	}
	return nil
}

// CreateBucket adds a bucket to the tenant schema.
func (store *Store) CreateBucket(ctx context.Context, sess *session.Session, opts CreateBucket) (_ Bucket, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return Bucket{}, err
	}
	if opts.Name == "" {
		opts.Name = opts.ID
	}

	bucket, err := scanBucket(sess.Tx().QueryRow(ctx, `
		INSERT INTO buckets (id, name, owner, public, file_size_limit, allowed_mime_types)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, 0), $6)
		RETURNING `+bucketColumns,
		opts.ID, opts.Name, opts.Owner, opts.Public, opts.FileSizeLimit, opts.AllowedMimeTypes))
	if err != nil {
		switch {
		case pgutil.IsUniqueViolation(err):
			return Bucket{}, ErrBucketAlreadyExists.New("%q", opts.ID)
		case pgutil.IsPermissionDenied(err):
			return Bucket{}, ErrPermissionDenied.Wrap(err)
		}
		return Bucket{}, Error.New("unable to create bucket: %w", err)
	}
	return bucket, nil
}

// GetBucket contains arguments necessary for fetching a bucket.
type GetBucket struct {
	ID string
}

// GetBucket returns bucket information.
func (store *Store) GetBucket(ctx context.Context, sess *session.Session, opts GetBucket) (_ Bucket, err error) {
	defer mon.Task()(&ctx)(&err)

	if opts.ID == "" {
		return Bucket{}, ErrInvalidRequest.New("ID missing")
	}

	bucket, err := scanBucket(sess.Tx().QueryRow(ctx,
		`SELECT `+bucketColumns+` FROM buckets WHERE id = $1`, opts.ID))
	if err != nil {
		if errs.Is(err, pgx.ErrNoRows) {
			return Bucket{}, ErrBucketNotFound.New("%q", opts.ID)
		}
		if pgutil.IsPermissionDenied(err) {
			return Bucket{}, ErrPermissionDenied.Wrap(err)
		}
		return Bucket{}, Error.New("unable to query bucket: %w", err)
	}
	return bucket, nil
}

// ListBuckets contains arguments necessary for listing buckets.
type ListBuckets struct {
	Cursor string
	Limit  int
}

// ListBuckets returns up to Limit buckets ordered by id, starting after
// the cursor.
func (store *Store) ListBuckets(ctx context.Context, sess *session.Session, opts ListBuckets) (_ []Bucket, err error) {
	defer mon.Task()(&ctx)(&err)

	if opts.Limit <= 0 || opts.Limit > ListLimit {
		opts.Limit = ListLimit
	}

	rows, err := sess.Tx().Query(ctx,
		`SELECT `+bucketColumns+` FROM buckets WHERE id > $1 ORDER BY id LIMIT $2`,
		opts.Cursor, opts.Limit)
	if err != nil {
		if pgutil.IsPermissionDenied(err) {
			return nil, ErrPermissionDenied.Wrap(err)
		}
		return nil, Error.New("unable to list buckets: %w", err)
	}
	defer rows.Close()

	var buckets []Bucket
	for rows.Next() {
		bucket, err := scanBucket(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		buckets = append(buckets, bucket)
	}
	return buckets, Error.Wrap(rows.Err())
}

// UpdateBucket contains arguments necessary for updating a bucket.
// Nil pointers leave the column unchanged.
type UpdateBucket struct {
	ID               string
	Public           *bool
	FileSizeLimit    *int64
	AllowedMimeTypes []string
}

// Verify verifies update bucket fields.
func (opts *UpdateBucket) Verify() error {
	switch {
	case opts.ID == "":
		return ErrInvalidRequest.New("ID missing")
	case opts.FileSizeLimit != nil && *opts.FileSizeLimit < 0:
		return ErrInvalidRequest.New("FileSizeLimit negative: %v", *opts.FileSizeLimit)
	}
	return nil
}

// UpdateBucket applies a partial update and returns the new row.
func (store *Store) UpdateBucket(ctx context.Context, sess *session.Session, opts UpdateBucket) (_ Bucket, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return Bucket{}, err
	}

	set := []string{"updated_at = now()"}
	var args []interface{}
	add := func(column string, value interface{}) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if opts.Public != nil {
		add("public", *opts.Public)
	}
	if opts.FileSizeLimit != nil {
		args = append(args, *opts.FileSizeLimit)
		set = append(set, fmt.Sprintf("file_size_limit = NULLIF($%d, 0)", len(args)))
	}
	if opts.AllowedMimeTypes != nil {
		add("allowed_mime_types", opts.AllowedMimeTypes)
	}
	args = append(args, opts.ID)

	bucket, err := scanBucket(sess.Tx().QueryRow(ctx,
		`UPDATE buckets SET `+strings.Join(set, ", ")+
			fmt.Sprintf(` WHERE id = $%d RETURNING `, len(args))+bucketColumns,
		args...))
	if err != nil {
		if errs.Is(err, pgx.ErrNoRows) {
			return Bucket{}, ErrBucketNotFound.New("%q", opts.ID)
		}
		if pgutil.IsPermissionDenied(err) {
			return Bucket{}, ErrPermissionDenied.Wrap(err)
		}
		return Bucket{}, Error.New("unable to update bucket: %w", err)
	}
	return bucket, nil
}

// DeleteBucketIfEmpty contains arguments necessary for deleting a bucket.
type DeleteBucketIfEmpty struct {
	ID string
}

// DeleteBucketIfEmpty removes the bucket unless it still holds objects.
// Orphaned prefix rows do not block deletion.
func (store *Store) DeleteBucketIfEmpty(ctx context.Context, sess *session.Session, opts DeleteBucketIfEmpty) (err error) {
	defer mon.Task()(&ctx)(&err)

	if opts.ID == "" {
		return ErrInvalidRequest.New("ID missing")
	}

	tag, err := sess.Tx().Exec(ctx, `
		DELETE FROM buckets
		WHERE id = $1
		  AND NOT EXISTS (SELECT 1 FROM objects WHERE bucket_id = $1)`,
		opts.ID)
	if err != nil {
		if pgutil.IsPermissionDenied(err) {
			return ErrPermissionDenied.Wrap(err)
		}
		return Error.New("unable to delete bucket: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := sess.Tx().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM buckets WHERE id = $1)`, opts.ID).Scan(&exists); err != nil {
		return Error.Wrap(err)
	}
	if exists {
		return ErrBucketNotEmpty.New("%q", opts.ID)
	}
	return ErrBucketNotFound.New("%q", opts.ID)
}
