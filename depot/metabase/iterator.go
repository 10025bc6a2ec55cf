// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package metabase

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"storj.io/depot/depot/session"
	"storj.io/depot/private/dbutil/pgutil"
)

// ObjectsIterator iterates over a sequence of objects.
type ObjectsIterator interface {
	// Next returns true if there was another item and copied it into item.
	Next(ctx context.Context, item *Object) bool
}

// ListObjectsStream contains arguments necessary for iterating over the
// objects of a bucket in (name, version) order.
type ListObjectsStream struct {
	BucketID  string
	Before    *time.Time
	BatchSize int
}

// Verify verifies list objects stream fields.
func (opts *ListObjectsStream) Verify() error {
	if opts.BucketID == "" {
		return ErrInvalidRequest.New("BucketID missing")
	}
	return nil
}

// ListObjectsStream iterates through all objects of a bucket in pages
// of at most BatchSize. The iterator is lazy, cancellable through ctx
// and cannot be restarted. Each page is buffered before fn sees it, so
// fn may run its own queries on the session between Next calls.
func (store *Store) ListObjectsStream(ctx context.Context, sess *session.Session, opts ListObjectsStream, fn func(context.Context, ObjectsIterator) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return err
	}
	if opts.BatchSize <= 0 || opts.BatchSize > ListLimit {
		opts.BatchSize = ListLimit
	}

	it := &objectsIterator{
		sess:      sess,
		bucketID:  opts.BucketID,
		before:    opts.Before,
		batchSize: opts.BatchSize,
	}
	return errs.Combine(fn(ctx, it), it.failErr)
}

// objectsIterator enables iteration on objects in a bucket.
type objectsIterator struct {
	sess      *session.Session
	bucketID  string
	before    *time.Time
	batchSize int

	cursor   ObjectsCursor
	buf      []Object
	bufIndex int
	started  bool
	last     bool // the previous batch was short, nothing follows

	// failErr is set when a query or scan fails during iteration.
	failErr error
}

// Next implements ObjectsIterator.
func (it *objectsIterator) Next(ctx context.Context, item *Object) bool {
	if it.failErr != nil {
		return false
	}
	if it.bufIndex >= len(it.buf) {
		if it.started && it.last {
			return false
		}
		if !it.nextBatch(ctx) {
			return false
		}
	}
	*item = it.buf[it.bufIndex]
	it.bufIndex++
	return true
}

// nextBatch buffers the next page and releases the underlying rows
// before returning, keeping the session free for interleaved queries.
func (it *objectsIterator) nextBatch(ctx context.Context) bool {
	it.started = true
	it.buf = it.buf[:0]
	it.bufIndex = 0

	rows, err := it.sess.Tx().Query(ctx, `
		SELECT `+objectColumns+`
		FROM objects
		WHERE bucket_id = $1
		  AND ($2::timestamptz IS NULL OR created_at < $2)
		  AND (name, version) > ($3, $4)
		ORDER BY name, version
		LIMIT $5`,
		it.bucketID, it.before, it.cursor.Name, it.cursor.Version, it.batchSize)
	if err != nil {
		it.fail(err)
		return false
	}
	defer rows.Close()

	for rows.Next() {
		object, err := scanObject(rows)
		if err != nil {
			it.fail(err)
			return false
		}
		it.buf = append(it.buf, object)
	}
	if err := rows.Err(); err != nil {
		it.fail(err)
		return false
	}

	it.last = len(it.buf) < it.batchSize
	if len(it.buf) == 0 {
		return false
	}
	tail := it.buf[len(it.buf)-1]
	it.cursor = ObjectsCursor{Name: tail.Name, Version: tail.Version}
	return true
}

func (it *objectsIterator) fail(err error) {
	if pgutil.IsPermissionDenied(err) {
		it.failErr = ErrPermissionDenied.Wrap(err)
		return
	}
	it.failErr = Error.New("unable to stream objects: %w", err)
}
