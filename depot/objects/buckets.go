// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package objects

import (
	"context"

	"storj.io/depot/depot/metabase"
	"storj.io/depot/depot/session"
)

// CreateBucketParams contains arguments necessary for creating a
// bucket.
type CreateBucketParams struct {
	Identity
	ID               string
	Name             string
	Public           bool
	FileSizeLimit    int64
	AllowedMimeTypes []string
}

// CreateBucket adds a bucket owned by the caller.
func (service *Service) CreateBucket(ctx context.Context, params CreateBucketParams) (_ metabase.Bucket, err error) {
	defer mon.Task()(&ctx)(&err)

	var bucket metabase.Bucket
	err = service.withSession(ctx, params.Identity, false, func(ctx context.Context, sess *session.Session) error {
		var err error
		bucket, err = service.metabase.CreateBucket(ctx, sess, metabase.CreateBucket{
			ID:               params.ID,
			Name:             params.Name,
			Owner:            params.owner(),
			Public:           params.Public,
			FileSizeLimit:    params.FileSizeLimit,
			AllowedMimeTypes: params.AllowedMimeTypes,
		})
		return err
	})
	return bucket, err
}

// GetBucket returns bucket information. The public read path fetches
// buckets super-user to check the public flag before streaming.
func (service *Service) GetBucket(ctx context.Context, id Identity, bucketID string, superUser bool) (_ metabase.Bucket, err error) {
	defer mon.Task()(&ctx)(&err)

	var bucket metabase.Bucket
	err = service.withSession(ctx, id, superUser, func(ctx context.Context, sess *session.Session) error {
		var err error
		bucket, err = service.metabase.GetBucket(ctx, sess, metabase.GetBucket{ID: bucketID})
		return err
	})
	return bucket, err
}

// ListBuckets returns one page of buckets visible to the caller.
func (service *Service) ListBuckets(ctx context.Context, id Identity, cursor string, limit int) (_ []metabase.Bucket, err error) {
	defer mon.Task()(&ctx)(&err)

	var buckets []metabase.Bucket
	err = service.withSession(ctx, id, false, func(ctx context.Context, sess *session.Session) error {
		var err error
		buckets, err = service.metabase.ListBuckets(ctx, sess, metabase.ListBuckets{
			Cursor: cursor,
			Limit:  limit,
		})
		return err
	})
	return buckets, err
}

// UpdateBucketParams contains arguments necessary for updating a
// bucket. Nil pointers leave the field unchanged.
type UpdateBucketParams struct {
	Identity
	ID               string
	Public           *bool
	FileSizeLimit    *int64
	AllowedMimeTypes []string
}

// UpdateBucket applies a partial update and returns the new row.
func (service *Service) UpdateBucket(ctx context.Context, params UpdateBucketParams) (_ metabase.Bucket, err error) {
	defer mon.Task()(&ctx)(&err)

	var bucket metabase.Bucket
	err = service.withSession(ctx, params.Identity, false, func(ctx context.Context, sess *session.Session) error {
		var err error
		bucket, err = service.metabase.UpdateBucket(ctx, sess, metabase.UpdateBucket{
			ID:               params.ID,
			Public:           params.Public,
			FileSizeLimit:    params.FileSizeLimit,
			AllowedMimeTypes: params.AllowedMimeTypes,
		})
		return err
	})
	return bucket, err
}

// DeleteBucket removes an empty bucket.
func (service *Service) DeleteBucket(ctx context.Context, id Identity, bucketID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return service.withSession(ctx, id, false, func(ctx context.Context, sess *session.Session) error {
		return service.metabase.DeleteBucketIfEmpty(ctx, sess, metabase.DeleteBucketIfEmpty{ID: bucketID})
	})
}
