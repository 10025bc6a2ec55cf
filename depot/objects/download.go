// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package objects

import (
	"context"

	"storj.io/depot/depot/blobstore"
	"storj.io/depot/depot/metabase"
	"storj.io/depot/depot/session"
)

// DownloadParams contains arguments necessary for reading an object.
type DownloadParams struct {
	Identity
	BucketID string
	Name     string

	Conditions blobstore.Conditions

	// SuperUser bypasses row level policies. The signed-URL and
	// public-bucket read paths set it after doing their own checks.
	SuperUser bool
}

// Download returns the object row and a blob stream. A conditional
// request that does not match surfaces blobstore.ErrNotModified with
// the row still populated, so callers can answer 304 with headers.
// The caller owns the download body.
func (service *Service) Download(ctx context.Context, params DownloadParams) (_ metabase.Object, _ *blobstore.Download, err error) {
	defer mon.Task()(&ctx)(&err)

	object, err := service.Head(ctx, params)
	if err != nil {
		return metabase.Object{}, nil, err
	}

	key := BlobKey(params.TenantID, params.BucketID, params.Name, object.Version)
	var download *blobstore.Download
	err = service.withRetry(ctx, func() error {
		var err error
		download, err = service.blobs.GetObject(ctx, service.config.Bucket, key, params.Conditions)
		return err
	})
	if err != nil {
		return object, nil, err
	}
	return object, download, nil
}

// Head returns the object row; metadata answers come from the
// database, not the backend.
func (service *Service) Head(ctx context.Context, params DownloadParams) (_ metabase.Object, err error) {
	defer mon.Task()(&ctx)(&err)

	var object metabase.Object
	err = service.withSession(ctx, params.Identity, params.SuperUser, func(ctx context.Context, sess *session.Session) error {
		var err error
		object, err = service.metabase.GetObject(ctx, sess, metabase.GetObject{
			BucketID: params.BucketID,
			Name:     params.Name,
		})
		return err
	})
	if err != nil {
		return metabase.Object{}, err
	}
	return object, nil
}

// ListParams contains arguments necessary for listing objects.
type ListParams struct {
	Identity
	BucketID string
	Prefix   string
	Search   string
	Limit    int
	Offset   int
	Cursor   metabase.ObjectsCursor
}

// List returns one page of object rows visible to the caller.
func (service *Service) List(ctx context.Context, params ListParams) (_ []metabase.Object, err error) {
	defer mon.Task()(&ctx)(&err)

	var objects []metabase.Object
	err = service.withSession(ctx, params.Identity, false, func(ctx context.Context, sess *session.Session) error {
		var err error
		objects, err = service.metabase.ListObjects(ctx, sess, metabase.ListObjects{
			BucketID: params.BucketID,
			Prefix:   params.Prefix,
			Search:   params.Search,
			Limit:    params.Limit,
			Offset:   params.Offset,
			Cursor:   params.Cursor,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return objects, nil
}
