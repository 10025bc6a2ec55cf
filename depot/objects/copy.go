// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package objects

import (
	"context"

	"go.uber.org/zap"

	"storj.io/depot/depot/blobstore"
	"storj.io/depot/depot/eventing"
	"storj.io/depot/depot/metabase"
	"storj.io/depot/depot/session"
)

// CopyParams contains arguments necessary for copying an object.
type CopyParams struct {
	Identity
	BucketID   string
	SourceName string
	DestName   string
}

// Copy clones an object under a new name. The destination row is
// inserted first so policies authorize the write, then the blob is
// copied; a failed blob copy removes the row again.
func (service *Service) Copy(ctx context.Context, params CopyParams) (_ metabase.Object, err error) {
	defer mon.Task()(&ctx)(&err)

	var source, dest metabase.Object
	err = service.withSession(ctx, params.Identity, false, func(ctx context.Context, sess *session.Session) error {
		var err error
		source, err = service.metabase.GetObject(ctx, sess, metabase.GetObject{
			BucketID: params.BucketID,
			Name:     params.SourceName,
		})
		if err != nil {
			return err
		}
		dest, err = service.metabase.InsertPendingObject(ctx, sess, metabase.InsertPendingObject{
			BucketID: params.BucketID,
			Name:     params.DestName,
			Owner:    params.owner(),
		})
		return err
	})
	if err != nil {
		return metabase.Object{}, err
	}

	srcKey := BlobKey(params.TenantID, params.BucketID, params.SourceName, source.Version)
	dstKey := BlobKey(params.TenantID, params.BucketID, params.DestName, dest.Version)
	var meta blobstore.Metadata
	err = service.withRetry(ctx, func() error {
		var err error
		meta, err = service.blobs.CopyObject(ctx, service.config.Bucket, srcKey, dstKey, blobstore.Conditions{})
		return err
	})
	if err != nil {
		return metabase.Object{}, service.compensate(ctx, params.Identity, params.BucketID, params.DestName, dest.Version, dstKey, err)
	}

	err = service.withSession(ctx, params.Identity, false, func(ctx context.Context, sess *session.Session) error {
		finalized, err := service.metabase.FinalizeObject(ctx, sess, metabase.FinalizeObject{
			ObjectID: dest.ID,
			Metadata: metabase.ObjectMetadata{
				Size:         meta.Size,
				Mimetype:     source.Mimetype,
				ETag:         meta.ETag,
				CacheControl: source.CacheControl,
			},
		})
		if err != nil {
			return err
		}
		dest = finalized
		return nil
	})
	if err != nil {
		return metabase.Object{}, service.compensate(ctx, params.Identity, params.BucketID, params.DestName, dest.Version, dstKey, err)
	}

	if err := service.events.ObjectCreated(context.WithoutCancel(ctx), eventing.EventObjectCreatedCopy, eventPayload(params.TenantID, params.BucketID, dest)); err != nil {
		service.log.Error("object copied event failed", zap.Error(err))
	}
	return dest, nil
}

// MoveParams contains arguments necessary for renaming an object.
type MoveParams struct {
	Identity
	BucketID   string
	SourceName string
	DestName   string
}

// Move renames the row first, keeping the version token, then
// relocates the blob. A retried move converges because the immutable
// version makes the new blob key deterministic: when the source blob
// is already gone and the destination blob exists, the relocation is
// treated as done.
func (service *Service) Move(ctx context.Context, params MoveParams) (_ metabase.Object, err error) {
	defer mon.Task()(&ctx)(&err)

	var object metabase.Object
	err = service.withSession(ctx, params.Identity, false, func(ctx context.Context, sess *session.Session) error {
		var err error
		object, err = service.metabase.RenameObject(ctx, sess, metabase.RenameObject{
			BucketID: params.BucketID,
			OldName:  params.SourceName,
			NewName:  params.DestName,
		})
		return err
	})
	if err != nil {
		return metabase.Object{}, err
	}

	oldKey := BlobKey(params.TenantID, params.BucketID, params.SourceName, object.Version)
	newKey := BlobKey(params.TenantID, params.BucketID, params.DestName, object.Version)

	err = service.withRetry(ctx, func() error {
		_, err := service.blobs.CopyObject(ctx, service.config.Bucket, oldKey, newKey, blobstore.Conditions{})
		return err
	})
	if blobstore.ErrNotFound.Has(err) {
		if _, headErr := service.blobs.HeadObject(ctx, service.config.Bucket, newKey); headErr == nil {
			err = nil
		}
	}
	if err != nil {
		// The row already points at the new name; a retried move or the
		// orphan scanner reconciles the stranded blob.
		return metabase.Object{}, err
	}

	if err := service.withRetry(ctx, func() error {
		return service.blobs.DeleteObject(ctx, service.config.Bucket, oldKey, "")
	}); err != nil {
		service.log.Warn("source blob cleanup failed after move",
			zap.String("key", oldKey),
			zap.Error(err))
	}

	moved := eventPayload(params.TenantID, params.BucketID, object)
	if err := service.events.ObjectCreated(context.WithoutCancel(ctx), eventing.EventObjectCreatedMove, moved); err != nil {
		service.log.Error("object moved event failed", zap.Error(err))
	}
	source := moved
	source.Name = params.SourceName
	if err := service.events.ObjectMovedAway(context.WithoutCancel(ctx), source); err != nil {
		service.log.Error("object moved away event failed", zap.Error(err))
	}
	return object, nil
}
