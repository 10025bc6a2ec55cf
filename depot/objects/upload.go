// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package objects

import (
	"context"
	"io"
	"math"

	"go.uber.org/zap"

	"storj.io/depot/depot/blobstore"
	"storj.io/depot/depot/eventing"
	"storj.io/depot/depot/metabase"
	"storj.io/depot/depot/session"
)

// UploadParams contains arguments necessary for storing an object.
type UploadParams struct {
	Identity
	BucketID string
	Name     string

	// Upsert replaces an existing object under a fresh version token
	// instead of failing with ErrObjectAlreadyExists.
	Upsert bool

	ContentType  string
	CacheControl string
	Body         io.Reader
}

// Upload runs the two-phase create. The object row is inserted first
// so row level policies authorize the write, then the body streams to
// the backend under a size cap, then the row is finalized with the
// blob metadata. Failures after the insert compensate by removing the
// row and any partial blob.
func (service *Service) Upload(ctx context.Context, params UploadParams) (_ metabase.Object, err error) {
	defer mon.Task()(&ctx)(&err)

	var object metabase.Object
	var previousVersion string
	var sizeLimit int64
	err = service.withSession(ctx, params.Identity, false, func(ctx context.Context, sess *session.Session) error {
		var err error
		object, previousVersion, err = service.reserveRow(ctx, sess, params)
		if err != nil {
			return err
		}
		bucket, err := service.metabase.GetBucket(ctx, sess, metabase.GetBucket{ID: params.BucketID})
		if err != nil {
			return err
		}
		sizeLimit, err = service.sizeLimit(ctx, params.TenantID, bucket)
		return err
	})
	if err != nil {
		return metabase.Object{}, err
	}

	key := BlobKey(params.TenantID, params.BucketID, params.Name, object.Version)
	limited := newLimitReader(params.Body, sizeLimit)
	meta, err := service.blobs.UploadObject(ctx, service.config.Bucket, key, limited, blobstore.PutOptions{
		ContentType:  params.ContentType,
		CacheControl: params.CacheControl,
	})
	if err != nil {
		if limited.Exceeded() {
			err = ErrPayloadTooLarge.New("object exceeds %d bytes", sizeLimit)
		}
		return metabase.Object{}, service.compensate(ctx, params.Identity, params.BucketID, params.Name, object.Version, key, err)
	}

	mimetype := params.ContentType
	if mimetype == "" {
		mimetype = meta.ContentType
	}
	err = service.withSession(ctx, params.Identity, false, func(ctx context.Context, sess *session.Session) error {
		finalized, err := service.metabase.FinalizeObject(ctx, sess, metabase.FinalizeObject{
			ObjectID: object.ID,
			Metadata: metabase.ObjectMetadata{
				Size:         meta.Size,
				Mimetype:     mimetype,
				ETag:         meta.ETag,
				CacheControl: params.CacheControl,
			},
		})
		if err != nil {
			return err
		}
		object = finalized
		return nil
	})
	if err != nil {
		// The blob landed; the queue reconciles the stranded metadata.
		infoKey := InfoKey(params.TenantID, params.BucketID, params.Name, object.Version)
		if scheduleErr := service.events.ScheduleUploadCompleted(context.WithoutCancel(ctx), params.TenantID, infoKey); scheduleErr != nil {
			service.log.Error("scheduling upload reconciliation failed", zap.Error(scheduleErr))
		}
		return metabase.Object{}, err
	}

	if previousVersion != "" {
		service.scheduleBlobDelete(ctx, params.TenantID, params.BucketID, metabase.Object{
			Name:    params.Name,
			Version: previousVersion,
		})
	}

	payload := eventPayload(params.TenantID, params.BucketID, object)
	payload.PreviousVersion = previousVersion
	if err := service.events.ObjectCreated(context.WithoutCancel(ctx), eventing.EventObjectCreatedPut, payload); err != nil {
		service.log.Error("object created event failed", zap.Error(err))
	}
	return object, nil
}

// reserveRow inserts or, for upserts, re-versions the object row. The
// returned previousVersion is empty unless an existing object was
// replaced.
func (service *Service) reserveRow(ctx context.Context, sess *session.Session, params UploadParams) (metabase.Object, string, error) {
	if params.Upsert {
		object, previousVersion, err := service.metabase.ReplaceObjectVersion(ctx, sess, metabase.ReplaceObjectVersion{
			BucketID: params.BucketID,
			Name:     params.Name,
			Owner:    params.owner(),
		})
		if !metabase.ErrObjectNotFound.Has(err) {
			return object, previousVersion, err
		}
		// Nothing to replace; fall through to a plain insert.
	}
	object, err := service.metabase.InsertPendingObject(ctx, sess, metabase.InsertPendingObject{
		BucketID: params.BucketID,
		Name:     params.Name,
		Owner:    params.owner(),
	})
	return object, "", err
}

// compensate undoes a failed upload: the pending row is removed under
// a super-user session when it still carries the failed version, and
// any partial blob is deleted best effort. The original failure is
// what the caller sees.
func (service *Service) compensate(ctx context.Context, id Identity, bucketID, name, version, key string, cause error) error {
	// Cleanup proceeds even when the request context died.
	ctx = context.WithoutCancel(ctx)

	err := service.withSession(ctx, id, true, func(ctx context.Context, sess *session.Session) error {
		// Matching on the exact version keeps a concurrent replacement's
		// row safe from this cleanup.
		_, err := service.metabase.DeleteObjectVersions(ctx, sess, metabase.DeleteObjectVersions{
			BucketID: bucketID,
			Versions: []metabase.NameVersion{{Name: name, Version: version}},
		})
		return err
	})
	if err != nil {
		service.log.Error("upload compensation failed",
			zap.String("bucket", bucketID),
			zap.String("name", name),
			zap.Error(err))
	}
	if err := service.blobs.DeleteObject(ctx, service.config.Bucket, key, ""); err != nil {
		service.log.Warn("partial blob cleanup failed",
			zap.String("key", key),
			zap.Error(err))
	}
	return cause
}

// limitReader fails with ErrPayloadTooLarge once more than limit bytes
// have been read, instead of silently truncating the stream.
type limitReader struct {
	r         io.Reader
	limit     int64
	remaining int64
	exceeded  bool
}

// newLimitReader wraps r with a cap of limit bytes. A non-positive
// limit leaves the stream unbounded.
func newLimitReader(r io.Reader, limit int64) *limitReader {
	lr := &limitReader{r: r, limit: limit, remaining: math.MaxInt64}
	if limit > 0 {
		// One extra readable byte distinguishes "exactly at the cap"
		// from "over it".
		lr.remaining = limit + 1
	}
	return lr
}

// Exceeded reports whether the cap was crossed. Backends wrap reader
// errors in their own classes, so callers check this instead of the
// returned error chain.
func (lr *limitReader) Exceeded() bool { return lr.exceeded }

// Read implements io.Reader.
func (lr *limitReader) Read(p []byte) (n int, err error) {
	if lr.remaining <= 0 {
		lr.exceeded = true
		return 0, ErrPayloadTooLarge.New("object exceeds %d bytes", lr.limit)
	}
	if int64(len(p)) > lr.remaining {
		p = p[:lr.remaining]
	}
	n, err = lr.r.Read(p)
	lr.remaining -= int64(n)
	if lr.remaining <= 0 {
		lr.exceeded = true
		return n, ErrPayloadTooLarge.New("object exceeds %d bytes", lr.limit)
	}
	return n, err
}
