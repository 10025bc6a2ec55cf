// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package objects

import (
	"context"

	"go.uber.org/zap"

	"storj.io/depot/depot/metabase"
	"storj.io/depot/depot/session"
)

// emptyBucketBatch is how many objects one EmptyBucket page removes.
const emptyBucketBatch = 200

// DeleteParams contains arguments necessary for deleting an object.
type DeleteParams struct {
	Identity
	BucketID string
	Name     string
}

// Delete removes the row and schedules asynchronous blob removal.
// Reads observe the absence immediately; the blob disappears when the
// queued job runs.
func (service *Service) Delete(ctx context.Context, params DeleteParams) (_ metabase.Object, err error) {
	defer mon.Task()(&ctx)(&err)

	var object metabase.Object
	err = service.withSession(ctx, params.Identity, false, func(ctx context.Context, sess *session.Session) error {
		var err error
		object, err = service.metabase.DeleteObject(ctx, sess, metabase.DeleteObject{
			BucketID: params.BucketID,
			Name:     params.Name,
		})
		return err
	})
	if err != nil {
		return metabase.Object{}, err
	}

	service.scheduleBlobDelete(ctx, params.TenantID, params.BucketID, object)
	if err := service.events.ObjectRemoved(context.WithoutCancel(ctx), eventPayload(params.TenantID, params.BucketID, object)); err != nil {
		service.log.Error("object removed event failed", zap.Error(err))
	}
	return object, nil
}

// DeleteBatchParams contains arguments necessary for deleting several
// objects at once.
type DeleteBatchParams struct {
	Identity
	BucketID string
	Names    []string
}

// DeleteBatch removes every named row the caller is allowed to delete
// and reports the rows actually removed. Absent names are skipped, so
// the operation can be retried.
func (service *Service) DeleteBatch(ctx context.Context, params DeleteBatchParams) (deleted []metabase.Object, err error) {
	defer mon.Task()(&ctx)(&err)

	err = service.withSession(ctx, params.Identity, false, func(ctx context.Context, sess *session.Session) error {
		deleted = deleted[:0]
		for _, name := range params.Names {
			object, err := service.metabase.DeleteObject(ctx, sess, metabase.DeleteObject{
				BucketID: params.BucketID,
				Name:     name,
			})
			if metabase.ErrObjectNotFound.Has(err) {
				continue
			}
			if err != nil {
				return err
			}
			deleted = append(deleted, object)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(deleted) == 0 {
		return nil, nil
	}

	service.scheduleBlobDelete(ctx, params.TenantID, params.BucketID, deleted...)
	for _, object := range deleted {
		if err := service.events.ObjectRemoved(context.WithoutCancel(ctx), eventPayload(params.TenantID, params.BucketID, object)); err != nil {
			service.log.Error("object removed event failed", zap.Error(err))
		}
	}
	return deleted, nil
}

// EmptyBucket deletes every object row of the bucket in pages and
// schedules blob removal for each deleted version. Objects replaced
// concurrently survive because deletion matches exact versions.
func (service *Service) EmptyBucket(ctx context.Context, id Identity, bucketID string) (removed int64, err error) {
	defer mon.Task()(&ctx)(&err)

	for {
		var page []metabase.Object
		var listed int
		err := service.withSession(ctx, id, false, func(ctx context.Context, sess *session.Session) error {
			page = page[:0]
			objects, err := service.metabase.ListObjects(ctx, sess, metabase.ListObjects{
				BucketID: bucketID,
				Limit:    emptyBucketBatch,
			})
			listed = len(objects)
			if err != nil || listed == 0 {
				return err
			}

			pairs := make([]metabase.NameVersion, len(objects))
			byPair := make(map[metabase.NameVersion]metabase.Object, len(objects))
			for i, object := range objects {
				pair := metabase.NameVersion{Name: object.Name, Version: object.Version}
				pairs[i] = pair
				byPair[pair] = object
			}
			deletedPairs, err := service.metabase.DeleteObjectVersions(ctx, sess, metabase.DeleteObjectVersions{
				BucketID: bucketID,
				Versions: pairs,
			})
			if err != nil {
				return err
			}
			for _, pair := range deletedPairs {
				page = append(page, byPair[pair])
			}
			return nil
		})
		if err != nil {
			return removed, err
		}
		if listed == 0 {
			return removed, nil
		}
		if len(page) == 0 {
			// Nothing in the page was deletable by this caller; looping
			// again would list the same rows forever.
			return removed, Error.New("bucket %q emptying stalled with %d objects left", bucketID, listed)
		}

		service.scheduleBlobDelete(ctx, id.TenantID, bucketID, page...)
		removed += int64(len(page))
	}
}
