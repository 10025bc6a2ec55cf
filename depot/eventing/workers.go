// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package eventing

import (
	"context"

	"go.uber.org/zap"

	"storj.io/depot/depot/blobstore"
	"storj.io/depot/depot/jobq"
)

// BackupPrefix is where backup jobs park blobs instead of deleting
// them. Tenant IDs never start with it, so backups cannot shadow live
// keys.
const BackupPrefix = "backup/"

// BlobWorkers owns the queue handlers that reconcile the blob backend
// with the metadata database.
type BlobWorkers struct {
	log    *zap.Logger
	store  blobstore.Store
	bucket string
}

// NewBlobWorkers creates the blob reconciliation handlers. bucket is
// the backend bucket all tenants share.
func NewBlobWorkers(log *zap.Logger, store blobstore.Store, bucket string) *BlobWorkers {
	return &BlobWorkers{log: log, store: store, bucket: bucket}
}

// Register attaches the handlers to the queue.
func (workers *BlobWorkers) Register(queue *jobq.Queue) {
	queue.Work(QueueAdminDeleteObject, jobq.WorkOptions{TeamSize: 2, BatchSize: 20}, workers.HandleAdminDelete)
	queue.Work(QueueUploadCompleted, jobq.WorkOptions{TeamSize: 2, BatchSize: 10}, workers.HandleUploadCompleted)
	queue.Work(QueueBackupObject, jobq.WorkOptions{TeamSize: 2, BatchSize: 10}, workers.HandleBackup)
}

// HandleAdminDelete removes backend keys. Keys that are already gone
// do not fail the job, so retries converge.
func (workers *BlobWorkers) HandleAdminDelete(ctx context.Context, job jobq.Job) (err error) {
	defer mon.Task()(&ctx)(&err)

	var payload AdminDeletePayload
	if err := job.UnmarshalPayload(&payload); err != nil {
		return Error.Wrap(err)
	}
	if len(payload.Keys) == 0 {
		return nil
	}
	if err := workers.store.DeleteObjects(ctx, workers.bucket, payload.Keys); err != nil {
		return Error.Wrap(err)
	}
	workers.log.Debug("admin delete finished",
		zap.String("tenant", payload.TenantID),
		zap.Int("keys", len(payload.Keys)))
	return nil
}

// HandleUploadCompleted refreshes the backend metadata of an info
// blob after a resumable upload finished.
func (workers *BlobWorkers) HandleUploadCompleted(ctx context.Context, job jobq.Job) (err error) {
	defer mon.Task()(&ctx)(&err)

	var payload UploadCompletedPayload
	if err := job.UnmarshalPayload(&payload); err != nil {
		return Error.Wrap(err)
	}
	_, err = workers.store.UpdateObjectInfoMetadata(ctx, workers.bucket, payload.Key)
	if blobstore.ErrNotFound.Has(err) {
		// The blob was removed between scheduling and execution.
		return nil
	}
	return Error.Wrap(err)
}

// HandleBackup copies a key under the backup prefix and removes the
// original. A missing source means an earlier attempt already made it
// past the copy, so the handler proceeds to the delete.
func (workers *BlobWorkers) HandleBackup(ctx context.Context, job jobq.Job) (err error) {
	defer mon.Task()(&ctx)(&err)

	var payload BackupPayload
	if err := job.UnmarshalPayload(&payload); err != nil {
		return Error.Wrap(err)
	}
	_, err = workers.store.CopyObject(ctx, workers.bucket, payload.Key, BackupPrefix+payload.Key, blobstore.Conditions{})
	if err != nil && !blobstore.ErrNotFound.Has(err) {
		return Error.Wrap(err)
	}
	if err := workers.store.DeleteObject(ctx, workers.bucket, payload.Key, ""); err != nil {
		return Error.Wrap(err)
	}
	workers.log.Debug("blob backed up",
		zap.String("tenant", payload.TenantID),
		zap.String("key", payload.Key))
	return nil
}
