// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package gc

import (
	"context"

	"github.com/zeebo/errs"

	"storj.io/depot/depot/metabase"
	"storj.io/depot/depot/objects"
	"storj.io/depot/depot/session"
)

// DeleteParams selects what DeleteOrphans removes.
type DeleteParams struct {
	ScanParams

	// Backup schedules blob orphans for relocation under the backup
	// prefix instead of deleting them outright. The backup job owns the
	// deletion then.
	Backup bool
}

// Stats summarizes one reconciliation run.
type Stats struct {
	// BlobOrphans counts backend blobs without a row.
	BlobOrphans int64
	// RowOrphans counts rows deleted for lack of a blob.
	RowOrphans int64
	// Bytes is the backend space held by blob orphans.
	Bytes int64
}

// DeleteOrphans scans the bucket and removes every orphan it finds.
// Row orphans are deleted in the scan's own transaction; blob orphans
// are deleted from the backend in batches, or handed to backup jobs
// when params.Backup is set. Sidecars follow their data key.
func (scanner *Scanner) DeleteOrphans(ctx context.Context, params DeleteParams) (stats Stats, err error) {
	defer mon.Task()(&ctx)(&err)

	sess, err := scanner.broker.Acquire(ctx, session.AcquireParams{
		TenantID:  params.TenantID,
		SuperUser: true,
	})
	if err != nil {
		return Stats{}, Error.Wrap(err)
	}
	defer func() {
		err = errs.Combine(err, Error.Wrap(sess.Rollback(context.WithoutCancel(ctx))))
	}()

	var keys []string
	var rows []metabase.NameVersion

	flushBlobs := func(ctx context.Context) error {
		if len(keys) == 0 {
			return nil
		}
		if params.Backup {
			if err := scanner.events.ScheduleBackups(ctx, params.TenantID, keys); err != nil {
				return Error.Wrap(err)
			}
		} else {
			if err := scanner.blobs.DeleteObjects(ctx, scanner.config.Bucket, keys); err != nil {
				return Error.Wrap(err)
			}
		}
		keys = keys[:0]
		return nil
	}
	flushRows := func(ctx context.Context) error {
		if len(rows) == 0 {
			return nil
		}
		deleted, err := scanner.metabase.DeleteObjectVersions(ctx, sess, metabase.DeleteObjectVersions{
			BucketID: params.BucketID,
			Versions: rows,
		})
		if err != nil {
			return err
		}
		stats.RowOrphans += int64(len(deleted))
		rows = rows[:0]
		return nil
	}

	err = scanner.run(ctx, sess, params.ScanParams, func(ctx context.Context, orphan Orphan) error {
		switch orphan.Kind {
		case KindBlob:
			stats.BlobOrphans++
			stats.Bytes += orphan.Size
			keys = append(keys, orphan.Key, orphan.Key+objects.InfoSuffix)
			if len(keys) >= scanner.config.DeleteBatchSize {
				return flushBlobs(ctx)
			}
		case KindRow:
			rows = append(rows, metabase.NameVersion{Name: orphan.Name, Version: orphan.Version})
			if len(rows) >= scanner.config.DeleteBatchSize {
				return flushRows(ctx)
			}
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	if err := flushBlobs(ctx); err != nil {
		return stats, err
	}
	if err := flushRows(ctx); err != nil {
		return stats, err
	}

	mon.IntVal("gc_blob_orphans").Observe(stats.BlobOrphans)
	mon.IntVal("gc_row_orphans").Observe(stats.RowOrphans)
	mon.IntVal("gc_reclaimed_bytes").Observe(stats.Bytes)

	return stats, Error.Wrap(sess.Commit(ctx))
}
