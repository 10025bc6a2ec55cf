// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package gc reconciles the blob backend against the metadata database.
// The two can disagree after a failed compensation or a lost deletion
// job: a blob without a row, or a row without a blob. The scanner finds
// both in bounded memory by loading the backend listing into a
// session-local scratch table and joining each side against the other
// in pages.
package gc

import (
	"context"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/depot/depot/blobstore"
	"storj.io/depot/depot/metabase"
	"storj.io/depot/depot/objects"
	"storj.io/depot/depot/session"
)

var (
	// Error is the default error class for the gc package.
	Error = errs.Class("gc")

	mon = monkit.Package()
)

// tmpKeysTable holds one backend key per row for the duration of a
// scan. Temporary tables are session local, so concurrent scans on
// separate sessions never contend.
const tmpKeysTable = "tmp_orphan_keys"

// Config configures the orphan scanner.
type Config struct {
	Bucket          string `help:"backend bucket shared by all tenants" default:"depot"`
	PageSize        int    `help:"keys per listing page and probe batch" default:"1000"`
	DeleteBatchSize int    `help:"orphans per delete batch" default:"100"`
}

// Events schedules the backup jobs DeleteOrphans emits.
type Events interface {
	ScheduleBackups(ctx context.Context, tenantID string, keys []string) error
}

// Scanner compares the blob backend with the metadata database and
// reports entries present on only one side.
//
// architecture: Service
type Scanner struct {
	log      *zap.Logger
	broker   *session.Broker
	metabase *metabase.Store
	blobs    blobstore.Store
	events   Events
	config   Config
}

// NewScanner creates a new orphan scanner.
func NewScanner(log *zap.Logger, broker *session.Broker, store *metabase.Store, blobs blobstore.Store, events Events, config Config) *Scanner {
	if config.PageSize <= 0 || config.PageSize > blobstore.MaxListLimit {
		config.PageSize = blobstore.MaxListLimit
	}
	if config.DeleteBatchSize <= 0 {
		config.DeleteBatchSize = 100
	}
	return &Scanner{
		log:      log,
		broker:   broker,
		metabase: store,
		blobs:    blobs,
		events:   events,
		config:   config,
	}
}

// ScanParams selects what one scan covers.
type ScanParams struct {
	TenantID string
	BucketID string

	// Before excludes entries created or modified at or after this
	// instant. Everything younger is treated as in flight and never
	// reported; a zero Before scans everything and is only safe on a
	// bucket with no live traffic.
	Before time.Time
}

// Scan streams every orphan of the bucket into fn, alternating fairly
// between blob orphans and row orphans. The scan holds one super-user
// session for its whole duration and leaves the database unchanged.
func (scanner *Scanner) Scan(ctx context.Context, params ScanParams, fn func(context.Context, Orphan) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	sess, err := scanner.broker.Acquire(ctx, session.AcquireParams{
		TenantID:  params.TenantID,
		SuperUser: true,
	})
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		err = errs.Combine(err, Error.Wrap(sess.Rollback(context.WithoutCancel(ctx))))
	}()

	return scanner.run(ctx, sess, params, fn)
}

// run loads the backend listing into the scratch table and drains both
// orphan producers through fn on the given session.
func (scanner *Scanner) run(ctx context.Context, sess *session.Session, params ScanParams, fn func(context.Context, Orphan) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	if params.TenantID == "" || params.BucketID == "" {
		return Error.New("tenant and bucket are required")
	}

	_, err = sess.Tx().Exec(ctx,
		`CREATE TEMPORARY TABLE `+tmpKeysTable+` (key text PRIMARY KEY, size bigint) ON COMMIT PRESERVE ROWS`)
	if err != nil {
		return Error.New("unable to create scratch table: %w", err)
	}
	defer func() {
		// The table survives a commit and would leak into the pooled
		// connection without an explicit drop.
		_, dropErr := sess.Tx().Exec(context.WithoutCancel(ctx), `DROP TABLE IF EXISTS `+tmpKeysTable)
		if dropErr != nil && err == nil {
			err = Error.New("unable to drop scratch table: %w", dropErr)
		}
	}()

	prefix := params.TenantID + "/" + params.BucketID + "/"
	if err := scanner.loadBackendKeys(ctx, sess, prefix, params.Before); err != nil {
		return err
	}

	var before *time.Time
	if !params.Before.IsZero() {
		before = &params.Before
	}
	sources := []orphanSource{
		&blobOrphans{
			sess:     sess,
			store:    scanner.metabase,
			bucketID: params.BucketID,
			prefix:   prefix,
			pageSize: scanner.config.PageSize,
		},
		&rowOrphans{
			sess:     sess,
			store:    scanner.metabase,
			bucketID: params.BucketID,
			prefix:   prefix,
			pageSize: scanner.config.PageSize,
			before:   before,
		},
	}

	// Fair merge: each source yields one record, then goes to the back
	// of the line. Exhausted sources drop out.
	for len(sources) > 0 {
		if err := ctx.Err(); err != nil {
			return Error.Wrap(err)
		}
		src := sources[0]
		sources = sources[1:]

		orphan, ok, err := src.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := fn(ctx, orphan); err != nil {
			return err
		}
		sources = append(sources, src)
	}
	return nil
}

// loadBackendKeys pages the backend listing into the scratch table.
// Sidecar keys are skipped; they follow their data key's fate.
func (scanner *Scanner) loadBackendKeys(ctx context.Context, sess *session.Session, prefix string, before time.Time) error {
	var loaded int64
	token := ""
	for {
		page, err := scanner.blobs.List(ctx, scanner.config.Bucket, blobstore.ListOptions{
			Prefix:            prefix,
			Before:            before,
			ContinuationToken: token,
			Limit:             scanner.config.PageSize,
		})
		if err != nil {
			return Error.Wrap(err)
		}

		keys := make([]string, 0, len(page.Entries))
		sizes := make([]int64, 0, len(page.Entries))
		for _, entry := range page.Entries {
			if strings.HasSuffix(entry.Key, objects.InfoSuffix) {
				continue
			}
			keys = append(keys, entry.Key)
			sizes = append(sizes, entry.Size)
		}
		if len(keys) > 0 {
			_, err = sess.Tx().Exec(ctx, `
				INSERT INTO `+tmpKeysTable+` (key, size)
				SELECT * FROM unnest($1::text[], $2::bigint[])
				ON CONFLICT (key) DO NOTHING`,
				keys, sizes)
			if err != nil {
				return Error.New("unable to load backend keys: %w", err)
			}
			loaded += int64(len(keys))
		}

		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}
	scanner.log.Debug("backend keys loaded",
		zap.String("prefix", prefix),
		zap.Int64("keys", loaded))
	return nil
}
