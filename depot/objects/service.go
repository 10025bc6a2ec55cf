// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package objects implements the storage orchestrator: the two-phase
// state machine that keeps the metadata database and the blob backend
// consistent for every object write, and the read paths on top of
// them.
package objects

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/depot/depot/auth"
	"storj.io/depot/depot/blobstore"
	"storj.io/depot/depot/eventing"
	"storj.io/depot/depot/metabase"
	"storj.io/depot/depot/session"
	"storj.io/depot/depot/tenant"
	"storj.io/depot/private/dbutil/pgutil"
	"storj.io/depot/private/sync2"
)

var (
	// Error is the default error class for the objects package.
	Error = errs.Class("objects")

	// ErrPayloadTooLarge is returned when an upload exceeds its size cap.
	ErrPayloadTooLarge = errs.Class("payload too large")

	mon = monkit.Package()
)

// Config configures the orchestrator.
type Config struct {
	Bucket        string        `help:"backend bucket shared by all tenants" default:"depot"`
	FileSizeLimit int64         `help:"global upload size cap in bytes" default:"52428800"`
	MaxRetries    int           `help:"attempts for throttled or unavailable backend calls" default:"3"`
	RetryBase     time.Duration `help:"initial backoff between backend retries" default:"100ms"`
	RetryMax      time.Duration `help:"backoff cap between backend retries" default:"30s"`
}

// Events is the notification surface the orchestrator reports into.
type Events interface {
	ObjectCreated(ctx context.Context, eventType string, obj eventing.ObjectPayload) error
	ObjectRemoved(ctx context.Context, obj eventing.ObjectPayload) error
	ObjectMovedAway(ctx context.Context, obj eventing.ObjectPayload) error
	ScheduleAdminDelete(ctx context.Context, tenantID string, keys ...string) error
	ScheduleUploadCompleted(ctx context.Context, tenantID, infoKey string) error
}

// Identity names the tenant and caller a request acts as.
type Identity struct {
	TenantID string
	Claims   *auth.Claims
}

// owner returns the subject objects created by this identity belong to.
func (id Identity) owner() string {
	if id.Claims != nil {
		return id.Claims.Subject
	}
	return ""
}

// Service orchestrates object operations across the metadata database
// and the blob backend. Writes follow a fixed order: the row first, so
// row level policies authorize the operation, then the blob, then
// finalization; failures compensate so that the row and the blob are
// never both lost.
//
// architecture: Service
type Service struct {
	log      *zap.Logger
	registry *tenant.Registry
	broker   *session.Broker
	metabase *metabase.Store
	blobs    blobstore.Store
	events   Events
	config   Config
}

// NewService creates the orchestrator.
func NewService(log *zap.Logger, registry *tenant.Registry, broker *session.Broker, store *metabase.Store, blobs blobstore.Store, events Events, config Config) *Service {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryBase <= 0 {
		config.RetryBase = 100 * time.Millisecond
	}
	if config.RetryMax <= 0 {
		config.RetryMax = 30 * time.Second
	}
	return &Service{
		log:      log,
		registry: registry,
		broker:   broker,
		metabase: store,
		blobs:    blobs,
		events:   events,
		config:   config,
	}
}

// InfoSuffix marks the resumable-upload sidecar of a stored version.
const InfoSuffix = ".info"

// BlobKey returns the backend key one stored version lives under.
func BlobKey(tenantID, bucketID, name, version string) string {
	return tenantID + "/" + bucketID + "/" + name + "/" + version
}

// InfoKey returns the resumable-upload sidecar key of a version.
func InfoKey(tenantID, bucketID, name, version string) string {
	return BlobKey(tenantID, bucketID, name, version) + InfoSuffix
}

// withSession runs fn inside a committed session. A transient database
// failure is retried once on a fresh session, so fn must tolerate
// running twice.
func (service *Service) withSession(ctx context.Context, id Identity, superUser bool, fn func(context.Context, *session.Session) error) error {
	err := service.runSession(ctx, id, superUser, fn)
	if err != nil && pgutil.IsTransient(err) && ctx.Err() == nil {
		service.log.Debug("retrying session after transient database error", zap.Error(err))
		err = service.runSession(ctx, id, superUser, fn)
	}
	return err
}

func (service *Service) runSession(ctx context.Context, id Identity, superUser bool, fn func(context.Context, *session.Session) error) (err error) {
	sess, err := service.broker.Acquire(ctx, session.AcquireParams{
		TenantID:  id.TenantID,
		Claims:    id.Claims,
		SuperUser: superUser,
	})
	if err != nil {
		return err
	}
	// Rollback still runs when the request context died mid-query.
	defer func() {
		err = errs.Combine(err, sess.Rollback(context.WithoutCancel(ctx)))
	}()

	if err := fn(ctx, sess); err != nil {
		return err
	}
	return sess.Commit(ctx)
}

// withRetry re-runs fn while the backend answers throttled or
// unavailable, backing off exponentially. fn must be idempotent; body
// streams cannot go through here.
func (service *Service) withRetry(ctx context.Context, fn func() error) error {
	backoff := service.config.RetryBase
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || attempt >= service.config.MaxRetries {
			return err
		}
		if !blobstore.ErrThrottled.Has(err) && !blobstore.ErrUnavailable.Has(err) {
			return err
		}
		if !sync2.Sleep(ctx, backoff) {
			return errs.Combine(err, ctx.Err())
		}
		backoff *= 2
		if backoff > service.config.RetryMax {
			backoff = service.config.RetryMax
		}
	}
}

// sizeLimit resolves the effective upload cap: the smallest of the
// global, tenant and bucket limits, where zero means unset.
func (service *Service) sizeLimit(ctx context.Context, tenantID string, bucket metabase.Bucket) (int64, error) {
	limit := service.config.FileSizeLimit
	config, err := service.registry.GetConfig(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	if config.FileSizeLimit > 0 && (limit <= 0 || config.FileSizeLimit < limit) {
		limit = config.FileSizeLimit
	}
	if bucket.FileSizeLimit > 0 && (limit <= 0 || bucket.FileSizeLimit < limit) {
		limit = bucket.FileSizeLimit
	}
	return limit, nil
}

// scheduleBlobDelete queues removal of an object's blob and its info
// sidecar. A failed enqueue leaves an orphan for the scanner, so it is
// logged rather than failing the already committed operation.
func (service *Service) scheduleBlobDelete(ctx context.Context, tenantID, bucketID string, objects ...metabase.Object) {
	keys := make([]string, 0, len(objects)*2)
	for _, object := range objects {
		keys = append(keys,
			BlobKey(tenantID, bucketID, object.Name, object.Version),
			InfoKey(tenantID, bucketID, object.Name, object.Version),
		)
	}
	if err := service.events.ScheduleAdminDelete(context.WithoutCancel(ctx), tenantID, keys...); err != nil {
		service.log.Error("scheduling blob delete failed",
			zap.String("tenant", tenantID),
			zap.String("bucket", bucketID),
			zap.Int("keys", len(keys)),
			zap.Error(err))
	}
}

// eventPayload renders an object row as an event payload.
func eventPayload(tenantID, bucketID string, object metabase.Object) eventing.ObjectPayload {
	return eventing.ObjectPayload{
		TenantID:    tenantID,
		Bucket:      bucketID,
		Name:        object.Name,
		Version:     object.Version,
		Size:        object.Size,
		ContentType: object.Mimetype,
	}
}
