// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package eventing routes object lifecycle events through the job
// queue: webhook deliveries to the configured endpoint and the blob
// reconciliation jobs the orchestrator schedules.
package eventing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/depot/depot/jobq"
)

var (
	// Error is the default eventing error class.
	Error = errs.Class("eventing")

	mon = monkit.Package()
)

// Queue names handlers register against.
const (
	QueueWebhooks          = "webhooks"
	QueueAdminDeleteObject = "admin-delete-object"
	QueueUploadCompleted   = "upload-completed"
	QueueBackupObject      = "backup-object"
	QueueRunMigrations     = "run-migrations-on-tenants"
)

// Webhook event types.
const (
	EventObjectCreatedPut  = "ObjectCreated:Put"
	EventObjectCreatedCopy = "ObjectCreated:Copy"
	EventObjectCreatedMove = "ObjectCreated:Move"
	EventObjectRemoved     = "ObjectRemoved:Delete"
	EventObjectRemovedMove = "ObjectRemoved:Move"
	EventObjectAdminDelete = "ObjectAdminDelete"
)

// ObjectPayload describes the object an event refers to.
type ObjectPayload struct {
	TenantID        string `json:"tenant"`
	Bucket          string `json:"bucket"`
	Name            string `json:"name"`
	Version         string `json:"version,omitempty"`
	Size            int64  `json:"size,omitempty"`
	ContentType     string `json:"contentType,omitempty"`
	PreviousVersion string `json:"previousVersion,omitempty"`
}

// AdminDeletePayload asks the blob workers to remove backend keys.
type AdminDeletePayload struct {
	TenantID string   `json:"tenant"`
	Keys     []string `json:"keys"`
}

// UploadCompletedPayload asks the blob workers to reconcile the
// metadata of a resumable upload's info blob.
type UploadCompletedPayload struct {
	TenantID string `json:"tenant"`
	Key      string `json:"key"`
}

// BackupPayload asks the blob workers to park a key under the backup
// prefix instead of deleting it outright.
type BackupPayload struct {
	TenantID string `json:"tenant"`
	Key      string `json:"key"`
}

// webhookJob is the stored form of a pending webhook. ApplyTime is
// epoch milliseconds of the moment the event happened; delivery adds
// sentAt when the request goes out.
type webhookJob struct {
	Type      string          `json:"type"`
	Tenant    string          `json:"tenant"`
	ApplyTime int64           `json:"applyTime"`
	Payload   json.RawMessage `json:"payload"`
}

// Sender is the queue surface events are emitted through.
type Sender interface {
	Send(ctx context.Context, name string, payload any, opts jobq.SendOptions) (uuid.UUID, error)
	BatchSend(ctx context.Context, jobs []jobq.OutgoingJob) (int64, error)
}

// Config configures event routing.
type Config struct {
	WebhookURL     string        `help:"endpoint lifecycle webhooks are delivered to; empty disables them" default:""`
	WebhookAPIKey  string        `help:"bearer token attached to webhook deliveries" default:""`
	WebhookRetries int           `help:"delivery attempts per webhook" default:"10"`
	WebhookTimeout time.Duration `help:"per delivery timeout" default:"10s"`
}

// Service fans storage lifecycle events out to the job queue.
//
// architecture: Service
type Service struct {
	log    *zap.Logger
	queue  Sender
	config Config
}

// NewService creates an event service on top of the queue.
func NewService(log *zap.Logger, queue Sender, config Config) *Service {
	if config.WebhookRetries <= 0 {
		config.WebhookRetries = 10
	}
	return &Service{log: log, queue: queue, config: config}
}

// ObjectCreated emits the matching creation webhook. Type is one of the
// EventObjectCreated constants.
func (service *Service) ObjectCreated(ctx context.Context, eventType string, obj ObjectPayload) error {
	return service.webhook(ctx, eventType, obj)
}

// ObjectRemoved emits the deletion webhook.
func (service *Service) ObjectRemoved(ctx context.Context, obj ObjectPayload) error {
	return service.webhook(ctx, EventObjectRemoved, obj)
}

// ObjectMovedAway emits the removal webhook for the source of a move.
func (service *Service) ObjectMovedAway(ctx context.Context, obj ObjectPayload) error {
	return service.webhook(ctx, EventObjectRemovedMove, obj)
}

// ObjectAdminDeleted emits the webhook for an administrative delete.
func (service *Service) ObjectAdminDeleted(ctx context.Context, obj ObjectPayload) error {
	return service.webhook(ctx, EventObjectAdminDelete, obj)
}

// webhook enqueues a delivery unless webhooks are disabled.
func (service *Service) webhook(ctx context.Context, eventType string, obj ObjectPayload) (err error) {
	defer mon.Task()(&ctx)(&err)

	if service.config.WebhookURL == "" {
		return nil
	}
	payload, err := json.Marshal(obj)
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = service.queue.Send(ctx, QueueWebhooks, webhookJob{
		Type:      eventType,
		Tenant:    obj.TenantID,
		ApplyTime: time.Now().UnixMilli(),
		Payload:   payload,
	}, jobq.SendOptions{
		RetryLimit:   service.config.WebhookRetries,
		RetryDelay:   5 * time.Second,
		RetryBackoff: true,
	})
	return Error.Wrap(err)
}

// ScheduleAdminDelete enqueues removal of backend keys. Used for
// replaced versions, async deletes and administrative cleanups.
func (service *Service) ScheduleAdminDelete(ctx context.Context, tenantID string, keys ...string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(keys) == 0 {
		return nil
	}
	_, err = service.queue.Send(ctx, QueueAdminDeleteObject, AdminDeletePayload{
		TenantID: tenantID,
		Keys:     keys,
	}, jobq.SendOptions{RetryBackoff: true})
	return Error.Wrap(err)
}

// ScheduleUploadCompleted enqueues info blob reconciliation for a
// finished resumable upload.
func (service *Service) ScheduleUploadCompleted(ctx context.Context, tenantID, infoKey string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = service.queue.Send(ctx, QueueUploadCompleted, UploadCompletedPayload{
		TenantID: tenantID,
		Key:      infoKey,
	}, jobq.SendOptions{RetryBackoff: true})
	return Error.Wrap(err)
}

// ScheduleBackups enqueues backup jobs for the keys, one per key so a
// single stubborn blob cannot wedge the whole set.
func (service *Service) ScheduleBackups(ctx context.Context, tenantID string, keys []string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(keys) == 0 {
		return nil
	}
	jobs := make([]jobq.OutgoingJob, 0, len(keys))
	for _, key := range keys {
		jobs = append(jobs, jobq.OutgoingJob{
			Name:    QueueBackupObject,
			Payload: BackupPayload{TenantID: tenantID, Key: key},
			Options: jobq.SendOptions{RetryBackoff: true},
		})
	}
	_, err = service.queue.BatchSend(ctx, jobs)
	return Error.Wrap(err)
}
