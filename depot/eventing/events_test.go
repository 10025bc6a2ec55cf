// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package eventing

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/depot/depot/jobq"
	"storj.io/depot/private/testcontext"
)

type sentJob struct {
	name    string
	payload any
	opts    jobq.SendOptions
}

type fakeSender struct {
	sent    []sentJob
	batches [][]jobq.OutgoingJob
}

func (fake *fakeSender) Send(ctx context.Context, name string, payload any, opts jobq.SendOptions) (uuid.UUID, error) {
	fake.sent = append(fake.sent, sentJob{name: name, payload: payload, opts: opts})
	return uuid.New(), nil
}

func (fake *fakeSender) BatchSend(ctx context.Context, jobs []jobq.OutgoingJob) (int64, error) {
	fake.batches = append(fake.batches, jobs)
	return int64(len(jobs)), nil
}

func TestWebhooksDisabled(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeSender{}
	service := NewService(zaptest.NewLogger(t), fake, Config{})

	obj := ObjectPayload{TenantID: "t1", Bucket: "avatars", Name: "a.png"}
	require.NoError(t, service.ObjectCreated(ctx, EventObjectCreatedPut, obj))
	require.NoError(t, service.ObjectRemoved(ctx, obj))
	require.Empty(t, fake.sent)

	// Reconciliation jobs do not depend on the webhook endpoint.
	require.NoError(t, service.ScheduleAdminDelete(ctx, "t1", "t1/avatars/a.png/v1"))
	require.Len(t, fake.sent, 1)
	require.Equal(t, QueueAdminDeleteObject, fake.sent[0].name)
}

func TestWebhookEnqueue(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeSender{}
	service := NewService(zaptest.NewLogger(t), fake, Config{
		WebhookURL:     "http://hooks.test/storage",
		WebhookRetries: 7,
	})

	obj := ObjectPayload{
		TenantID:        "t1",
		Bucket:          "avatars",
		Name:            "a.png",
		Version:         "01890abc",
		Size:            42,
		PreviousVersion: "01890aaa",
	}
	require.NoError(t, service.ObjectCreated(ctx, EventObjectCreatedPut, obj))
	require.NoError(t, service.ObjectMovedAway(ctx, obj))
	require.Len(t, fake.sent, 2)

	require.Equal(t, QueueWebhooks, fake.sent[0].name)
	require.Equal(t, 7, fake.sent[0].opts.RetryLimit)
	require.True(t, fake.sent[0].opts.RetryBackoff)

	queued, ok := fake.sent[0].payload.(webhookJob)
	require.True(t, ok)
	require.Equal(t, EventObjectCreatedPut, queued.Type)
	require.Equal(t, "t1", queued.Tenant)
	require.NotZero(t, queued.ApplyTime)

	var decoded ObjectPayload
	require.NoError(t, json.Unmarshal(queued.Payload, &decoded))
	require.Equal(t, obj, decoded)

	moved, ok := fake.sent[1].payload.(webhookJob)
	require.True(t, ok)
	require.Equal(t, EventObjectRemovedMove, moved.Type)
}

func TestScheduleAdminDelete(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeSender{}
	service := NewService(zaptest.NewLogger(t), fake, Config{})

	require.NoError(t, service.ScheduleAdminDelete(ctx, "t1"))
	require.Empty(t, fake.sent)

	require.NoError(t, service.ScheduleAdminDelete(ctx, "t1",
		"t1/avatars/a.png/v1",
		"t1/avatars/a.png/v1.info",
	))
	require.Len(t, fake.sent, 1)

	payload, ok := fake.sent[0].payload.(AdminDeletePayload)
	require.True(t, ok)
	require.Equal(t, "t1", payload.TenantID)
	require.Len(t, payload.Keys, 2)
}

func TestScheduleUploadCompleted(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeSender{}
	service := NewService(zaptest.NewLogger(t), fake, Config{})

	require.NoError(t, service.ScheduleUploadCompleted(ctx, "t1", "t1/avatars/a.png/v1.info"))
	require.Len(t, fake.sent, 1)
	require.Equal(t, QueueUploadCompleted, fake.sent[0].name)

	payload, ok := fake.sent[0].payload.(UploadCompletedPayload)
	require.True(t, ok)
	require.Equal(t, "t1/avatars/a.png/v1.info", payload.Key)
}

func TestScheduleBackups(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeSender{}
	service := NewService(zaptest.NewLogger(t), fake, Config{})

	require.NoError(t, service.ScheduleBackups(ctx, "t1", nil))
	require.Empty(t, fake.batches)

	keys := []string{"t1/a/b/v1", "t1/a/c/v2"}
	require.NoError(t, service.ScheduleBackups(ctx, "t1", keys))
	require.Len(t, fake.batches, 1)
	require.Len(t, fake.batches[0], 2)
	for i, job := range fake.batches[0] {
		require.Equal(t, QueueBackupObject, job.Name)
		payload, ok := job.Payload.(BackupPayload)
		require.True(t, ok)
		require.Equal(t, keys[i], payload.Key)
	}
}
