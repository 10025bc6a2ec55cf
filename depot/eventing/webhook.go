// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package eventing

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"storj.io/depot/depot/jobq"
)

// envelope is the wire form of a webhook delivery.
type envelope struct {
	Type      string          `json:"type"`
	Version   string          `json:"$version"`
	Tenant    string          `json:"tenant"`
	ApplyTime int64           `json:"applyTime"`
	SentAt    time.Time       `json:"sentAt"`
	Payload   json.RawMessage `json:"payload"`
}

const envelopeVersion = "v1"

// Webhook delivers queued envelopes to the configured endpoint.
type Webhook struct {
	log    *zap.Logger
	config Config
	client *http.Client
}

// NewWebhook creates a webhook deliverer.
func NewWebhook(log *zap.Logger, config Config) *Webhook {
	if config.WebhookTimeout <= 0 {
		config.WebhookTimeout = 10 * time.Second
	}
	return &Webhook{
		log:    log,
		config: config,
		client: &http.Client{Timeout: config.WebhookTimeout},
	}
}

// Register attaches the delivery handler to the queue. Deliveries that
// exhaust their retries move to the slow lane and are retried there on
// a longer leash.
func (webhook *Webhook) Register(queue *jobq.Queue) {
	queue.Work(QueueWebhooks, jobq.WorkOptions{
		TeamSize:  4,
		BatchSize: 20,
		SlowLane:  true,
	}, webhook.Handle)
	queue.Work(QueueWebhooks+jobq.SlowLaneSuffix, jobq.WorkOptions{
		TeamSize:  1,
		BatchSize: 10,
	}, webhook.Handle)
}

// Handle posts a single envelope. Any non-2xx answer counts as a
// failed attempt.
func (webhook *Webhook) Handle(ctx context.Context, job jobq.Job) (err error) {
	defer mon.Task()(&ctx)(&err)

	var queued webhookJob
	if err := job.UnmarshalPayload(&queued); err != nil {
		return Error.Wrap(err)
	}
	body, err := json.Marshal(envelope{
		Type:      queued.Type,
		Version:   envelopeVersion,
		Tenant:    queued.Tenant,
		ApplyTime: queued.ApplyTime,
		SentAt:    time.Now().UTC(),
		Payload:   queued.Payload,
	})
	if err != nil {
		return Error.Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return Error.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if webhook.config.WebhookAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+webhook.config.WebhookAPIKey)
	}

	resp, err := webhook.client.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Error.New("endpoint answered %s", resp.Status)
	}

	webhook.log.Debug("webhook delivered",
		zap.String("type", queued.Type),
		zap.String("tenant", queued.Tenant))
	return nil
}
