// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package eventing

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"storj.io/depot/depot/jobq"
)

// InlineSender runs jobs in-band instead of persisting them. It backs
// deployments with the queue disabled: blob obligations still converge,
// webhooks get exactly one delivery attempt. Handler failures are
// logged and absorbed so an already committed operation never fails on
// its follow-up work; the orphan scanner remains the backstop.
type InlineSender struct {
	log *zap.Logger

	mu       sync.RWMutex
	handlers map[string]jobq.Handler
}

// NewInlineSender creates an empty inline dispatcher.
func NewInlineSender(log *zap.Logger) *InlineSender {
	return &InlineSender{
		log:      log,
		handlers: make(map[string]jobq.Handler),
	}
}

// Handle binds a handler to a queue name, mirroring Queue.Work.
func (sender *InlineSender) Handle(name string, handler jobq.Handler) {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	sender.handlers[name] = handler
}

// Send implements Sender by running the bound handler immediately.
// Names without a handler are dropped with a debug log.
func (sender *InlineSender) Send(ctx context.Context, name string, payload any, opts jobq.SendOptions) (uuid.UUID, error) {
	sender.mu.RLock()
	handler, ok := sender.handlers[name]
	sender.mu.RUnlock()

	id := uuid.New()
	if !ok {
		sender.log.Debug("no inline handler bound", zap.String("queue", name))
		return id, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, Error.Wrap(err)
	}

	err = handler(ctx, jobq.Job{
		ID:         id,
		Name:       name,
		Payload:    body,
		RetryLimit: 1,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		mon.Event("inline_job_failed", monkit.NewSeriesTag("queue", name))
		sender.log.Warn("inline job failed",
			zap.String("queue", name), zap.Error(err))
	}
	return id, nil
}

// BatchSend implements Sender by running every job in order.
func (sender *InlineSender) BatchSend(ctx context.Context, jobs []jobq.OutgoingJob) (int64, error) {
	var ran int64
	for _, job := range jobs {
		if _, err := sender.Send(ctx, job.Name, job.Payload, job.Options); err != nil {
			return ran, err
		}
		ran++
	}
	return ran, nil
}
