// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package jobq

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"storj.io/depot/private/errs2"
	"storj.io/depot/private/sync2"
)

// worker claims and processes jobs for one queue name. TeamSize copies
// of it run concurrently; SKIP LOCKED keeps them off each other's jobs.
type worker struct {
	log     *zap.Logger
	queue   *Queue
	name    string
	opts    WorkOptions
	handler Handler
}

func (worker *worker) run(ctx context.Context) error {
	// Jobs run on a context that survives shutdown for the grace
	// window, so in-flight handlers can finish or roll back cleanly.
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			select {
			case <-time.After(worker.queue.config.StopGrace):
				cancelJobs()
			case <-done:
			}
		case <-done:
		}
	}()

	for {
		claimed, err := worker.queue.claim(ctx, worker.name, worker.opts.BatchSize)
		if err != nil {
			if errs2.IsCanceled(err) || ctx.Err() != nil {
				return nil
			}
			worker.log.Error("claiming jobs failed", zap.Error(err))
		}

		for _, job := range claimed {
			worker.process(ctx, jobCtx, job)
		}

		// A full batch suggests a backlog; claim again right away.
		if len(claimed) == worker.opts.BatchSize && ctx.Err() == nil {
			continue
		}
		if !sync2.Sleep(ctx, worker.opts.PollInterval) {
			return nil
		}
	}
}

// process runs the handler and records the outcome. Bookkeeping uses
// jobCtx so a canceled request context cannot strand the job as active.
func (worker *worker) process(ctx, jobCtx context.Context, job Job) {
	started := time.Now()
	err := worker.handler(jobCtx, job)

	switch {
	case err == nil:
		if err := worker.queue.markCompleted(jobCtx, job.ID); err != nil {
			worker.log.Error("completing job failed", zap.String("job", job.ID.String()), zap.Error(err))
		}
		worker.log.Debug("job completed",
			zap.String("job", job.ID.String()),
			zap.Duration("elapsed", time.Since(started)))

	case errs2.IsCanceled(err) && ctx.Err() != nil:
		// Shutdown interrupted the handler; hand the job back untouched.
		if err := worker.queue.release(jobCtx, job.ID); err != nil {
			worker.log.Error("releasing job failed", zap.String("job", job.ID.String()), zap.Error(err))
		}

	default:
		state, markErr := worker.queue.markFailed(jobCtx, job, err)
		if markErr != nil {
			worker.log.Error("recording job failure failed", zap.String("job", job.ID.String()), zap.Error(markErr))
			return
		}
		worker.log.Warn("job failed",
			zap.String("job", job.ID.String()),
			zap.Int("attempt", job.RetryCount+1),
			zap.Int("limit", job.RetryLimit),
			zap.Error(err))

		if state == StateFailed && worker.opts.SlowLane && !strings.HasSuffix(job.Name, SlowLaneSuffix) {
			worker.sendToSlowLane(jobCtx, job)
		}
	}
}

// sendToSlowLane re-enqueues a terminally failed job on the slow queue
// with a fresh retry budget and a long initial delay.
func (worker *worker) sendToSlowLane(ctx context.Context, job Job) {
	_, err := worker.queue.Send(ctx, job.Name+SlowLaneSuffix, json.RawMessage(job.Payload), SendOptions{
		Delay:        SlowLaneDelay,
		RetryLimit:   job.RetryLimit,
		RetryDelay:   job.RetryDelay,
		RetryBackoff: job.RetryBackoff,
		SingletonKey: job.SingletonKey,
	})
	if err != nil {
		worker.log.Error("slow lane enqueue failed", zap.String("job", job.ID.String()), zap.Error(err))
		return
	}
	worker.log.Info("job moved to slow lane", zap.String("job", job.ID.String()))
}
