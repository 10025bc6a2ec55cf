// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package jobq implements a durable job queue on a Postgres table.
// Senders enqueue named jobs with JSON payloads; worker teams claim
// them with FOR UPDATE SKIP LOCKED and retry failures with exponential
// backoff. Jobs that exhaust their retries can hop to a slow lane
// queue for another, more patient attempt.
package jobq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error is the default jobq error class.
	Error = errs.Class("jobq")

	mon = monkit.Package()
)

// State describes where a job is in its lifecycle. Pending and active
// are non-terminal; the singleton index only spans those.
type State int16

const (
	// StatePending means the job waits to be claimed.
	StatePending State = 0
	// StateActive means a worker holds the job.
	StateActive State = 1
	// StateCompleted means the handler succeeded.
	StateCompleted State = 2
	// StateFailed means the job exhausted its retries.
	StateFailed State = 3
)

const (
	// DefaultRetryLimit bounds handler attempts when SendOptions does
	// not say otherwise.
	DefaultRetryLimit = 5
	// DefaultRetryDelay is the base delay between attempts.
	DefaultRetryDelay = 5 * time.Second

	// MaxRetryDelay caps exponential backoff.
	MaxRetryDelay = 24 * time.Hour

	// DefaultExpireIn bounds how long one attempt may stay active
	// before the maintenance sweep fails it.
	DefaultExpireIn = 15 * time.Minute

	// SlowLaneSuffix names the shadow queue exhausted jobs hop to.
	SlowLaneSuffix = "-slow"
	// SlowLaneDelay postpones the first slow lane attempt.
	SlowLaneDelay = 30 * time.Minute
)

// Config configures queue housekeeping.
type Config struct {
	DefaultPollInterval time.Duration `help:"how often idle workers look for jobs" default:"2s"`
	StopGrace           time.Duration `help:"how long in-flight jobs may finish after shutdown begins" default:"30s"`
	MaintenanceInterval time.Duration `help:"how often expired and terminal jobs are swept" default:"5m"`
	DeleteTerminalAfter time.Duration `help:"completed and failed jobs older than this are deleted" default:"48h"`
}

// Job is one queue entry.
type Job struct {
	ID           uuid.UUID
	Name         string
	Payload      []byte
	State        State
	RetryCount   int
	RetryLimit   int
	RetryDelay   time.Duration
	RetryBackoff bool
	ExpireIn     time.Duration
	SingletonKey string
	StartAfter   time.Time
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	LastError    string
}

// UnmarshalPayload decodes the JSON payload into dest.
func (job Job) UnmarshalPayload(dest any) error {
	return Error.Wrap(json.Unmarshal(job.Payload, dest))
}

// SendOptions controls scheduling and retry of a single job.
type SendOptions struct {
	// Delay postpones the first attempt.
	Delay time.Duration
	// RetryLimit bounds attempts; zero means DefaultRetryLimit.
	RetryLimit int
	// RetryDelay is the base delay between attempts; zero means
	// DefaultRetryDelay.
	RetryDelay time.Duration
	// RetryBackoff doubles the delay after every failed attempt.
	RetryBackoff bool
	// ExpireIn bounds one attempt; active jobs past it are failed by
	// the maintenance sweep, consuming a retry. Zero means
	// DefaultExpireIn.
	ExpireIn time.Duration
	// SingletonKey suppresses the send while a job with the same name
	// and key is still pending or active.
	SingletonKey string
}

func (opts *SendOptions) fillDefaults() {
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = DefaultRetryLimit
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.ExpireIn <= 0 {
		opts.ExpireIn = DefaultExpireIn
	}
}

// OutgoingJob pairs a queue name with a payload for BatchSend.
type OutgoingJob struct {
	Name    string
	Payload any
	Options SendOptions
}

// Handler processes one claimed job. A nil return completes the job;
// an error schedules a retry until the retry limit is reached.
type Handler func(ctx context.Context, job Job) error

// WorkOptions configures a worker team for one queue name.
type WorkOptions struct {
	// TeamSize is how many goroutines claim jobs; zero means one.
	TeamSize int
	// BatchSize is how many jobs one claim grabs; zero means ten.
	BatchSize int
	// PollInterval overrides the configured idle poll interval.
	PollInterval time.Duration
	// SlowLane re-enqueues terminally failed jobs on the "<name>-slow"
	// queue with a fresh retry budget and SlowLaneDelay.
	SlowLane bool
}

// backoffDelay returns how long to wait before the next attempt after
// retryCount failures.
func backoffDelay(base time.Duration, retryCount int, backoff bool) time.Duration {
	if !backoff {
		return base
	}
	if retryCount >= 30 {
		return MaxRetryDelay
	}
	delay := base << uint(retryCount)
	if delay <= 0 || delay > MaxRetryDelay {
		return MaxRetryDelay
	}
	return delay
}
