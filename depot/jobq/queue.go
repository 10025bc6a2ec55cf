// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package jobq

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/depot/private/dbutil/pgutil"
	"storj.io/depot/private/errs2"
	"storj.io/depot/private/sync2"
)

// Queue is a durable job queue on a single Postgres database.
//
// architecture: Service
type Queue struct {
	log    *zap.Logger
	pool   *pgxpool.Pool
	config Config

	maintenance *sync2.Cycle

	mu      sync.Mutex
	workers []*worker
}

// Open connects the queue to its database. Call Init before sending.
func Open(ctx context.Context, log *zap.Logger, connstr string, config Config) (*Queue, error) {
	if config.DefaultPollInterval <= 0 {
		config.DefaultPollInterval = 2 * time.Second
	}
	if config.StopGrace <= 0 {
		config.StopGrace = 30 * time.Second
	}
	if config.MaintenanceInterval <= 0 {
		config.MaintenanceInterval = 5 * time.Minute
	}
	if config.DeleteTerminalAfter <= 0 {
		config.DeleteTerminalAfter = 48 * time.Hour
	}

	pool, err := pgutil.OpenPool(ctx, connstr, "depot-jobq", 0)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Queue{
		log:         log,
		pool:        pool,
		config:      config,
		maintenance: sync2.NewCycle(config.MaintenanceInterval),
	}, nil
}

// Close releases the database pool.
func (queue *Queue) Close() error {
	queue.maintenance.Close()
	queue.pool.Close()
	return nil
}

// Init creates the job table and its indexes. Safe to call on every
// startup; the queue may live on a database migrations never touch.
func (queue *Queue) Init(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	// States: 0 pending, 1 active, 2 completed, 3 failed. The singleton
	// index spans only the non-terminal states.
	statements := []string{
		`CREATE TABLE IF NOT EXISTS jobq_jobs (
			id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
			name text NOT NULL,
			payload jsonb NOT NULL DEFAULT '{}',
			state smallint NOT NULL DEFAULT 0,
			retry_count int NOT NULL DEFAULT 0,
			retry_limit int NOT NULL DEFAULT 5,
			retry_delay bigint NOT NULL DEFAULT 5000,
			retry_backoff boolean NOT NULL DEFAULT true,
			expire_in bigint NOT NULL DEFAULT 900000,
			singleton_key text,
			start_after timestamptz NOT NULL DEFAULT now(),
			created_at timestamptz NOT NULL DEFAULT now(),
			started_at timestamptz,
			completed_at timestamptz,
			error text
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS jobq_jobs_singleton_key_idx
			ON jobq_jobs (name, singleton_key)
			WHERE singleton_key IS NOT NULL AND state < 2`,
		`CREATE INDEX IF NOT EXISTS jobq_jobs_claim_idx
			ON jobq_jobs (name, start_after, created_at)
			WHERE state = 0`,
	}
	for _, statement := range statements {
		if _, err := queue.pool.Exec(ctx, statement); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// Send enqueues one job. When the job carries a singleton key and an
// equivalent job is already pending or active, nothing is inserted and
// the returned id is uuid.Nil.
func (queue *Queue) Send(ctx context.Context, name string, payload any, opts SendOptions) (_ uuid.UUID, err error) {
	defer mon.Task()(&ctx)(&err)

	opts.fillDefaults()
	encoded, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, Error.Wrap(err)
	}

	var id uuid.UUID
	err = queue.pool.QueryRow(ctx, `
		INSERT INTO jobq_jobs (name, payload, retry_limit, retry_delay, retry_backoff, expire_in, singleton_key, start_after)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), now() + make_interval(secs => $8))
		ON CONFLICT (name, singleton_key) WHERE singleton_key IS NOT NULL AND state < 2 DO NOTHING
		RETURNING id
	`, name, encoded, opts.RetryLimit, opts.RetryDelay.Milliseconds(), opts.RetryBackoff,
		opts.ExpireIn.Milliseconds(), opts.SingletonKey, opts.Delay.Seconds()).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, Error.Wrap(err)
	}
	mon.Counter("jobq_sent").Inc(1)
	return id, nil
}

// BatchSend enqueues many jobs in one statement and reports how many
// rows were inserted. Singleton duplicates, including duplicates within
// the batch, are skipped.
func (queue *Queue) BatchSend(ctx context.Context, jobs []OutgoingJob) (inserted int64, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(jobs) == 0 {
		return 0, nil
	}

	var (
		names         = make([]string, len(jobs))
		payloads      = make([]string, len(jobs))
		retryLimits   = make([]int32, len(jobs))
		retryDelays   = make([]int64, len(jobs))
		retryBackoffs = make([]bool, len(jobs))
		expireIns     = make([]int64, len(jobs))
		singletonKeys = make([]string, len(jobs))
		delays        = make([]float64, len(jobs))
	)
	for i, job := range jobs {
		job.Options.fillDefaults()
		encoded, err := json.Marshal(job.Payload)
		if err != nil {
			return 0, Error.Wrap(err)
		}
		names[i] = job.Name
		payloads[i] = string(encoded)
		retryLimits[i] = int32(job.Options.RetryLimit)
		retryDelays[i] = job.Options.RetryDelay.Milliseconds()
		retryBackoffs[i] = job.Options.RetryBackoff
		expireIns[i] = job.Options.ExpireIn.Milliseconds()
		singletonKeys[i] = job.Options.SingletonKey
		delays[i] = job.Options.Delay.Seconds()
	}

	tag, err := queue.pool.Exec(ctx, `
		INSERT INTO jobq_jobs (name, payload, retry_limit, retry_delay, retry_backoff, expire_in, singleton_key, start_after)
		SELECT u.name, u.payload::jsonb, u.retry_limit, u.retry_delay, u.retry_backoff, u.expire_in, NULLIF(u.singleton_key, ''), now() + make_interval(secs => u.delay)
		FROM unnest($1::text[], $2::text[], $3::int[], $4::bigint[], $5::boolean[], $6::bigint[], $7::text[], $8::double precision[])
			AS u(name, payload, retry_limit, retry_delay, retry_backoff, expire_in, singleton_key, delay)
		ON CONFLICT (name, singleton_key) WHERE singleton_key IS NOT NULL AND state < 2 DO NOTHING
	`, names, payloads, retryLimits, retryDelays, retryBackoffs, expireIns, singletonKeys, delays)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	mon.Counter("jobq_sent").Inc(tag.RowsAffected())
	return tag.RowsAffected(), nil
}

const jobColumns = `id, name, payload, state, retry_count, retry_limit, retry_delay, retry_backoff, expire_in,
	COALESCE(singleton_key, ''), start_after, created_at, started_at, completed_at, COALESCE(error, '')`

func scanJob(row pgx.Row) (Job, error) {
	var (
		job          Job
		state        int16
		delayMillis  int64
		expireMillis int64
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)
	err := row.Scan(&job.ID, &job.Name, &job.Payload, &state, &job.RetryCount, &job.RetryLimit,
		&delayMillis, &job.RetryBackoff, &expireMillis, &job.SingletonKey, &job.StartAfter, &job.CreatedAt,
		&startedAt, &completedAt, &job.LastError)
	if err != nil {
		return Job{}, err
	}
	job.State = State(state)
	job.RetryDelay = time.Duration(delayMillis) * time.Millisecond
	job.ExpireIn = time.Duration(expireMillis) * time.Millisecond
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return job, nil
}

// claim moves up to limit eligible jobs to active and returns them.
// SKIP LOCKED keeps concurrent teams from blocking on each other.
func (queue *Queue) claim(ctx context.Context, name string, limit int) (_ []Job, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := queue.pool.Query(ctx, `
		UPDATE jobq_jobs SET state = 1, started_at = now()
		WHERE id IN (
			SELECT id FROM jobq_jobs
			WHERE name = $1 AND state = 0 AND start_after <= now()
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		name, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var claimed []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		claimed = append(claimed, job)
	}
	if err := rows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	return claimed, nil
}

// markCompleted finishes a job successfully.
func (queue *Queue) markCompleted(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = queue.pool.Exec(ctx, `
		UPDATE jobq_jobs SET state = 2, completed_at = now(), error = NULL WHERE id = $1
	`, id)
	if err != nil {
		return Error.Wrap(err)
	}
	mon.Counter("jobq_completed").Inc(1)
	return nil
}

// markFailed records a failed attempt, scheduling a retry while the
// budget lasts and parking the job as failed once it runs out. The
// returned state tells the worker whether the job went terminal.
func (queue *Queue) markFailed(ctx context.Context, job Job, failure error) (_ State, err error) {
	defer mon.Task()(&ctx)(&err)

	delay := backoffDelay(job.RetryDelay, job.RetryCount, job.RetryBackoff)

	var state int16
	err = queue.pool.QueryRow(ctx, `
		UPDATE jobq_jobs SET
			retry_count = retry_count + 1,
			state = CASE WHEN retry_count + 1 < retry_limit THEN 0 ELSE 3 END,
			error = $2,
			started_at = CASE WHEN retry_count + 1 < retry_limit THEN NULL ELSE started_at END,
			completed_at = CASE WHEN retry_count + 1 < retry_limit THEN NULL ELSE now() END,
			start_after = CASE WHEN retry_count + 1 < retry_limit THEN now() + make_interval(secs => $3) ELSE start_after END
		WHERE id = $1
		RETURNING state
	`, job.ID, failure.Error(), delay.Seconds()).Scan(&state)
	if err != nil {
		return StateActive, Error.Wrap(err)
	}
	if State(state) == StateFailed {
		mon.Counter("jobq_failed_terminal").Inc(1)
	} else {
		mon.Counter("jobq_failed").Inc(1)
	}
	return State(state), nil
}

// release returns a claimed job to pending without consuming a retry.
// Used when shutdown interrupts the handler.
func (queue *Queue) release(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = queue.pool.Exec(ctx, `
		UPDATE jobq_jobs SET state = 0, started_at = NULL, start_after = now() WHERE id = $1 AND state = 1
	`, id)
	return Error.Wrap(err)
}

// runMaintenance fails attempts that outlived their expiry budget and
// prunes terminal rows past their retention. Expiry consumes a retry,
// so a job whose worker died converges the same way a failing one does.
func (queue *Queue) runMaintenance(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	expired, err := queue.pool.Exec(ctx, `
		UPDATE jobq_jobs SET
			retry_count = retry_count + 1,
			state = CASE WHEN retry_count + 1 < retry_limit THEN 0 ELSE 3 END,
			error = 'attempt expired',
			started_at = CASE WHEN retry_count + 1 < retry_limit THEN NULL ELSE started_at END,
			completed_at = CASE WHEN retry_count + 1 < retry_limit THEN NULL ELSE now() END
		WHERE state = 1 AND started_at < now() - expire_in * interval '1 millisecond'
	`)
	if err != nil {
		queue.log.Error("expiring active jobs failed", zap.Error(err))
		return nil
	}
	if n := expired.RowsAffected(); n > 0 {
		queue.log.Warn("expired active jobs", zap.Int64("count", n))
		mon.Counter("jobq_expired").Inc(n)
	}

	deleted, err := queue.pool.Exec(ctx, `
		DELETE FROM jobq_jobs
		WHERE state >= 2 AND completed_at < now() - make_interval(secs => $1)
	`, queue.config.DeleteTerminalAfter.Seconds())
	if err != nil {
		queue.log.Error("deleting terminal jobs failed", zap.Error(err))
		return nil
	}
	if n := deleted.RowsAffected(); n > 0 {
		queue.log.Debug("deleted terminal jobs", zap.Int64("count", n))
	}
	return nil
}

// Work registers a worker team for the named queue. Takes effect on the
// next Run.
func (queue *Queue) Work(name string, opts WorkOptions, handler Handler) {
	if opts.TeamSize <= 0 {
		opts.TeamSize = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = queue.config.DefaultPollInterval
	}

	queue.mu.Lock()
	defer queue.mu.Unlock()
	queue.workers = append(queue.workers, &worker{
		log:     queue.log.Named(name),
		queue:   queue,
		name:    name,
		opts:    opts,
		handler: handler,
	})
}

// Run polls with all registered worker teams until ctx is canceled,
// alongside the maintenance sweep.
func (queue *Queue) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	queue.mu.Lock()
	workers := append([]*worker(nil), queue.workers...)
	queue.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return queue.maintenance.Run(groupCtx, queue.runMaintenance)
	})
	for _, worker := range workers {
		worker := worker
		for i := 0; i < worker.opts.TeamSize; i++ {
			group.Go(func() error {
				return worker.run(groupCtx)
			})
		}
	}
	return errs2.IgnoreCanceled(group.Wait())
}
