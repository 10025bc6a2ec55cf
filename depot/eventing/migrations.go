// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package eventing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storj.io/depot/depot/jobq"
	"storj.io/depot/depot/migrations"
	"storj.io/depot/depot/tenant"
	"storj.io/depot/private/dbutil/pgutil"
	"storj.io/depot/private/sync2"
)

// RunMigrationsPayload names the tenant whose database should be
// brought to the latest schema version.
type RunMigrationsPayload struct {
	TenantID string `json:"tenant"`
}

// MigrationsConfig configures the progressive migration scheduler.
type MigrationsConfig struct {
	Interval  time.Duration `help:"how often tenants are checked for pending schema migrations" default:"10m"`
	BatchSize int           `help:"tenants scheduled per scan batch" default:"200"`
}

// TenantMigrator applies pending schema migrations to tenant
// databases, one tenant per job.
type TenantMigrator struct {
	log      *zap.Logger
	registry *tenant.Registry
}

// NewTenantMigrator creates a migrator bound to the registry.
func NewTenantMigrator(log *zap.Logger, registry *tenant.Registry) *TenantMigrator {
	return &TenantMigrator{log: log, registry: registry}
}

// Register attaches the migration handler to the queue. Batch size
// stays at one so concurrent claims spread across tenants.
func (migrator *TenantMigrator) Register(queue *jobq.Queue) {
	queue.Work(QueueRunMigrations, jobq.WorkOptions{TeamSize: 2, BatchSize: 1}, migrator.Handle)
}

// Handle migrates a single tenant database and records the outcome on
// the tenant record.
func (migrator *TenantMigrator) Handle(ctx context.Context, job jobq.Job) (err error) {
	defer mon.Task()(&ctx)(&err)

	var payload RunMigrationsPayload
	if err := job.UnmarshalPayload(&payload); err != nil {
		return Error.Wrap(err)
	}

	config, err := migrator.registry.GetConfig(ctx, payload.TenantID)
	if err != nil {
		if tenant.ErrTenantNotFound.Has(err) {
			// Deleted after scheduling; nothing left to migrate.
			return nil
		}
		return Error.Wrap(err)
	}

	latest, err := migrations.LatestVersion()
	if err != nil {
		return Error.Wrap(err)
	}
	if config.MigrationVersion >= latest {
		return nil
	}

	log := migrator.log.With(zap.String("tenant", payload.TenantID))

	// Migrations run DDL and must stay off the transaction pooler, so
	// the direct URL is used even when a pool URL exists.
	pool, err := pgutil.OpenPool(ctx, config.DatabaseURL, "depot-migrations", 2)
	if err != nil {
		return Error.Wrap(err)
	}
	defer pool.Close()

	migration, err := migrations.Tenant(pool)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := migration.Run(ctx, log); err != nil {
		if stateErr := migrator.registry.UpdateMigrationState(ctx, payload.TenantID, config.MigrationVersion, tenant.MigrationFailed); stateErr != nil {
			log.Error("recording migration failure failed", zap.Error(stateErr))
		}
		return Error.Wrap(err)
	}

	log.Info("tenant migrated", zap.Int("version", latest))
	return Error.Wrap(migrator.registry.UpdateMigrationState(ctx, payload.TenantID, latest, tenant.MigrationCompleted))
}

// ProgressiveMigrations periodically schedules migration jobs for
// tenants whose schema version is behind.
//
// architecture: Chore
type ProgressiveMigrations struct {
	log      *zap.Logger
	registry *tenant.Registry
	queue    Sender
	config   MigrationsConfig

	Loop *sync2.Cycle
}

// NewProgressiveMigrations creates the scheduling chore.
func NewProgressiveMigrations(log *zap.Logger, registry *tenant.Registry, queue Sender, config MigrationsConfig) *ProgressiveMigrations {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 200
	}
	return &ProgressiveMigrations{
		log:      log,
		registry: registry,
		queue:    queue,
		config:   config,
		Loop:     sync2.NewCycle(config.Interval),
	}
}

// Run scans for behind tenants on every cycle until ctx is done.
func (chore *ProgressiveMigrations) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		if err := chore.RunOnce(ctx); err != nil {
			chore.log.Error("scheduling tenant migrations failed", zap.Error(err))
		}
		return nil
	})
}

// RunOnce schedules one round of migration jobs. The singleton key
// keeps a tenant from being queued twice while a previous run is
// still pending.
func (chore *ProgressiveMigrations) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	var scheduled int64
	err = chore.registry.ListTenantsToMigrate(ctx, chore.config.BatchSize, func(ctx context.Context, records []*tenant.Record) error {
		jobs := make([]jobq.OutgoingJob, 0, len(records))
		for _, record := range records {
			jobs = append(jobs, jobq.OutgoingJob{
				Name:    QueueRunMigrations,
				Payload: RunMigrationsPayload{TenantID: record.ID},
				Options: jobq.SendOptions{
					SingletonKey: record.ID,
					RetryBackoff: true,
					// DDL on a large tenant can outlive the default
					// attempt budget.
					ExpireIn: time.Hour,
				},
			})
		}
		count, err := chore.queue.BatchSend(ctx, jobs)
		scheduled += count
		return err
	})
	if err != nil {
		return Error.Wrap(err)
	}
	if scheduled > 0 {
		chore.log.Info("tenant migrations scheduled", zap.Int64("count", scheduled))
	}
	return nil
}

// Close stops the chore loop.
func (chore *ProgressiveMigrations) Close() error {
	chore.Loop.Close()
	return nil
}
