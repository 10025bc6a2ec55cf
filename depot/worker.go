// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package depot

import (
	"context"
	"runtime/pprof"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/depot/depot/blobstore"
	"storj.io/depot/depot/blobstore/fsstore"
	"storj.io/depot/depot/blobstore/s3store"
	"storj.io/depot/depot/eventing"
	"storj.io/depot/depot/gc"
	"storj.io/depot/depot/jobq"
	"storj.io/depot/depot/kms"
	"storj.io/depot/depot/metabase"
	"storj.io/depot/depot/migrations"
	"storj.io/depot/depot/pubsub"
	"storj.io/depot/depot/session"
	"storj.io/depot/depot/tenant"
	"storj.io/depot/depot/tenant/tenantdb"
	"storj.io/depot/private/lifecycle"
)

// Worker is the depot background process: it polls the job queue and
// runs the handlers that deliver webhooks, finalize uploads, delete
// blobs and migrate tenant schemas. It also carries the orphan
// scanner used by the reconcile command.
//
// architecture: Peer
type Worker struct {
	Log    *zap.Logger
	Config Config

	Servers  *lifecycle.Group
	Services *lifecycle.Group

	KMS struct {
		Service *kms.Service // nil in single-tenant mode
	}

	Tenants struct {
		DB       *tenantdb.DB // nil in single-tenant mode
		Bus      pubsub.Bus   // nil in single-tenant mode
		Registry *tenant.Registry
	}

	Sessions struct {
		Broker *session.Broker
	}

	Blobs struct {
		Store blobstore.Store
	}

	Metabase struct {
		Store *metabase.Store
	}

	Queue struct {
		Jobs *jobq.Queue
	}

	Events struct {
		Service     *eventing.Service
		Webhook     *eventing.Webhook // nil when webhooks are not configured
		BlobWorkers *eventing.BlobWorkers
		Migrator    *eventing.TenantMigrator        // nil in single-tenant mode
		Progressive *eventing.ProgressiveMigrations // nil in single-tenant mode
	}

	GC struct {
		Scanner *gc.Scanner
	}
}

// NewWorker assembles the worker peer. The worker exists to drain the
// queue, so it refuses to start without one.
func NewWorker(ctx context.Context, log *zap.Logger, config Config) (*Worker, error) {
	if !config.PgQueueEnable {
		return nil, Error.New("PG_QUEUE_ENABLE must be set for the worker")
	}

	peer := &Worker{
		Log:    log,
		Config: config,

		Servers:  lifecycle.NewGroup(log.Named("servers")),
		Services: lifecycle.NewGroup(log.Named("services")),
	}

	{ // setup tenant registry
		if config.IsMultitenant {
			var err error

			peer.KMS.Service, err = kms.NewService(config.EncryptionKey)
			if err != nil {
				return nil, errs.Combine(err, peer.Close())
			}

			peer.Tenants.DB, err = tenantdb.Open(ctx, log.Named("tenantdb"), config.MultitenantDatabaseURL)
			if err != nil {
				return nil, errs.Combine(err, peer.Close())
			}
			peer.Services.Add(lifecycle.Item{
				Name:  "tenants:db",
				Close: peer.Tenants.DB.Close,
			})

			if err := peer.Tenants.DB.MigrateToLatest(ctx); err != nil {
				return nil, errs.Combine(err, peer.Close())
			}

			if config.RedisURL != "" {
				peer.Tenants.Bus, err = pubsub.NewRedisBus(log.Named("redisbus"), config.RedisURL)
				if err != nil {
					return nil, errs.Combine(err, peer.Close())
				}
			} else {
				peer.Tenants.Bus = pubsub.NewPGNotify(log.Named("pgnotify"), peer.Tenants.DB.Pool())
			}
			peer.Services.Add(lifecycle.Item{
				Name:  "tenants:bus",
				Close: peer.Tenants.Bus.Close,
			})

			latest, err := migrations.LatestVersion()
			if err != nil {
				return nil, errs.Combine(err, peer.Close())
			}

			peer.Tenants.Registry = tenant.NewRegistry(log.Named("tenants"),
				peer.Tenants.DB, peer.KMS.Service, peer.Tenants.Bus, latest)
		} else {
			static, err := config.StaticTenant()
			if err != nil {
				return nil, errs.Combine(err, peer.Close())
			}
			peer.Tenants.Registry = tenant.NewStaticRegistry(log.Named("tenants"), static)
		}

		peer.Services.Add(lifecycle.Item{
			Name:  "tenants:registry",
			Run:   peer.Tenants.Registry.Run,
			Close: peer.Tenants.Registry.Close,
		})
	}

	{ // setup session broker
		peer.Sessions.Broker = session.NewBroker(log.Named("sessions"),
			peer.Tenants.Registry, config.DatabaseMaxConnections)
		peer.Services.Add(lifecycle.Item{
			Name:  "sessions:broker",
			Close: peer.Sessions.Broker.Close,
		})
	}

	{ // setup blob backend
		var err error
		switch config.StorageBackend {
		case BackendS3:
			peer.Blobs.Store, err = s3store.New(log.Named("s3store"), config.S3Config())
		case BackendFile:
			peer.Blobs.Store, err = fsstore.New(log.Named("fsstore"), config.FileStorageBackendPath)
		default:
			err = Error.New("unknown storage backend %q", config.StorageBackend)
		}
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
	}

	{ // setup job queue
		var err error
		peer.Queue.Jobs, err = jobq.Open(ctx, log.Named("jobq"), config.QueueDSN(), jobq.Config{
			DefaultPollInterval: config.PgQueuePollInterval,
		})
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
		if err := peer.Queue.Jobs.Init(ctx); err != nil {
			return nil, errs.Combine(err, peer.Close())
		}

		peer.Events.Service = eventing.NewService(log.Named("events"),
			peer.Queue.Jobs, config.EventingConfig())
	}

	{ // setup queue handlers
		peer.Events.BlobWorkers = eventing.NewBlobWorkers(log.Named("blobworkers"),
			peer.Blobs.Store, config.StorageS3Bucket)
		peer.Events.BlobWorkers.Register(peer.Queue.Jobs)

		if config.WebhookURL != "" {
			peer.Events.Webhook = eventing.NewWebhook(log.Named("webhook"), config.EventingConfig())
			peer.Events.Webhook.Register(peer.Queue.Jobs)
		}

		if config.IsMultitenant {
			peer.Events.Migrator = eventing.NewTenantMigrator(log.Named("migrator"), peer.Tenants.Registry)
			peer.Events.Migrator.Register(peer.Queue.Jobs)

			peer.Events.Progressive = eventing.NewProgressiveMigrations(log.Named("progressive-migrations"),
				peer.Tenants.Registry, peer.Queue.Jobs, eventing.MigrationsConfig{})
			peer.Services.Add(lifecycle.Item{
				Name:  "eventing:progressive-migrations",
				Run:   peer.Events.Progressive.Run,
				Close: peer.Events.Progressive.Close,
			})
		}

		// Polling starts after every handler above is registered.
		peer.Services.Add(lifecycle.Item{
			Name:  "jobq",
			Run:   peer.Queue.Jobs.Run,
			Close: peer.Queue.Jobs.Close,
		})
	}

	{ // setup orphan scanner
		peer.Metabase.Store = metabase.NewStore(log.Named("metabase"))
		peer.GC.Scanner = gc.NewScanner(log.Named("gc"),
			peer.Sessions.Broker, peer.Metabase.Store, peer.Blobs.Store,
			peer.Events.Service, gc.Config{Bucket: config.StorageS3Bucket})
	}

	return peer, nil
}

// Run starts queue polling and the background chores and blocks until
// the context is canceled or one of them fails.
func (peer *Worker) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)

	pprof.Do(ctx, pprof.Labels("subsystem", "depot-worker"), func(ctx context.Context) {
		peer.Servers.Run(ctx, group)
		peer.Services.Run(ctx, group)

		pprof.Do(ctx, pprof.Labels("name", "subsystem-wait"), func(ctx context.Context) {
			err = group.Wait()
		})
	})
	return err
}

// Close shuts everything down in reverse start order.
func (peer *Worker) Close() error {
	return errs.Combine(
		peer.Servers.Close(),
		peer.Services.Close(),
	)
}
