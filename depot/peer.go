// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package depot

import (
	"context"
	"net"
	"runtime/pprof"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/depot/depot/admin"
	"storj.io/depot/depot/api"
	"storj.io/depot/depot/blobstore"
	"storj.io/depot/depot/blobstore/fsstore"
	"storj.io/depot/depot/blobstore/s3store"
	"storj.io/depot/depot/eventing"
	"storj.io/depot/depot/jobq"
	"storj.io/depot/depot/kms"
	"storj.io/depot/depot/metabase"
	"storj.io/depot/depot/migrations"
	"storj.io/depot/depot/objects"
	"storj.io/depot/depot/pubsub"
	"storj.io/depot/depot/session"
	"storj.io/depot/depot/tenant"
	"storj.io/depot/depot/tenant/tenantdb"
	"storj.io/depot/private/lifecycle"
)

var mon = monkit.Package()

// Peer is the depot server process: the tenant-facing object API, the
// operator API and everything they depend on.
//
// architecture: Peer
type Peer struct {
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
		Jobs *jobq.Queue // nil when the queue is disabled
	}

	Events struct {
		Inline  *eventing.InlineSender // set when the queue is disabled
		Service *eventing.Service
	}

	Objects struct {
		Service *objects.Service
	}

	API struct {
		Listener net.Listener
		Server   *api.Server
	}

	Admin struct {
		Listener net.Listener
		Server   *admin.Server
	}
}

// New assembles the server peer from a verified configuration. Opening
// is eager: an unreachable registry or queue database fails the boot
// instead of the first request.
func New(ctx context.Context, log *zap.Logger, config Config) (*Peer, error) {
	peer := &Peer{
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

	{ // setup job queue and notifications
		if config.PgQueueEnable {
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
			peer.Services.Add(lifecycle.Item{
				Name:  "jobq",
				Close: peer.Queue.Jobs.Close,
			})

			peer.Events.Service = eventing.NewService(log.Named("events"),
				peer.Queue.Jobs, config.EventingConfig())
		} else {
			// Without the queue, blob obligations run in-band on the
			// request path and webhooks get one delivery attempt.
			peer.Events.Inline = eventing.NewInlineSender(log.Named("events"))

			workers := eventing.NewBlobWorkers(log.Named("blobworkers"),
				peer.Blobs.Store, config.StorageS3Bucket)
			peer.Events.Inline.Handle(eventing.QueueAdminDeleteObject, workers.HandleAdminDelete)
			peer.Events.Inline.Handle(eventing.QueueUploadCompleted, workers.HandleUploadCompleted)
			peer.Events.Inline.Handle(eventing.QueueBackupObject, workers.HandleBackup)
			if config.WebhookURL != "" {
				webhook := eventing.NewWebhook(log.Named("webhook"), config.EventingConfig())
				peer.Events.Inline.Handle(eventing.QueueWebhooks, webhook.Handle)
			}

			peer.Events.Service = eventing.NewService(log.Named("events"),
				peer.Events.Inline, config.EventingConfig())
		}
	}

	{ // setup object orchestrator
		peer.Metabase.Store = metabase.NewStore(log.Named("metabase"))
		peer.Objects.Service = objects.NewService(log.Named("objects"),
			peer.Tenants.Registry, peer.Sessions.Broker, peer.Metabase.Store,
			peer.Blobs.Store, peer.Events.Service, config.ObjectsConfig())
	}

	{ // setup public api
		var err error
		peer.API.Listener, err = net.Listen("tcp", config.APIAddress())
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}

		peer.API.Server, err = api.NewServer(log.Named("api"),
			peer.API.Listener, peer.Tenants.Registry, peer.Objects.Service, config.APIConfig())
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
		peer.Servers.Add(lifecycle.Item{
			Name:  "api",
			Run:   peer.API.Server.Run,
			Close: peer.API.Server.Close,
		})
	}

	{ // setup operator api
		var err error
		peer.Admin.Listener, err = net.Listen("tcp", config.AdminAddress())
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}

		peer.Admin.Server = admin.NewServer(log.Named("admin"),
			peer.Admin.Listener, peer.Tenants.Registry, peer.Sessions.Broker, config.AdminConfig())
		peer.Servers.Add(lifecycle.Item{
			Name:  "admin",
			Run:   peer.Admin.Server.Run,
			Close: peer.Admin.Server.Close,
		})
	}

	return peer, nil
}

// Run starts the servers and services and blocks until the context is
// canceled or one of them fails.
func (peer *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)

	pprof.Do(ctx, pprof.Labels("subsystem", "depot"), func(ctx context.Context) {
		peer.Servers.Run(ctx, group)
		peer.Services.Run(ctx, group)

		pprof.Do(ctx, pprof.Labels("name", "subsystem-wait"), func(ctx context.Context) {
			err = group.Wait()
		})
	})
	return err
}

// Close shuts everything down in reverse start order.
func (peer *Peer) Close() error {
	return errs.Combine(
		peer.Servers.Close(),
		peer.Services.Close(),
	)
}
