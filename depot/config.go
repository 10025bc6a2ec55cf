// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package depot assembles the gateway processes: the configuration
// snapshot read at startup, the server peer carrying the tenant and
// operator APIs, and the worker peer consuming the job queue.
package depot

import (
	"net"
	"strconv"
	"time"

	"github.com/zeebo/errs"

	"storj.io/depot/depot/admin"
	"storj.io/depot/depot/api"
	"storj.io/depot/depot/auth"
	"storj.io/depot/depot/blobstore/s3store"
	"storj.io/depot/depot/eventing"
	"storj.io/depot/depot/objects"
	"storj.io/depot/depot/tenant"
)

// Error is the default error class for the depot peers.
var Error = errs.Class("depot")

// Storage backend names accepted by Config.StorageBackend.
const (
	BackendS3   = "s3"
	BackendFile = "file"
)

// Config is the immutable configuration snapshot of a depot process.
// Every field binds to a flag and, through the flag name, to an
// environment variable: XForwardedHostRegexp becomes
// --x-forwarded-host-regexp and X_FORWARDED_HOST_REGEXP.
type Config struct {
	Host      string `help:"address the listeners bind" default:"0.0.0.0"`
	Port      int    `help:"port of the tenant-facing api" default:"5000"`
	AdminPort int    `help:"port of the operator api" default:"5001"`

	RequestIDHeader      string `help:"header carrying the request correlation id" default:"X-Request-Id"`
	AdminRequestIDHeader string `help:"header carrying the admin request correlation id" default:"X-Request-Id"`
	URLLengthLimit       int    `help:"reject request urls longer than this many bytes" default:"7500"`

	IsMultitenant          bool   `help:"resolve tenants from the x-forwarded-host header" default:"false"`
	TenantID               string `help:"tenant served in single-tenant mode" default:"default"`
	XForwardedHostRegexp   string `help:"regular expression extracting the tenant id from x-forwarded-host" default:""`
	MultitenantDatabaseURL string `help:"postgres dsn of the tenant registry database" default:""`
	EncryptionKey          string `help:"master secret encrypting tenant credentials at rest" default:""`
	RedisURL               string `help:"redis address for cross-process cache eviction, postgres notify when empty" default:""`

	DatabaseURL            string `help:"postgres dsn of the tenant database in single-tenant mode" default:""`
	DatabasePoolURL        string `help:"pooler dsn taking precedence over database-url for sessions" default:""`
	DatabaseMaxConnections int32  `help:"session pool size for tenants that do not set their own" default:"50"`

	PgrstJWTSecret string `help:"hs256 secret verifying tokens in single-tenant mode" default:""`
	JWTAlgorithm   string `help:"algorithm of locally issued tokens" default:"HS256"`
	AnonKey        string `help:"token expected from anonymous clients in single-tenant mode" default:""`
	ServiceKey     string `help:"token carrying the service role in single-tenant mode" default:""`
	AdminAPIKeys   string `help:"comma separated api keys accepted on the admin apikey header" default:""`

	StorageBackend          string `help:"blob backend, s3 or file" default:"file"`
	StorageS3Bucket         string `help:"backend bucket shared by all tenants" default:"depot"`
	StorageS3Endpoint       string `help:"custom s3 endpoint url" default:""`
	StorageS3ForcePathStyle bool   `help:"use path style s3 addressing" default:"false"`
	Region                  string `help:"region of the s3 backend" default:"us-east-1"`
	FileStorageBackendPath  string `help:"root directory of the file backend" default:""`
	FileSizeLimit           int64  `help:"global upload size cap in bytes" default:"52428800"`

	PgQueueEnable        bool          `help:"persist background jobs in the postgres queue" default:"false"`
	PgQueueConnectionURL string        `help:"postgres dsn of the job queue, the registry or tenant database when empty" default:""`
	PgQueuePollInterval  time.Duration `help:"how often idle queue workers look for jobs" default:"2s"`
	WebhookURL           string        `help:"url object events are delivered to" default:""`
	WebhookAPIKey        string        `help:"bearer token attached to webhook deliveries" default:""`

	ImgProxyURL   string `help:"base url of the image transformation service" default:""`
	SignedURLBase string `help:"base url prepended to generated signed urls" default:""`

	EnableDefaultMetrics bool `help:"expose process metrics on the operator api" default:"false"`
}

// Verify checks that the snapshot is complete for the selected mode.
// The returned error names every missing or invalid setting by its
// environment variable so a failed boot is diagnosable from one log
// line.
func (config Config) Verify() error {
	var group errs.Group

	switch config.StorageBackend {
	case BackendS3:
		if config.StorageS3Bucket == "" {
			group.Add(Error.New("STORAGE_S3_BUCKET is required with the s3 backend"))
		}
	case BackendFile:
		if config.FileStorageBackendPath == "" {
			group.Add(Error.New("FILE_STORAGE_BACKEND_PATH is required with the file backend"))
		}
	default:
		group.Add(Error.New("STORAGE_BACKEND must be s3 or file, got %q", config.StorageBackend))
	}

	switch config.JWTAlgorithm {
	case "", "HS256":
	default:
		group.Add(Error.New("JWT_ALGORITHM %q is not supported, tenants needing other algorithms supply a jwks", config.JWTAlgorithm))
	}

	if config.IsMultitenant {
		if config.MultitenantDatabaseURL == "" {
			group.Add(Error.New("MULTITENANT_DATABASE_URL is required in multitenant mode"))
		}
		if config.XForwardedHostRegexp == "" {
			group.Add(Error.New("X_FORWARDED_HOST_REGEXP is required in multitenant mode"))
		}
		if config.EncryptionKey == "" {
			group.Add(Error.New("ENCRYPTION_KEY is required in multitenant mode"))
		}
	} else {
		if config.DatabaseURL == "" {
			group.Add(Error.New("DATABASE_URL is required in single-tenant mode"))
		}
		if config.PgrstJWTSecret == "" {
			group.Add(Error.New("PGRST_JWT_SECRET is required in single-tenant mode"))
		}
		if config.ServiceKey == "" {
			group.Add(Error.New("SERVICE_KEY is required in single-tenant mode"))
		}
		if config.AnonKey == "" {
			group.Add(Error.New("ANON_KEY is required in single-tenant mode"))
		}
	}

	return group.Err()
}

// APIAddress is the listen address of the tenant-facing server.
func (config Config) APIAddress() string {
	return net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
}

// AdminAddress is the listen address of the operator server.
func (config Config) AdminAddress() string {
	return net.JoinHostPort(config.Host, strconv.Itoa(config.AdminPort))
}

// QueueDSN returns the database the job queue lives in. An explicit
// queue url wins; otherwise jobs share the registry database in
// multitenant mode and the tenant database in single-tenant mode.
func (config Config) QueueDSN() string {
	if config.PgQueueConnectionURL != "" {
		return config.PgQueueConnectionURL
	}
	if config.IsMultitenant {
		return config.MultitenantDatabaseURL
	}
	return config.DatabaseURL
}

// APIConfig derives the public server configuration.
func (config Config) APIConfig() api.Config {
	return api.Config{
		Address:              config.APIAddress(),
		IsMultitenant:        config.IsMultitenant,
		TenantID:             config.TenantID,
		XForwardedHostRegexp: config.XForwardedHostRegexp,
		RequestIDHeader:      config.RequestIDHeader,
		URLLengthLimit:       config.URLLengthLimit,
		ImgProxyURL:          config.ImgProxyURL,
		RenderTimeout:        30 * time.Second,
		SignedURLBase:        config.SignedURLBase,
		MaxSignedPaths:       100,
	}
}

// AdminConfig derives the operator server configuration.
func (config Config) AdminConfig() admin.Config {
	return admin.Config{
		Address:         config.AdminAddress(),
		APIKeys:         config.AdminAPIKeys,
		RequestIDHeader: config.AdminRequestIDHeader,
		EnableMetrics:   config.EnableDefaultMetrics,
	}
}

// ObjectsConfig derives the orchestrator configuration.
func (config Config) ObjectsConfig() objects.Config {
	return objects.Config{
		Bucket:        config.StorageS3Bucket,
		FileSizeLimit: config.FileSizeLimit,
	}
}

// S3Config derives the s3 backend configuration.
func (config Config) S3Config() s3store.Config {
	return s3store.Config{
		Endpoint:       config.StorageS3Endpoint,
		Region:         config.Region,
		ForcePathStyle: config.StorageS3ForcePathStyle,
	}
}

// EventingConfig derives the notification configuration.
func (config Config) EventingConfig() eventing.Config {
	return eventing.Config{
		WebhookURL:    config.WebhookURL,
		WebhookAPIKey: config.WebhookAPIKey,
	}
}

// StaticTenant synthesizes the tenant configuration served in
// single-tenant mode. The service key is verified against the jwt
// secret here so a misconfigured pair fails the boot instead of the
// first privileged request.
func (config Config) StaticTenant() (*tenant.Config, error) {
	key := auth.Key{Secret: []byte(config.PgrstJWTSecret)}

	payload, err := auth.Verify(config.ServiceKey, key)
	if err != nil {
		return nil, Error.New("SERVICE_KEY does not verify against PGRST_JWT_SECRET: %w", err)
	}
	if _, err := auth.Verify(config.AnonKey, key); err != nil {
		return nil, Error.New("ANON_KEY does not verify against PGRST_JWT_SECRET: %w", err)
	}

	return &tenant.Config{
		TenantID:          config.TenantID,
		DatabaseURL:       config.DatabaseURL,
		DatabasePoolURL:   config.DatabasePoolURL,
		MaxConnections:    config.DatabaseMaxConnections,
		FileSizeLimit:     config.FileSizeLimit,
		JWTSecret:         config.PgrstJWTSecret,
		AnonKey:           config.AnonKey,
		ServiceKey:        config.ServiceKey,
		ServiceKeyPayload: payload,
		Features: tenant.Features{
			ImageTransformation: tenant.ImageTransformationFeature{
				Enabled: config.ImgProxyURL != "",
			},
		},
		MigrationStatus: tenant.MigrationCompleted,
	}, nil
}
