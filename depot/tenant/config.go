// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package tenant resolves tenant identity to decrypted per-tenant
// configuration, with caching and cross-process invalidation.
package tenant

import (
	"context"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/zeebo/errs"

	"storj.io/depot/depot/auth"
)

var (
	// Error is the default error class for the tenant package.
	Error = errs.Class("tenant")

	// ErrInvalidTenantID is returned for malformed tenant ids.
	ErrInvalidTenantID = errs.Class("invalid tenant id")

	// ErrTenantNotFound is returned when no tenant record exists.
	ErrTenantNotFound = errs.Class("tenant not found")

	// ErrTenantAlreadyExists is returned when inserting a duplicate id.
	ErrTenantAlreadyExists = errs.Class("tenant already exists")

	// ErrInvalidServiceKey is returned when the stored service key does
	// not verify against the tenant jwt secret.
	ErrInvalidServiceKey = errs.Class("invalid service key")
)

// MigrationStatus describes the state of a tenant's storage schema.
type MigrationStatus string

// Migration statuses.
const (
	MigrationCompleted   MigrationStatus = "COMPLETED"
	MigrationFailed      MigrationStatus = "FAILED"
	MigrationFailedStale MigrationStatus = "FAILED_STALE"
)

// ImageTransformationFeature configures on-the-fly image rendering.
type ImageTransformationFeature struct {
	Enabled       bool `json:"enabled"`
	MaxResolution int  `json:"maxResolution,omitempty"`
}

// S3ProtocolFeature toggles the S3-compatible protocol surface.
type S3ProtocolFeature struct {
	Enabled bool `json:"enabled"`
}

// PurgeCacheFeature toggles CDN cache purging.
type PurgeCacheFeature struct {
	Enabled bool `json:"enabled"`
}

// IcebergCatalogFeature configures the iceberg catalog limits.
type IcebergCatalogFeature struct {
	Enabled       bool `json:"enabled"`
	MaxCatalogs   int  `json:"maxCatalogs,omitempty"`
	MaxNamespaces int  `json:"maxNamespaces,omitempty"`
	MaxTables     int  `json:"maxTables,omitempty"`
}

// VectorBucketsFeature configures vector bucket limits.
type VectorBucketsFeature struct {
	Enabled    bool `json:"enabled"`
	MaxBuckets int  `json:"maxBuckets,omitempty"`
	MaxIndexes int  `json:"maxIndexes,omitempty"`
}

// Features toggles optional tenant capabilities.
type Features struct {
	ImageTransformation ImageTransformationFeature `json:"imageTransformation"`
	S3Protocol          S3ProtocolFeature          `json:"s3Protocol"`
	PurgeCache          PurgeCacheFeature          `json:"purgeCache"`
	IcebergCatalog      IcebergCatalogFeature      `json:"icebergCatalog"`
	VectorBuckets       VectorBucketsFeature       `json:"vectorBuckets"`
}

// Config is the resolved, decrypted configuration snapshot for one
// tenant. It is immutable once composed; the registry hands the same
// instance to every caller until the entry is invalidated.
type Config struct {
	TenantID          string
	DatabaseURL       string
	DatabasePoolURL   string
	MaxConnections    int32
	FileSizeLimit     int64
	JWTSecret         string
	JWKS              *jose.JSONWebKeySet
	AnonKey           string
	ServiceKey        string
	ServiceKeyPayload *auth.Claims
	Features          Features
	MigrationVersion  int
	MigrationStatus   MigrationStatus
}

// VerificationKey returns the material requests against this tenant are
// verified with.
func (config *Config) VerificationKey() auth.Key {
	return auth.Key{Secret: []byte(config.JWTSecret), JWKS: config.JWKS}
}

// Record is a row of the tenants table. Secret columns hold ciphertext
// produced by the kms service.
type Record struct {
	ID              string
	DatabaseURL     string // encrypted
	DatabasePoolURL string // encrypted, optional
	MaxConnections  int32
	FileSizeLimit   int64
	AnonKey         string // encrypted
	ServiceKey      string // encrypted
	JWTSecret       string // encrypted
	JWKS            []byte // raw JSON, optional

	Features         Features
	MigrationVersion int
	MigrationStatus  MigrationStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpdateFields describes a partial tenant update. Nil pointers leave the
// column unchanged; the *Null flags write NULL explicitly, which is how
// the admin PATCH surface distinguishes "omitted" from "null".
type UpdateFields struct {
	DatabaseURL         *string
	DatabasePoolURL     *string
	DatabasePoolURLNull bool
	MaxConnections      *int32
	MaxConnectionsNull  bool
	FileSizeLimit       *int64
	AnonKey             *string
	ServiceKey          *string
	JWTSecret           *string
	JWKS                []byte
	JWKSNull            bool
	Features            *Features
}

// DB is the persistent tenant registry.
//
// architecture: Database
type DB interface {
	// Get returns the record for the id or ErrTenantNotFound.
	Get(ctx context.Context, id string) (*Record, error)
	// Insert creates a new record; ErrAlreadyExists class errors on
	// duplicate ids are wrapped by the caller.
	Insert(ctx context.Context, record *Record) error
	// Update applies a partial update and returns the new record.
	Update(ctx context.Context, id string, fields UpdateFields) (*Record, error)
	// Delete removes the record. Deleting a missing record is not an
	// error.
	Delete(ctx context.Context, id string) error
	// List returns up to limit records ordered by id, starting after
	// the cursor.
	List(ctx context.Context, cursor string, limit int) ([]*Record, error)
	// ListToMigrate streams batches of records whose schema is behind
	// latestVersion or whose last migration failed.
	ListToMigrate(ctx context.Context, latestVersion int, batchSize int, fn func(context.Context, []*Record) error) error
	// UpdateMigrationState records the outcome of a migration run.
	UpdateMigrationState(ctx context.Context, id string, version int, status MigrationStatus) error
}
