// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package tenant

import (
	"context"
	"regexp"

	"github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"

	"storj.io/depot/depot/auth"
	"storj.io/depot/depot/kms"
	"storj.io/depot/depot/pubsub"
)

// tenant ids act as path and key segments, so they are restricted to a
// conservative charset.
var validTenantID = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Definition is the plaintext input for creating a tenant.
type Definition struct {
	TenantID        string
	DatabaseURL     string
	DatabasePoolURL string
	MaxConnections  int32
	FileSizeLimit   int64
	AnonKey         string
	ServiceKey      string
	JWTSecret       string
	JWKS            []byte
	Features        Features
}

// UpdateDefinition is the plaintext input for a partial tenant update.
// Nil pointers leave fields unchanged; *Null flags reset them.
type UpdateDefinition struct {
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

// Registry resolves tenant ids to decrypted configuration snapshots.
//
// architecture: Service
type Registry struct {
	log   *zap.Logger
	db    DB
	kms   *kms.Service
	bus   pubsub.Bus
	cache *configCache

	static *Config

	latestVersion int
}

// NewRegistry creates a multi-tenant registry backed by db. The bus is
// optional; without it invalidations stay process-local.
func NewRegistry(log *zap.Logger, db DB, kmsService *kms.Service, bus pubsub.Bus, latestVersion int) *Registry {
	return &Registry{
		log:           log,
		db:            db,
		kms:           kmsService,
		bus:           bus,
		cache:         newConfigCache(),
		latestVersion: latestVersion,
	}
}

// NewStaticRegistry creates a single-tenant registry that serves one
// configuration synthesized from the environment. No database or bus is
// involved.
func NewStaticRegistry(log *zap.Logger, static *Config) *Registry {
	return &Registry{
		log:    log,
		cache:  newConfigCache(),
		static: static,
	}
}

// LatestVersion returns the migration version tenants are expected to
// be at.
func (registry *Registry) LatestVersion() int { return registry.latestVersion }

// GetConfig returns the tenant's resolved configuration. Concurrent
// callers for the same uncached id share one database fetch and one
// service key verification.
func (registry *Registry) GetConfig(ctx context.Context, tenantID string) (_ *Config, err error) {
	defer mon.Task()(&ctx)(&err)

	if registry.static != nil {
		if tenantID != registry.static.TenantID {
			return nil, ErrTenantNotFound.New("%q", tenantID)
		}
		return registry.static, nil
	}

	if !validTenantID.MatchString(tenantID) {
		return nil, ErrInvalidTenantID.New("%q", tenantID)
	}

	return registry.cache.Get(ctx, tenantID, func() (*Config, error) {
		record, err := registry.db.Get(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		return registry.compose(ctx, record)
	})
}

// compose decrypts a record and verifies its service key.
func (registry *Registry) compose(ctx context.Context, record *Record) (*Config, error) {
	databaseURL, err := registry.kms.Decrypt(ctx, record.DatabaseURL)
	if err != nil {
		return nil, err
	}

	databasePoolURL := ""
	if record.DatabasePoolURL != "" {
		databasePoolURL, err = registry.kms.Decrypt(ctx, record.DatabasePoolURL)
		if err != nil {
			return nil, err
		}
	}

	anonKey, err := registry.kms.Decrypt(ctx, record.AnonKey)
	if err != nil {
		return nil, err
	}
	serviceKey, err := registry.kms.Decrypt(ctx, record.ServiceKey)
	if err != nil {
		return nil, err
	}
	jwtSecret, err := registry.kms.Decrypt(ctx, record.JWTSecret)
	if err != nil {
		return nil, err
	}

	var jwks *jose.JSONWebKeySet
	if len(record.JWKS) > 0 {
		jwks, err = auth.ParseJWKS(record.JWKS)
		if err != nil {
			return nil, Error.Wrap(err)
		}
	}

	payload, err := auth.Verify(serviceKey, auth.Key{Secret: []byte(jwtSecret), JWKS: jwks})
	if err != nil {
		return nil, ErrInvalidServiceKey.Wrap(err)
	}

	return &Config{
		TenantID:          record.ID,
		DatabaseURL:       databaseURL,
		DatabasePoolURL:   databasePoolURL,
		MaxConnections:    record.MaxConnections,
		FileSizeLimit:     record.FileSizeLimit,
		JWTSecret:         jwtSecret,
		JWKS:              jwks,
		AnonKey:           anonKey,
		ServiceKey:        serviceKey,
		ServiceKeyPayload: payload,
		Features:          record.Features,
		MigrationVersion:  record.MigrationVersion,
		MigrationStatus:   record.MigrationStatus,
	}, nil
}

// Invalidate evicts the tenant's cache entry in this process and
// broadcasts the eviction to the others.
func (registry *Registry) Invalidate(ctx context.Context, tenantID string) {
	registry.cache.Delete(tenantID)

	if registry.bus == nil {
		return
	}
	if err := registry.bus.Publish(ctx, tenantID); err != nil {
		registry.log.Warn("failed to broadcast tenant invalidation",
			zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

// Run subscribes to the tenants update channel and evicts cache entries
// as notifications arrive. It blocks until the context is canceled.
func (registry *Registry) Run(ctx context.Context) error {
	if registry.bus == nil || registry.static != nil {
		return nil
	}
	return registry.bus.Subscribe(ctx, func(tenantID string) {
		registry.log.Debug("evicting tenant config", zap.String("tenant_id", tenantID))
		registry.cache.Delete(tenantID)
	})
}

// Close implements the lifecycle contract; the registry owns no
// connections itself.
func (registry *Registry) Close() error { return nil }

// Create verifies and encrypts a tenant definition and stores it.
func (registry *Registry) Create(ctx context.Context, def Definition) (err error) {
	defer mon.Task()(&ctx)(&err)

	if registry.static != nil {
		return Error.New("tenant mutation is not available in single-tenant mode")
	}
	if !validTenantID.MatchString(def.TenantID) {
		return ErrInvalidTenantID.New("%q", def.TenantID)
	}

	var jwks *jose.JSONWebKeySet
	if len(def.JWKS) > 0 {
		jwks, err = auth.ParseJWKS(def.JWKS)
		if err != nil {
			return Error.Wrap(err)
		}
	}
	if _, err := auth.Verify(def.ServiceKey, auth.Key{Secret: []byte(def.JWTSecret), JWKS: jwks}); err != nil {
		return ErrInvalidServiceKey.Wrap(err)
	}

	record := &Record{
		ID:              def.TenantID,
		MaxConnections:  def.MaxConnections,
		FileSizeLimit:   def.FileSizeLimit,
		JWKS:            def.JWKS,
		Features:        def.Features,
		MigrationStatus: "",
	}
	record.DatabaseURL, err = registry.kms.Encrypt(ctx, def.DatabaseURL)
	if err != nil {
		return err
	}
	if def.DatabasePoolURL != "" {
		record.DatabasePoolURL, err = registry.kms.Encrypt(ctx, def.DatabasePoolURL)
		if err != nil {
			return err
		}
	}
	record.AnonKey, err = registry.kms.Encrypt(ctx, def.AnonKey)
	if err != nil {
		return err
	}
	record.ServiceKey, err = registry.kms.Encrypt(ctx, def.ServiceKey)
	if err != nil {
		return err
	}
	record.JWTSecret, err = registry.kms.Encrypt(ctx, def.JWTSecret)
	if err != nil {
		return err
	}

	if err := registry.db.Insert(ctx, record); err != nil {
		return err
	}

	registry.Invalidate(ctx, def.TenantID)
	return nil
}

// Update applies a partial update, re-verifying the service key when any
// of the key material changes.
func (registry *Registry) Update(ctx context.Context, tenantID string, def UpdateDefinition) (err error) {
	defer mon.Task()(&ctx)(&err)

	if registry.static != nil {
		return Error.New("tenant mutation is not available in single-tenant mode")
	}

	record, err := registry.db.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	if def.ServiceKey != nil || def.JWTSecret != nil || def.JWKS != nil || def.JWKSNull {
		if err := registry.verifyEffectiveKeys(ctx, record, def); err != nil {
			return err
		}
	}

	fields := UpdateFields{
		DatabasePoolURLNull: def.DatabasePoolURLNull,
		MaxConnections:      def.MaxConnections,
		MaxConnectionsNull:  def.MaxConnectionsNull,
		FileSizeLimit:       def.FileSizeLimit,
		JWKS:                def.JWKS,
		JWKSNull:            def.JWKSNull,
		Features:            def.Features,
	}
	if def.DatabaseURL != nil {
		encrypted, err := registry.kms.Encrypt(ctx, *def.DatabaseURL)
		if err != nil {
			return err
		}
		fields.DatabaseURL = &encrypted
	}
	if def.DatabasePoolURL != nil {
		encrypted, err := registry.kms.Encrypt(ctx, *def.DatabasePoolURL)
		if err != nil {
			return err
		}
		fields.DatabasePoolURL = &encrypted
	}
	if def.AnonKey != nil {
		encrypted, err := registry.kms.Encrypt(ctx, *def.AnonKey)
		if err != nil {
			return err
		}
		fields.AnonKey = &encrypted
	}
	if def.ServiceKey != nil {
		encrypted, err := registry.kms.Encrypt(ctx, *def.ServiceKey)
		if err != nil {
			return err
		}
		fields.ServiceKey = &encrypted
	}
	if def.JWTSecret != nil {
		encrypted, err := registry.kms.Encrypt(ctx, *def.JWTSecret)
		if err != nil {
			return err
		}
		fields.JWTSecret = &encrypted
	}

	if _, err := registry.db.Update(ctx, tenantID, fields); err != nil {
		return err
	}

	registry.Invalidate(ctx, tenantID)
	return nil
}

// verifyEffectiveKeys checks that the service key still verifies after
// the update is applied.
func (registry *Registry) verifyEffectiveKeys(ctx context.Context, record *Record, def UpdateDefinition) error {
	serviceKey, err := registry.kms.Decrypt(ctx, record.ServiceKey)
	if err != nil {
		return err
	}
	jwtSecret, err := registry.kms.Decrypt(ctx, record.JWTSecret)
	if err != nil {
		return err
	}
	jwksRaw := record.JWKS

	if def.ServiceKey != nil {
		serviceKey = *def.ServiceKey
	}
	if def.JWTSecret != nil {
		jwtSecret = *def.JWTSecret
	}
	if def.JWKSNull {
		jwksRaw = nil
	} else if def.JWKS != nil {
		jwksRaw = def.JWKS
	}

	var jwks *jose.JSONWebKeySet
	if len(jwksRaw) > 0 {
		jwks, err = auth.ParseJWKS(jwksRaw)
		if err != nil {
			return Error.Wrap(err)
		}
	}

	if _, err := auth.Verify(serviceKey, auth.Key{Secret: []byte(jwtSecret), JWKS: jwks}); err != nil {
		return ErrInvalidServiceKey.Wrap(err)
	}
	return nil
}

// Delete removes the tenant record and evicts its cache entry.
func (registry *Registry) Delete(ctx context.Context, tenantID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if registry.static != nil {
		return Error.New("tenant mutation is not available in single-tenant mode")
	}

	if err := registry.db.Delete(ctx, tenantID); err != nil {
		return err
	}
	registry.Invalidate(ctx, tenantID)
	return nil
}

// GetRecord returns the raw stored record, secrets still encrypted.
func (registry *Registry) GetRecord(ctx context.Context, tenantID string) (*Record, error) {
	if registry.static != nil {
		return nil, Error.New("tenant records are not available in single-tenant mode")
	}
	return registry.db.Get(ctx, tenantID)
}

// ListRecords pages through stored records ordered by id.
func (registry *Registry) ListRecords(ctx context.Context, cursor string, limit int) ([]*Record, error) {
	if registry.static != nil {
		return nil, Error.New("tenant records are not available in single-tenant mode")
	}
	return registry.db.List(ctx, cursor, limit)
}

// ListTenantsToMigrate streams batches of tenants whose schema is
// behind or whose last migration failed.
func (registry *Registry) ListTenantsToMigrate(ctx context.Context, batchSize int, fn func(context.Context, []*Record) error) error {
	if registry.static != nil {
		return nil
	}
	return registry.db.ListToMigrate(ctx, registry.latestVersion, batchSize, fn)
}

// UpdateMigrationState records a migration outcome and evicts the
// tenant's cache entry so the new state becomes visible.
func (registry *Registry) UpdateMigrationState(ctx context.Context, tenantID string, version int, status MigrationStatus) error {
	if registry.static != nil {
		return nil
	}
	if err := registry.db.UpdateMigrationState(ctx, tenantID, version, status); err != nil {
		return err
	}
	registry.Invalidate(ctx, tenantID)
	return nil
}
