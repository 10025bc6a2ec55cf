// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package tenantdb implements the tenant registry on PostgreSQL.
package tenantdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/depot/depot/tenant"
	"storj.io/depot/private/dbutil/pgutil"
	"storj.io/depot/private/migrate"
)

var (
	// Error is the default error class for the tenantdb package.
	Error = errs.Class("tenantdb")

	mon = monkit.Package()
)

// DB implements tenant.DB on a PostgreSQL registry database.
//
// architecture: Database
type DB struct {
	log  *zap.Logger
	pool *pgxpool.Pool
}

// Open connects to the registry database.
func Open(ctx context.Context, log *zap.Logger, connstr string) (*DB, error) {
	pool, err := pgutil.OpenPool(ctx, connstr, "depot-tenantdb", 0)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &DB{log: log, pool: pool}, nil
}

// Pool exposes the underlying pool for components sharing the registry
// database, like the notify bus.
func (db *DB) Pool() *pgxpool.Pool { return db.pool }

// Close releases the connection pool.
func (db *DB) Close() error {
	db.pool.Close()
	return nil
}

// MigrateToLatest creates or upgrades the registry schema.
func (db *DB) MigrateToLatest(ctx context.Context) error {
	return db.Migration().Run(ctx, db.log.Named("migrate"))
}

// Migration returns the registry schema migration steps.
func (db *DB) Migration() *migrate.Migration {
	return &migrate.Migration{
		Table: "tenants_schema_versions",
		Steps: []*migrate.Step{
			{
				DB:          db.pool,
				Description: "Create tenants table",
				Version:     0,
				Action: migrate.SQL{`
					CREATE TABLE IF NOT EXISTS tenants (
						id text PRIMARY KEY,
						database_url text NOT NULL,
						database_pool_url text,
						max_connections int,
						file_size_limit bigint NOT NULL DEFAULT 52428800,
						anon_key text NOT NULL,
						service_key text NOT NULL,
						jwt_secret text NOT NULL,
						jwks jsonb,
						feature_image_transformation boolean NOT NULL DEFAULT false,
						image_transformation_max_resolution int,
						feature_s3_protocol boolean NOT NULL DEFAULT true,
						feature_purge_cache boolean NOT NULL DEFAULT false,
						feature_iceberg_catalog boolean NOT NULL DEFAULT false,
						iceberg_max_catalogs int NOT NULL DEFAULT 0,
						iceberg_max_namespaces int NOT NULL DEFAULT 0,
						iceberg_max_tables int NOT NULL DEFAULT 0,
						feature_vector_buckets boolean NOT NULL DEFAULT false,
						vector_max_buckets int NOT NULL DEFAULT 0,
						vector_max_indexes int NOT NULL DEFAULT 0,
						migration_version int NOT NULL DEFAULT 0,
						migration_status text,
						created_at timestamptz NOT NULL DEFAULT now(),
						updated_at timestamptz NOT NULL DEFAULT now()
					)`,
				},
			},
		},
	}
}

const tenantColumns = `
	id, database_url, database_pool_url, max_connections, file_size_limit,
	anon_key, service_key, jwt_secret, jwks,
	feature_image_transformation, image_transformation_max_resolution,
	feature_s3_protocol, feature_purge_cache,
	feature_iceberg_catalog, iceberg_max_catalogs, iceberg_max_namespaces, iceberg_max_tables,
	feature_vector_buckets, vector_max_buckets, vector_max_indexes,
	migration_version, migration_status, created_at, updated_at`

// scanRecord reads one tenants row.
func scanRecord(row pgx.Row) (*tenant.Record, error) {
	var record tenant.Record
	var poolURL, migrationStatus sql.NullString
	var maxConnections, maxResolution sql.NullInt32

	err := row.Scan(
		&record.ID, &record.DatabaseURL, &poolURL, &maxConnections, &record.FileSizeLimit,
		&record.AnonKey, &record.ServiceKey, &record.JWTSecret, &record.JWKS,
		&record.Features.ImageTransformation.Enabled, &maxResolution,
		&record.Features.S3Protocol.Enabled, &record.Features.PurgeCache.Enabled,
		&record.Features.IcebergCatalog.Enabled, &record.Features.IcebergCatalog.MaxCatalogs,
		&record.Features.IcebergCatalog.MaxNamespaces, &record.Features.IcebergCatalog.MaxTables,
		&record.Features.VectorBuckets.Enabled, &record.Features.VectorBuckets.MaxBuckets,
		&record.Features.VectorBuckets.MaxIndexes,
		&record.MigrationVersion, &migrationStatus, &record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.DatabasePoolURL = poolURL.String
	record.MaxConnections = maxConnections.Int32
	record.Features.ImageTransformation.MaxResolution = int(maxResolution.Int32)
	record.MigrationStatus = tenant.MigrationStatus(migrationStatus.String)
	return &record, nil
}

// Get implements tenant.DB.
func (db *DB) Get(ctx context.Context, id string) (_ *tenant.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	record, err := scanRecord(db.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	if errs.Is(err, pgx.ErrNoRows) {
		return nil, tenant.ErrTenantNotFound.New("%q", id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return record, nil
}

// Insert implements tenant.DB.
func (db *DB) Insert(ctx context.Context, record *tenant.Record) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.pool.Exec(ctx, `
		INSERT INTO tenants (
			id, database_url, database_pool_url, max_connections, file_size_limit,
			anon_key, service_key, jwt_secret, jwks,
			feature_image_transformation, image_transformation_max_resolution,
			feature_s3_protocol, feature_purge_cache,
			feature_iceberg_catalog, iceberg_max_catalogs, iceberg_max_namespaces, iceberg_max_tables,
			feature_vector_buckets, vector_max_buckets, vector_max_indexes
		) VALUES (
			$1, $2, NULLIF($3, ''), NULLIF($4, 0), $5,
			$6, $7, $8, NULLIF($9, '')::jsonb,
			$10, NULLIF($11, 0),
			$12, $13,
			$14, $15, $16, $17,
			$18, $19, $20
		)`,
		record.ID, record.DatabaseURL, record.DatabasePoolURL, record.MaxConnections, record.FileSizeLimit,
		record.AnonKey, record.ServiceKey, record.JWTSecret, string(record.JWKS),
		record.Features.ImageTransformation.Enabled, record.Features.ImageTransformation.MaxResolution,
		record.Features.S3Protocol.Enabled, record.Features.PurgeCache.Enabled,
		record.Features.IcebergCatalog.Enabled, record.Features.IcebergCatalog.MaxCatalogs,
		record.Features.IcebergCatalog.MaxNamespaces, record.Features.IcebergCatalog.MaxTables,
		record.Features.VectorBuckets.Enabled, record.Features.VectorBuckets.MaxBuckets,
		record.Features.VectorBuckets.MaxIndexes,
	)
	if pgutil.IsUniqueViolation(err) {
		return tenant.ErrTenantAlreadyExists.New("%q", record.ID)
	}
	return Error.Wrap(err)
}

// Update implements tenant.DB.
func (db *DB) Update(ctx context.Context, id string, fields tenant.UpdateFields) (_ *tenant.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	set := []string{"updated_at = now()"}
	var args []interface{}
	add := func(column string, value interface{}) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if fields.DatabaseURL != nil {
		add("database_url", *fields.DatabaseURL)
	}
	switch {
	case fields.DatabasePoolURLNull:
		set = append(set, "database_pool_url = NULL")
	case fields.DatabasePoolURL != nil:
		add("database_pool_url", *fields.DatabasePoolURL)
	}
	switch {
	case fields.MaxConnectionsNull:
		set = append(set, "max_connections = NULL")
	case fields.MaxConnections != nil:
		add("max_connections", *fields.MaxConnections)
	}
	if fields.FileSizeLimit != nil {
		add("file_size_limit", *fields.FileSizeLimit)
	}
	if fields.AnonKey != nil {
		add("anon_key", *fields.AnonKey)
	}
	if fields.ServiceKey != nil {
		add("service_key", *fields.ServiceKey)
	}
	if fields.JWTSecret != nil {
		add("jwt_secret", *fields.JWTSecret)
	}
	switch {
	case fields.JWKSNull:
		set = append(set, "jwks = NULL")
	case fields.JWKS != nil:
		args = append(args, string(fields.JWKS))
		set = append(set, fmt.Sprintf("jwks = $%d::jsonb", len(args)))
	}
	if fields.Features != nil {
		add("feature_image_transformation", fields.Features.ImageTransformation.Enabled)
		args = append(args, fields.Features.ImageTransformation.MaxResolution)
		set = append(set, fmt.Sprintf("image_transformation_max_resolution = NULLIF($%d, 0)", len(args)))
		add("feature_s3_protocol", fields.Features.S3Protocol.Enabled)
		add("feature_purge_cache", fields.Features.PurgeCache.Enabled)
		add("feature_iceberg_catalog", fields.Features.IcebergCatalog.Enabled)
		add("iceberg_max_catalogs", fields.Features.IcebergCatalog.MaxCatalogs)
		add("iceberg_max_namespaces", fields.Features.IcebergCatalog.MaxNamespaces)
		add("iceberg_max_tables", fields.Features.IcebergCatalog.MaxTables)
		add("feature_vector_buckets", fields.Features.VectorBuckets.Enabled)
		add("vector_max_buckets", fields.Features.VectorBuckets.MaxBuckets)
		add("vector_max_indexes", fields.Features.VectorBuckets.MaxIndexes)
	}

	args = append(args, id)
	query := `UPDATE tenants SET ` + strings.Join(set, ", ") +
		fmt.Sprintf(` WHERE id = $%d RETURNING `, len(args)) + tenantColumns

	record, err := scanRecord(db.pool.QueryRow(ctx, query, args...))
	if errs.Is(err, pgx.ErrNoRows) {
		return nil, tenant.ErrTenantNotFound.New("%q", id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return record, nil
}

// Delete implements tenant.DB.
func (db *DB) Delete(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	return Error.Wrap(err)
}

// List implements tenant.DB.
func (db *DB) List(ctx context.Context, cursor string, limit int) (_ []*tenant.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id > $1 ORDER BY id LIMIT $2`,
		cursor, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var records []*tenant.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		records = append(records, record)
	}
	return records, Error.Wrap(rows.Err())
}

// ListToMigrate implements tenant.DB. It pages through tenants whose
// schema is behind latestVersion or whose last run failed, handing each
// batch to fn.
func (db *DB) ListToMigrate(ctx context.Context, latestVersion, batchSize int, fn func(context.Context, []*tenant.Record) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	if batchSize <= 0 {
		batchSize = 200
	}

	cursor := ""
	for {
		rows, err := db.pool.Query(ctx, `
			SELECT `+tenantColumns+`
			FROM tenants
			WHERE id > $1
			  AND (migration_version < $2 OR migration_status IN ('FAILED', 'FAILED_STALE'))
			ORDER BY id
			LIMIT $3`,
			cursor, latestVersion, batchSize)
		if err != nil {
			return Error.Wrap(err)
		}

		var batch []*tenant.Record
		for rows.Next() {
			record, err := scanRecord(rows)
			if err != nil {
				rows.Close()
				return Error.Wrap(err)
			}
			batch = append(batch, record)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return Error.Wrap(err)
		}

		if len(batch) == 0 {
			return nil
		}

		if err := fn(ctx, batch); err != nil {
			return err
		}

		if len(batch) < batchSize {
			return nil
		}
		cursor = batch[len(batch)-1].ID
	}
}

// UpdateMigrationState implements tenant.DB.
func (db *DB) UpdateMigrationState(ctx context.Context, id string, version int, status tenant.MigrationStatus) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.pool.Exec(ctx, `
		UPDATE tenants
		SET migration_version = $2, migration_status = $3, updated_at = now()
		WHERE id = $1`,
		id, version, string(status))
	return Error.Wrap(err)
}
