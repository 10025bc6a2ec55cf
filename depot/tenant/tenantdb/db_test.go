// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package tenantdb_test

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/depot/depot/tenant"
	"storj.io/depot/depot/tenant/tenantdb"
	"storj.io/depot/private/dbutil/pgtest"
	"storj.io/depot/private/testcontext"
)

func openRegistry(ctx *testcontext.Context, t *testing.T) *tenantdb.DB {
	connstr := pgtest.PickPostgres(t)

	db, err := tenantdb.Open(ctx, zaptest.NewLogger(t), connstr)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	require.NoError(t, db.MigrateToLatest(ctx))
	return db
}

func testID(t *testing.T) string {
	var b [8]byte
	_, err := rand.Read(b[:])
	require.NoError(t, err)
	return "test-" + hex.EncodeToString(b[:])
}

func newRecord(id string) *tenant.Record {
	return &tenant.Record{
		ID:            id,
		DatabaseURL:   "encrypted-database-url",
		FileSizeLimit: 1 << 20,
		AnonKey:       "encrypted-anon-key",
		ServiceKey:    "encrypted-service-key",
		JWTSecret:     "encrypted-jwt-secret",
		Features: tenant.Features{
			S3Protocol: tenant.S3ProtocolFeature{Enabled: true},
		},
	}
}

func TestInsertGet(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openRegistry(ctx, t)

	id := testID(t)
	record := newRecord(id)
	record.DatabasePoolURL = "encrypted-pool-url"
	record.MaxConnections = 12
	record.JWKS = []byte(`{"keys":[]}`)
	record.Features.ImageTransformation = tenant.ImageTransformationFeature{
		Enabled:       true,
		MaxResolution: 2048,
	}
	record.Features.VectorBuckets = tenant.VectorBucketsFeature{
		Enabled:    true,
		MaxBuckets: 3,
		MaxIndexes: 9,
	}

	require.NoError(t, db.Insert(ctx, record))
	defer func() { require.NoError(t, db.Delete(ctx, id)) }()

	got, err := db.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, got.ID)
	require.Equal(t, record.DatabaseURL, got.DatabaseURL)
	require.Equal(t, record.DatabasePoolURL, got.DatabasePoolURL)
	require.Equal(t, int32(12), got.MaxConnections)
	require.Equal(t, record.FileSizeLimit, got.FileSizeLimit)
	require.JSONEq(t, `{"keys":[]}`, string(got.JWKS))
	require.Equal(t, record.Features, got.Features)
	require.Equal(t, 0, got.MigrationVersion)
	require.Empty(t, got.MigrationStatus)
	require.False(t, got.CreatedAt.IsZero())
	require.False(t, got.UpdatedAt.IsZero())
}

func TestInsertNullables(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openRegistry(ctx, t)

	id := testID(t)
	require.NoError(t, db.Insert(ctx, newRecord(id)))
	defer func() { require.NoError(t, db.Delete(ctx, id)) }()

	got, err := db.Get(ctx, id)
	require.NoError(t, err)
	require.Empty(t, got.DatabasePoolURL)
	require.Zero(t, got.MaxConnections)
	require.Nil(t, got.JWKS)
	require.Zero(t, got.Features.ImageTransformation.MaxResolution)
}

func TestInsertDuplicate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openRegistry(ctx, t)

	id := testID(t)
	require.NoError(t, db.Insert(ctx, newRecord(id)))
	defer func() { require.NoError(t, db.Delete(ctx, id)) }()

	err := db.Insert(ctx, newRecord(id))
	require.True(t, tenant.ErrTenantAlreadyExists.Has(err))
}

func TestGetMissing(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openRegistry(ctx, t)

	_, err := db.Get(ctx, testID(t))
	require.True(t, tenant.ErrTenantNotFound.Has(err))
}

func TestUpdate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openRegistry(ctx, t)

	id := testID(t)
	record := newRecord(id)
	record.DatabasePoolURL = "encrypted-pool-url"
	record.MaxConnections = 5
	require.NoError(t, db.Insert(ctx, record))
	defer func() { require.NoError(t, db.Delete(ctx, id)) }()

	newURL := "encrypted-database-url-2"
	newLimit := int64(1 << 22)
	updated, err := db.Update(ctx, id, tenant.UpdateFields{
		DatabaseURL:         &newURL,
		FileSizeLimit:       &newLimit,
		DatabasePoolURLNull: true,
		MaxConnectionsNull:  true,
	})
	require.NoError(t, err)
	require.Equal(t, newURL, updated.DatabaseURL)
	require.Equal(t, newLimit, updated.FileSizeLimit)
	require.Empty(t, updated.DatabasePoolURL)
	require.Zero(t, updated.MaxConnections)

	got, err := db.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, updated.DatabaseURL, got.DatabaseURL)
	require.Empty(t, got.DatabasePoolURL)
}

func TestUpdateFeatures(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openRegistry(ctx, t)

	id := testID(t)
	require.NoError(t, db.Insert(ctx, newRecord(id)))
	defer func() { require.NoError(t, db.Delete(ctx, id)) }()

	features := tenant.Features{
		ImageTransformation: tenant.ImageTransformationFeature{Enabled: true, MaxResolution: 1024},
		PurgeCache:          tenant.PurgeCacheFeature{Enabled: true},
		IcebergCatalog:      tenant.IcebergCatalogFeature{Enabled: true, MaxCatalogs: 2, MaxNamespaces: 4, MaxTables: 8},
	}
	updated, err := db.Update(ctx, id, tenant.UpdateFields{Features: &features})
	require.NoError(t, err)
	require.Equal(t, features, updated.Features)
}

func TestUpdateMissing(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openRegistry(ctx, t)

	url := "encrypted-database-url"
	_, err := db.Update(ctx, testID(t), tenant.UpdateFields{DatabaseURL: &url})
	require.True(t, tenant.ErrTenantNotFound.Has(err))
}

func TestDeleteIdempotent(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openRegistry(ctx, t)

	id := testID(t)
	require.NoError(t, db.Insert(ctx, newRecord(id)))
	require.NoError(t, db.Delete(ctx, id))
	require.NoError(t, db.Delete(ctx, id))

	_, err := db.Get(ctx, id)
	require.True(t, tenant.ErrTenantNotFound.Has(err))
}

func TestList(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openRegistry(ctx, t)

	prefix := testID(t)
	ids := []string{prefix + "-a", prefix + "-b", prefix + "-c"}
	for _, id := range ids {
		require.NoError(t, db.Insert(ctx, newRecord(id)))
		id := id
		defer func() { require.NoError(t, db.Delete(ctx, id)) }()
	}

	var seen []string
	cursor := prefix
	for {
		page, err := db.List(ctx, cursor, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, record := range page {
			if len(record.ID) < len(prefix) || record.ID[:len(prefix)] != prefix {
				continue
			}
			seen = append(seen, record.ID)
		}
		cursor = page[len(page)-1].ID
	}
	require.Equal(t, ids, seen)
}

func TestListToMigrate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openRegistry(ctx, t)

	prefix := testID(t)
	behind := prefix + "-behind"
	failed := prefix + "-failed"
	current := prefix + "-current"
	for _, id := range []string{behind, failed, current} {
		require.NoError(t, db.Insert(ctx, newRecord(id)))
		id := id
		defer func() { require.NoError(t, db.Delete(ctx, id)) }()
	}

	require.NoError(t, db.UpdateMigrationState(ctx, behind, 1, tenant.MigrationCompleted))
	require.NoError(t, db.UpdateMigrationState(ctx, failed, 3, tenant.MigrationFailed))
	require.NoError(t, db.UpdateMigrationState(ctx, current, 3, tenant.MigrationCompleted))

	seen := map[string]bool{}
	err := db.ListToMigrate(ctx, 3, 1, func(ctx context.Context, batch []*tenant.Record) error {
		for _, record := range batch {
			if len(record.ID) >= len(prefix) && record.ID[:len(prefix)] == prefix {
				seen[record.ID] = true
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.True(t, seen[behind], "tenant behind latest version should be listed")
	require.True(t, seen[failed], "tenant with failed migration should be listed")
	require.False(t, seen[current], "up to date tenant should not be listed")
}

func TestUpdateMigrationState(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openRegistry(ctx, t)

	id := testID(t)
	require.NoError(t, db.Insert(ctx, newRecord(id)))
	defer func() { require.NoError(t, db.Delete(ctx, id)) }()

	require.NoError(t, db.UpdateMigrationState(ctx, id, 7, tenant.MigrationCompleted))

	got, err := db.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 7, got.MigrationVersion)
	require.Equal(t, tenant.MigrationCompleted, got.MigrationStatus)
}
