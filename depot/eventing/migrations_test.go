// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package eventing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/depot/depot/auth"
	"storj.io/depot/depot/kms"
	"storj.io/depot/depot/migrations"
	"storj.io/depot/depot/tenant"
	"storj.io/depot/private/dbutil/pgtest"
	"storj.io/depot/private/testcontext"
)

type migrationState struct {
	id      string
	version int
	status  tenant.MigrationStatus
}

// migrationsDB serves the registry calls the migration paths need.
type migrationsDB struct {
	mu      sync.Mutex
	records map[string]*tenant.Record
	pending []*tenant.Record
	states  []migrationState
}

func newMigrationsDB() *migrationsDB {
	return &migrationsDB{records: map[string]*tenant.Record{}}
}

func (db *migrationsDB) Get(ctx context.Context, id string) (*tenant.Record, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	record, ok := db.records[id]
	if !ok {
		return nil, tenant.ErrTenantNotFound.New("%q", id)
	}
	return record, nil
}

func (db *migrationsDB) Insert(ctx context.Context, record *tenant.Record) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.records[record.ID] = record
	return nil
}

func (db *migrationsDB) Update(ctx context.Context, id string, fields tenant.UpdateFields) (*tenant.Record, error) {
	return nil, tenant.ErrTenantNotFound.New("%q", id)
}

func (db *migrationsDB) Delete(ctx context.Context, id string) error { return nil }

func (db *migrationsDB) List(ctx context.Context, cursor string, limit int) ([]*tenant.Record, error) {
	return nil, nil
}

func (db *migrationsDB) ListToMigrate(ctx context.Context, latestVersion, batchSize int, fn func(context.Context, []*tenant.Record) error) error {
	db.mu.Lock()
	pending := append([]*tenant.Record(nil), db.pending...)
	db.mu.Unlock()

	for len(pending) > 0 {
		batch := pending
		if len(batch) > batchSize {
			batch = batch[:batchSize]
		}
		pending = pending[len(batch):]
		if err := fn(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

func (db *migrationsDB) UpdateMigrationState(ctx context.Context, id string, version int, status tenant.MigrationStatus) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.states = append(db.states, migrationState{id: id, version: version, status: status})
	if record, ok := db.records[id]; ok {
		record.MigrationVersion = version
		record.MigrationStatus = status
	}
	return nil
}

func TestProgressiveMigrationsRunOnce(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newMigrationsDB()
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		db.pending = append(db.pending, &tenant.Record{ID: id})
	}

	fake := &fakeSender{}
	registry := tenant.NewRegistry(zaptest.NewLogger(t), db, nil, nil, 3)
	chore := NewProgressiveMigrations(zaptest.NewLogger(t), registry, fake, MigrationsConfig{BatchSize: 2})
	defer ctx.Check(chore.Close)

	require.NoError(t, chore.RunOnce(ctx))

	require.Len(t, fake.batches, 3)
	require.Len(t, fake.batches[0], 2)
	require.Len(t, fake.batches[1], 2)
	require.Len(t, fake.batches[2], 1)

	job := fake.batches[0][0]
	require.Equal(t, QueueRunMigrations, job.Name)
	require.Equal(t, RunMigrationsPayload{TenantID: "t1"}, job.Payload)
	require.Equal(t, "t1", job.Options.SingletonKey)
	require.True(t, job.Options.RetryBackoff)
	require.Equal(t, time.Hour, job.Options.ExpireIn)
}

func TestProgressiveMigrationsNothingPending(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeSender{}
	registry := tenant.NewRegistry(zaptest.NewLogger(t), newMigrationsDB(), nil, nil, 3)
	chore := NewProgressiveMigrations(zaptest.NewLogger(t), registry, fake, MigrationsConfig{})
	defer ctx.Check(chore.Close)

	require.NoError(t, chore.RunOnce(ctx))
	require.Empty(t, fake.batches)
}

// migratorRecord builds an encrypted record whose database URL points at
// the test database.
func migratorRecord(ctx context.Context, t *testing.T, kmsService *kms.Service, id, connstr string) *tenant.Record {
	t.Helper()

	const jwtSecret = "migrator-tenant-jwt-secret-01234"
	serviceKey, err := auth.Sign(auth.Claims{
		Claims: jwt.Claims{
			Issuer: "depot",
			Expiry: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
		Role: "service_role",
	}, []byte(jwtSecret))
	require.NoError(t, err)

	encrypt := func(plain string) string {
		value, err := kmsService.Encrypt(ctx, plain)
		require.NoError(t, err)
		return value
	}

	return &tenant.Record{
		ID:          id,
		DatabaseURL: encrypt(connstr),
		AnonKey:     encrypt("anon-key"),
		ServiceKey:  encrypt(serviceKey),
		JWTSecret:   encrypt(jwtSecret),
	}
}

func TestTenantMigratorHandle(t *testing.T) {
	connstr := pgtest.PickPostgres(t)

	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	latest, err := migrations.LatestVersion()
	require.NoError(t, err)

	kmsService, err := kms.NewService("migrator-test-key")
	require.NoError(t, err)

	db := newMigrationsDB()
	record := migratorRecord(ctx, t, kmsService, "tenant-mig", connstr)
	require.NoError(t, db.Insert(ctx, record))

	registry := tenant.NewRegistry(zaptest.NewLogger(t), db, kmsService, nil, latest)
	migrator := NewTenantMigrator(zaptest.NewLogger(t), registry)

	require.NoError(t, migrator.Handle(ctx, testJob(t, RunMigrationsPayload{TenantID: "tenant-mig"})))

	require.Len(t, db.states, 1)
	require.Equal(t, "tenant-mig", db.states[0].id)
	require.Equal(t, latest, db.states[0].version)
	require.Equal(t, tenant.MigrationCompleted, db.states[0].status)

	// The recorded version makes the second run a no-op.
	require.NoError(t, migrator.Handle(ctx, testJob(t, RunMigrationsPayload{TenantID: "tenant-mig"})))
	require.Len(t, db.states, 1)

	// Tenants deleted after scheduling are skipped, not failed.
	require.NoError(t, migrator.Handle(ctx, testJob(t, RunMigrationsPayload{TenantID: "gone"})))
	require.Len(t, db.states, 1)
}
