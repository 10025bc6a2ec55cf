// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package migrations_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/depot/depot/migrations"
	"storj.io/depot/private/dbutil/pgtest"
	"storj.io/depot/private/dbutil/pgutil"
	"storj.io/depot/private/testcontext"
)

func TestEmbeddedFilesParse(t *testing.T) {
	latest, err := migrations.LatestVersion()
	require.NoError(t, err)
	require.GreaterOrEqual(t, latest, 2)

	migration, err := migrations.Tenant(nil)
	require.NoError(t, err)
	require.NotEmpty(t, migration.Steps)
	require.Equal(t, migrations.VersionTable, migration.Table)
	require.Equal(t, 1, migration.Steps[0].Version)
	require.Equal(t, latest, migration.Steps[len(migration.Steps)-1].Version)
}

func TestRunOnPostgres(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	connstr := pgtest.PickPostgres(t)
	pool, err := pgutil.OpenPool(ctx, connstr, "depot-migrations-test", 0)
	require.NoError(t, err)
	defer pool.Close()

	migration, err := migrations.Tenant(pool)
	require.NoError(t, err)

	log := zaptest.NewLogger(t)
	require.NoError(t, migration.Run(ctx, log))
	// Idempotent on a database that is already current.
	require.NoError(t, migration.Run(ctx, log))

	version, err := migration.CurrentVersion(ctx, pool)
	require.NoError(t, err)
	latest, err := migrations.LatestVersion()
	require.NoError(t, err)
	require.Equal(t, latest, version)

	var count int
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT count(*) FROM information_schema.tables
		WHERE table_schema = 'storage'
		  AND table_name IN ('buckets', 'objects', 'prefixes')`).Scan(&count))
	require.Equal(t, 3, count)
}
