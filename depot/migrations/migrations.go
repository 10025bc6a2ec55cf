// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package migrations holds the SQL migrations applied to every tenant
// storage database. Files under tenant/ are named NNNN_description.sql
// and applied in order; the applied version is tracked per database.
package migrations

import (
	"embed"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/errs"

	"storj.io/depot/private/dbutil/txutil"
	"storj.io/depot/private/migrate"
)

// Error is the default error class for the migrations package.
var Error = errs.Class("migrations")

//go:embed tenant/*.sql
var tenantFS embed.FS

// VersionTable tracks the applied storage schema version. It lives in
// the public schema because it must exist before the storage schema does.
const VersionTable = "storage_migrations"

type file struct {
	version     int
	description string
	sql         string
}

func tenantFiles() ([]file, error) {
	entries, err := tenantFS.ReadDir("tenant")
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var files []file
	for _, entry := range entries {
		name := entry.Name()
		base := strings.TrimSuffix(name, path.Ext(name))
		number, description, found := strings.Cut(base, "_")
		if !found {
			return nil, Error.New("malformed migration filename %q", name)
		}
		version, err := strconv.Atoi(number)
		if err != nil {
			return nil, Error.New("malformed migration filename %q: %v", name, err)
		}
		content, err := tenantFS.ReadFile(path.Join("tenant", name))
		if err != nil {
			return nil, Error.Wrap(err)
		}
		files = append(files, file{
			version:     version,
			description: strings.ReplaceAll(description, "_", " "),
			sql:         string(content),
		})
	}

	sort.Slice(files, func(i, k int) bool { return files[i].version < files[k].version })
	for i := 1; i < len(files); i++ {
		if files[i].version == files[i-1].version {
			return nil, Error.New("duplicate migration version %d", files[i].version)
		}
	}
	return files, nil
}

// Tenant builds the storage schema migration bound to one tenant
// database.
func Tenant(db txutil.DB) (*migrate.Migration, error) {
	files, err := tenantFiles()
	if err != nil {
		return nil, err
	}

	steps := make([]*migrate.Step, 0, len(files))
	for _, f := range files {
		steps = append(steps, &migrate.Step{
			DB:          db,
			Description: f.description,
			Version:     f.version,
			Action:      migrate.SQL{f.sql},
		})
	}
	return &migrate.Migration{
		Table: VersionTable,
		Steps: steps,
	}, nil
}

// LatestVersion returns the newest migration version available. Tenants
// recorded below it are scheduled for migration.
func LatestVersion() (int, error) {
	files, err := tenantFiles()
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, Error.New("no migrations embedded")
	}
	return files[len(files)-1].version, nil
}
