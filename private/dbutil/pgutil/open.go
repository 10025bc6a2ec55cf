// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package pgutil

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/zeebo/errs"
)

// OpenPool opens a pgx connection pool to the given connection string.
// appName is recorded as application_name so that the server side can
// tell apart connections from different subsystems.
func OpenPool(ctx context.Context, connstr, appName string, maxConns int32) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connstr)
	if err != nil {
		return nil, errs.New("invalid connection string %q: %v", connstr, err)
	}

	if appName != "" {
		config.ConnConfig.RuntimeParams["application_name"] = appName
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, errs.New("failed to connect to %q: %v", redactConnstr(connstr), err)
	}

	return pool, nil
}

// redactConnstr removes the password portion of a connection string so
// that it is safe to include in error messages and logs.
func redactConnstr(connstr string) string {
	schemeEnd := strings.Index(connstr, "://")
	if schemeEnd < 0 {
		return connstr
	}
	rest := connstr[schemeEnd+len("://"):]
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return connstr
	}
	cred := rest[:at]
	if colon := strings.Index(cred, ":"); colon >= 0 {
		cred = cred[:colon] + ":****"
	}
	return connstr[:schemeEnd+len("://")] + cred + rest[at:]
}
