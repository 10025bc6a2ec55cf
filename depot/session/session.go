// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package session maps requests to authenticated tenant database
// transactions.
package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/jackc/pgx/v4"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/depot/depot/auth"
)

var (
	// Error is the default error class for the session package.
	Error = errs.Class("session")

	// ErrInvalidTenant means the acquire parameters did not name a tenant.
	ErrInvalidTenant = errs.Class("invalid tenant")

	mon = monkit.Package()
)

// Session is a single authenticated transaction against a tenant
// database. The role and JWT claims are bound as transaction-local
// settings so row level policies can read them.
type Session struct {
	tenantID string
	role     string
	claims   *auth.Claims

	tx       pgx.Tx
	mu       sync.Mutex
	finished bool
}

// TenantID returns the tenant the session belongs to.
func (session *Session) TenantID() string { return session.tenantID }

// Role returns the database role the session asserted.
func (session *Session) Role() string { return session.role }

// Claims returns the JWT claims bound to the session, if any.
func (session *Session) Claims() *auth.Claims { return session.claims }

// Tx exposes the underlying transaction for the metadata store.
func (session *Session) Tx() pgx.Tx { return session.tx }

// Commit ends the session keeping its changes. Only the first of
// Commit and Rollback has an effect; the pooled connection is released
// either way.
func (session *Session) Commit(ctx context.Context) error {
	if !session.finish() {
		return nil
	}
	return Error.Wrap(session.tx.Commit(ctx))
}

// Rollback ends the session discarding its changes. Safe to call after
// Commit, which makes it suitable for defer.
func (session *Session) Rollback(ctx context.Context) error {
	if !session.finish() {
		return nil
	}
	err := session.tx.Rollback(ctx)
	if errs.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return Error.Wrap(err)
}

func (session *Session) finish() bool {
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.finished {
		return false
	}
	session.finished = true
	return true
}

// configure binds role, search path and claims as transaction-local
// settings in a single round trip. Everything is parameterized; an
// unknown role fails inside the database rather than being interpolated.
func (session *Session) configure(ctx context.Context, setRole bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	claimsJSON, err := encodeClaims(session.role, session.claims)
	if err != nil {
		return Error.Wrap(err)
	}

	var sub, iss string
	if session.claims != nil {
		sub = session.claims.Subject
		iss = session.claims.Issuer
	}

	if setRole {
		_, err = session.tx.Exec(ctx, `
			SELECT
				set_config('role', $1, true),
				set_config('search_path', 'storage, public', true),
				set_config('request.jwt.claims', $2, true),
				set_config('request.jwt.claim.role', $1, true),
				set_config('request.jwt.claim.sub', $3, true),
				set_config('request.jwt.claim.iss', $4, true)`,
			session.role, claimsJSON, sub, iss)
	} else {
		_, err = session.tx.Exec(ctx, `
			SELECT
				set_config('search_path', 'storage, public', true),
				set_config('request.jwt.claims', $2, true),
				set_config('request.jwt.claim.role', $1, true),
				set_config('request.jwt.claim.sub', $3, true),
				set_config('request.jwt.claim.iss', $4, true)`,
			session.role, claimsJSON, sub, iss)
	}
	return Error.Wrap(err)
}

// encodeClaims renders the claims the way database policies expect
// them: the verified raw payload when present, a minimal role document
// otherwise.
func encodeClaims(role string, claims *auth.Claims) (string, error) {
	switch {
	case claims == nil:
		encoded, err := json.Marshal(map[string]string{"role": role})
		return string(encoded), err
	case claims.Raw != nil:
		encoded, err := json.Marshal(claims.Raw)
		return string(encoded), err
	default:
		encoded, err := json.Marshal(claims)
		return string(encoded), err
	}
}
