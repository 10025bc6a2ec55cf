// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package session

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/depot/depot/auth"
	"storj.io/depot/depot/tenant"
	"storj.io/depot/private/dbutil/pgutil"
)

// AcquireParams selects the tenant and identity a session is opened for.
type AcquireParams struct {
	TenantID string
	Host     string
	Claims   *auth.Claims

	// SuperUser opens the session as the schema owner with the tenant's
	// service key claims bound, bypassing row level policies. Used for
	// compensation and background work.
	SuperUser bool
}

// Broker hands out sessions backed by lazily created per-tenant pools.
//
// architecture: Service
type Broker struct {
	log      *zap.Logger
	registry *tenant.Registry

	defaultMaxConns int32

	mu     sync.Mutex
	pools  map[string]*pgxpool.Pool
	closed bool
}

// NewBroker creates a broker on top of the tenant registry.
// defaultMaxConns bounds pools for tenants without an explicit limit.
func NewBroker(log *zap.Logger, registry *tenant.Registry, defaultMaxConns int32) *Broker {
	return &Broker{
		log:             log,
		registry:        registry,
		defaultMaxConns: defaultMaxConns,
		pools:           make(map[string]*pgxpool.Pool),
	}
}

// Acquire begins a transaction on the tenant's database with the
// request identity bound. The caller owns the returned session and must
// end it with Commit or Rollback.
func (broker *Broker) Acquire(ctx context.Context, params AcquireParams) (_ *Session, err error) {
	defer mon.Task()(&ctx)(&err)

	if params.TenantID == "" {
		return nil, ErrInvalidTenant.New("missing tenant id")
	}

	config, err := broker.registry.GetConfig(ctx, params.TenantID)
	if err != nil {
		return nil, err
	}

	dsn := config.DatabasePoolURL
	if dsn == "" {
		dsn = config.DatabaseURL
	}
	maxConns := config.MaxConnections
	if maxConns <= 0 {
		maxConns = broker.defaultMaxConns
	}

	pool, err := broker.pool(ctx, dsn, maxConns)
	if err != nil {
		return nil, err
	}

	role := auth.RoleAnon
	claims := params.Claims
	setRole := true
	if params.SuperUser {
		// The pool connects as the schema owner; keep that user and only
		// bind the service claims for policies that read them.
		claims = config.ServiceKeyPayload
		role = auth.RoleService
		setRole = false
	} else if claims != nil && claims.Role != "" {
		role = claims.Role
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	session := &Session{
		tenantID: params.TenantID,
		role:     role,
		claims:   claims,
		tx:       tx,
	}
	if err := session.configure(ctx, setRole); err != nil {
		return nil, errs.Combine(err, session.Rollback(ctx))
	}
	return session, nil
}

// pool returns the pool for the dsn, creating it outside the lock so a
// slow tenant database does not stall other tenants.
func (broker *Broker) pool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	broker.mu.Lock()
	if broker.closed {
		broker.mu.Unlock()
		return nil, Error.New("broker closed")
	}
	if pool, ok := broker.pools[dsn]; ok {
		broker.mu.Unlock()
		return pool, nil
	}
	broker.mu.Unlock()

	pool, err := pgutil.OpenPool(ctx, dsn, "depot-tenant", maxConns)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	broker.mu.Lock()
	defer broker.mu.Unlock()
	if broker.closed {
		pool.Close()
		return nil, Error.New("broker closed")
	}
	if existing, ok := broker.pools[dsn]; ok {
		pool.Close()
		return existing, nil
	}
	broker.pools[dsn] = pool
	return pool, nil
}

// Close releases every tenant pool. Sessions already handed out keep
// working until they end.
func (broker *Broker) Close() error {
	broker.mu.Lock()
	defer broker.mu.Unlock()
	broker.closed = true
	for dsn, pool := range broker.pools {
		pool.Close()
		delete(broker.pools, dsn)
	}
	return nil
}
