// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package admin_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/depot/depot/admin"
	"storj.io/depot/depot/auth"
	"storj.io/depot/depot/kms"
	"storj.io/depot/depot/session"
	"storj.io/depot/depot/tenant"
	"storj.io/depot/private/dbutil/pgtest"
	"storj.io/depot/private/testcontext"
)

const testAdminKey = "admin-test-key-0123456789"

// memDB is an in-memory tenant.DB. Update applies every field the
// postgres implementation applies, including the explicit null flags,
// so patch semantics are observable through the HTTP surface.
type memDB struct {
	mu      sync.Mutex
	records map[string]*tenant.Record
}

func newMemDB() *memDB {
	return &memDB{records: map[string]*tenant.Record{}}
}

func (db *memDB) Get(ctx context.Context, id string) (*tenant.Record, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	record, ok := db.records[id]
	if !ok {
		return nil, tenant.ErrTenantNotFound.New("%q", id)
	}
	copied := *record
	return &copied, nil
}

func (db *memDB) Insert(ctx context.Context, record *tenant.Record) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.records[record.ID]; ok {
		return tenant.ErrTenantAlreadyExists.New("%q", record.ID)
	}
	copied := *record
	copied.CreatedAt = time.Now()
	copied.UpdatedAt = copied.CreatedAt
	db.records[record.ID] = &copied
	return nil
}

func (db *memDB) Update(ctx context.Context, id string, fields tenant.UpdateFields) (*tenant.Record, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	record, ok := db.records[id]
	if !ok {
		return nil, tenant.ErrTenantNotFound.New("%q", id)
	}

	if fields.DatabaseURL != nil {
		record.DatabaseURL = *fields.DatabaseURL
	}
	switch {
	case fields.DatabasePoolURLNull:
		record.DatabasePoolURL = ""
	case fields.DatabasePoolURL != nil:
		record.DatabasePoolURL = *fields.DatabasePoolURL
	}
	switch {
	case fields.MaxConnectionsNull:
		record.MaxConnections = 0
	case fields.MaxConnections != nil:
		record.MaxConnections = *fields.MaxConnections
	}
	if fields.FileSizeLimit != nil {
		record.FileSizeLimit = *fields.FileSizeLimit
	}
	if fields.AnonKey != nil {
		record.AnonKey = *fields.AnonKey
	}
	if fields.ServiceKey != nil {
		record.ServiceKey = *fields.ServiceKey
	}
	if fields.JWTSecret != nil {
		record.JWTSecret = *fields.JWTSecret
	}
	switch {
	case fields.JWKSNull:
		record.JWKS = nil
	case fields.JWKS != nil:
		record.JWKS = fields.JWKS
	}
	if fields.Features != nil {
		record.Features = *fields.Features
	}
	record.UpdatedAt = time.Now()

	copied := *record
	return &copied, nil
}

func (db *memDB) Delete(ctx context.Context, id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.records, id)
	return nil
}

func (db *memDB) List(ctx context.Context, cursor string, limit int) ([]*tenant.Record, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	ids := make([]string, 0, len(db.records))
	for id := range db.records {
		if id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	records := make([]*tenant.Record, 0, len(ids))
	for _, id := range ids {
		copied := *db.records[id]
		records = append(records, &copied)
	}
	return records, nil
}

func (db *memDB) ListToMigrate(ctx context.Context, latestVersion, batchSize int, fn func(context.Context, []*tenant.Record) error) error {
	return nil
}

func (db *memDB) UpdateMigrationState(ctx context.Context, id string, version int, status tenant.MigrationStatus) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if record, ok := db.records[id]; ok {
		record.MigrationVersion = version
		record.MigrationStatus = status
	}
	return nil
}

type adminHarness struct {
	base     string
	client   *http.Client
	registry *tenant.Registry
	db       *memDB
}

func startAdmin(ctx *testcontext.Context, t *testing.T, apiKeys string) *adminHarness {
	t.Helper()
	log := zaptest.NewLogger(t)

	kmsService, err := kms.NewService("admin-test-master-key")
	require.NoError(t, err)

	db := newMemDB()
	registry := tenant.NewRegistry(log.Named("registry"), db, kmsService, nil, 3)
	broker := session.NewBroker(log.Named("broker"), registry, 2)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := admin.NewServer(log.Named("admin"), listener, registry, broker, admin.Config{
		Address:         listener.Addr().String(),
		APIKeys:         apiKeys,
		RequestIDHeader: "X-Request-Id",
		EnableMetrics:   true,
	})

	serverCtx, cancel := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- server.Run(serverCtx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, server.Close())
		require.NoError(t, <-runErr)
		require.NoError(t, broker.Close())
	})

	return &adminHarness{
		base:     "http://" + server.Addr().String(),
		client:   &http.Client{Timeout: 10 * time.Second},
		registry: registry,
		db:       db,
	}
}

type adminResponse struct {
	status int
	header http.Header
	body   []byte
}

func (r adminResponse) unmarshal(t *testing.T, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.body, v), "body: %s", r.body)
}

// request sends an authenticated admin request; an empty key header
// value sends the request anonymously.
func (h *adminHarness) request(t *testing.T, method, path string, body interface{}, key string) adminResponse {
	t.Helper()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, h.base+path, reader)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("apikey", key)
	}

	resp, err := h.client.Do(req)
	require.NoError(t, err)
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	return adminResponse{status: resp.StatusCode, header: resp.Header, body: payload}
}

// definition builds a create body whose service key verifies against
// its jwt secret.
func definition(t *testing.T, jwtSecret, databaseURL string) map[string]interface{} {
	t.Helper()

	serviceKey, err := auth.Sign(auth.Claims{
		Claims: jwt.Claims{
			Issuer: "depot",
			Expiry: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
		Role: "service_role",
	}, []byte(jwtSecret))
	require.NoError(t, err)

	return map[string]interface{}{
		"databaseUrl": databaseURL,
		"anonKey":     "anon-key",
		"serviceKey":  serviceKey,
		"jwtSecret":   jwtSecret,
	}
}

func TestAdminAuth(t *testing.T) {
	t.Parallel()
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := startAdmin(ctx, t, testAdminKey+" , secondary-key")

	t.Run("health is open", func(t *testing.T) {
		resp := h.request(t, http.MethodGet, "/health", nil, "")
		require.Equal(t, http.StatusOK, resp.status)
		require.Contains(t, string(resp.body), `"healthy":true`)
		require.NotEmpty(t, resp.header.Get("X-Request-Id"))
	})

	t.Run("tenants needs a key", func(t *testing.T) {
		resp := h.request(t, http.MethodGet, "/tenants", nil, "")
		require.Equal(t, http.StatusForbidden, resp.status)
		require.Contains(t, string(resp.body), "Forbidden")
	})

	t.Run("metrics needs a key", func(t *testing.T) {
		resp := h.request(t, http.MethodGet, "/metrics", nil, "")
		require.Equal(t, http.StatusForbidden, resp.status)
	})

	t.Run("wrong key", func(t *testing.T) {
		resp := h.request(t, http.MethodGet, "/tenants", nil, "not-the-key")
		require.Equal(t, http.StatusForbidden, resp.status)
	})

	t.Run("secondary key works", func(t *testing.T) {
		resp := h.request(t, http.MethodGet, "/tenants", nil, "secondary-key")
		require.Equal(t, http.StatusOK, resp.status)
	})
}

func TestAdminAuthDisabled(t *testing.T) {
	t.Parallel()
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := startAdmin(ctx, t, "")

	resp := h.request(t, http.MethodGet, "/tenants", nil, "any-key")
	require.Equal(t, http.StatusForbidden, resp.status)
	require.Contains(t, string(resp.body), admin.AuthorizationNotEnabled)
}

func TestTenantCRUD(t *testing.T) {
	t.Parallel()
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := startAdmin(ctx, t, testAdminKey)

	const jwtSecret = "acme-jwt-secret-0123456789abcdef"

	t.Run("create", func(t *testing.T) {
		body := definition(t, jwtSecret, "postgres://acme@localhost/acme")
		body["databasePoolUrl"] = "postgres://acme@localhost:6432/acme"
		body["maxConnections"] = 7
		body["fileSizeLimit"] = 1 << 20
		body["features"] = map[string]interface{}{
			"imageTransformation": map[string]interface{}{
				"enabled":       true,
				"maxResolution": 50,
			},
		}

		resp := h.request(t, http.MethodPost, "/tenants/acme", body, testAdminKey)
		require.Equal(t, http.StatusCreated, resp.status, "body: %s", resp.body)

		var created struct {
			ID                 string          `json:"id"`
			MaxConnections     int32           `json:"maxConnections"`
			FileSizeLimit      int64           `json:"fileSizeLimit"`
			HasDatabasePoolURL bool            `json:"hasDatabasePoolUrl"`
			HasJWKS            bool            `json:"hasJwks"`
			Features           tenant.Features `json:"features"`
		}
		resp.unmarshal(t, &created)
		require.Equal(t, "acme", created.ID)
		require.EqualValues(t, 7, created.MaxConnections)
		require.EqualValues(t, 1<<20, created.FileSizeLimit)
		require.True(t, created.HasDatabasePoolURL)
		require.False(t, created.HasJWKS)
		require.True(t, created.Features.ImageTransformation.Enabled)
		require.Equal(t, 50, created.Features.ImageTransformation.MaxResolution)

		// Secrets stay out of responses, even encrypted.
		require.NotContains(t, string(resp.body), "postgres://")
		require.NotContains(t, string(resp.body), jwtSecret)
	})

	t.Run("duplicate create", func(t *testing.T) {
		resp := h.request(t, http.MethodPost, "/tenants/acme",
			definition(t, jwtSecret, "postgres://acme@localhost/acme"), testAdminKey)
		require.Equal(t, http.StatusConflict, resp.status)
		require.Contains(t, string(resp.body), "tenant already exists")
	})

	t.Run("invalid tenant id", func(t *testing.T) {
		resp := h.request(t, http.MethodPost, "/tenants/"+strings.Repeat("a", 65),
			definition(t, jwtSecret, "postgres://acme@localhost/acme"), testAdminKey)
		require.Equal(t, http.StatusBadRequest, resp.status)
		require.Contains(t, string(resp.body), "invalid tenant id")
	})

	t.Run("missing database url", func(t *testing.T) {
		body := definition(t, jwtSecret, "postgres://acme@localhost/acme")
		delete(body, "databaseUrl")
		resp := h.request(t, http.MethodPost, "/tenants/broken", body, testAdminKey)
		require.Equal(t, http.StatusBadRequest, resp.status)
		require.Contains(t, string(resp.body), "databaseUrl missing")
	})

	t.Run("service key signed by another secret", func(t *testing.T) {
		body := definition(t, "a-completely-different-secret-01", "postgres://x@localhost/x")
		body["jwtSecret"] = jwtSecret
		resp := h.request(t, http.MethodPost, "/tenants/forged", body, testAdminKey)
		require.Equal(t, http.StatusBadRequest, resp.status)
		require.Contains(t, string(resp.body), "service key")
	})

	t.Run("get", func(t *testing.T) {
		resp := h.request(t, http.MethodGet, "/tenants/acme", nil, testAdminKey)
		require.Equal(t, http.StatusOK, resp.status)
		require.Contains(t, string(resp.body), `"id":"acme"`)

		resp = h.request(t, http.MethodGet, "/tenants/ghost", nil, testAdminKey)
		require.Equal(t, http.StatusNotFound, resp.status)
		require.Contains(t, string(resp.body), "tenant does not exist")
	})

	t.Run("list", func(t *testing.T) {
		resp := h.request(t, http.MethodPost, "/tenants/beta",
			definition(t, jwtSecret, "postgres://beta@localhost/beta"), testAdminKey)
		require.Equal(t, http.StatusCreated, resp.status, "body: %s", resp.body)

		var list []struct {
			ID string `json:"id"`
		}
		resp = h.request(t, http.MethodGet, "/tenants", nil, testAdminKey)
		require.Equal(t, http.StatusOK, resp.status)
		resp.unmarshal(t, &list)
		require.Len(t, list, 2)
		require.Equal(t, "acme", list[0].ID)
		require.Equal(t, "beta", list[1].ID)

		resp = h.request(t, http.MethodGet, "/tenants?cursor=acme", nil, testAdminKey)
		resp.unmarshal(t, &list)
		require.Len(t, list, 1)
		require.Equal(t, "beta", list[0].ID)

		resp = h.request(t, http.MethodGet, "/tenants?limit=1", nil, testAdminKey)
		resp.unmarshal(t, &list)
		require.Len(t, list, 1)
		require.Equal(t, "acme", list[0].ID)

		resp = h.request(t, http.MethodGet, "/tenants?limit=zero", nil, testAdminKey)
		require.Equal(t, http.StatusBadRequest, resp.status)
	})

	t.Run("patch value", func(t *testing.T) {
		resp := h.request(t, http.MethodPatch, "/tenants/acme",
			map[string]interface{}{"maxConnections": 20}, testAdminKey)
		require.Equal(t, http.StatusOK, resp.status, "body: %s", resp.body)

		var updated struct {
			MaxConnections     int32 `json:"maxConnections"`
			HasDatabasePoolURL bool  `json:"hasDatabasePoolUrl"`
		}
		resp.unmarshal(t, &updated)
		require.EqualValues(t, 20, updated.MaxConnections)
		// Absent keys leave columns untouched.
		require.True(t, updated.HasDatabasePoolURL)
	})

	t.Run("patch explicit null", func(t *testing.T) {
		resp := h.request(t, http.MethodPatch, "/tenants/acme",
			json.RawMessage(`{"databasePoolUrl": null, "maxConnections": null}`), testAdminKey)
		require.Equal(t, http.StatusOK, resp.status, "body: %s", resp.body)

		var updated struct {
			MaxConnections     int32 `json:"maxConnections"`
			HasDatabasePoolURL bool  `json:"hasDatabasePoolUrl"`
		}
		resp.unmarshal(t, &updated)
		require.Zero(t, updated.MaxConnections)
		require.False(t, updated.HasDatabasePoolURL)
	})

	t.Run("patch wrong type", func(t *testing.T) {
		resp := h.request(t, http.MethodPatch, "/tenants/acme",
			json.RawMessage(`{"maxConnections": "many"}`), testAdminKey)
		require.Equal(t, http.StatusBadRequest, resp.status)
		require.Contains(t, string(resp.body), "maxConnections must be a number or null")
	})

	t.Run("patch breaking key material", func(t *testing.T) {
		resp := h.request(t, http.MethodPatch, "/tenants/acme",
			map[string]interface{}{"jwtSecret": "rotated-without-new-service-key"}, testAdminKey)
		require.Equal(t, http.StatusBadRequest, resp.status)
		require.Contains(t, string(resp.body), "service key")
	})

	t.Run("patch rotating key material", func(t *testing.T) {
		const rotated = "rotated-jwt-secret-0123456789abc"
		serviceKey, err := auth.Sign(auth.Claims{
			Claims: jwt.Claims{Expiry: jwt.NewNumericDate(time.Now().Add(time.Hour))},
			Role:   "service_role",
		}, []byte(rotated))
		require.NoError(t, err)

		resp := h.request(t, http.MethodPatch, "/tenants/acme",
			map[string]interface{}{"jwtSecret": rotated, "serviceKey": serviceKey}, testAdminKey)
		require.Equal(t, http.StatusOK, resp.status, "body: %s", resp.body)
	})

	t.Run("patch missing tenant", func(t *testing.T) {
		resp := h.request(t, http.MethodPatch, "/tenants/ghost",
			map[string]interface{}{"maxConnections": 1}, testAdminKey)
		require.Equal(t, http.StatusNotFound, resp.status)
	})

	t.Run("delete", func(t *testing.T) {
		resp := h.request(t, http.MethodDelete, "/tenants/acme", nil, testAdminKey)
		require.Equal(t, http.StatusOK, resp.status)

		resp = h.request(t, http.MethodGet, "/tenants/acme", nil, testAdminKey)
		require.Equal(t, http.StatusNotFound, resp.status)

		// Deleting a missing tenant stays idempotent.
		resp = h.request(t, http.MethodDelete, "/tenants/acme", nil, testAdminKey)
		require.Equal(t, http.StatusOK, resp.status)
	})
}

func TestTenantHealthUnreachable(t *testing.T) {
	t.Parallel()
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := startAdmin(ctx, t, testAdminKey)

	resp := h.request(t, http.MethodPost, "/tenants/island",
		definition(t, "island-jwt-secret-0123456789abcd", "postgres://depot@127.0.0.1:1/island"), testAdminKey)
	require.Equal(t, http.StatusCreated, resp.status, "body: %s", resp.body)

	var health struct {
		Healthy bool   `json:"healthy"`
		Error   string `json:"error"`
	}
	resp = h.request(t, http.MethodGet, "/tenants/island/health", nil, testAdminKey)
	require.Equal(t, http.StatusOK, resp.status)
	resp.unmarshal(t, &health)
	require.False(t, health.Healthy)
	require.Equal(t, "tenant database unreachable", health.Error)

	resp = h.request(t, http.MethodGet, "/tenants/ghost/health", nil, testAdminKey)
	require.Equal(t, http.StatusNotFound, resp.status)
}

func TestTenantHealthPostgres(t *testing.T) {
	t.Parallel()
	connstr := pgtest.PickPostgres(t)

	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := startAdmin(ctx, t, testAdminKey)

	resp := h.request(t, http.MethodPost, "/tenants/live",
		definition(t, "live-jwt-secret-0123456789abcdef", connstr), testAdminKey)
	require.Equal(t, http.StatusCreated, resp.status, "body: %s", resp.body)

	var health struct {
		Healthy          bool   `json:"healthy"`
		MigrationVersion int    `json:"migrationVersion"`
		MigrationStatus  string `json:"migrationStatus"`
		Error            string `json:"error"`
	}
	resp = h.request(t, http.MethodGet, "/tenants/live/health", nil, testAdminKey)
	require.Equal(t, http.StatusOK, resp.status)
	resp.unmarshal(t, &health)
	require.True(t, health.Healthy, "error: %s", health.Error)
	require.Empty(t, health.Error)

	// A failed migration marks the tenant unhealthy even though the
	// database answers.
	require.NoError(t, h.registry.UpdateMigrationState(ctx, "live", 2, tenant.MigrationFailed))
	resp = h.request(t, http.MethodGet, "/tenants/live/health", nil, testAdminKey)
	resp.unmarshal(t, &health)
	require.False(t, health.Healthy)
	require.Equal(t, 2, health.MigrationVersion)
	require.Equal(t, string(tenant.MigrationFailed), health.MigrationStatus)
	require.Equal(t, "tenant migrations failed", health.Error)
}

func TestAdminMetrics(t *testing.T) {
	t.Parallel()
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := startAdmin(ctx, t, testAdminKey)

	resp := h.request(t, http.MethodPost, "/tenants/metered",
		definition(t, "metered-jwt-secret-0123456789abc", "postgres://depot@localhost/metered"), testAdminKey)
	require.Equal(t, http.StatusCreated, resp.status, "body: %s", resp.body)

	resp = h.request(t, http.MethodGet, "/metrics", nil, testAdminKey)
	require.Equal(t, http.StatusOK, resp.status)
	require.Contains(t, resp.header.Get("Content-Type"), "text/plain")
	require.Contains(t, string(resp.body), "admin_tenant_created")
}

func TestAdminMetricsDisabled(t *testing.T) {
	t.Parallel()
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := zaptest.NewLogger(t)
	kmsService, err := kms.NewService("admin-test-master-key")
	require.NoError(t, err)
	registry := tenant.NewRegistry(log, newMemDB(), kmsService, nil, 3)
	broker := session.NewBroker(log, registry, 2)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := admin.NewServer(log, listener, registry, broker, admin.Config{
		Address:         listener.Addr().String(),
		APIKeys:         testAdminKey,
		RequestIDHeader: "X-Request-Id",
	})

	serverCtx, cancel := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- server.Run(serverCtx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, server.Close())
		require.NoError(t, <-runErr)
		require.NoError(t, broker.Close())
	})

	h := &adminHarness{
		base:   "http://" + server.Addr().String(),
		client: &http.Client{Timeout: 10 * time.Second},
	}
	resp := h.request(t, http.MethodGet, "/metrics", nil, testAdminKey)
	require.Equal(t, http.StatusNotFound, resp.status)
}

func TestAdminRequestID(t *testing.T) {
	t.Parallel()
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := startAdmin(ctx, t, testAdminKey)

	req, err := http.NewRequest(http.MethodGet, h.base+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-Id", "admin-trace-7")
	resp, err := h.client.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, "admin-trace-7", resp.Header.Get("X-Request-Id"))
}
