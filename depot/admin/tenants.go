// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"storj.io/depot/depot/session"
	"storj.io/depot/depot/tenant"
)

// tenantJSON is the wire form of a tenant record. Encrypted columns are
// never exposed; presence flags stand in for the optional ones.
type tenantJSON struct {
	ID                 string          `json:"id"`
	MaxConnections     int32           `json:"maxConnections,omitempty"`
	FileSizeLimit      int64           `json:"fileSizeLimit"`
	HasDatabasePoolURL bool            `json:"hasDatabasePoolUrl"`
	HasJWKS            bool            `json:"hasJwks"`
	Features           tenant.Features `json:"features"`
	MigrationVersion   int             `json:"migrationVersion"`
	MigrationStatus    string          `json:"migrationStatus,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

func toTenantJSON(record *tenant.Record) tenantJSON {
	return tenantJSON{
		ID:                 record.ID,
		MaxConnections:     record.MaxConnections,
		FileSizeLimit:      record.FileSizeLimit,
		HasDatabasePoolURL: record.DatabasePoolURL != "",
		HasJWKS:            len(record.JWKS) > 0,
		Features:           record.Features,
		MigrationVersion:   record.MigrationVersion,
		MigrationStatus:    string(record.MigrationStatus),
		CreatedAt:          record.CreatedAt,
		UpdatedAt:          record.UpdatedAt,
	}
}

func (server *Server) createTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	var req struct {
		DatabaseURL     string          `json:"databaseUrl"`
		DatabasePoolURL string          `json:"databasePoolUrl"`
		MaxConnections  int32           `json:"maxConnections"`
		FileSizeLimit   int64           `json:"fileSizeLimit"`
		AnonKey         string          `json:"anonKey"`
		ServiceKey      string          `json:"serviceKey"`
		JWTSecret       string          `json:"jwtSecret"`
		JWKS            json.RawMessage `json:"jwks"`
		Features        tenant.Features `json:"features"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, "invalid request body", err.Error(), http.StatusBadRequest)
		return
	}

	switch {
	case req.DatabaseURL == "":
		sendJSONError(w, "databaseUrl missing", "", http.StatusBadRequest)
		return
	case req.AnonKey == "":
		sendJSONError(w, "anonKey missing", "", http.StatusBadRequest)
		return
	case req.ServiceKey == "":
		sendJSONError(w, "serviceKey missing", "", http.StatusBadRequest)
		return
	case req.JWTSecret == "" && len(req.JWKS) == 0:
		sendJSONError(w, "jwtSecret or jwks missing", "", http.StatusBadRequest)
		return
	}

	err := server.registry.Create(ctx, tenant.Definition{
		TenantID:        id,
		DatabaseURL:     req.DatabaseURL,
		DatabasePoolURL: req.DatabasePoolURL,
		MaxConnections:  req.MaxConnections,
		FileSizeLimit:   req.FileSizeLimit,
		AnonKey:         req.AnonKey,
		ServiceKey:      req.ServiceKey,
		JWTSecret:       req.JWTSecret,
		JWKS:            req.JWKS,
		Features:        req.Features,
	})
	if err != nil {
		server.serveRegistryError(w, err)
		return
	}
	mon.Event("admin_tenant_created")

	record, err := server.registry.GetRecord(ctx, id)
	if err != nil {
		server.serveRegistryError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, toTenantJSON(record))
}

func (server *Server) getTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	record, err := server.registry.GetRecord(ctx, mux.Vars(r)["id"])
	if err != nil {
		server.serveRegistryError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, toTenantJSON(record))
}

func (server *Server) listTenants(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			sendJSONError(w, "limit must be a positive integer", "", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	records, err := server.registry.ListRecords(ctx, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		server.serveRegistryError(w, err)
		return
	}

	list := make([]tenantJSON, 0, len(records))
	for _, record := range records {
		list = append(list, toTenantJSON(record))
	}
	sendJSON(w, http.StatusOK, list)
}

func (server *Server) updateTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	// RawMessage fields stay nil when the key is absent and hold the
	// literal null when the caller resets the column.
	var req struct {
		DatabaseURL     *string          `json:"databaseUrl"`
		DatabasePoolURL json.RawMessage  `json:"databasePoolUrl"`
		MaxConnections  json.RawMessage  `json:"maxConnections"`
		FileSizeLimit   *int64           `json:"fileSizeLimit"`
		AnonKey         *string          `json:"anonKey"`
		ServiceKey      *string          `json:"serviceKey"`
		JWTSecret       *string          `json:"jwtSecret"`
		JWKS            json.RawMessage  `json:"jwks"`
		Features        *tenant.Features `json:"features"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, "invalid request body", err.Error(), http.StatusBadRequest)
		return
	}

	def := tenant.UpdateDefinition{
		DatabaseURL:   req.DatabaseURL,
		FileSizeLimit: req.FileSizeLimit,
		AnonKey:       req.AnonKey,
		ServiceKey:    req.ServiceKey,
		JWTSecret:     req.JWTSecret,
		Features:      req.Features,
	}

	var err error
	def.DatabasePoolURL, def.DatabasePoolURLNull, err = rawString(req.DatabasePoolURL)
	if err != nil {
		sendJSONError(w, "databasePoolUrl must be a string or null", err.Error(), http.StatusBadRequest)
		return
	}
	def.MaxConnections, def.MaxConnectionsNull, err = rawInt32(req.MaxConnections)
	if err != nil {
		sendJSONError(w, "maxConnections must be a number or null", err.Error(), http.StatusBadRequest)
		return
	}
	switch {
	case isJSONNull(req.JWKS):
		def.JWKSNull = true
	case req.JWKS != nil:
		def.JWKS = req.JWKS
	}

	if err := server.registry.Update(ctx, id, def); err != nil {
		server.serveRegistryError(w, err)
		return
	}
	mon.Event("admin_tenant_updated")

	record, err := server.registry.GetRecord(ctx, id)
	if err != nil {
		server.serveRegistryError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, toTenantJSON(record))
}

func (server *Server) deleteTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := server.registry.Delete(ctx, mux.Vars(r)["id"]); err != nil {
		server.serveRegistryError(w, err)
		return
	}
	mon.Event("admin_tenant_deleted")
	w.WriteHeader(http.StatusOK)
}

// healthJSON is the tenant probe response. Healthy means the record
// exists, its migrations have not failed, and its database answers.
type healthJSON struct {
	Healthy          bool   `json:"healthy"`
	MigrationVersion int    `json:"migrationVersion"`
	MigrationStatus  string `json:"migrationStatus,omitempty"`
	Error            string `json:"error,omitempty"`
}

func (server *Server) tenantHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	record, err := server.registry.GetRecord(ctx, id)
	if err != nil {
		server.serveRegistryError(w, err)
		return
	}

	health := healthJSON{
		Healthy:          true,
		MigrationVersion: record.MigrationVersion,
		MigrationStatus:  string(record.MigrationStatus),
	}
	switch record.MigrationStatus {
	case tenant.MigrationFailed, tenant.MigrationFailedStale:
		health.Healthy = false
		health.Error = "tenant migrations failed"
	}

	sess, err := server.broker.Acquire(ctx, session.AcquireParams{TenantID: id, SuperUser: true})
	if err != nil {
		server.log.Warn("tenant database unreachable",
			zap.String("tenant", id), zap.Error(err))
		health.Healthy = false
		health.Error = "tenant database unreachable"
	} else if err := sess.Rollback(ctx); err != nil {
		health.Healthy = false
		health.Error = "tenant database unreachable"
	}

	sendJSON(w, http.StatusOK, health)
}

func (server *Server) serveRegistryError(w http.ResponseWriter, err error) {
	switch {
	case tenant.ErrTenantNotFound.Has(err):
		sendJSONError(w, "tenant does not exist", "", http.StatusNotFound)
	case tenant.ErrTenantAlreadyExists.Has(err):
		sendJSONError(w, "tenant already exists", "", http.StatusConflict)
	case tenant.ErrInvalidTenantID.Has(err):
		sendJSONError(w, "invalid tenant id", err.Error(), http.StatusBadRequest)
	case tenant.ErrInvalidServiceKey.Has(err):
		sendJSONError(w, "service key does not verify against the tenant key material", err.Error(), http.StatusBadRequest)
	default:
		server.log.Error("admin request failed", zap.Error(err))
		sendJSONError(w, "internal server error", "", http.StatusInternalServerError)
	}
}

func isJSONNull(raw json.RawMessage) bool {
	return string(raw) == "null"
}

// rawString distinguishes an absent field (nil raw) from an explicit
// null and from a value.
func rawString(raw json.RawMessage) (value *string, null bool, err error) {
	if raw == nil {
		return nil, false, nil
	}
	if isJSONNull(raw) {
		return nil, true, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false, err
	}
	return &s, false, nil
}

// rawInt32 is rawString for int32 columns.
func rawInt32(raw json.RawMessage) (value *int32, null bool, err error) {
	if raw == nil {
		return nil, false, nil
	}
	if isJSONNull(raw) {
		return nil, true, nil
	}
	var n int32
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, false, err
	}
	return &n, false, nil
}
