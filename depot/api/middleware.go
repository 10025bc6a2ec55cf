// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"storj.io/depot/depot/auth"
	"storj.io/depot/depot/objects"
)

type contextKey int

const (
	tenantKey contextKey = iota
	claimsKey
)

// requestTenant returns the tenant the middleware resolved for this
// request.
func requestTenant(ctx context.Context) string {
	tenantID, _ := ctx.Value(tenantKey).(string)
	return tenantID
}

// requestClaims returns the verified claims, or nil on unauthenticated
// routes.
func requestClaims(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey).(*auth.Claims)
	return claims
}

// identity bundles the resolved tenant and claims for the service
// layer.
func (server *Server) identity(r *http.Request) objects.Identity {
	return objects.Identity{
		TenantID: requestTenant(r.Context()),
		Claims:   requestClaims(r.Context()),
	}
}

// withRequestID echoes the caller's request id, or mints one, so that
// log lines and responses can be correlated.
func (server *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(server.config.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(server.config.RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// withURLLimit rejects oversized request URLs before any routing work.
func (server *Server) withURLLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if server.config.URLLengthLimit > 0 && len(r.URL.RequestURI()) > server.config.URLLengthLimit {
			serveJSON(w, http.StatusRequestURITooLong, errorEnvelope{
				StatusCode: "414",
				Error:      "URI Too Long",
				Message:    "the requested url exceeds the allowed length",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withTenant resolves which tenant a request belongs to. Multitenant
// deployments derive it from the X-Forwarded-Host header; everything
// else is pinned to the configured tenant. The health endpoint stays
// reachable without a resolvable tenant.
func (server *Server) withTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		tenantID := server.config.TenantID
		if server.config.IsMultitenant {
			host := r.Header.Get("X-Forwarded-Host")
			match := server.hostRegexp.FindStringSubmatch(host)
			if match == nil {
				server.serveError(w, r, ErrInvalidHost.New("%q", host))
				return
			}
			tenantID = match[0]
			if len(match) > 1 {
				tenantID = match[1]
			}
		}

		ctx := context.WithValue(r.Context(), tenantKey, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withAuth verifies the bearer token against the tenant's key material
// and stores the claims for the handler.
func (server *Server) withAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := server.authenticate(r)
		if err != nil {
			server.serveError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		handler(w, r.WithContext(ctx))
	}
}

func (server *Server) authenticate(r *http.Request) (*auth.Claims, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, ErrUnauthorized.New("no bearer token")
	}

	config, err := server.registry.GetConfig(r.Context(), requestTenant(r.Context()))
	if err != nil {
		return nil, err
	}

	claims, err := auth.Verify(token, config.VerificationKey())
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
