// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package admin implements the operator HTTP surface of the gateway:
// tenant registry CRUD, per-tenant health probes, and a stats dump.
//
// architecture: Endpoint
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/depot/depot/session"
	"storj.io/depot/depot/tenant"
	"storj.io/depot/private/errs2"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the admin package.
	Error = errs.Class("admin")
)

// AuthorizationNotEnabled is sent when the server runs without any
// configured api keys.
const AuthorizationNotEnabled = "Authorization not enabled."

// Config defines the behavior of the admin server.
type Config struct {
	Address string `help:"address to listen on for the admin api" default:":5001"`

	APIKeys string `help:"comma separated api keys accepted on the apikey header" default:""`

	RequestIDHeader string `help:"header carrying the admin request correlation id" default:"X-Request-Id"`

	EnableMetrics bool `help:"expose the monkit stats dump on /metrics" default:"false"`
}

// Server serves the operator-facing tenant API on its own listener.
//
// architecture: Endpoint
type Server struct {
	log      *zap.Logger
	listener net.Listener
	server   http.Server

	registry *tenant.Registry
	broker   *session.Broker

	apiKeys []string
	config  Config
}

// NewServer returns a new admin server.
func NewServer(log *zap.Logger, listener net.Listener, registry *tenant.Registry, broker *session.Broker, config Config) *Server {
	server := &Server{
		log:      log,
		listener: listener,
		registry: registry,
		broker:   broker,
		config:   config,
	}

	for _, key := range strings.Split(config.APIKeys, ",") {
		if key = strings.TrimSpace(key); key != "" {
			server.apiKeys = append(server.apiKeys, key)
		}
	}

	root := mux.NewRouter()
	root.Use(server.withRequestID)
	root.HandleFunc("/health", server.health).Methods(http.MethodGet)
	if config.EnableMetrics {
		root.Handle("/metrics", server.withAuth(http.HandlerFunc(server.metrics))).Methods(http.MethodGet)
	}

	tenants := root.PathPrefix("/tenants").Subrouter()
	tenants.Use(server.withAuth)
	tenants.HandleFunc("", server.listTenants).Methods(http.MethodGet)
	tenants.HandleFunc("/{id}", server.getTenant).Methods(http.MethodGet)
	tenants.HandleFunc("/{id}", server.createTenant).Methods(http.MethodPost)
	tenants.HandleFunc("/{id}", server.updateTenant).Methods(http.MethodPatch)
	tenants.HandleFunc("/{id}", server.deleteTenant).Methods(http.MethodDelete)
	tenants.HandleFunc("/{id}/health", server.tenantHealth).Methods(http.MethodGet)

	server.server.Handler = root
	return server
}

// Run starts the server until the context is canceled.
func (server *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(server.server.Shutdown(context.Background()))
	})
	group.Go(func() error {
		defer cancel()
		err := server.server.Serve(server.listener)
		if errs2.IsCanceled(err) || errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close closes server and underlying listener.
func (server *Server) Close() error {
	return Error.Wrap(server.server.Close())
}

// Addr returns the address the server listens on.
func (server *Server) Addr() net.Addr {
	return server.listener.Addr()
}

func (server *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(server.config.RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(server.config.RequestIDHeader, requestID)
		next.ServeHTTP(w, r)
	})
}

// withAuth requires a configured api key on the apikey header.
func (server *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(server.apiKeys) == 0 {
			sendJSONError(w, AuthorizationNotEnabled, "", http.StatusForbidden)
			return
		}
		if !validateAPIKey(server.apiKeys, r.Header.Get("apikey")) {
			sendJSONError(w, "Forbidden", "required a valid api key", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func validateAPIKey(configured []string, sent string) bool {
	// Every key is compared; no early exit on match.
	valid := false
	for _, key := range configured {
		if subtle.ConstantTimeCompare([]byte(sent), []byte(key)) == 1 {
			valid = true
		}
	}
	return valid
}

func (server *Server) health(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]bool{"healthy": true})
}

// metrics dumps every monkit series as one plaintext line per field.
func (server *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	monkit.Default.Stats(func(key monkit.SeriesKey, field string, val float64) {
		_, _ = fmt.Fprintf(w, "%s %s %v\n", key, field, val)
	})
}

// sendJSONError writes a JSON error to the HTTP error response.
func sendJSONError(wr http.ResponseWriter, errMsg, detail string, statusCode int) {
	errStr := struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}{
		Error:  errMsg,
		Detail: detail,
	}
	body, err := json.Marshal(errStr)
	if err != nil {
		http.Error(wr, errMsg, statusCode)
		return
	}
	sendJSONData(wr, statusCode, body)
}

// sendJSON marshals data and sends it as the HTTP response.
func sendJSON(wr http.ResponseWriter, statusCode int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		sendJSONError(wr, "json encoding failed", err.Error(), http.StatusInternalServerError)
		return
	}
	sendJSONData(wr, statusCode, body)
}

// sendJSONData sends JSON data to the HTTP response.
func sendJSONData(wr http.ResponseWriter, statusCode int, data []byte) {
	wr.Header().Set("Content-Type", "application/json")
	wr.WriteHeader(statusCode)
	_, _ = wr.Write(data)
}
