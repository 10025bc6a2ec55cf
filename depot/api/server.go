// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package api implements the public HTTP surface of the gateway:
// object upload and download, signed urls, bucket management, and the
// image render proxy.
//
// architecture: Endpoint
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/depot/depot/objects"
	"storj.io/depot/depot/tenant"
	"storj.io/depot/private/errs2"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the api package.
	Error = errs.Class("api")

	// ErrUnauthorized is returned for requests without usable
	// credentials.
	ErrUnauthorized = errs.Class("unauthorized")

	// ErrInvalidHost is returned when the X-Forwarded-Host header does
	// not resolve to a tenant.
	ErrInvalidHost = errs.Class("invalid host")

	// ErrInvalidRequest is returned for malformed request bodies and
	// parameters.
	ErrInvalidRequest = errs.Class("invalid request")

	// ErrFeatureDisabled is returned when a tenant feature gate is
	// closed for the requested operation.
	ErrFeatureDisabled = errs.Class("feature disabled")

	// ErrUpstream is returned when a dependency of the gateway answers
	// badly.
	ErrUpstream = errs.Class("upstream")
)

// Config defines the behavior of the public server.
type Config struct {
	Address string `help:"address to listen on for the public api" default:":5000"`

	IsMultitenant        bool   `help:"resolve tenants from the x-forwarded-host header" default:"false"`
	TenantID             string `help:"tenant served in single-tenant mode" default:"default"`
	XForwardedHostRegexp string `help:"regular expression extracting the tenant id from x-forwarded-host" default:""`

	RequestIDHeader string `help:"header carrying the request correlation id" default:"X-Request-Id"`
	URLLengthLimit  int    `help:"reject request urls longer than this many bytes" default:"7500"`

	ImgProxyURL    string        `help:"base url of the image transformation service" default:""`
	RenderTimeout  time.Duration `help:"timeout for a single image transformation call" default:"30s"`
	SignedURLBase  string        `help:"base url prepended to generated signed urls" default:""`
	MaxSignedPaths int           `help:"maximum number of paths in one batch sign request" default:"100"`
}

// Server serves the tenant-facing object API.
//
// architecture: Endpoint
type Server struct {
	log      *zap.Logger
	listener net.Listener
	server   http.Server

	registry *tenant.Registry
	objects  *objects.Service

	hostRegexp   *regexp.Regexp
	renderClient *http.Client

	config Config
}

// NewServer returns a new public API server.
func NewServer(log *zap.Logger, listener net.Listener, registry *tenant.Registry, service *objects.Service, config Config) (*Server, error) {
	server := &Server{
		log:      log,
		listener: listener,
		registry: registry,
		objects:  service,
		renderClient: &http.Client{
			Timeout: config.RenderTimeout,
		},
		config: config,
	}

	if config.IsMultitenant {
		if config.XForwardedHostRegexp == "" {
			return nil, Error.New("multitenant mode requires a x-forwarded-host regexp")
		}
		re, err := regexp.Compile(config.XForwardedHostRegexp)
		if err != nil {
			return nil, Error.New("malformed x-forwarded-host regexp: %v", err)
		}
		server.hostRegexp = re
	}

	root := mux.NewRouter()
	root.Use(server.withRequestID, server.withURLLimit, server.withTenant)
	root.HandleFunc("/health", server.health).Methods(http.MethodGet)

	object := root.PathPrefix("/object").Subrouter()
	object.HandleFunc("/authenticated/{bucket}/{key:.+}", server.withAuth(server.downloadAuthenticated)).
		Methods(http.MethodGet, http.MethodHead)
	object.HandleFunc("/public/{bucket}/{key:.+}", server.downloadPublic).
		Methods(http.MethodGet, http.MethodHead)
	object.HandleFunc("/sign/{bucket}/{key:.+}", server.downloadSigned).Methods(http.MethodGet)
	object.HandleFunc("/sign/{bucket}/{key:.+}", server.withAuth(server.signObject)).Methods(http.MethodPost)
	object.HandleFunc("/sign/{bucket}", server.withAuth(server.signObjects)).Methods(http.MethodPost)
	object.HandleFunc("/copy", server.withAuth(server.copyObject)).Methods(http.MethodPost)
	object.HandleFunc("/move", server.withAuth(server.moveObject)).Methods(http.MethodPost)
	object.HandleFunc("/list/{bucket}", server.withAuth(server.listObjects)).Methods(http.MethodPost)
	object.HandleFunc("/{bucket}/{key:.+}", server.withAuth(server.createObject)).Methods(http.MethodPost)
	object.HandleFunc("/{bucket}/{key:.+}", server.withAuth(server.replaceObject)).Methods(http.MethodPut)
	object.HandleFunc("/{bucket}/{key:.+}", server.withAuth(server.deleteObject)).Methods(http.MethodDelete)
	object.HandleFunc("/{bucket}", server.withAuth(server.deleteObjects)).Methods(http.MethodDelete)

	bucket := root.PathPrefix("/bucket").Subrouter()
	bucket.HandleFunc("", server.withAuth(server.createBucket)).Methods(http.MethodPost)
	bucket.HandleFunc("", server.withAuth(server.listBuckets)).Methods(http.MethodGet)
	bucket.HandleFunc("/{id}", server.withAuth(server.getBucket)).Methods(http.MethodGet)
	bucket.HandleFunc("/{id}", server.withAuth(server.updateBucket)).Methods(http.MethodPut)
	bucket.HandleFunc("/{id}", server.withAuth(server.deleteBucket)).Methods(http.MethodDelete)
	bucket.HandleFunc("/{id}/empty", server.withAuth(server.emptyBucket)).Methods(http.MethodPost)

	render := root.PathPrefix("/render").Subrouter()
	render.HandleFunc("/authenticated/{bucket}/{key:.+}", server.withAuth(server.renderAuthenticated)).
		Methods(http.MethodGet)
	render.HandleFunc("/public/{bucket}/{key:.+}", server.renderPublic).Methods(http.MethodGet)

	server.server.Handler = root
	return server, nil
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

func (server *Server) health(w http.ResponseWriter, r *http.Request) {
	serveJSON(w, http.StatusOK, map[string]bool{"healthy": true})
}
