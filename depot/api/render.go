// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package api

import (
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"storj.io/depot/depot/objects"
)

// renderParams are the transformation arguments forwarded to the image
// service. Everything else in the query is dropped.
var renderParams = []string{"width", "height", "resize", "quality", "format"}

func (server *Server) renderAuthenticated(w http.ResponseWriter, r *http.Request) {
	server.render(w, r, server.identity(r), false)
}

func (server *Server) renderPublic(w http.ResponseWriter, r *http.Request) {
	id := objects.Identity{TenantID: requestTenant(r.Context())}
	if err := server.requirePublicBucket(r.Context(), id, mux.Vars(r)["bucket"]); err != nil {
		server.serveError(w, r, err)
		return
	}
	server.render(w, r, id, true)
}

// render streams the object through the image transformation service.
// The object is fetched with the caller's own authorization, so the
// transformer needs no credentials of its own.
func (server *Server) render(w http.ResponseWriter, r *http.Request, id objects.Identity, superUser bool) {
	ctx := r.Context()
	vars := mux.Vars(r)

	config, err := server.registry.GetConfig(ctx, id.TenantID)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	if server.config.ImgProxyURL == "" || !config.Features.ImageTransformation.Enabled {
		server.serveError(w, r, ErrFeatureDisabled.New("image transformation"))
		return
	}

	query, err := transformQuery(r.URL.Query(), config.Features.ImageTransformation.MaxResolution)
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	object, download, err := server.objects.Download(ctx, objects.DownloadParams{
		Identity:  id,
		BucketID:  vars["bucket"],
		Name:      vars["key"],
		SuperUser: superUser,
	})
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	defer func() { _ = download.Body.Close() }()

	target := server.config.ImgProxyURL + "/transform?" + query.Encode()
	proxyReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, download.Body)
	if err != nil {
		server.serveError(w, r, Error.Wrap(err))
		return
	}
	proxyReq.Header.Set("Content-Type", object.Mimetype)
	if object.Size > 0 {
		proxyReq.ContentLength = object.Size
	}

	resp, err := server.renderClient.Do(proxyReq)
	if err != nil {
		server.serveError(w, r, ErrUpstream.New("image transformation failed: %v", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		server.serveError(w, r, ErrUpstream.New("image transformation answered %s", resp.Status))
		return
	}

	if contentType := resp.Header.Get("Content-Type"); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	if length := resp.Header.Get("Content-Length"); length != "" {
		w.Header().Set("Content-Length", length)
	}
	cacheControl := object.CacheControl
	if cacheControl == "" {
		cacheControl = "no-cache"
	}
	w.Header().Set("Cache-Control", cacheControl)
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, resp.Body); err != nil {
		server.log.Info("render interrupted",
			zap.String("bucket", vars["bucket"]),
			zap.String("name", vars["key"]),
			zap.Error(err))
	}
}

// transformQuery whitelists the render parameters and enforces the
// tenant's resolution cap.
func transformQuery(query url.Values, maxResolution int) (url.Values, error) {
	out := url.Values{}
	for _, name := range renderParams {
		value := query.Get(name)
		if value == "" {
			continue
		}
		if maxResolution > 0 && (name == "width" || name == "height") {
			pixels, err := strconv.Atoi(value)
			if err != nil || pixels <= 0 {
				return nil, ErrInvalidRequest.New("%s must be a positive number", name)
			}
			if pixels > maxResolution {
				return nil, ErrInvalidRequest.New("%s exceeds the maximum resolution of %d", name, maxResolution)
			}
		}
		out.Set(name, value)
	}
	return out, nil
}
