// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"storj.io/depot/depot/metabase"
	"storj.io/depot/depot/objects"
)

// bucketJSON is the wire shape of a bucket row. Field names mirror the
// storage.buckets columns.
type bucketJSON struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Owner            string    `json:"owner,omitempty"`
	Public           bool      `json:"public"`
	FileSizeLimit    int64     `json:"file_size_limit,omitempty"`
	AllowedMimeTypes []string  `json:"allowed_mime_types,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func toBucketJSON(bucket metabase.Bucket) bucketJSON {
	return bucketJSON{
		ID:               bucket.ID,
		Name:             bucket.Name,
		Owner:            bucket.Owner,
		Public:           bucket.Public,
		FileSizeLimit:    bucket.FileSizeLimit,
		AllowedMimeTypes: bucket.AllowedMimeTypes,
		CreatedAt:        bucket.CreatedAt,
		UpdatedAt:        bucket.UpdatedAt,
	}
}

func (server *Server) createBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		ID               string   `json:"id"`
		Name             string   `json:"name"`
		Public           bool     `json:"public"`
		FileSizeLimit    int64    `json:"file_size_limit"`
		AllowedMimeTypes []string `json:"allowed_mime_types"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.serveError(w, r, err)
		return
	}
	if req.ID == "" {
		req.ID = req.Name
	}
	if req.ID == "" {
		server.serveError(w, r, ErrInvalidRequest.New("bucket id or name is required"))
		return
	}

	bucket, err := server.objects.CreateBucket(ctx, objects.CreateBucketParams{
		Identity:         server.identity(r),
		ID:               req.ID,
		Name:             req.Name,
		Public:           req.Public,
		FileSizeLimit:    req.FileSizeLimit,
		AllowedMimeTypes: req.AllowedMimeTypes,
	})
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	serveJSON(w, http.StatusOK, toBucketJSON(bucket))
}

func (server *Server) getBucket(w http.ResponseWriter, r *http.Request) {
	bucket, err := server.objects.GetBucket(r.Context(), server.identity(r), mux.Vars(r)["id"], false)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	serveJSON(w, http.StatusOK, toBucketJSON(bucket))
}

func (server *Server) listBuckets(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := defaultListLimit
	if value := query.Get("limit"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			server.serveError(w, r, ErrInvalidRequest.New("limit must be a positive number"))
			return
		}
		limit = parsed
	}

	buckets, err := server.objects.ListBuckets(r.Context(), server.identity(r), query.Get("cursor"), limit)
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	out := make([]bucketJSON, 0, len(buckets))
	for _, bucket := range buckets {
		out = append(out, toBucketJSON(bucket))
	}
	serveJSON(w, http.StatusOK, out)
}

func (server *Server) updateBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Public           *bool    `json:"public"`
		FileSizeLimit    *int64   `json:"file_size_limit"`
		AllowedMimeTypes []string `json:"allowed_mime_types"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.serveError(w, r, err)
		return
	}

	bucket, err := server.objects.UpdateBucket(ctx, objects.UpdateBucketParams{
		Identity:         server.identity(r),
		ID:               mux.Vars(r)["id"],
		Public:           req.Public,
		FileSizeLimit:    req.FileSizeLimit,
		AllowedMimeTypes: req.AllowedMimeTypes,
	})
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	serveJSON(w, http.StatusOK, toBucketJSON(bucket))
}

func (server *Server) deleteBucket(w http.ResponseWriter, r *http.Request) {
	err := server.objects.DeleteBucket(r.Context(), server.identity(r), mux.Vars(r)["id"])
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	serveJSON(w, http.StatusOK, messageResponse{Message: "Successfully deleted"})
}

func (server *Server) emptyBucket(w http.ResponseWriter, r *http.Request) {
	_, err := server.objects.EmptyBucket(r.Context(), server.identity(r), mux.Vars(r)["id"])
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	serveJSON(w, http.StatusOK, messageResponse{Message: "Successfully emptied"})
}
