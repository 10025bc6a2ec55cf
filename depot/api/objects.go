// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"storj.io/depot/depot/blobstore"
	"storj.io/depot/depot/metabase"
	"storj.io/depot/depot/objects"
	"storj.io/depot/private/errs2"
)

// objectJSON is the wire shape of an object row. Field names mirror
// the storage.objects columns.
type objectJSON struct {
	ID           string    `json:"id"`
	BucketID     string    `json:"bucket_id"`
	Name         string    `json:"name"`
	Owner        string    `json:"owner,omitempty"`
	Version      string    `json:"version"`
	Size         int64     `json:"size"`
	Mimetype     string    `json:"mimetype,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	CacheControl string    `json:"cache_control,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toObjectJSON(object metabase.Object) objectJSON {
	return objectJSON{
		ID:           object.ID.String(),
		BucketID:     object.BucketID,
		Name:         object.Name,
		Owner:        object.Owner,
		Version:      object.Version,
		Size:         object.Size,
		Mimetype:     object.Mimetype,
		ETag:         object.ETag,
		CacheControl: object.CacheControl,
		CreatedAt:    object.CreatedAt,
		UpdatedAt:    object.UpdatedAt,
	}
}

func toObjectsJSON(list []metabase.Object) []objectJSON {
	out := make([]objectJSON, 0, len(list))
	for _, object := range list {
		out = append(out, toObjectJSON(object))
	}
	return out
}

type uploadResponse struct {
	ID  string `json:"Id"`
	Key string `json:"Key"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// decodeJSON reads a JSON request body. An empty body decodes to the
// zero value so that optional-body endpoints accept it.
func decodeJSON(r *http.Request, value interface{}) error {
	err := json.NewDecoder(r.Body).Decode(value)
	if err != nil && !errors.Is(err, io.EOF) {
		return ErrInvalidRequest.New("malformed json body: %v", err)
	}
	return nil
}

func (server *Server) createObject(w http.ResponseWriter, r *http.Request) {
	server.upload(w, r, strings.EqualFold(r.Header.Get("x-upsert"), "true"))
}

func (server *Server) replaceObject(w http.ResponseWriter, r *http.Request) {
	server.upload(w, r, true)
}

func (server *Server) upload(w http.ResponseWriter, r *http.Request, upsert bool) {
	ctx := r.Context()
	vars := mux.Vars(r)

	body, contentType, cacheControl, err := uploadBody(r)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	object, err := server.objects.Upload(ctx, objects.UploadParams{
		Identity:     server.identity(r),
		BucketID:     vars["bucket"],
		Name:         vars["key"],
		Upsert:       upsert,
		ContentType:  contentType,
		CacheControl: cacheControl,
		Body:         body,
	})
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	serveJSON(w, http.StatusOK, uploadResponse{
		ID:  object.ID.String(),
		Key: object.BucketID + "/" + object.Name,
	})
}

// uploadBody picks the object body out of the request. Multipart
// uploads use the first file part; everything else streams the raw
// body. A cacheControl form field only applies when it precedes the
// file part, since the body is not buffered.
func uploadBody(r *http.Request) (_ io.Reader, contentType, cacheControl string, err error) {
	contentType = r.Header.Get("Content-Type")
	mediatype, params, parseErr := mime.ParseMediaType(contentType)
	if parseErr != nil || mediatype != "multipart/form-data" {
		return r.Body, contentType, r.Header.Get("Cache-Control"), nil
	}

	reader := multipart.NewReader(r.Body, params["boundary"])
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, "", "", ErrInvalidRequest.New("multipart body carries no file")
		}
		if err != nil {
			return nil, "", "", ErrInvalidRequest.New("malformed multipart body: %v", err)
		}

		switch {
		case part.FormName() == "cacheControl":
			value, err := io.ReadAll(io.LimitReader(part, 256))
			if err != nil {
				return nil, "", "", ErrInvalidRequest.New("malformed multipart body: %v", err)
			}
			cacheControl = string(value)
		case part.FileName() != "" || part.FormName() == "file":
			return part, part.Header.Get("Content-Type"), cacheControl, nil
		}
	}
}

func (server *Server) downloadAuthenticated(w http.ResponseWriter, r *http.Request) {
	server.serveObject(w, r, server.identity(r), false)
}

func (server *Server) downloadPublic(w http.ResponseWriter, r *http.Request) {
	id := objects.Identity{TenantID: requestTenant(r.Context())}
	if err := server.requirePublicBucket(r.Context(), id, mux.Vars(r)["bucket"]); err != nil {
		server.serveError(w, r, err)
		return
	}
	server.serveObject(w, r, id, true)
}

func (server *Server) downloadSigned(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	token := r.URL.Query().Get("token")
	if token == "" {
		server.serveError(w, r, ErrInvalidRequest.New("missing token query parameter"))
		return
	}

	tenantID := requestTenant(ctx)
	claims, err := server.objects.VerifySignedURL(ctx, tenantID, token, vars["bucket"], vars["key"])
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	server.serveObject(w, r, objects.Identity{TenantID: tenantID, Claims: claims}, true)
}

// requirePublicBucket makes private buckets indistinguishable from
// missing ones for anonymous readers.
func (server *Server) requirePublicBucket(ctx context.Context, id objects.Identity, bucketID string) error {
	bucket, err := server.objects.GetBucket(ctx, id, bucketID, true)
	if err != nil {
		return err
	}
	if !bucket.Public {
		return metabase.ErrBucketNotFound.New("%s", bucketID)
	}
	return nil
}

func (server *Server) serveObject(w http.ResponseWriter, r *http.Request, id objects.Identity, superUser bool) {
	ctx := r.Context()
	vars := mux.Vars(r)
	params := objects.DownloadParams{
		Identity:  id,
		BucketID:  vars["bucket"],
		Name:      vars["key"],
		SuperUser: superUser,
	}

	if r.Method == http.MethodHead {
		object, err := server.objects.Head(ctx, params)
		if err != nil {
			server.serveError(w, r, err)
			return
		}
		writeObjectHeaders(w, object)
		w.Header().Set("Content-Length", strconv.FormatInt(object.Size, 10))
		w.WriteHeader(http.StatusOK)
		return
	}

	params.Conditions = requestConditions(r)
	object, download, err := server.objects.Download(ctx, params)
	if blobstore.ErrNotModified.Has(err) {
		writeObjectHeaders(w, object)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if err != nil {
		if params.Conditions.Range != "" && blobstore.ErrPreconditionFailed.Has(err) {
			serveJSON(w, http.StatusRequestedRangeNotSatisfiable, errorEnvelope{
				StatusCode: "416",
				Error:      "Range Not Satisfiable",
				Message:    errMessage(err),
			})
			return
		}
		server.serveError(w, r, err)
		return
	}
	defer func() { _ = download.Body.Close() }()

	writeObjectHeaders(w, object)
	writeDisposition(w, r, object.Name)

	status := http.StatusOK
	if download.ContentRange != "" {
		w.Header().Set("Content-Range", download.ContentRange)
		status = http.StatusPartialContent
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(object.Size, 10))
	}
	w.WriteHeader(status)

	if _, err := io.Copy(w, download.Body); err != nil {
		server.log.Info("download interrupted",
			zap.String("bucket", object.BucketID),
			zap.String("name", object.Name),
			zap.Error(err))
	}
}

func requestConditions(r *http.Request) blobstore.Conditions {
	cond := blobstore.Conditions{
		IfNoneMatch: r.Header.Get("If-None-Match"),
		Range:       r.Header.Get("Range"),
	}
	if value := r.Header.Get("If-Modified-Since"); value != "" {
		if t, err := http.ParseTime(value); err == nil {
			cond.IfModifiedSince = &t
		}
	}
	return cond
}

func writeObjectHeaders(w http.ResponseWriter, object metabase.Object) {
	mimetype := object.Mimetype
	if mimetype == "" {
		mimetype = "application/octet-stream"
	}
	cacheControl := object.CacheControl
	if cacheControl == "" {
		cacheControl = "no-cache"
	}
	w.Header().Set("Content-Type", mimetype)
	w.Header().Set("Cache-Control", cacheControl)
	if object.ETag != "" {
		w.Header().Set("ETag", object.ETag)
	}
	w.Header().Set("Last-Modified", object.UpdatedAt.UTC().Format(http.TimeFormat))
}

// writeDisposition turns ?download or ?download=name into an
// attachment response.
func writeDisposition(w http.ResponseWriter, r *http.Request, name string) {
	query := r.URL.Query()
	if _, ok := query["download"]; !ok {
		return
	}
	filename := query.Get("download")
	if filename == "" {
		filename = path.Base(name)
	}
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
}

type signRequest struct {
	ExpiresIn       int    `json:"expiresIn"`
	Transformations string `json:"transformations,omitempty"`
}

type signResponse struct {
	SignedURL string `json:"signedURL"`
}

func signExpiry(seconds int) (time.Duration, error) {
	if seconds <= 0 {
		return 0, ErrInvalidRequest.New("expiresIn must be a positive number of seconds")
	}
	return time.Duration(seconds) * time.Second, nil
}

func (server *Server) signedPath(bucketID, name, token string) string {
	return server.config.SignedURLBase + "/object/sign/" + bucketID + "/" + name +
		"?token=" + url.QueryEscape(token)
}

func (server *Server) signObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	var req signRequest
	if err := decodeJSON(r, &req); err != nil {
		server.serveError(w, r, err)
		return
	}
	expiresIn, err := signExpiry(req.ExpiresIn)
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	token, err := server.objects.SignURL(ctx, objects.SignURLParams{
		Identity:        server.identity(r),
		BucketID:        vars["bucket"],
		Name:            vars["key"],
		ExpiresIn:       expiresIn,
		Transformations: req.Transformations,
	})
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	serveJSON(w, http.StatusOK, signResponse{
		SignedURL: server.signedPath(vars["bucket"], vars["key"], token),
	})
}

type signBatchRequest struct {
	ExpiresIn int      `json:"expiresIn"`
	Paths     []string `json:"paths"`
}

type signBatchItem struct {
	Error     string `json:"error,omitempty"`
	Path      string `json:"path"`
	SignedURL string `json:"signedURL,omitempty"`
}

// signObjects signs multiple paths in one call. Individual failures
// land in the per-path result instead of failing the batch.
func (server *Server) signObjects(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketID := mux.Vars(r)["bucket"]

	var req signBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		server.serveError(w, r, err)
		return
	}
	expiresIn, err := signExpiry(req.ExpiresIn)
	if err != nil {
		server.serveError(w, r, err)
		return
	}
	if len(req.Paths) == 0 {
		server.serveError(w, r, ErrInvalidRequest.New("paths must not be empty"))
		return
	}
	if server.config.MaxSignedPaths > 0 && len(req.Paths) > server.config.MaxSignedPaths {
		server.serveError(w, r, ErrInvalidRequest.New("at most %d paths per request", server.config.MaxSignedPaths))
		return
	}

	id := server.identity(r)
	items := make([]signBatchItem, 0, len(req.Paths))
	for _, name := range req.Paths {
		token, err := server.objects.SignURL(ctx, objects.SignURLParams{
			Identity:  id,
			BucketID:  bucketID,
			Name:      name,
			ExpiresIn: expiresIn,
		})
		if err != nil {
			if errs2.IsCanceled(err) {
				server.serveError(w, r, err)
				return
			}
			items = append(items, signBatchItem{
				Error: classify(err).envelope.Message,
				Path:  name,
			})
			continue
		}
		items = append(items, signBatchItem{
			Path:      name,
			SignedURL: server.signedPath(bucketID, name, token),
		})
	}
	serveJSON(w, http.StatusOK, items)
}

type copyMoveRequest struct {
	BucketID       string `json:"bucketId"`
	SourceKey      string `json:"sourceKey"`
	DestinationKey string `json:"destinationKey"`
}

func (req copyMoveRequest) verify() error {
	switch {
	case req.BucketID == "":
		return ErrInvalidRequest.New("bucketId is required")
	case req.SourceKey == "":
		return ErrInvalidRequest.New("sourceKey is required")
	case req.DestinationKey == "":
		return ErrInvalidRequest.New("destinationKey is required")
	}
	return nil
}

func (server *Server) copyObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req copyMoveRequest
	if err := decodeJSON(r, &req); err != nil {
		server.serveError(w, r, err)
		return
	}
	if err := req.verify(); err != nil {
		server.serveError(w, r, err)
		return
	}

	object, err := server.objects.Copy(ctx, objects.CopyParams{
		Identity:   server.identity(r),
		BucketID:   req.BucketID,
		SourceName: req.SourceKey,
		DestName:   req.DestinationKey,
	})
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	serveJSON(w, http.StatusOK, uploadResponse{
		ID:  object.ID.String(),
		Key: object.BucketID + "/" + object.Name,
	})
}

func (server *Server) moveObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req copyMoveRequest
	if err := decodeJSON(r, &req); err != nil {
		server.serveError(w, r, err)
		return
	}
	if err := req.verify(); err != nil {
		server.serveError(w, r, err)
		return
	}

	_, err := server.objects.Move(ctx, objects.MoveParams{
		Identity:   server.identity(r),
		BucketID:   req.BucketID,
		SourceName: req.SourceKey,
		DestName:   req.DestinationKey,
	})
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	serveJSON(w, http.StatusOK, messageResponse{Message: "Successfully moved"})
}

func (server *Server) deleteObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	_, err := server.objects.Delete(ctx, objects.DeleteParams{
		Identity: server.identity(r),
		BucketID: vars["bucket"],
		Name:     vars["key"],
	})
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	serveJSON(w, http.StatusOK, messageResponse{Message: "Successfully deleted"})
}

const maxBatchDelete = 1000

func (server *Server) deleteObjects(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Prefixes []string `json:"prefixes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.serveError(w, r, err)
		return
	}
	if len(req.Prefixes) == 0 {
		server.serveError(w, r, ErrInvalidRequest.New("prefixes must not be empty"))
		return
	}
	if len(req.Prefixes) > maxBatchDelete {
		server.serveError(w, r, ErrInvalidRequest.New("at most %d prefixes per request", maxBatchDelete))
		return
	}

	deleted, err := server.objects.DeleteBatch(ctx, objects.DeleteBatchParams{
		Identity: server.identity(r),
		BucketID: mux.Vars(r)["bucket"],
		Names:    req.Prefixes,
	})
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	serveJSON(w, http.StatusOK, toObjectsJSON(deleted))
}

type listRequest struct {
	Prefix string  `json:"prefix"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
	Search string  `json:"search"`
	SortBy *sortBy `json:"sortBy"`
}

type sortBy struct {
	Column string `json:"column"`
	Order  string `json:"order"`
}

const defaultListLimit = 100

func (server *Server) listObjects(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req listRequest
	if err := decodeJSON(r, &req); err != nil {
		server.serveError(w, r, err)
		return
	}
	if req.SortBy != nil {
		column := req.SortBy.Column
		order := strings.ToLower(req.SortBy.Order)
		if (column != "" && column != "name") || (order != "" && order != "asc") {
			server.serveError(w, r, ErrInvalidRequest.New("only sorting by name ascending is supported"))
			return
		}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	list, err := server.objects.List(ctx, objects.ListParams{
		Identity: server.identity(r),
		BucketID: mux.Vars(r)["bucket"],
		Prefix:   req.Prefix,
		Search:   req.Search,
		Limit:    limit,
		Offset:   req.Offset,
	})
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	serveJSON(w, http.StatusOK, toObjectsJSON(list))
}
