// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package api

import (
	"encoding/json"
	"net/http"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"storj.io/depot/depot/auth"
	"storj.io/depot/depot/blobstore"
	"storj.io/depot/depot/metabase"
	"storj.io/depot/depot/objects"
	"storj.io/depot/depot/tenant"
	"storj.io/depot/private/errs2"
)

// errorEnvelope is the JSON shape of every error response. StatusCode
// is a string and can disagree with the HTTP status; clients key off
// the envelope.
type errorEnvelope struct {
	StatusCode string `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

// apiError pairs the HTTP status with the envelope it carries.
type apiError struct {
	status   int
	envelope errorEnvelope
}

func newAPIError(status int, code, name, message string) apiError {
	return apiError{
		status:   status,
		envelope: errorEnvelope{StatusCode: code, Error: name, Message: message},
	}
}

// classify maps an error from the service layer onto the wire. Row
// misses surface as HTTP 400 with a 404 envelope, matching what
// database-level filtering looks like to clients; only a missing
// backend blob is a real 404.
func classify(err error) apiError {
	switch {
	case ErrUnauthorized.Has(err):
		return newAPIError(http.StatusUnauthorized, "401", "Unauthorized", "missing or malformed authorization header")
	case ErrInvalidHost.Has(err):
		return newAPIError(http.StatusBadRequest, "400", "Invalid Header", "X-Forwarded-Host header does not match regular expression")
	case ErrFeatureDisabled.Has(err):
		return newAPIError(http.StatusBadRequest, "400", "FeatureDisabled", "image transformations are not enabled for this tenant")
	case ErrInvalidRequest.Has(err):
		return newAPIError(http.StatusBadRequest, "400", "InvalidRequest", errMessage(err))
	case ErrUpstream.Has(err):
		return newAPIError(http.StatusServiceUnavailable, "503", "Upstream", errMessage(err))

	case tenant.ErrTenantNotFound.Has(err):
		return newAPIError(http.StatusBadRequest, "400", "Invalid Tenant", "tenant config not found")
	case auth.ErrExpiredToken.Has(err):
		return newAPIError(http.StatusBadRequest, "400", "Invalid JWT", "jwt expired")
	case auth.ErrInvalidToken.Has(err):
		return newAPIError(http.StatusBadRequest, "400", "Invalid JWT", errMessage(err))

	case objects.ErrPayloadTooLarge.Has(err):
		return newAPIError(http.StatusBadRequest, "413", "Payload too large", "the object exceeded the maximum allowed size")

	case metabase.ErrObjectNotFound.Has(err):
		return newAPIError(http.StatusBadRequest, "404", "Not Found", "Object not found")
	case metabase.ErrBucketNotFound.Has(err):
		return newAPIError(http.StatusBadRequest, "404", "Not Found", "Bucket not found")
	case metabase.ErrObjectAlreadyExists.Has(err), metabase.ErrBucketAlreadyExists.Has(err):
		return newAPIError(http.StatusConflict, "409", "Duplicate", "the resource already exists")
	case metabase.ErrBucketNotEmpty.Has(err):
		return newAPIError(http.StatusConflict, "409", "Conflict", "the bucket you tried to delete is not empty")
	case metabase.ErrPermissionDenied.Has(err):
		return newAPIError(http.StatusForbidden, "403", "Forbidden", "access denied")
	case metabase.ErrInvalidRequest.Has(err):
		return newAPIError(http.StatusBadRequest, "400", "InvalidRequest", errMessage(err))

	case blobstore.ErrNotFound.Has(err):
		return newAPIError(http.StatusNotFound, "404", "Not Found", "Object not found")
	case blobstore.ErrNotModified.Has(err):
		return newAPIError(http.StatusNotModified, "304", "Not Modified", "")
	case blobstore.ErrPreconditionFailed.Has(err):
		return newAPIError(http.StatusPreconditionFailed, "412", "Precondition Failed", errMessage(err))
	case blobstore.ErrAccessDenied.Has(err):
		return newAPIError(http.StatusForbidden, "403", "Forbidden", "backend access denied")
	case blobstore.ErrThrottled.Has(err), blobstore.ErrUnavailable.Has(err):
		return newAPIError(http.StatusServiceUnavailable, "503", "Upstream", "storage backend unavailable")
	}
	return newAPIError(http.StatusInternalServerError, "500", "Internal", "internal error")
}

// errMessage returns the error text as the envelope message. Class
// prefixes stay in; they read fine and clients only key off the
// error name.
func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// serveJSON writes value with the given status.
func serveJSON(w http.ResponseWriter, status int, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

// serveError writes the envelope for err. Client aborts are logged at
// info and get no response; the connection is gone anyway.
func (server *Server) serveError(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil || errs2.IsCanceled(err) {
		server.log.Info("request aborted",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))
		return
	}

	mapped := classify(err)
	mon.Event("api_request_error", monkit.NewSeriesTag("status", mapped.envelope.StatusCode))
	if mapped.status >= http.StatusInternalServerError {
		server.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	} else {
		server.log.Debug("request rejected",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	serveJSON(w, mapped.status, mapped.envelope)
}
