// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package blobstore defines the backend interface object payloads are
// stored behind. The orchestrator talks only to this interface; the
// fsstore and s3store packages implement it.
package blobstore

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/zeebo/errs"
)

// Backends normalize their native failures into these classes so that
// callers can branch without knowing which implementation is in use.
var (
	// Error is the default error class for blob backends.
	Error = errs.Class("blobstore")
	// ErrNotFound is returned when the blob or bucket does not exist.
	ErrNotFound = errs.Class("blob not found")
	// ErrNotModified is returned when a download's conditions show the
	// caller already has the current content.
	ErrNotModified = errs.Class("blob not modified")
	// ErrPreconditionFailed is returned when a write's conditions do not
	// hold against the source blob.
	ErrPreconditionFailed = errs.Class("blob precondition failed")
	// ErrAccessDenied is returned when the backend rejects the credentials.
	ErrAccessDenied = errs.Class("blob access denied")
	// ErrThrottled is returned when the backend sheds load. Safe to retry.
	ErrThrottled = errs.Class("blob backend throttled")
	// ErrUnavailable is returned on transport failures and backend 5xx.
	// Safe to retry.
	ErrUnavailable = errs.Class("blob backend unavailable")
	// ErrInternal is returned for failures with no better classification.
	ErrInternal = errs.Class("blob backend internal")
)

// MaxListLimit is the largest page a List call returns.
const MaxListLimit = 1000

// Metadata describes a stored blob.
type Metadata struct {
	Size         int64
	ETag         string
	ContentType  string
	CacheControl string
	LastModified time.Time
}

// Conditions carries the optional preconditions of a read or copy.
// Downloads failing IfNoneMatch or IfModifiedSince return ErrNotModified,
// copies return ErrPreconditionFailed.
type Conditions struct {
	IfNoneMatch     string
	IfModifiedSince *time.Time
	// Range is an HTTP range specifier such as "bytes=0-99". Only single
	// ranges are supported.
	Range string
}

// PutOptions carries the HTTP metadata stored alongside an upload.
type PutOptions struct {
	ContentType  string
	CacheControl string
}

// Download is a blob opened for reading. Body must be closed.
type Download struct {
	Metadata Metadata
	Body     io.ReadCloser
	// ContentRange is set when a byte range was applied, in which case
	// Body is the requested window and Metadata.Size the full size.
	ContentRange string
}

// ListOptions filters a bucket listing.
type ListOptions struct {
	Prefix string
	// Before keeps only blobs modified strictly before the given time.
	Before time.Time
	// ContinuationToken resumes a previous listing. Tokens are backend
	// specific and opaque to callers.
	ContinuationToken string
	// Limit bounds the page size. Zero or anything above MaxListLimit
	// uses MaxListLimit.
	Limit int
}

// ListEntry is a single key in a listing page.
type ListEntry struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ListPage is one page of a bucket listing.
type ListPage struct {
	Entries []ListEntry
	// NextToken resumes the listing. Empty when the listing is done.
	NextToken string
}

// Store is a blob backend.
//
// Deleting a key that does not exist is not an error. Every other
// operation on a missing key returns ErrNotFound.
//
// architecture: Database
type Store interface {
	// GetObject opens the blob for reading, honoring cond.
	GetObject(ctx context.Context, bucket, key string, cond Conditions) (*Download, error)
	// UploadObject streams body into the blob and returns the metadata of
	// the stored result. Partially written data is never readable.
	UploadObject(ctx context.Context, bucket, key string, body io.Reader, opts PutOptions) (Metadata, error)
	// CopyObject copies srcKey to dstKey within the bucket, honoring cond
	// against the source.
	CopyObject(ctx context.Context, bucket, srcKey, dstKey string, cond Conditions) (Metadata, error)
	// DeleteObject removes the blob. Version selects a backend version
	// when the backend keeps them; empty means the current one.
	DeleteObject(ctx context.Context, bucket, key, version string) error
	// DeleteObjects removes a batch of blobs.
	DeleteObjects(ctx context.Context, bucket string, keys []string) error
	// HeadObject returns the metadata of the blob.
	HeadObject(ctx context.Context, bucket, key string) (Metadata, error)
	// List returns one page of keys in the bucket.
	List(ctx context.Context, bucket string, opts ListOptions) (ListPage, error)
	// UpdateObjectInfoMetadata recomputes the stored metadata of the blob
	// from its content. Used to finalize resumable uploads.
	UpdateObjectInfoMetadata(ctx context.Context, bucket, key string) (Metadata, error)
	// Close releases backend resources.
	Close() error
}

// ETagMatch reports whether two entity tags refer to the same content,
// ignoring quoting and weak validator prefixes.
func ETagMatch(a, b string) bool {
	return trimETag(a) != "" && trimETag(a) == trimETag(b)
}

func trimETag(tag string) string {
	tag = strings.TrimPrefix(tag, "W/")
	return strings.Trim(tag, `"`)
}
