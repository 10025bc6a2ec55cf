// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package metabase provides typed operations on the tenant storage
// schema: buckets, objects and the prefix index. Every operation runs
// inside the caller's session so row level policies apply.
package metabase

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error is the default error class for the metabase package.
	Error = errs.Class("metabase")
	// ErrInvalidRequest is used to indicate invalid operation arguments.
	ErrInvalidRequest = errs.Class("metabase: invalid request")
	// ErrBucketNotFound is used when a bucket does not exist.
	ErrBucketNotFound = errs.Class("bucket not found")
	// ErrBucketAlreadyExists is used when creating a duplicate bucket.
	ErrBucketAlreadyExists = errs.Class("bucket already exists")
	// ErrBucketNotEmpty is used when deleting a bucket that still has objects.
	ErrBucketNotEmpty = errs.Class("bucket not empty")
	// ErrObjectNotFound is used when an object does not exist.
	ErrObjectNotFound = errs.Class("object not found")
	// ErrObjectAlreadyExists is used to indicate that the object already exists.
	ErrObjectAlreadyExists = errs.Class("object already exists")
	// ErrPermissionDenied general error for denying permission.
	ErrPermissionDenied = errs.Class("permission denied")

	mon = monkit.Package()
)

// Delimiter separates object key components.
const Delimiter = '/'

// ListLimit is the maximum number of items one listing page returns.
const ListLimit = 1000

// ObjectStatus tracks the object row through the two-phase write.
type ObjectStatus int16

// Object statuses. A row is inserted Pending before the blob upload and
// becomes Committed once the metadata is finalized.
const (
	Pending   ObjectStatus = 1
	Committed ObjectStatus = 2
)

// Bucket is a row of the buckets table.
type Bucket struct {
	ID               string
	Name             string
	Owner            string
	Public           bool
	FileSizeLimit    int64 // zero means no bucket-level limit
	AllowedMimeTypes []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Object is a row of the objects table.
type Object struct {
	ID       uuid.UUID
	BucketID string
	Name     string
	Owner    string

	// Version is the immutable token that addresses the blob for this
	// row. Replacing an object issues a fresh token; the old one keeps
	// identifying the superseded blob until it is garbage collected.
	Version string
	Status  ObjectStatus

	Size         int64
	Mimetype     string
	ETag         string
	CacheControl string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NameVersion addresses one stored blob of an object.
type NameVersion struct {
	Name    string
	Version string
}

// ObjectMetadata carries the fields finalization writes.
type ObjectMetadata struct {
	Size         int64
	Mimetype     string
	ETag         string
	CacheControl string
}

// NewVersion generates a fresh version token. Tokens are time ordered
// and collision free under concurrent writes to the same name.
func NewVersion() (string, error) {
	version, err := uuid.NewV7()
	if err != nil {
		return "", Error.Wrap(err)
	}
	return version.String(), nil
}

// Levels returns the prefix depth of a name: separators plus one.
func Levels(name string) int {
	return strings.Count(name, string(Delimiter)) + 1
}

// ParentPrefixes expands "a/b/c.txt" into its ancestor prefixes
// "a" and "a/b", shallowest first.
func ParentPrefixes(name string) []string {
	var prefixes []string
	for i := 0; i < len(name); i++ {
		if name[i] == Delimiter {
			prefixes = append(prefixes, name[:i])
		}
	}
	return prefixes
}
