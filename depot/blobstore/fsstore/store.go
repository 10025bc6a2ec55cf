// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package fsstore implements a blob backend on a local directory tree.
// Blobs live at <root>/<bucket>/<key> with HTTP metadata kept in a
// sidecar file next to each blob. Uploads stream to a temp file and are
// renamed into place, so concurrent readers never observe partial data.
package fsstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/depot/depot/blobstore"
)

var (
	// Error is the default fsstore error class.
	Error = errs.Class("fsstore")

	mon = monkit.Package()
)

const (
	dirPermission  = 0700
	blobPermission = 0600

	// tempDirName cannot collide with a bucket because bucket names
	// never start with a dot.
	tempDirName = ".tmp"
)

// Store implements blobstore.Store on a local directory.
//
// architecture: Database
type Store struct {
	log  *zap.Logger
	root string
	temp string
}

// New creates a filesystem backend rooted at path.
func New(log *zap.Logger, path string) (*Store, error) {
	if path == "" {
		return nil, Error.New("storage path is required")
	}
	root, err := filepath.Abs(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	temp := filepath.Join(root, tempDirName)
	if err := os.MkdirAll(temp, dirPermission); err != nil {
		return nil, Error.Wrap(err)
	}
	return &Store{log: log, root: root, temp: temp}, nil
}

// bucketPath returns the directory the bucket's blobs live under.
func (store *Store) bucketPath(bucket string) (string, error) {
	if bucket == "" {
		return "", Error.New("bucket is required")
	}
	path := filepath.Join(store.root, filepath.FromSlash(bucket))
	if !strings.HasPrefix(path, store.root+string(filepath.Separator)) {
		return "", Error.New("invalid bucket %q", bucket)
	}
	return path, nil
}

// blobPath maps a key to its file, rejecting keys that would climb out
// of the bucket directory.
func (store *Store) blobPath(bucket, key string) (string, error) {
	dir, err := store.bucketPath(bucket)
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", Error.New("key is required")
	}
	path := filepath.Join(dir, filepath.FromSlash(key))
	if !strings.HasPrefix(path, dir+string(filepath.Separator)) {
		return "", Error.New("invalid key %q", key)
	}
	return path, nil
}

// wrap normalizes filesystem failures into blobstore classes.
func wrap(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return blobstore.ErrNotFound.Wrap(err)
	case errors.Is(err, fs.ErrPermission):
		return blobstore.ErrAccessDenied.Wrap(err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return blobstore.ErrInternal.Wrap(err)
	}
}

// UploadObject streams body to a temp file and renames it into place.
func (store *Store) UploadObject(ctx context.Context, bucket, key string, body io.Reader, opts blobstore.PutOptions) (_ blobstore.Metadata, err error) {
	defer mon.Task()(&ctx)(&err)

	path, err := store.blobPath(bucket, key)
	if err != nil {
		return blobstore.Metadata{}, err
	}

	tmp, err := os.CreateTemp(store.temp, "upload-*.partial")
	if err != nil {
		return blobstore.Metadata{}, wrap(err)
	}
	committed := false
	defer func() {
		if !committed {
			err = errs.Combine(err, removeIfExists(tmp.Name()))
		}
	}()

	hash := md5.New()
	size, err := io.Copy(io.MultiWriter(tmp, hash), body)
	if err != nil {
		_ = tmp.Close()
		return blobstore.Metadata{}, wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return blobstore.Metadata{}, wrap(err)
	}

	if err := os.MkdirAll(filepath.Dir(path), dirPermission); err != nil {
		return blobstore.Metadata{}, wrap(err)
	}
	if err := os.Chmod(tmp.Name(), blobPermission); err != nil {
		return blobstore.Metadata{}, wrap(err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return blobstore.Metadata{}, wrap(err)
	}
	committed = true

	meta := sidecar{
		ETag:         hex.EncodeToString(hash.Sum(nil)),
		ContentType:  opts.ContentType,
		CacheControl: opts.CacheControl,
	}
	if err := store.writeSidecar(path, meta); err != nil {
		return blobstore.Metadata{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return blobstore.Metadata{}, wrap(err)
	}
	return blobstore.Metadata{
		Size:         size,
		ETag:         meta.ETag,
		ContentType:  meta.ContentType,
		CacheControl: meta.CacheControl,
		LastModified: info.ModTime(),
	}, nil
}

// GetObject opens the blob for reading, honoring cond.
func (store *Store) GetObject(ctx context.Context, bucket, key string, cond blobstore.Conditions) (_ *blobstore.Download, err error) {
	defer mon.Task()(&ctx)(&err)

	path, err := store.blobPath(bucket, key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, file.Close())
		}
	}()

	info, err := file.Stat()
	if err != nil {
		return nil, wrap(err)
	}
	meta, err := store.metadataFor(path, info)
	if err != nil {
		return nil, err
	}

	if cond.IfNoneMatch != "" && blobstore.ETagMatch(cond.IfNoneMatch, meta.ETag) {
		return nil, blobstore.ErrNotModified.New("etag matches")
	}
	if cond.IfModifiedSince != nil {
		// HTTP dates carry one second resolution.
		if !meta.LastModified.Truncate(time.Second).After(*cond.IfModifiedSince) {
			return nil, blobstore.ErrNotModified.New("not modified since %s", cond.IfModifiedSince.Format(time.RFC1123))
		}
	}

	download := &blobstore.Download{Metadata: meta, Body: file}
	if cond.Range != "" {
		offset, length, rangeErr := parseRange(cond.Range, meta.Size)
		if rangeErr != nil {
			return nil, blobstore.ErrPreconditionFailed.Wrap(rangeErr)
		}
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			return nil, wrap(err)
		}
		download.Body = readCloser{Reader: io.LimitReader(file, length), Closer: file}
		download.ContentRange = fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, meta.Size)
	}
	return download, nil
}

// HeadObject returns the metadata of the blob.
func (store *Store) HeadObject(ctx context.Context, bucket, key string) (_ blobstore.Metadata, err error) {
	defer mon.Task()(&ctx)(&err)

	path, err := store.blobPath(bucket, key)
	if err != nil {
		return blobstore.Metadata{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return blobstore.Metadata{}, wrap(err)
	}
	return store.metadataFor(path, info)
}

// CopyObject copies srcKey to dstKey, honoring cond against the source.
// The etag is recomputed while copying so destinations of blobs with a
// missing sidecar still end up fully described.
func (store *Store) CopyObject(ctx context.Context, bucket, srcKey, dstKey string, cond blobstore.Conditions) (_ blobstore.Metadata, err error) {
	defer mon.Task()(&ctx)(&err)

	srcPath, err := store.blobPath(bucket, srcKey)
	if err != nil {
		return blobstore.Metadata{}, err
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return blobstore.Metadata{}, wrap(err)
	}
	defer func() { err = errs.Combine(err, src.Close()) }()

	info, err := src.Stat()
	if err != nil {
		return blobstore.Metadata{}, wrap(err)
	}
	srcMeta, err := store.metadataFor(srcPath, info)
	if err != nil {
		return blobstore.Metadata{}, err
	}

	if cond.IfNoneMatch != "" && blobstore.ETagMatch(cond.IfNoneMatch, srcMeta.ETag) {
		return blobstore.Metadata{}, blobstore.ErrPreconditionFailed.New("source etag matches")
	}
	if cond.IfModifiedSince != nil && !srcMeta.LastModified.Truncate(time.Second).After(*cond.IfModifiedSince) {
		return blobstore.Metadata{}, blobstore.ErrPreconditionFailed.New("source not modified since %s", cond.IfModifiedSince.Format(time.RFC1123))
	}

	return store.UploadObject(ctx, bucket, dstKey, src, blobstore.PutOptions{
		ContentType:  srcMeta.ContentType,
		CacheControl: srcMeta.CacheControl,
	})
}

// DeleteObject removes the blob and its sidecar. Deleting a missing
// blob is not an error. The filesystem keeps no versions, so version is
// ignored.
func (store *Store) DeleteObject(ctx context.Context, bucket, key, version string) (err error) {
	defer mon.Task()(&ctx)(&err)

	path, err := store.blobPath(bucket, key)
	if err != nil {
		return err
	}
	return errs.Combine(
		wrap(removeIfExists(path)),
		wrap(removeIfExists(path+metaSuffix)),
	)
}

// DeleteObjects removes a batch of blobs.
func (store *Store) DeleteObjects(ctx context.Context, bucket string, keys []string) (err error) {
	defer mon.Task()(&ctx)(&err)

	var group errs.Group
	for _, key := range keys {
		group.Add(store.DeleteObject(ctx, bucket, key, ""))
	}
	return group.Err()
}

// UpdateObjectInfoMetadata recomputes the sidecar from the blob content,
// keeping any HTTP metadata already recorded.
func (store *Store) UpdateObjectInfoMetadata(ctx context.Context, bucket, key string) (_ blobstore.Metadata, err error) {
	defer mon.Task()(&ctx)(&err)

	path, err := store.blobPath(bucket, key)
	if err != nil {
		return blobstore.Metadata{}, err
	}
	file, err := os.Open(path)
	if err != nil {
		return blobstore.Metadata{}, wrap(err)
	}
	defer func() { err = errs.Combine(err, file.Close()) }()

	meta, err := store.readSidecar(path)
	if err != nil {
		return blobstore.Metadata{}, err
	}
	hash := md5.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return blobstore.Metadata{}, wrap(err)
	}
	meta.ETag = hex.EncodeToString(hash.Sum(nil))
	if err := store.writeSidecar(path, meta); err != nil {
		return blobstore.Metadata{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return blobstore.Metadata{}, wrap(err)
	}
	return blobstore.Metadata{
		Size:         size,
		ETag:         meta.ETag,
		ContentType:  meta.ContentType,
		CacheControl: meta.CacheControl,
		LastModified: info.ModTime(),
	}, nil
}

// Close releases backend resources.
func (store *Store) Close() error { return nil }

func removeIfExists(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

type readCloser struct {
	io.Reader
	io.Closer
}

// parseRange parses a single HTTP byte range against the blob size.
func parseRange(spec string, size int64) (offset, length int64, err error) {
	rest, ok := strings.CutPrefix(spec, "bytes=")
	if !ok || strings.Contains(rest, ",") {
		return 0, 0, Error.New("unsupported range %q", spec)
	}
	start, end, ok := strings.Cut(rest, "-")
	if !ok {
		return 0, 0, Error.New("malformed range %q", spec)
	}
	switch {
	case start == "" && end == "":
		return 0, 0, Error.New("malformed range %q", spec)
	case start == "":
		// suffix form: the final n bytes
		n, err := strconv.ParseInt(end, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, Error.New("malformed range %q", spec)
		}
		if n > size {
			n = size
		}
		return size - n, n, nil
	default:
		offset, err = strconv.ParseInt(start, 10, 64)
		if err != nil || offset < 0 || offset >= size {
			return 0, 0, Error.New("unsatisfiable range %q for size %d", spec, size)
		}
		last := size - 1
		if end != "" {
			last, err = strconv.ParseInt(end, 10, 64)
			if err != nil || last < offset {
				return 0, 0, Error.New("malformed range %q", spec)
			}
			if last > size-1 {
				last = size - 1
			}
		}
		return offset, last - offset + 1, nil
	}
}
