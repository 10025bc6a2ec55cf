// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package fsstore

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"

	"storj.io/depot/depot/blobstore"
)

// metaSuffix marks the sidecar holding a blob's HTTP metadata. Keys
// produced by the gateway end in a version token or ".info", so the
// suffix cannot collide with a blob.
const metaSuffix = ".meta.json"

type sidecar struct {
	ETag         string `json:"etag"`
	ContentType  string `json:"contentType,omitempty"`
	CacheControl string `json:"cacheControl,omitempty"`
}

// readSidecar loads the sidecar for the blob at path. A missing sidecar
// is not an error; the blob may predate it or the writing process may
// have died in between.
func (store *Store) readSidecar(path string) (sidecar, error) {
	data, err := os.ReadFile(path + metaSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		return sidecar{}, nil
	}
	if err != nil {
		return sidecar{}, wrap(err)
	}
	var meta sidecar
	if err := json.Unmarshal(data, &meta); err != nil {
		return sidecar{}, blobstore.ErrInternal.Wrap(err)
	}
	return meta, nil
}

// writeSidecar atomically replaces the sidecar for the blob at path.
func (store *Store) writeSidecar(path string, meta sidecar) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return blobstore.ErrInternal.Wrap(err)
	}
	tmp, err := os.CreateTemp(store.temp, "meta-*.partial")
	if err != nil {
		return wrap(err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return wrap(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return wrap(err)
	}
	if err := os.Rename(tmp.Name(), path+metaSuffix); err != nil {
		_ = os.Remove(tmp.Name())
		return wrap(err)
	}
	return nil
}

// metadataFor assembles blob metadata from the stat result and sidecar.
func (store *Store) metadataFor(path string, info fs.FileInfo) (blobstore.Metadata, error) {
	meta, err := store.readSidecar(path)
	if err != nil {
		return blobstore.Metadata{}, err
	}
	return blobstore.Metadata{
		Size:         info.Size(),
		ETag:         meta.ETag,
		ContentType:  meta.ContentType,
		CacheControl: meta.CacheControl,
		LastModified: info.ModTime(),
	}, nil
}
