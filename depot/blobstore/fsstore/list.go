// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package fsstore

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"storj.io/depot/depot/blobstore"
)

// List returns one page of keys ordered lexicographically. The
// continuation token is the last key of the previous page. A missing
// bucket directory lists as empty; the filesystem creates buckets
// lazily on first upload.
func (store *Store) List(ctx context.Context, bucket string, opts blobstore.ListOptions) (page blobstore.ListPage, err error) {
	defer mon.Task()(&ctx)(&err)

	limit := opts.Limit
	if limit <= 0 || limit > blobstore.MaxListLimit {
		limit = blobstore.MaxListLimit
	}

	root, err := store.bucketPath(bucket)
	if err != nil {
		return blobstore.ListPage{}, err
	}

	var entries []blobstore.ListEntry
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == root {
			return nil
		}

		rel := filepath.ToSlash(strings.TrimPrefix(path, root+string(filepath.Separator)))
		if d.IsDir() {
			// Descend only into directories that can hold matching keys.
			if opts.Prefix != "" && !strings.HasPrefix(rel+"/", opts.Prefix) && !strings.HasPrefix(opts.Prefix, rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(rel, metaSuffix) {
			return nil
		}
		if opts.Prefix != "" && !strings.HasPrefix(rel, opts.Prefix) {
			return nil
		}
		if opts.ContinuationToken != "" && rel <= opts.ContinuationToken {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			// Lost a race with a delete.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !opts.Before.IsZero() && !info.ModTime().Before(opts.Before) {
			return nil
		}

		entries = append(entries, blobstore.ListEntry{
			Key:          rel,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if walkErr != nil {
		return blobstore.ListPage{}, wrap(walkErr)
	}

	// WalkDir yields siblings in lexical order but interleaves files and
	// directories, so the global key order needs an explicit sort.
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	if len(entries) > limit {
		entries = entries[:limit]
		page.NextToken = entries[limit-1].Key
	}
	page.Entries = entries
	return page, nil
}
