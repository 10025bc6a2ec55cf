// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package gc

import (
	"context"
	"strings"
	"time"

	"storj.io/depot/depot/metabase"
	"storj.io/depot/depot/session"
)

// Kind tells which side of the store an orphan sits on.
type Kind string

const (
	// KindBlob is a backend blob with no matching row.
	KindBlob Kind = "blob"
	// KindRow is an object row with no matching blob.
	KindRow Kind = "row"
)

// Orphan is one entry present on only one side of the store.
type Orphan struct {
	Kind    Kind
	Name    string
	Version string
	// Key is the full backend key. Only set for blob orphans.
	Key string
	// Size is the blob size for blob orphans and the recorded row size
	// for row orphans.
	Size int64
}

// orphanSource produces orphans one at a time. Next returns false when
// the source is exhausted. Sources page lazily, so a consumer that
// stops early never pays for the rest of the dataset.
type orphanSource interface {
	Next(ctx context.Context) (Orphan, bool, error)
}

// blobOrphans pages the scratch table and keeps the keys whose
// (name, version) pair has no row.
type blobOrphans struct {
	sess     *session.Session
	store    *metabase.Store
	bucketID string
	prefix   string
	pageSize int

	cursor string
	buffer []Orphan
	done   bool
}

func (src *blobOrphans) Next(ctx context.Context) (Orphan, bool, error) {
	for len(src.buffer) == 0 && !src.done {
		if err := src.fill(ctx); err != nil {
			return Orphan{}, false, err
		}
	}
	if len(src.buffer) == 0 {
		return Orphan{}, false, nil
	}
	orphan := src.buffer[0]
	src.buffer = src.buffer[1:]
	return orphan, true, nil
}

func (src *blobOrphans) fill(ctx context.Context) error {
	rows, err := src.sess.Tx().Query(ctx, `
		SELECT key, size FROM `+tmpKeysTable+`
		WHERE key > $1
		ORDER BY key
		LIMIT $2`,
		src.cursor, src.pageSize)
	if err != nil {
		return Error.New("unable to page scratch table: %w", err)
	}

	type entry struct {
		key  string
		size int64
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.key, &e.size); err != nil {
			rows.Close()
			return Error.Wrap(err)
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Error.Wrap(err)
	}

	if len(entries) == 0 {
		src.done = true
		return nil
	}
	src.cursor = entries[len(entries)-1].key
	if len(entries) < src.pageSize {
		src.done = true
	}

	pairs := make([]metabase.NameVersion, len(entries))
	for i, e := range entries {
		name, version := splitKey(strings.TrimPrefix(e.key, src.prefix))
		pairs[i] = metabase.NameVersion{Name: name, Version: version}
	}
	found, err := src.store.FindObjectVersions(ctx, src.sess, metabase.FindObjectVersions{
		BucketID: src.bucketID,
		Versions: pairs,
	})
	if err != nil {
		return err
	}

	for i, pair := range pairs {
		if found[pair] {
			continue
		}
		src.buffer = append(src.buffer, Orphan{
			Kind:    KindBlob,
			Name:    pair.Name,
			Version: pair.Version,
			Key:     entries[i].key,
			Size:    entries[i].size,
		})
	}
	return nil
}

// rowOrphans pages the objects table and keeps the rows whose expected
// backend key is missing from the scratch table.
type rowOrphans struct {
	sess     *session.Session
	store    *metabase.Store
	bucketID string
	prefix   string
	pageSize int
	before   *time.Time

	cursor metabase.ObjectsCursor
	buffer []Orphan
	done   bool
}

func (src *rowOrphans) Next(ctx context.Context) (Orphan, bool, error) {
	for len(src.buffer) == 0 && !src.done {
		if err := src.fill(ctx); err != nil {
			return Orphan{}, false, err
		}
	}
	if len(src.buffer) == 0 {
		return Orphan{}, false, nil
	}
	orphan := src.buffer[0]
	src.buffer = src.buffer[1:]
	return orphan, true, nil
}

func (src *rowOrphans) fill(ctx context.Context) error {
	objects, err := src.store.ListObjects(ctx, src.sess, metabase.ListObjects{
		BucketID: src.bucketID,
		Limit:    src.pageSize,
		Before:   src.before,
		Cursor:   src.cursor,
	})
	if err != nil {
		return err
	}
	if len(objects) == 0 {
		src.done = true
		return nil
	}
	tail := objects[len(objects)-1]
	src.cursor = metabase.ObjectsCursor{Name: tail.Name, Version: tail.Version}
	if len(objects) < src.pageSize {
		src.done = true
	}

	keys := make([]string, len(objects))
	for i, object := range objects {
		keys[i] = src.prefix + object.Name + "/" + object.Version
	}
	present := make(map[string]bool, len(keys))
	rows, err := src.sess.Tx().Query(ctx,
		`SELECT key FROM `+tmpKeysTable+` WHERE key = ANY($1::text[])`, keys)
	if err != nil {
		return Error.New("unable to probe scratch table: %w", err)
	}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return Error.Wrap(err)
		}
		present[key] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Error.Wrap(err)
	}

	for i, object := range objects {
		if present[keys[i]] {
			continue
		}
		// A row replaced after the cutoff expects a blob the listing
		// never saw. Leave it to a later scan.
		if src.before != nil && !object.UpdatedAt.Before(*src.before) {
			continue
		}
		src.buffer = append(src.buffer, Orphan{
			Kind:    KindRow,
			Name:    object.Name,
			Version: object.Version,
			Size:    object.Size,
		})
	}
	return nil
}

// splitKey breaks a prefix-stripped backend key into its name and
// version. Names may contain slashes, versions never do.
func splitKey(rel string) (name, version string) {
	if i := strings.LastIndexByte(rel, '/'); i >= 0 {
		return rel[:i], rel[i+1:]
	}
	return rel, ""
}
