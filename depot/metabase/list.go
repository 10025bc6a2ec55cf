// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package metabase

import (
	"context"
	"time"

	"storj.io/depot/depot/session"
	"storj.io/depot/private/dbutil/pgutil"
)

// ObjectsCursor is the pagination token of object listings: the last
// (name, version) of the previous page.
type ObjectsCursor struct {
	Name    string
	Version string
}

// ListObjects contains arguments necessary for listing one page of
// objects.
type ListObjects struct {
	BucketID string
	Prefix   string
	// Search keeps only names containing the substring. Applied after
	// Prefix.
	Search string
	Limit  int
	Offset int
	Before *time.Time // only objects created before this instant
	Cursor ObjectsCursor
}

// Verify verifies list objects fields.
func (opts *ListObjects) Verify() error {
	switch {
	case opts.BucketID == "":
		return ErrInvalidRequest.New("BucketID missing")
	case opts.Offset < 0:
		return ErrInvalidRequest.New("Offset negative: %v", opts.Offset)
	}
	return nil
}

// ListObjects returns up to Limit objects ordered by (name, version),
// starting after the cursor.
func (store *Store) ListObjects(ctx context.Context, sess *session.Session, opts ListObjects) (_ []Object, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 || opts.Limit > ListLimit {
		opts.Limit = ListLimit
	}

	rows, err := sess.Tx().Query(ctx, `
		SELECT `+objectColumns+`
		FROM objects
		WHERE bucket_id = $1
		  AND ($2 = '' OR (name >= $2 AND name < $3))
		  AND ($4 = '' OR position($4 in name) > 0)
		  AND ($5::timestamptz IS NULL OR created_at < $5)
		  AND (name, version) > ($6, $7)
		ORDER BY name, version
		LIMIT $8 OFFSET $9`,
		opts.BucketID, opts.Prefix, prefixLimit(opts.Prefix), opts.Search, opts.Before,
		opts.Cursor.Name, opts.Cursor.Version, opts.Limit, opts.Offset)
	if err != nil {
		if pgutil.IsPermissionDenied(err) {
			return nil, ErrPermissionDenied.Wrap(err)
		}
		return nil, Error.New("unable to list objects: %w", err)
	}
	defer rows.Close()

	var objects []Object
	for rows.Next() {
		object, err := scanObject(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		objects = append(objects, object)
	}
	return objects, Error.Wrap(rows.Err())
}

// prefixLimit returns the smallest string greater than every name with
// the given prefix.
func prefixLimit(prefix string) string {
	if prefix == "" {
		return ""
	}
	if prefix[len(prefix)-1] == 0xFF {
		return prefix + "\x00"
	}
	after := []byte(prefix)
	after[len(after)-1]++
	return string(after)
}

// FindObjectVersions contains arguments necessary for probing which
// (name, version) pairs exist, used by the orphan scanner.
type FindObjectVersions struct {
	BucketID string
	Versions []NameVersion
}

// Verify verifies find object versions fields.
func (opts *FindObjectVersions) Verify() error {
	if opts.BucketID == "" {
		return ErrInvalidRequest.New("BucketID missing")
	}
	return nil
}

// FindObjectVersions returns the subset of pairs that exist as rows.
func (store *Store) FindObjectVersions(ctx context.Context, sess *session.Session, opts FindObjectVersions) (found map[NameVersion]bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return nil, err
	}
	if len(opts.Versions) == 0 {
		return map[NameVersion]bool{}, nil
	}

	names := make([]string, len(opts.Versions))
	versions := make([]string, len(opts.Versions))
	for i, pair := range opts.Versions {
		names[i] = pair.Name
		versions[i] = pair.Version
	}

	rows, err := sess.Tx().Query(ctx, `
		SELECT o.name, o.version
		FROM objects o
		JOIN unnest($2::text[], $3::text[]) AS p(name, version)
		  ON o.name = p.name AND o.version = p.version
		WHERE o.bucket_id = $1`,
		opts.BucketID, names, versions)
	if err != nil {
		if pgutil.IsPermissionDenied(err) {
			return nil, ErrPermissionDenied.Wrap(err)
		}
		return nil, Error.New("unable to find object versions: %w", err)
	}
	defer rows.Close()

	found = make(map[NameVersion]bool, len(opts.Versions))
	for rows.Next() {
		var pair NameVersion
		if err := rows.Scan(&pair.Name, &pair.Version); err != nil {
			return nil, Error.Wrap(err)
		}
		found[pair] = true
	}
	return found, Error.Wrap(rows.Err())
}
