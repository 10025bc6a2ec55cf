// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package metabase

import (
	"context"
	"sort"

	"storj.io/depot/depot/session"
	"storj.io/depot/private/dbutil/pgutil"
)

// AddPrefixes ensures every ancestor prefix of name exists. Re-adding
// is idempotent, which keeps concurrent writers and renames safe.
func (store *Store) AddPrefixes(ctx context.Context, sess *session.Session, bucketID, name string) (err error) {
	defer mon.Task()(&ctx)(&err)

	prefixes := ParentPrefixes(name)
	if len(prefixes) == 0 {
		return nil
	}

	levels := make([]int32, len(prefixes))
	for i, prefix := range prefixes {
		levels[i] = int32(Levels(prefix))
	}

	_, err = sess.Tx().Exec(ctx, `
		INSERT INTO prefixes (bucket_id, name, level)
		SELECT $1, u.name, u.level
		FROM unnest($2::text[], $3::int[]) AS u(name, level)
		ON CONFLICT DO NOTHING`,
		bucketID, prefixes, levels)
	if err != nil {
		if pgutil.IsPermissionDenied(err) {
			return ErrPermissionDenied.Wrap(err)
		}
		return Error.New("unable to add prefixes: %w", err)
	}
	return nil
}

// DeleteLeafPrefixes prunes the ancestor prefixes of the given names
// that no longer shelter any object or deeper prefix. It only ever
// probes immediate children, one level at a time from the deepest up,
// so a parent becomes deletable exactly when its child prefix went away
// in the previous round.
func (store *Store) DeleteLeafPrefixes(ctx context.Context, sess *session.Session, bucketID string, names []string) (err error) {
	defer mon.Task()(&ctx)(&err)

	byLevel := make(map[int][]string)
	seen := make(map[string]bool)
	maxLevel := 0
	for _, name := range names {
		for _, prefix := range ParentPrefixes(name) {
			if seen[prefix] {
				continue
			}
			seen[prefix] = true
			level := Levels(prefix)
			byLevel[level] = append(byLevel[level], prefix)
			if level > maxLevel {
				maxLevel = level
			}
		}
	}
	if maxLevel == 0 {
		return nil
	}

	for level := maxLevel; level >= 1; level-- {
		candidates := byLevel[level]
		if len(candidates) == 0 {
			continue
		}
		sort.Strings(candidates)

		// '0' is the successor byte of the '/' delimiter, so the two
		// range conditions select exactly the subtree of the prefix.
		_, err := sess.Tx().Exec(ctx, `
			DELETE FROM prefixes p
			WHERE p.bucket_id = $1
			  AND p.level = $2
			  AND p.name = ANY($3::text[])
			  AND NOT EXISTS (
				SELECT 1 FROM objects o
				WHERE o.bucket_id = p.bucket_id
				  AND o.level = p.level + 1
				  AND o.name >= p.name || '/'
				  AND o.name <  p.name || '0'
			  )
			  AND NOT EXISTS (
				SELECT 1 FROM prefixes c
				WHERE c.bucket_id = p.bucket_id
				  AND c.level = p.level + 1
				  AND c.name >= p.name || '/'
				  AND c.name <  p.name || '0'
			  )`,
			bucketID, level, candidates)
		if err != nil {
			if pgutil.IsPermissionDenied(err) {
				return ErrPermissionDenied.Wrap(err)
			}
			return Error.New("unable to delete leaf prefixes: %w", err)
		}
	}
	return nil
}

// ListPrefixes contains arguments necessary for listing the immediate
// child prefixes under a parent.
type ListPrefixes struct {
	BucketID string
	Parent   string // empty lists the top level
	Cursor   string
	Limit    int
}

// ListPrefixes returns immediate child prefixes ordered by name.
func (store *Store) ListPrefixes(ctx context.Context, sess *session.Session, opts ListPrefixes) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	if opts.BucketID == "" {
		return nil, ErrInvalidRequest.New("BucketID missing")
	}
	if opts.Limit <= 0 || opts.Limit > ListLimit {
		opts.Limit = ListLimit
	}

	level := 1
	lower, upper := "", ""
	if opts.Parent != "" {
		level = Levels(opts.Parent) + 1
		lower = opts.Parent + "/"
		upper = opts.Parent + "0"
	}

	rows, err := sess.Tx().Query(ctx, `
		SELECT name FROM prefixes
		WHERE bucket_id = $1
		  AND level = $2
		  AND ($3 = '' OR (name >= $3 AND name < $4))
		  AND name > $5
		ORDER BY name
		LIMIT $6`,
		opts.BucketID, level, lower, upper, opts.Cursor, opts.Limit)
	if err != nil {
		if pgutil.IsPermissionDenied(err) {
			return nil, ErrPermissionDenied.Wrap(err)
		}
		return nil, Error.New("unable to list prefixes: %w", err)
	}
	defer rows.Close()

	var prefixes []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, Error.Wrap(err)
		}
		prefixes = append(prefixes, name)
	}
	return prefixes, Error.Wrap(rows.Err())
}
