// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package metabase

import (
	"database/sql"

	"github.com/jackc/pgx/v4"
)

const objectColumns = `id, bucket_id, name, owner, version, status, size, mimetype, etag, cache_control, created_at, updated_at`

func scanObject(row pgx.Row) (Object, error) {
	var object Object
	var owner, mimetype, etag, cacheControl sql.NullString
	var size sql.NullInt64
	var status int16

	err := row.Scan(
		&object.ID, &object.BucketID, &object.Name, &owner,
		&object.Version, &status,
		&size, &mimetype, &etag, &cacheControl,
		&object.CreatedAt, &object.UpdatedAt,
	)
	if err != nil {
		return Object{}, err
	}

	object.Owner = owner.String
	object.Status = ObjectStatus(status)
	object.Size = size.Int64
	object.Mimetype = mimetype.String
	object.ETag = etag.String
	object.CacheControl = cacheControl.String
	return object, nil
}
