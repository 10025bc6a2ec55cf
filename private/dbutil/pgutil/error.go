// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package pgutil contains helpers for working with PostgreSQL databases.
package pgutil

import (
	"errors"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
)

// ErrCode returns the error code associated with any postgres error in the
// chain of errors walked by unwrapping.
func ErrCode(err error) string {
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) {
		return pgerr.Code
	}
	return ""
}

// IsConstraintError checks if the given error is about constraint violation.
func IsConstraintError(err error) bool {
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) {
		return pgerrcode.IsIntegrityConstraintViolation(pgerr.Code)
	}
	return false
}

// IsUniqueViolation checks if the given error is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	return ErrCode(err) == pgerrcode.UniqueViolation
}

// IsPermissionDenied checks whether the error came from a privilege or
// row level security check.
func IsPermissionDenied(err error) bool {
	return ErrCode(err) == pgerrcode.InsufficientPrivilege
}

// IsForeignKeyViolation checks if the given error is a foreign key
// constraint violation.
func IsForeignKeyViolation(err error) bool {
	return ErrCode(err) == pgerrcode.ForeignKeyViolation
}

// IsTransient checks whether the error is worth a single retry:
// serialization failures and deadlocks resolve themselves when the
// transaction is replayed.
func IsTransient(err error) bool {
	switch ErrCode(err) {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		return true
	}
	return false
}
