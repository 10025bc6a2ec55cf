// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package metabase

import (
	"go.uber.org/zap"
)

// Store provides the typed metadata operations. It carries no
// connection of its own; every call runs on the session it is given.
//
// architecture: Database
type Store struct {
	log *zap.Logger
}

// NewStore constructs a Store.
func NewStore(log *zap.Logger) *Store {
	return &Store{log: log}
}
