// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package errs2

import (
	"context"
	"errors"
	"net"
)

// IsCanceled returns true, when the error is a cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed)
}

// IgnoreCanceled returns nil, when the operation was about canceling.
func IgnoreCanceled(err error) error {
	if IsCanceled(err) {
		return nil
	}
	return err
}
