// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package process

import (
	"sync"

	hw "github.com/jtolds/monkit-hw/v2"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/spacemonkeygo/monkit/v3/environment"
)

var metricsOnce sync.Once

// InitMetrics registers environment and hardware statistics into the
// default monkit registry. The admin server exposes the registry over
// HTTP.
func InitMetrics() {
	metricsOnce.Do(func() {
		environment.Register(monkit.Default)
		hw.Register(monkit.Default)
	})
}
