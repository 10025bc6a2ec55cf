// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package cfgstruct_test

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"storj.io/depot/private/cfgstruct"
)

func TestBind(t *testing.T) {
	type storageConfig struct {
		Backend    string `help:"which storage backend to use" default:"file"`
		MaxRetries int    `help:"how many times to retry" default:"3"`
	}
	type config struct {
		Port                 int           `help:"port to listen on" default:"5000"`
		DatabaseURL          string        `help:"database connection string" default:""`
		PgQueueConnectionURL string        `help:"queue database connection string" default:""`
		Interval             time.Duration `help:"cycle interval" default:"30s"`
		Enabled              bool          `help:"whether the subsystem runs" default:"true"`
		Storage              storageConfig
	}

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	var c config
	cfgstruct.Bind(flags, &c)

	require.NoError(t, flags.Parse(nil))
	require.Equal(t, 5000, c.Port)
	require.Equal(t, 30*time.Second, c.Interval)
	require.True(t, c.Enabled)
	require.Equal(t, "file", c.Storage.Backend)
	require.Equal(t, 3, c.Storage.MaxRetries)

	lookup := flags.Lookup("storage.backend")
	require.NotNil(t, lookup)
	require.Equal(t, "which storage backend to use", lookup.Usage)

	require.NotNil(t, flags.Lookup("pg-queue-connection-url"))

	require.NoError(t, flags.Parse([]string{
		"--database-url=postgres://localhost/depot",
		"--storage.max-retries=5",
	}))
	require.Equal(t, "postgres://localhost/depot", c.DatabaseURL)
	require.Equal(t, 5, c.Storage.MaxRetries)
}

func TestBindInvalidDefault(t *testing.T) {
	type config struct {
		Count int `help:"count" default:"not-a-number"`
	}

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	var c config
	require.Panics(t, func() { cfgstruct.Bind(flags, &c) })
}
