// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package process provides the shared bootstrap for depot binaries:
// configuration from flags, environment and an optional config file,
// logging, metrics registration and signal handling.
package process

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/depot/private/cfgstruct"
	"storj.io/depot/private/errs2"
)

// Error is the class of errors returned by this package.
var Error = errs.Class("process")

var (
	mtx      sync.Mutex
	contexts = map[*cobra.Command]context.Context{}
	received syscall.Signal
)

func defaultConfigPath(name string) string {
	if name == "" {
		name = filepath.Base(os.Args[0])
	}
	path := filepath.Join(".depot", fmt.Sprintf("%s.yaml", name))
	home, err := homedir.Dir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path)
}

// Bind registers the flags of the config struct on the command. Values
// from the environment and the config file are applied to the struct
// before the command runs.
func Bind(cmd *cobra.Command, config interface{}) {
	cfgstruct.Bind(cmd.Flags(), config)
}

// Ctx returns the context for the command, canceled when the process
// receives SIGINT or SIGTERM.
func Ctx(cmd *cobra.Command) context.Context {
	mtx.Lock()
	defer mtx.Unlock()

	if ctx, ok := contexts[cmd]; ok {
		return ctx
	}

	ctx, cancel := context.WithCancel(context.Background())
	contexts[cmd] = ctx

	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig, ok := <-c
		if !ok {
			return
		}

		mtx.Lock()
		if s, ok := sig.(syscall.Signal); ok && received == 0 {
			received = s
		}
		mtx.Unlock()

		cancel()
	}()

	return ctx
}

// Exec runs a Cobra command. Configuration from the environment and an
// optional config file is applied to the command flags before it runs.
//
// The process exit code reports how the command ended: 0 for success, 1
// for failure, 128+signal when the run was stopped by SIGINT or SIGTERM.
func Exec(cmd *cobra.Command) {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	cfgFile := flag.String("config", defaultConfigPath(cmd.Name()), "config file")
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	cleanup(cmd, cfgFile)
	err := cmd.Execute()

	mtx.Lock()
	sig := received
	mtx.Unlock()

	switch {
	case sig != 0:
		os.Exit(128 + int(sig))
	case err != nil:
		os.Exit(1)
	}
}

// cleanup wraps each runnable command so that configuration and logging
// are set up before the actual command body runs.
func cleanup(cmd *cobra.Command, cfgFile *string) {
	for _, ccmd := range cmd.Commands() {
		cleanup(ccmd, cfgFile)
	}
	if cmd.RunE == nil {
		return
	}

	internalRun := cmd.RunE
	cmd.RunE = func(cmd *cobra.Command, args []string) (err error) {
		vip, err := Viper(cmd, *cfgFile)
		if err != nil {
			return err
		}

		if err := applySettings(cmd, vip); err != nil {
			return err
		}

		logger, err := NewLogger()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		defer zap.ReplaceGlobals(logger)()
		defer zap.RedirectStdLog(logger)()

		InitMetrics()

		err = internalRun(cmd, args)
		if errs2.IsCanceled(err) {
			return nil
		}
		if err != nil {
			logger.Error("Unrecoverable error", zap.Error(err))
		}
		return err
	}
}

// Viper creates a viper instance bound to the command flags, the
// environment and the config file, if one exists.
//
// Environment names derive from flag names by replacing separators with
// underscores and uppercasing: --database-url reads DATABASE_URL,
// --storage.backend reads STORAGE_BACKEND.
func Viper(cmd *cobra.Command, cfgFile string) (*viper.Viper, error) {
	vip := viper.New()
	if err := vip.BindPFlags(cmd.Flags()); err != nil {
		return nil, Error.Wrap(err)
	}
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	vip.AutomaticEnv()

	if cfgFile != "" {
		vip.SetConfigFile(cfgFile)
		if err := vip.ReadInConfig(); err != nil && !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, Error.Wrap(err)
			}
		}
	}

	return vip, nil
}

// applySettings propagates environment and config file values back into
// the flags that were not set on the command line.
func applySettings(cmd *cobra.Command, vip *viper.Viper) error {
	var group errs.Group
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed || !vip.IsSet(f.Name) {
			return
		}
		if err := cmd.Flags().Set(f.Name, vip.GetString(f.Name)); err != nil {
			group.Add(Error.New("invalid value for %s: %v", f.Name, err))
		}
	})
	return group.Err()
}
