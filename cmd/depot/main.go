// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/depot/depot"
	"storj.io/depot/depot/migrations"
	"storj.io/depot/private/dbutil/pgutil"
	"storj.io/depot/private/process"
)

// migrateConfig selects the database and target of an explicit
// migration run.
type migrateConfig struct {
	DSN     string `help:"postgres dsn of the tenant database to migrate" default:""`
	Version int    `help:"migration version to stop at, latest when negative" default:"-1"`
}

var (
	rootCmd = &cobra.Command{
		Use:   "depot",
		Short: "Multi-tenant object storage gateway",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the gateway server",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:   "setup",
		Short: "Write the current settings to the config file",
		RunE:  cmdSetup,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Run storage schema migrations against a tenant database",
		RunE:  cmdMigrate,
	}

	runCfg     depot.Config
	setupCfg   depot.Config
	migrateCfg migrateConfig
)

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(migrateCmd)
	process.Bind(runCmd, &runCfg)
	process.Bind(setupCmd, &setupCfg)
	process.Bind(migrateCmd, &migrateCfg)
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log := zap.L()

	if err := runCfg.Verify(); err != nil {
		return err
	}

	peer, err := depot.New(ctx, log, runCfg)
	if err != nil {
		return err
	}

	runErr := peer.Run(ctx)
	closeErr := peer.Close()
	return errs.Combine(runErr, closeErr)
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	if _, err := os.Stat(path); err == nil {
		return errs.New("configuration already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	// Environment values were applied to the flags before this command
	// ran, so the written file captures them too.
	vip, err := process.Viper(cmd, "")
	if err != nil {
		return err
	}
	if err := vip.WriteConfigAs(path); err != nil {
		return errs.Wrap(err)
	}

	zap.L().Info("configuration written", zap.String("path", path))
	return nil
}

func cmdMigrate(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log := zap.L()

	if migrateCfg.DSN == "" {
		return errs.New("--dsn is required")
	}

	pool, err := pgutil.OpenPool(ctx, migrateCfg.DSN, "depot-migrate", 2)
	if err != nil {
		return err
	}
	defer pool.Close()

	migration, err := migrations.Tenant(pool)
	if err != nil {
		return err
	}
	if migrateCfg.Version >= 0 {
		migration = migration.TargetVersion(migrateCfg.Version)
	}
	return migration.Run(ctx, log.Named("migrate"))
}

func main() {
	process.Exec(rootCmd)
}
