// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/depot/depot"
	"storj.io/depot/depot/gc"
	"storj.io/depot/private/process"
)

// reconcileOptions selects what one reconcile run covers.
type reconcileOptions struct {
	Tenant string `help:"tenant whose bucket is reconciled" default:""`
	Bucket string `help:"bucket to reconcile" default:""`
	Before string `help:"only consider entries last modified before this RFC3339 time" default:""`
	Delete bool   `help:"delete the orphans instead of only listing them" default:"false"`
	Backup bool   `help:"schedule blob orphans for backup instead of deletion" default:"false"`
}

var (
	rootCmd = &cobra.Command{
		Use:   "depot-worker",
		Short: "Background job runner for the depot gateway",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Poll the job queue and run handlers",
		RunE:  cmdRun,
	}
	reconcileCmd = &cobra.Command{
		Use:   "reconcile",
		Short: "Compare the blob backend against the metadata store and report or remove orphans",
		RunE:  cmdReconcile,
	}

	runCfg        depot.Config
	reconcileCfg  depot.Config
	reconcileOpts reconcileOptions
)

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reconcileCmd)
	process.Bind(runCmd, &runCfg)
	process.Bind(reconcileCmd, &reconcileCfg)
	process.Bind(reconcileCmd, &reconcileOpts)
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log := zap.L()

	if err := runCfg.Verify(); err != nil {
		return err
	}

	peer, err := depot.NewWorker(ctx, log, runCfg)
	if err != nil {
		return err
	}

	runErr := peer.Run(ctx)
	closeErr := peer.Close()
	return errs.Combine(runErr, closeErr)
}

func cmdReconcile(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log := zap.L()

	if reconcileOpts.Tenant == "" || reconcileOpts.Bucket == "" {
		return errs.New("--tenant and --bucket are required")
	}
	var before time.Time
	if reconcileOpts.Before != "" {
		before, err = time.Parse(time.RFC3339, reconcileOpts.Before)
		if err != nil {
			return errs.New("invalid --before: %v", err)
		}
	}

	if err := reconcileCfg.Verify(); err != nil {
		return err
	}

	peer, err := depot.NewWorker(ctx, log, reconcileCfg)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, peer.Close()) }()

	params := gc.ScanParams{
		TenantID: reconcileOpts.Tenant,
		BucketID: reconcileOpts.Bucket,
		Before:   before,
	}

	if !reconcileOpts.Delete {
		var count int
		err := peer.GC.Scanner.Scan(ctx, params, func(ctx context.Context, orphan gc.Orphan) error {
			count++
			log.Info("orphan",
				zap.String("kind", string(orphan.Kind)),
				zap.String("name", orphan.Name),
				zap.String("version", orphan.Version),
				zap.Int64("size", orphan.Size))
			return nil
		})
		if err != nil {
			return err
		}
		log.Info("scan complete", zap.Int("orphans", count))
		return nil
	}

	stats, err := peer.GC.Scanner.DeleteOrphans(ctx, gc.DeleteParams{
		ScanParams: params,
		Backup:     reconcileOpts.Backup,
	})
	if err != nil {
		return err
	}
	log.Info("reconcile complete",
		zap.Int64("blob_orphans", stats.BlobOrphans),
		zap.Int64("row_orphans", stats.RowOrphans),
		zap.Int64("bytes", stats.Bytes))
	return nil
}

func main() {
	process.Exec(rootCmd)
}
