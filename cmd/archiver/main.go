// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Archiver moves aged audit rows out of PostgreSQL into compressed,
// checksummed archives on S3-compatible storage, then deletes only what it
// has verified.
package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"storj.io/audit-archiver/pkg/archiver"
	"storj.io/audit-archiver/pkg/config"
	"storj.io/audit-archiver/pkg/objectstore"
	"storj.io/audit-archiver/pkg/process"
)

var (
	rootCmd = &cobra.Command{
		Use:           "archiver",
		Short:         "Audit table archival to object storage",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	archiveCmd = &cobra.Command{
		Use:   "archive",
		Short: "Archive and delete rows past retention",
		RunE:  cmdArchive,
	}
	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List stored archive objects",
		RunE:  cmdList,
	}

	runCfg struct {
		Config    string
		DryRun    bool
		Database  string
		Table     string
		Verbose   bool
		LogLevel  string
		LogFormat string
	}
)

func init() {
	for _, cmd := range []*cobra.Command{archiveCmd, listCmd} {
		cmd.Flags().StringVar(&runCfg.Config, "config", "archiver.yaml", "path to the YAML configuration file")
		cmd.Flags().StringVar(&runCfg.Database, "database", "", "restrict the run to one database")
		cmd.Flags().StringVar(&runCfg.Table, "table", "", "restrict the run to one table")
		cmd.Flags().StringVar(&runCfg.LogLevel, "log-level", "info", "minimum log level")
		cmd.Flags().StringVar(&runCfg.LogFormat, "log-format", "console", "log encoding, console or json")
		cmd.Flags().BoolVarP(&runCfg.Verbose, "verbose", "v", false, "debug logging")
	}
	archiveCmd.Flags().BoolVar(&runCfg.DryRun, "dry-run", false, "read and verify without uploading or deleting")

	rootCmd.AddCommand(archiveCmd, listCmd)
}

func openLogger() (*zap.Logger, error) {
	return process.NewLogger(process.LogConfig{
		Level:   runCfg.LogLevel,
		Format:  runCfg.LogFormat,
		Verbose: runCfg.Verbose,
	})
}

func cmdArchive(cmd *cobra.Command, args []string) error {
	log, err := openLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := process.Ctx()
	defer cancel()

	cfg, err := config.Load(log, runCfg.Config)
	if err != nil {
		return err
	}
	store, err := objectstore.NewS3Client(ctx, log, cfg.StoreConfig(), cfg.StateDir)
	if err != nil {
		return err
	}

	runner := archiver.NewRunner(log, cfg, store, archiver.RunOptions{
		DryRun:   runCfg.DryRun,
		Database: runCfg.Database,
		Table:    runCfg.Table,
	})
	return runner.Run(ctx)
}

func cmdList(cmd *cobra.Command, args []string) error {
	log, err := openLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := process.Ctx()
	defer cancel()

	cfg, err := config.Load(log, runCfg.Config)
	if err != nil {
		return err
	}
	store, err := objectstore.NewS3Client(ctx, log, cfg.StoreConfig(), cfg.StateDir)
	if err != nil {
		return err
	}

	objects, err := archiver.ListArchives(ctx, cfg, store, runCfg.Database, runCfg.Table)
	if err != nil {
		return err
	}

	var totalSize int64
	for _, object := range objects {
		fmt.Printf("%12d  %s  %s\n", object.Size,
			object.LastModified.Format("2006-01-02 15:04:05"), object.Key)
		totalSize += object.Size
	}
	fmt.Printf("%d objects, %d bytes total\n", len(objects), totalSize)
	return nil
}

func main() {
	process.Execute(rootCmd)
}
