package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chromakey/chromakey/internal/config"
	"github.com/chromakey/chromakey/internal/observability"
	"github.com/chromakey/chromakey/pkg/remote"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror baselines to and from remote storage",
	Long: `Mirror the local baseline tree to or from an S3-compatible bucket.

Push uploads every local file under the baseline directory; pull
downloads every object under the configured prefix, writing each file
atomically. Neither direction deletes anything.`,
}

var syncDir string

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.AddCommand(syncPushCmd, syncPullCmd)

	syncCmd.PersistentFlags().StringVar(&syncDir, "dir", "", "Local directory to mirror (default: <outputRoot>/baselines)")
}

var syncPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Upload local baselines to the remote bucket",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runSync(cmd, "push")
	},
}

var syncPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Download remote baselines into the local tree",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runSync(cmd, "pull")
	},
}

func runSync(cmd *cobra.Command, direction string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		return exitError(ExitInvalidArgument, "Invalid configuration", err)
	}

	dir := syncDir
	if dir == "" {
		dir = filepath.Join(cfg.Run.OutputRoot, "baselines")
	}

	mirror, err := remote.New(ctx, cfg.Remote, observability.CLILogger)
	if err != nil {
		return exitError(ExitInvalidArgument, "Invalid remote configuration", err)
	}

	var stats *remote.SyncStats
	switch direction {
	case "push":
		stats, err = mirror.Push(ctx, dir)
	case "pull":
		stats, err = mirror.Pull(ctx, dir)
	}
	if err != nil {
		return exitError(ExitRemoteFailure, "Sync failed", err)
	}

	observability.CLILogger.Info("sync complete",
		zap.String("direction", direction),
		zap.Int64("files", stats.Files),
		zap.Int64("bytes", stats.Bytes))

	fmt.Printf("Synced %d files (%d bytes) %s s3://%s/%s\n",
		stats.Files, stats.Bytes, syncArrow(direction), cfg.Remote.Bucket, cfg.Remote.Prefix)
	return nil
}

func syncArrow(direction string) string {
	if direction == "push" {
		return "to"
	}
	return "from"
}
