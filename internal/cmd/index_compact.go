package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chromakey/chromakey/internal/config"
	"github.com/chromakey/chromakey/internal/observability"
	"github.com/chromakey/chromakey/pkg/indexlog"
)

var indexCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Rewrite an index log to drop superseded records",
	Long: `Rewrite an index log so only the latest record per
(story, browser, viewport) survives. The new log is written to a
temporary file and atomically renamed over the original.

Do not compact while a run is appending to the same domain.`,
	RunE: runIndexCompact,
}

var indexCompactJSON bool

func init() {
	indexCmd.AddCommand(indexCompactCmd)

	indexCompactCmd.Flags().BoolVar(&indexCompactJSON, "json", false, "Print compaction stats as JSON")
}

func runIndexCompact(cmd *cobra.Command, _ []string) error {
	domain, err := resolveDomain()
	if err != nil {
		return exitError(ExitInvalidArgument, "Invalid arguments", err)
	}

	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		return exitError(ExitInvalidArgument, "Invalid configuration", err)
	}

	store := indexlog.NewStore(cfg.Run.OutputRoot, observability.CLILogger)
	stats, err := store.Compact(domain)
	if err != nil {
		return exitError(ExitIOError, "Compaction failed", err)
	}

	observability.CLILogger.Info("compacted index",
		zap.String("domain", domain),
		zap.Int("removed", stats.Removed))

	if indexCompactJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	fmt.Printf("Compacted %q: %d -> %d records (%d removed)\n",
		domain, stats.RecordsBefore, stats.RecordsAfter, stats.Removed)
	return nil
}
