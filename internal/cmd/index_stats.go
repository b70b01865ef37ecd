package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chromakey/chromakey/internal/config"
	"github.com/chromakey/chromakey/internal/observability"
	"github.com/chromakey/chromakey/pkg/catalog"
	"github.com/chromakey/chromakey/pkg/indexlog"
)

var indexStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-status counts for an index domain",
	RunE:  runIndexStats,
}

var indexStatsJSON bool

func init() {
	indexCmd.AddCommand(indexStatsCmd)

	indexStatsCmd.Flags().BoolVar(&indexStatsJSON, "json", false, "Print counts as JSON")
}

func runIndexStats(cmd *cobra.Command, _ []string) error {
	domain, err := resolveDomain()
	if err != nil {
		return exitError(ExitInvalidArgument, "Invalid arguments", err)
	}

	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		return exitError(ExitInvalidArgument, "Invalid configuration", err)
	}

	store := indexlog.NewStore(cfg.Run.OutputRoot, observability.CLILogger)
	stats, err := store.Stats(domain)
	if err != nil {
		return exitError(ExitIOError, "Failed to read index", err)
	}

	if indexStatsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	statuses := make([]catalog.Status, 0, len(stats))
	total := 0
	for status, n := range stats {
		statuses = append(statuses, status)
		total += n
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	fmt.Fprintln(w, "STATUS\tCOUNT")
	for _, status := range statuses {
		fmt.Fprintf(w, "%s\t%d\n", status, stats[status])
	}
	fmt.Fprintf(w, "\n%d entries\n", total)
	return nil
}
