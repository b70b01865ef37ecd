package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chromakey/chromakey/internal/config"
	"github.com/chromakey/chromakey/internal/observability"
	"github.com/chromakey/chromakey/pkg/indexlog"
)

var indexListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the latest record per test",
	Long: `List the surviving record for every (story, browser, viewport) in an
index domain, sorted by key.

Example:
  chromakey index list
  chromakey index list --domain snapshots --json`,
	RunE: runIndexList,
}

var indexListJSON bool

func init() {
	indexCmd.AddCommand(indexListCmd)

	indexListCmd.Flags().BoolVar(&indexListJSON, "json", false, "Print entries as JSON")
}

func runIndexList(cmd *cobra.Command, _ []string) error {
	domain, err := resolveDomain()
	if err != nil {
		return exitError(ExitInvalidArgument, "Invalid arguments", err)
	}

	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		return exitError(ExitInvalidArgument, "Invalid configuration", err)
	}

	store := indexlog.NewStore(cfg.Run.OutputRoot, observability.CLILogger)
	entries, err := store.Load(domain)
	if err != nil {
		return exitError(ExitIOError, "Failed to read index", err)
	}

	if indexListJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Printf("Index %q is empty\n", domain)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	fmt.Fprintln(w, "STORY\tBROWSER\tVIEWPORT\tSTATUS\tUPDATED")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.StoryID,
			e.Browser,
			e.ViewportName,
			e.Status,
			e.UpdatedAt.Format(time.RFC3339),
		)
	}
	fmt.Fprintf(w, "\n%d entries\n", len(entries))
	return nil
}
