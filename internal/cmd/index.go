package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chromakey/chromakey/pkg/indexlog"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Inspect and maintain the append-only index logs",
	Long: `Inspect and maintain the NDJSON index logs under the output root.

Each domain (results, snapshots) is one append-only log. Appends never
rewrite history; list and stats resolve the latest record per
(story, browser, viewport), and compact rewrites the log to hold only
those survivors.`,
}

var indexDomain string

func init() {
	rootCmd.AddCommand(indexCmd)

	indexCmd.PersistentFlags().StringVar(&indexDomain, "domain", indexlog.DomainResults, "Index domain (results or snapshots)")
}

func resolveDomain() (string, error) {
	switch indexDomain {
	case indexlog.DomainResults, indexlog.DomainSnapshots:
		return indexDomain, nil
	default:
		return "", fmt.Errorf("unknown index domain %q (want %s or %s)",
			indexDomain, indexlog.DomainResults, indexlog.DomainSnapshots)
	}
}
