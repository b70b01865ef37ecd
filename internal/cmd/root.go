// Package cmd implements the chromakey CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chromakey/chromakey/internal/observability"
)

// Process exit codes.
const (
	ExitOK              = 0
	ExitTestFailures    = 1
	ExitInvalidArgument = 2
	ExitEngineFailure   = 3
	ExitIOError         = 4
	ExitRemoteFailure   = 5
	ExitCancelled       = 130
)

// codedError carries an exit code through RunE back to Execute.
type codedError struct {
	code    int
	message string
	err     error
}

func (e *codedError) Error() string {
	if e.err == nil {
		return e.message
	}
	return fmt.Sprintf("%s: %v", e.message, e.err)
}

func (e *codedError) Unwrap() error {
	return e.err
}

// exitError creates an error that makes the CLI exit with the given code.
func exitError(code int, message string, err error) error {
	return &codedError{code: code, message: message, err: err}
}

var (
	rootVerbose    bool
	rootConfigPath string
)

var rootCmd = &cobra.Command{
	Use:   "chromakey",
	Short: "Screenshot regression testing for component catalogs",
	Long: `chromakey captures screenshots of catalog stories across browsers and
viewports, compares them against approved baselines, and reports
pass/fail per (story, browser, viewport).

It runs as a CI command (chromakey test), as a managed worker driven by
a component-browser panel (chromakey control), or as a local panel API
(chromakey serve).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		observability.Init(rootVerbose)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&rootVerbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", "", "Path to chromakey.yaml (default: ./chromakey.yaml)")
}

// Execute runs the CLI and returns the process exit code. SIGINT and
// SIGTERM cancel the command context; runs drain in-flight captures
// before exiting.
func Execute() int {
	defer observability.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}

	var coded *codedError
	if errors.As(err, &coded) {
		fmt.Fprintln(os.Stderr, "Error:", coded.Error())
		return coded.code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return ExitInvalidArgument
}
