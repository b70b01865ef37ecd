package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chromakey/chromakey/internal/config"
	"github.com/chromakey/chromakey/internal/observability"
	"github.com/chromakey/chromakey/pkg/catalog"
	"github.com/chromakey/chromakey/pkg/indexlog"
	"github.com/chromakey/chromakey/pkg/runmanifest"
	"github.com/chromakey/chromakey/pkg/runner"
	"github.com/chromakey/chromakey/pkg/supervisor"
)

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Run screenshot regression tests",
	Long: `Discover catalog stories, capture screenshots and compare them against
approved baselines.

The resolved configuration and discovered task list are written to a run
manifest before any capture starts, and every outcome is appended to the
results index under the output root.

Exit codes: 0 all passed, 1 regressions (or new/missing baselines under
--strict), 2 invalid configuration, 3 engine failure, 130 cancelled.

Example:
  chromakey test
  chromakey test --stories 'components/button/**' --max-failures 5
  chromakey test --strict --json`,
	RunE: runTest,
}

var (
	testStories     []string
	testExclude     []string
	testConcurrency int
	testMaxFailures int
	testRetries     int
	testStrict      bool
	testJSON        bool
)

func init() {
	rootCmd.AddCommand(testCmd)

	testCmd.Flags().StringSliceVar(&testStories, "stories", nil, "Story include globs (default: all)")
	testCmd.Flags().StringSliceVar(&testExclude, "exclude", nil, "Story exclude globs")
	testCmd.Flags().IntVar(&testConcurrency, "concurrency", 0, "Max captures in flight (overrides config)")
	testCmd.Flags().IntVar(&testMaxFailures, "max-failures", 0, "Stop dequeuing after N failures (overrides config)")
	testCmd.Flags().IntVar(&testRetries, "retries", -1, "Extra capture attempts per task (overrides config)")
	testCmd.Flags().BoolVar(&testStrict, "strict", false, "Treat new and missing baselines as failures")
	testCmd.Flags().BoolVar(&testJSON, "json", false, "Print the run report as JSON")
}

func runTest(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		return exitError(ExitInvalidArgument, "Invalid configuration", err)
	}
	applyTestOverrides(cfg)

	engine := newEngine(cfg)
	tasks, err := discoverTasks(ctx, cfg, engine)
	if err != nil {
		return exitError(ExitEngineFailure, "Story discovery failed", err)
	}
	if len(tasks) == 0 {
		fmt.Fprintln(os.Stderr, "No stories matched")
		return nil
	}

	runID := uuid.New().String()
	manifestPath, err := writeRunManifest(cfg, runID, tasks)
	if err != nil {
		return exitError(ExitIOError, "Failed to write run manifest", err)
	}

	store := indexlog.NewStore(cfg.Run.OutputRoot, observability.CLILogger)
	notifier := &indexNotifier{store: store, runID: runID, logger: observability.CLILogger}

	observability.CLILogger.Info("Starting run",
		zap.String("run_id", runID),
		zap.String("manifest", manifestPath),
		zap.Int("tasks", len(tasks)),
		zap.Int("concurrency", cfg.Run.Concurrency))

	r := runner.New(engine, notifier, runner.Config{
		Concurrency: cfg.Run.Concurrency,
		MaxFailures: cfg.Run.MaxFailures,
		TaskRetries: cfg.Run.TaskRetries,
		CaptureRate: cfg.Run.CaptureRate,
	}, observability.CLILogger)

	report, runErr := r.Run(ctx, tasks)

	if err := printReport(report); err != nil {
		return exitError(ExitIOError, "Failed to print report", err)
	}

	strict := testStrict || cfg.Run.Strict
	switch {
	case runErr != nil:
		return exitError(ExitCancelled, "Run cancelled", runErr)
	case !report.Succeeded(strict):
		return exitError(ExitTestFailures, "Run failed", fmt.Errorf("%d failed, %d new, %d missing of %d",
			report.Failed, report.New, report.Missing, report.Total))
	default:
		return nil
	}
}

func applyTestOverrides(cfg *config.Config) {
	if len(testStories) > 0 {
		cfg.Run.IncludeStories = testStories
	}
	if len(testExclude) > 0 {
		cfg.Run.ExcludeStories = testExclude
	}
	if testConcurrency > 0 {
		cfg.Run.Concurrency = testConcurrency
	}
	if testMaxFailures > 0 {
		cfg.Run.MaxFailures = testMaxFailures
	}
	if testRetries >= 0 {
		cfg.Run.TaskRetries = testRetries
	}
	if testStrict {
		cfg.Run.Strict = true
	}
}

// newEngine builds the exec engine with the deterministic profile applied.
func newEngine(cfg *config.Config) *catalog.ExecEngine {
	return &catalog.ExecEngine{
		Command: cfg.Engine.Command,
		Args:    cfg.Engine.Args,
		Env:     supervisor.DeterministicProfile().Environ(os.Environ()),
		Logger:  observability.CLILogger,
	}
}

// discoverTasks runs discovery, applies the story filter and fills in
// artifact paths derived from each task's key.
func discoverTasks(ctx context.Context, cfg *config.Config, d catalog.Discoverer) ([]catalog.Task, error) {
	tasks, err := d.Discover(ctx)
	if err != nil {
		return nil, err
	}

	filter, err := catalog.NewStoryFilter(cfg.Run.IncludeStories, cfg.Run.ExcludeStories)
	if err != nil {
		return nil, fmt.Errorf("invalid story filter: %w", err)
	}
	tasks = filter.Apply(tasks)

	for i := range tasks {
		if tasks[i].ArtifactRelPath == "" {
			tasks[i].ArtifactRelPath = filepath.Join("artifacts", tasks[i].Key().ArtifactName(".png"))
		}
	}
	return tasks, nil
}

func writeRunManifest(cfg *config.Config, runID string, tasks []catalog.Task) (string, error) {
	m := &runmanifest.Manifest{
		Version: runmanifest.Version,
		RunID:   runID,
		Config:  cfg.Run,
		Tasks:   tasks,
	}
	path := filepath.Join(cfg.Run.OutputRoot, "runs", runID+".json")
	if err := runmanifest.Write(m, path, false); err != nil {
		return "", err
	}
	return path, nil
}

// recordOutcome appends the final outcome to the results index and, when
// the capture produced a fresh baseline, records the new snapshot
// generation in the snapshots index under the same run id.
func recordOutcome(store *indexlog.Store, runID string, task catalog.Task, outcome catalog.Outcome) error {
	entry := indexlog.FromOutcome(task, outcome, runID, time.Now().UTC())
	if err := store.Append(indexlog.DomainResults, entry); err != nil {
		return err
	}
	if outcome.Status == catalog.StatusNew {
		if err := store.Append(indexlog.DomainSnapshots, entry); err != nil {
			return err
		}
	}
	return nil
}

// indexNotifier appends every final outcome to the index logs as it
// lands. Runner serializes notifier calls, so appends happen one at a
// time in completion order.
type indexNotifier struct {
	store  *indexlog.Store
	runID  string
	logger *zap.Logger
}

func (n *indexNotifier) TaskStarted(task catalog.Task) {
	n.logger.Debug("capturing", zap.String("task", task.Key().String()))
}

func (n *indexNotifier) TaskCompleted(task catalog.Task, outcome catalog.Outcome) {
	if err := recordOutcome(n.store, n.runID, task, outcome); err != nil {
		n.logger.Warn("failed to append result to index",
			zap.String("task", task.Key().String()),
			zap.Error(err))
	}
}

func (n *indexNotifier) Progress(p runner.Progress) {
	n.logger.Info("progress",
		zap.Int64("completed", p.Completed),
		zap.Int64("total", p.Total),
		zap.Int64("failed", p.Failed))
}

func printReport(report *runner.Report) error {
	if testJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	fmt.Fprintln(w, "STORY\tBROWSER\tVIEWPORT\tSTATUS\tDURATION")
	for _, res := range report.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%dms\n",
			res.Task.StoryID,
			res.Task.Browser,
			res.Task.ViewportName,
			res.Outcome.Status,
			res.Outcome.DurationMS,
		)
	}
	fmt.Fprintf(w, "\n%d/%d completed\t%d passed\t%d failed\t%d new\t%d missing\t%s\n",
		report.Completed, report.Total,
		report.Passed, report.Failed, report.New, report.Missing,
		report.Duration.Round(time.Millisecond))
	return nil
}
