// Package runner executes capture tasks with bounded concurrency, a
// fail-fast failure threshold and per-task retries.
//
// The runner dispatches tasks to a Capturer through a semaphore. Once the
// failure threshold is reached (or the context is cancelled) no further
// tasks are dequeued, but every in-flight capture runs to completion so
// each dispatched task gets exactly one final outcome. Retries happen
// inside the task slot and are invisible to observers.
package runner

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/chromakey/chromakey/pkg/catalog"
)

// Config configures runner behavior.
type Config struct {
	// Concurrency is the maximum number of captures in flight.
	// Default: 4
	Concurrency int

	// MaxFailures stops dequeuing once this many tasks have failed.
	// Zero means no threshold.
	MaxFailures int

	// TaskRetries is the number of additional capture attempts after a
	// capture error. Comparison mismatches are outcomes, not errors, and
	// are never retried.
	// Default: 0
	TaskRetries int

	// CaptureRate is the maximum capture attempts per second across all
	// workers. Zero means unlimited.
	CaptureRate float64

	// RetryInitialInterval seeds the exponential backoff between capture
	// attempts. Default: 250ms. Tests shrink this.
	RetryInitialInterval time.Duration
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:          4,
		RetryInitialInterval: 250 * time.Millisecond,
	}
}

// TaskResult pairs a task with its final outcome.
type TaskResult struct {
	Task    catalog.Task    `json:"task"`
	Outcome catalog.Outcome `json:"outcome"`
}

// Report contains aggregate statistics from a completed run.
type Report struct {
	// Total is the number of tasks submitted to Run.
	Total int64

	// Completed is the number of tasks that received a final outcome.
	// Completed < Total when the run stopped early.
	Completed int64

	// Per-status tallies over completed tasks.
	Passed  int64
	Failed  int64
	New     int64
	Missing int64

	// Retried is the number of extra capture attempts spent across all
	// tasks.
	Retried int64

	// ThresholdReached is set when the failure threshold stopped the run.
	ThresholdReached bool

	// Cancelled is set when the context stopped the run. A cancelled run
	// also reports ThresholdReached semantics: dequeuing stopped and
	// in-flight tasks drained.
	Cancelled bool

	// Duration is wall time for the whole run.
	Duration time.Duration

	// Results holds every completed task ordered by task key.
	Results []TaskResult
}

// Succeeded reports whether the run should be considered passing. Under
// strict mode, new and missing baselines count as failures.
func (r *Report) Succeeded(strict bool) bool {
	if r.Cancelled || r.ThresholdReached || r.Failed > 0 {
		return false
	}
	if strict && (r.New > 0 || r.Missing > 0) {
		return false
	}
	return r.Completed == r.Total
}

// Runner executes one batch of capture tasks.
//
// Runner is safe for single use only. Create a new Runner for each run.
type Runner struct {
	capturer catalog.Capturer
	notifier Notifier
	config   Config
	logger   *zap.Logger

	// Rate limiter (nil if unlimited)
	limiter *rate.Limiter

	// Atomic counters for stats
	completed atomic.Int64
	passed    atomic.Int64
	failed    atomic.Int64
	newCount  atomic.Int64
	missing   atomic.Int64
	retried   atomic.Int64

	// eventMu serializes notifier callbacks and result recording.
	eventMu sync.Mutex
	results []TaskResult
	total   int64
}

// New creates a runner. A nil notifier discards events.
func New(c catalog.Capturer, n Notifier, cfg Config, logger *zap.Logger) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = DefaultConfig().RetryInitialInterval
	}
	if n == nil {
		n = NopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Runner{
		capturer: c,
		notifier: n,
		config:   cfg,
		logger:   logger,
	}
	if cfg.CaptureRate > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.CaptureRate), 1)
	}
	return r
}

// Run executes all tasks and returns the report.
//
// Run blocks until every dispatched task has a final outcome. Cancelling
// the context stops dequeuing; captures already in flight complete and
// their outcomes are included in the report, which is returned alongside
// the context error.
func (r *Runner) Run(ctx context.Context, tasks []catalog.Task) (*Report, error) {
	start := time.Now()
	r.total = int64(len(tasks))

	sem := make(chan struct{}, r.config.Concurrency)
	var wg sync.WaitGroup

dispatch:
	for _, task := range tasks {
		select {
		case <-ctx.Done():
			break dispatch
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			break
		}

		// Checked after the slot is acquired: with a full semaphore this
		// waits for an in-flight task to finish, so its failure is
		// already counted when the next task is about to launch.
		if r.thresholdReached() {
			<-sem
			r.logger.Info("failure threshold reached, draining in-flight tasks",
				zap.Int("maxFailures", r.config.MaxFailures))
			break
		}

		wg.Add(1)
		go func(task catalog.Task) {
			defer wg.Done()
			defer func() { <-sem }()
			r.execute(ctx, task)
		}(task)
	}

	wg.Wait()

	report := r.buildReport(time.Since(start), ctx.Err() != nil)
	return report, ctx.Err()
}

// thresholdReached reports whether the fail-fast threshold has been hit.
func (r *Runner) thresholdReached() bool {
	return r.config.MaxFailures > 0 && r.failed.Load() >= int64(r.config.MaxFailures)
}

// execute runs one task to its final outcome and publishes the events.
func (r *Runner) execute(ctx context.Context, task catalog.Task) {
	r.eventMu.Lock()
	r.notifier.TaskStarted(task)
	r.eventMu.Unlock()

	outcome := r.capture(ctx, task)

	switch outcome.Status {
	case catalog.StatusPassed:
		r.passed.Add(1)
	case catalog.StatusFailed:
		r.failed.Add(1)
	case catalog.StatusNew:
		r.newCount.Add(1)
	case catalog.StatusMissing:
		r.missing.Add(1)
	}

	// Counter increments and notifier calls share the lock so observers
	// see a monotonic Completed sequence.
	r.eventMu.Lock()
	completed := r.completed.Add(1)
	r.results = append(r.results, TaskResult{Task: task, Outcome: outcome})
	r.notifier.TaskCompleted(task, outcome)
	r.notifier.Progress(Progress{
		Completed: completed,
		Total:     r.total,
		Failed:    r.failed.Load(),
	})
	r.eventMu.Unlock()
}

// capture runs the capture attempts for one task, applying the rate limit
// and retry budget. It always returns a final outcome: a capture that
// still errors after the budget is spent becomes a failed outcome carrying
// the error text.
func (r *Runner) capture(ctx context.Context, task catalog.Task) catalog.Outcome {
	// An attempt already started is never aborted; cancellation only
	// stops further retries.
	attemptCtx := context.WithoutCancel(ctx)

	var outcome catalog.Outcome
	attempt := 0

	op := func() error {
		if attempt > 0 {
			r.retried.Add(1)
			r.logger.Debug("retrying capture",
				zap.String("task", task.Key().String()),
				zap.Int("attempt", attempt+1))
		}
		attempt++

		if r.limiter != nil {
			if err := r.limiter.Wait(attemptCtx); err != nil {
				return backoff.Permanent(err)
			}
		}

		out, err := r.capturer.Capture(attemptCtx, task)
		if err != nil {
			return err
		}
		outcome = out
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.config.RetryInitialInterval

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(r.config.TaskRetries)), ctx))
	if err != nil {
		r.logger.Warn("capture failed",
			zap.String("task", task.Key().String()),
			zap.Int("attempts", attempt),
			zap.Error(err))
		return catalog.Outcome{Status: catalog.StatusFailed, Error: err.Error()}
	}
	return outcome
}

// buildReport assembles the final report from the counters.
func (r *Runner) buildReport(duration time.Duration, cancelled bool) *Report {
	r.eventMu.Lock()
	results := make([]TaskResult, len(r.results))
	copy(results, r.results)
	r.eventMu.Unlock()

	sort.Slice(results, func(i, j int) bool {
		return results[i].Task.Key().Less(results[j].Task.Key())
	})

	return &Report{
		Total:            r.total,
		Completed:        r.completed.Load(),
		Passed:           r.passed.Load(),
		Failed:           r.failed.Load(),
		New:              r.newCount.Load(),
		Missing:          r.missing.Load(),
		Retried:          r.retried.Load(),
		ThresholdReached: r.thresholdReached(),
		Cancelled:        cancelled,
		Duration:         duration,
		Results:          results,
	}
}
