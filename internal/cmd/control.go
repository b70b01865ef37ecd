package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chromakey/chromakey/internal/config"
	"github.com/chromakey/chromakey/internal/observability"
	"github.com/chromakey/chromakey/pkg/bridge"
	"github.com/chromakey/chromakey/pkg/catalog"
	"github.com/chromakey/chromakey/pkg/indexlog"
	"github.com/chromakey/chromakey/pkg/rpc"
	"github.com/chromakey/chromakey/pkg/runmanifest"
	"github.com/chromakey/chromakey/pkg/runner"
)

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Run as a managed worker on stdin/stdout",
	Long: `Run chromakey as a worker controlled over NDJSON frames on
stdin/stdout. A host (the panel, or chromakey serve) spawns this process,
waits for the ready notification, and drives runs with run/cancel/
getStatus/getResults requests.

Logs go to stderr; stdout carries protocol frames only.`,
	RunE: runControl,
}

var controlManifestPath string

func init() {
	rootCmd.AddCommand(controlCmd)

	controlCmd.Flags().StringVar(&controlManifestPath, "manifest", "", "Run manifest to preload (read once at startup)")
}

func runControl(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		return exitError(ExitInvalidArgument, "Invalid configuration", err)
	}

	session := newControlSession(cfg, observability.CLILogger)

	// The manifest, when given, is read exactly once at startup. Later
	// edits to the file never leak into an active session.
	if controlManifestPath != "" {
		m, err := runmanifest.Load(controlManifestPath)
		if err != nil {
			return exitError(ExitInvalidArgument, "Invalid run manifest", err)
		}
		session.preload(m)
	}

	srv := rpc.NewServer(os.Stdin, os.Stdout, rpc.WithServerLogger(observability.CLILogger))
	session.register(srv)

	if err := srv.Ready(); err != nil {
		return exitError(ExitIOError, "Failed to signal readiness", err)
	}

	// Serve returns when the host closes our stdin or the command context
	// is cancelled. Either way an active run is cancelled and drained
	// before exit, so no capture is interrupted mid-write.
	serveErr := srv.Serve(ctx)
	session.drainActiveRun()

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return exitError(ExitIOError, "Control stream failed", serveErr)
	}
	return nil
}

// controlSession holds the worker-side run state behind the protocol
// handlers.
type controlSession struct {
	appCfg *config.Config
	logger *zap.Logger
	store  *indexlog.Store

	mu        sync.Mutex
	srv       *rpc.Server
	runCfg    runmanifest.Config
	manifest  *runmanifest.Manifest
	running   bool
	runID     string
	startedAt time.Time
	cancelRun context.CancelFunc
	progress  runner.Progress
	results   []runner.TaskResult

	runWG sync.WaitGroup
}

func newControlSession(cfg *config.Config, logger *zap.Logger) *controlSession {
	return &controlSession{
		appCfg: cfg,
		logger: logger,
		store:  indexlog.NewStore(cfg.Run.OutputRoot, logger),
		runCfg: cfg.Run,
	}
}

func (s *controlSession) preload(m *runmanifest.Manifest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest = m
	s.runCfg = m.Config
}

func (s *controlSession) register(srv *rpc.Server) {
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	srv.Handle(bridge.MethodRun, s.handleRun)
	srv.Handle(bridge.MethodCancel, s.handleCancel)
	srv.Handle(bridge.MethodGetStatus, s.handleGetStatus)
	srv.Handle(bridge.MethodGetResults, s.handleGetResults)
	srv.Handle(bridge.MethodGetConfig, s.handleGetConfig)
	srv.Handle(bridge.MethodSetConfig, s.handleSetConfig)
}

func (s *controlSession) handleRun(ctx context.Context, params json.RawMessage) (any, error) {
	m, err := s.resolveManifest(params)
	if err != nil {
		return nil, err
	}
	if len(m.Tasks) == 0 {
		return nil, fmt.Errorf("run manifest has no tasks")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, fmt.Errorf("run %s already active", s.runID)
	}

	runID := m.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.runID = runID
	s.startedAt = time.Now().UTC()
	s.cancelRun = cancel
	s.progress = runner.Progress{Total: int64(len(m.Tasks))}
	s.results = nil
	s.runCfg = m.Config

	s.runWG.Add(1)
	go s.executeRun(runCtx, m, runID)

	return bridge.RunAck{RunID: runID}, nil
}

// drainActiveRun cancels any active run and waits for it to finish its
// in-flight captures and final notifications.
func (s *controlSession) drainActiveRun() {
	s.mu.Lock()
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.mu.Unlock()
	s.runWG.Wait()
}

// resolveManifest prefers the manifest in the request and falls back to
// the preloaded one.
func (s *controlSession) resolveManifest(params json.RawMessage) (*runmanifest.Manifest, error) {
	if len(params) > 0 && string(params) != "null" {
		m, err := runmanifest.LoadFromBytes(params, "run.json")
		if err != nil {
			return nil, err
		}
		return m, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.manifest == nil {
		return nil, fmt.Errorf("no run manifest: pass one in the request or start with --manifest")
	}
	return s.manifest, nil
}

func (s *controlSession) executeRun(ctx context.Context, m *runmanifest.Manifest, runID string) {
	defer s.runWG.Done()

	engine := newEngine(s.appCfg)
	notifier := &controlNotifier{session: s}

	r := runner.New(engine, notifier, runner.Config{
		Concurrency: m.Config.Concurrency,
		MaxFailures: m.Config.MaxFailures,
		TaskRetries: m.Config.TaskRetries,
		CaptureRate: m.Config.CaptureRate,
	}, s.logger)

	report, runErr := r.Run(ctx, m.Tasks)

	s.mu.Lock()
	s.running = false
	s.cancelRun = nil
	srv := s.srv
	s.mu.Unlock()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		_ = srv.Notify(bridge.NotifyError, map[string]string{
			"runId": runID,
			"error": runErr.Error(),
		})
	}
	_ = srv.Notify(bridge.NotifyComplete, completePayload{
		RunID:     runID,
		Cancelled: report.Cancelled,
		Passed:    report.Passed,
		Failed:    report.Failed,
		New:       report.New,
		Missing:   report.Missing,
		Completed: report.Completed,
		Total:     report.Total,
	})

	s.logger.Info("run finished",
		zap.String("run_id", runID),
		zap.Int64("completed", report.Completed),
		zap.Int64("failed", report.Failed),
		zap.Bool("cancelled", report.Cancelled))
}

func (s *controlSession) handleCancel(_ context.Context, _ json.RawMessage) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.cancelRun == nil {
		return nil, fmt.Errorf("no active run")
	}
	s.cancelRun()
	return map[string]bool{"cancelling": true}, nil
}

func (s *controlSession) handleGetStatus(_ context.Context, _ json.RawMessage) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := bridge.RunStatus{
		Running:  s.running,
		RunID:    s.runID,
		Progress: s.progress,
	}
	if !s.startedAt.IsZero() {
		st.StartedAt = s.startedAt.Format(time.RFC3339)
	}
	return st, nil
}

func (s *controlSession) handleGetResults(_ context.Context, _ json.RawMessage) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]runner.TaskResult, len(s.results))
	copy(out, s.results)
	return out, nil
}

func (s *controlSession) handleGetConfig(_ context.Context, _ json.RawMessage) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCfg, nil
}

func (s *controlSession) handleSetConfig(_ context.Context, params json.RawMessage) (any, error) {
	var cfg runmanifest.Config
	if err := json.Unmarshal(params, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Concurrency < 0 || cfg.MaxFailures < 0 || cfg.TaskRetries < 0 {
		return nil, fmt.Errorf("config values must not be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, fmt.Errorf("cannot change config while run %s is active", s.runID)
	}
	s.runCfg = cfg
	return map[string]bool{"updated": true}, nil
}

// completePayload is the body of the complete notification.
type completePayload struct {
	RunID     string `json:"runId"`
	Cancelled bool   `json:"cancelled"`
	Passed    int64  `json:"passed"`
	Failed    int64  `json:"failed"`
	New       int64  `json:"new"`
	Missing   int64  `json:"missing"`
	Completed int64  `json:"completed"`
	Total     int64  `json:"total"`
}

// taskPayload is the body of storyStart/storyComplete notifications.
type taskPayload struct {
	StoryID      string         `json:"storyId"`
	Browser      string         `json:"browser"`
	ViewportName string         `json:"viewportName"`
	Status       catalog.Status `json:"status,omitempty"`
}

// controlNotifier fans runner events out as protocol notifications and
// appends outcomes to the results index. Runner serializes the calls.
type controlNotifier struct {
	session *controlSession
}

func (n *controlNotifier) TaskStarted(task catalog.Task) {
	_ = n.srv().Notify(bridge.NotifyStoryStart, taskPayload{
		StoryID:      task.StoryID,
		Browser:      task.Browser,
		ViewportName: task.ViewportName,
	})
}

func (n *controlNotifier) TaskCompleted(task catalog.Task, outcome catalog.Outcome) {
	s := n.session

	s.mu.Lock()
	s.results = append(s.results, runner.TaskResult{Task: task, Outcome: outcome})
	runID := s.runID
	s.mu.Unlock()

	if err := recordOutcome(s.store, runID, task, outcome); err != nil {
		s.logger.Warn("failed to append result to index",
			zap.String("task", task.Key().String()),
			zap.Error(err))
		_ = n.srv().Notify(bridge.NotifyLog, map[string]string{
			"level":   "warn",
			"message": fmt.Sprintf("failed to index result for %s: %v", task.Key(), err),
		})
	}

	_ = n.srv().Notify(bridge.NotifyStoryComplete, taskPayload{
		StoryID:      task.StoryID,
		Browser:      task.Browser,
		ViewportName: task.ViewportName,
		Status:       outcome.Status,
	})
	_ = n.srv().Notify(bridge.NotifyResult, runner.TaskResult{Task: task, Outcome: outcome})
}

func (n *controlNotifier) Progress(p runner.Progress) {
	s := n.session
	s.mu.Lock()
	s.progress = p
	s.mu.Unlock()

	_ = n.srv().Notify(bridge.NotifyProgress, p)
}

func (n *controlNotifier) srv() *rpc.Server {
	n.session.mu.Lock()
	defer n.session.mu.Unlock()
	return n.session.srv
}
