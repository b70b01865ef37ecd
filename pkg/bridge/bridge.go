// Package bridge is the host-side facade over a managed capture worker.
//
// A Bridge owns one supervisor-spawned worker and exposes the control
// protocol as typed Go methods, so callers (the CLI, the panel API server)
// never touch raw frames. All methods are safe for concurrent use.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chromakey/chromakey/pkg/rpc"
	"github.com/chromakey/chromakey/pkg/runmanifest"
	"github.com/chromakey/chromakey/pkg/runner"
	"github.com/chromakey/chromakey/pkg/supervisor"
)

// Control protocol method names.
const (
	MethodRun        = "run"
	MethodCancel     = "cancel"
	MethodGetConfig  = "getConfig"
	MethodSetConfig  = "setConfig"
	MethodGetStatus  = "getStatus"
	MethodGetResults = "getResults"
)

// Notification method names emitted by the worker.
const (
	NotifyProgress      = "progress"
	NotifyStoryStart    = "storyStart"
	NotifyStoryComplete = "storyComplete"
	NotifyResult        = "result"
	NotifyLog           = "log"
	NotifyComplete      = "complete"
	NotifyError         = "error"
)

// DefaultCallTimeout bounds individual control calls. Run completion is
// reported via the complete notification, not the run call itself, so no
// call should take longer than this.
const DefaultCallTimeout = 30 * time.Second

// endpoint is the slice of rpc.Endpoint the bridge needs. Tests substitute
// a fake.
type endpoint interface {
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	Subscribe(method string) (<-chan json.RawMessage, func())
	State() rpc.State
}

// RunStatus is the worker's view of the current run.
type RunStatus struct {
	Running   bool            `json:"running"`
	RunID     string          `json:"runId,omitempty"`
	Progress  runner.Progress `json:"progress"`
	StartedAt string          `json:"startedAt,omitempty"`
}

// RunAck acknowledges an accepted run request.
type RunAck struct {
	RunID string `json:"runId"`
}

// Bridge drives one worker. Create with New, then Start before any call.
type Bridge struct {
	cfg    supervisor.Config
	logger *zap.Logger

	callTimeout time.Duration

	mu  sync.Mutex
	sup *supervisor.Supervisor
	ep  endpoint
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithCallTimeout overrides the per-call timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.callTimeout = d }
}

// New creates a bridge for a worker described by cfg. The worker is not
// spawned until Start.
func New(cfg supervisor.Config, logger *zap.Logger, opts ...Option) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bridge{
		cfg:         cfg,
		logger:      logger,
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start spawns the worker and waits for readiness.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ep != nil {
		return fmt.Errorf("worker already started")
	}

	sup := supervisor.New(b.cfg, b.logger)
	ep, err := sup.Start(ctx)
	if err != nil {
		return err
	}
	b.sup = sup
	b.ep = ep
	return nil
}

// Close stops the worker. Safe to call on a bridge that never started.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	sup := b.sup
	b.sup = nil
	b.ep = nil
	b.mu.Unlock()

	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// Run submits a run built from the given manifest and returns once the
// worker acknowledges it. Completion arrives later via the complete
// notification.
func (b *Bridge) Run(ctx context.Context, m *runmanifest.Manifest) (*RunAck, error) {
	raw, err := b.call(ctx, MethodRun, m)
	if err != nil {
		return nil, err
	}
	var ack RunAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, fmt.Errorf("decode run acknowledgement: %w", err)
	}
	return &ack, nil
}

// Cancel asks the worker to stop dequeuing tasks. In-flight captures
// still drain; the run completes with its cancelled flag set.
func (b *Bridge) Cancel(ctx context.Context) error {
	_, err := b.call(ctx, MethodCancel, nil)
	return err
}

// Status returns the worker's current run status.
func (b *Bridge) Status(ctx context.Context) (*RunStatus, error) {
	raw, err := b.call(ctx, MethodGetStatus, nil)
	if err != nil {
		return nil, err
	}
	var st RunStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

// Results returns the completed task results of the current or most
// recent run.
func (b *Bridge) Results(ctx context.Context) ([]runner.TaskResult, error) {
	raw, err := b.call(ctx, MethodGetResults, nil)
	if err != nil {
		return nil, err
	}
	var results []runner.TaskResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	return results, nil
}

// GetConfig returns the worker's effective run configuration.
func (b *Bridge) GetConfig(ctx context.Context) (*runmanifest.Config, error) {
	raw, err := b.call(ctx, MethodGetConfig, nil)
	if err != nil {
		return nil, err
	}
	var cfg runmanifest.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// SetConfig replaces the worker's run configuration. Rejected while a run
// is active.
func (b *Bridge) SetConfig(ctx context.Context, cfg *runmanifest.Config) error {
	_, err := b.call(ctx, MethodSetConfig, cfg)
	return err
}

// Subscribe returns a channel of raw notification payloads for the given
// method and a cancel function. Cancelling twice is harmless.
func (b *Bridge) Subscribe(method string) (<-chan json.RawMessage, func(), error) {
	b.mu.Lock()
	ep := b.ep
	b.mu.Unlock()
	if ep == nil {
		return nil, nil, fmt.Errorf("worker not started")
	}
	ch, cancel := ep.Subscribe(method)
	return ch, cancel, nil
}

// Alive reports whether the worker process is up and the endpoint ready.
func (b *Bridge) Alive() bool {
	b.mu.Lock()
	sup, ep := b.sup, b.ep
	b.mu.Unlock()
	if sup == nil || ep == nil {
		return false
	}
	return sup.Alive() && ep.State() == rpc.StateReady
}

func (b *Bridge) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	b.mu.Lock()
	ep := b.ep
	b.mu.Unlock()
	if ep == nil {
		return nil, fmt.Errorf("worker not started")
	}
	return ep.Call(ctx, method, params, b.callTimeout)
}
