// Package supervisor owns a spawned capture worker process and maps its OS
// lifecycle onto RPC endpoint state transitions.
//
// The supervisor spawns the worker in control mode with three piped
// streams, applies a deterministic execution profile, waits for the
// protocol-level ready signal, and guarantees that however the process
// dies the endpoint ends up Stopped with every pending call rejected.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chromakey/chromakey/pkg/rpc"
)

// Defaults applied by Config.applyDefaults.
const (
	DefaultControlFlag  = "--control"
	DefaultMaxHops      = 10
	DefaultReadyTimeout = 60 * time.Second
	DefaultStopGrace    = 5 * time.Second

	stderrTailLines = 20
)

// DefaultMarkers are the files whose presence identifies a project root.
var DefaultMarkers = []string{"chromakey.yaml", "package.json", ".git"}

// ErrControlModeUnsupported indicates the worker rejected the control-mode
// flag, i.e. the installed engine predates the control protocol.
var ErrControlModeUnsupported = errors.New("worker does not support control mode")

// ErrProjectRootNotFound indicates no project marker was found within the
// hop budget.
var ErrProjectRootNotFound = errors.New("no project marker found")

// StartError reports a worker that exited or stalled before readiness. It
// carries the worker's last diagnostic output so the operator sees the
// engine's own words instead of a bare timeout.
type StartError struct {
	LastStderr string
	Err        error
}

// Error implements the error interface.
func (e *StartError) Error() string {
	if e.LastStderr == "" {
		return fmt.Sprintf("worker failed to start: %v", e.Err)
	}
	return fmt.Sprintf("worker failed to start: %v (last output: %s)", e.Err, e.LastStderr)
}

// Unwrap returns the underlying cause.
func (e *StartError) Unwrap() error {
	return e.Err
}

// Config configures a Supervisor.
type Config struct {
	// Command and Args name the worker executable. The control-mode flag
	// is appended automatically.
	Command string
	Args    []string

	// ControlFlag switches the worker into control mode. Default: --control.
	ControlFlag string

	// Markers and MaxHops bound the upward project-root search.
	Markers []string
	MaxHops int

	// WorkDir overrides project-root resolution entirely.
	WorkDir string

	// ReadyTimeout bounds the wait for the worker's ready notification.
	ReadyTimeout time.Duration

	// StopGrace is how long a graceful stop may take before escalating
	// to a forceful kill. Default: 5s.
	StopGrace time.Duration

	// Profile is the execution profile applied to the worker environment.
	Profile Profile
}

func (c *Config) applyDefaults() {
	if c.ControlFlag == "" {
		c.ControlFlag = DefaultControlFlag
	}
	if len(c.Markers) == 0 {
		c.Markers = DefaultMarkers
	}
	if c.MaxHops <= 0 {
		c.MaxHops = DefaultMaxHops
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
}

// Supervisor manages one worker process. Create a new Supervisor per
// worker; it is not reusable after Stop.
type Supervisor struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.Closer
	endpoint *rpc.Endpoint
	waitErr  error

	tail   *tailBuffer
	exited chan struct{}
}

// New creates a supervisor. The worker is not spawned until Start.
func New(cfg Config, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Supervisor{
		cfg:    cfg,
		logger: logger,
		tail:   newTailBuffer(stderrTailLines),
		exited: make(chan struct{}),
	}
}

// FindProjectRoot walks upward from start until a directory containing one
// of the markers is found, visiting at most maxHops directories.
func FindProjectRoot(start string, markers []string, maxHops int) (string, error) {
	dir := filepath.Clean(start)
	for hop := 0; hop < maxHops; hop++ {
		for _, marker := range markers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf("%w within %d hops of %s", ErrProjectRootNotFound, maxHops, start)
}

// Start spawns the worker and blocks until it signals readiness or fails.
// On success the returned endpoint is Ready and requests flow. On failure
// the process is reaped and the error carries the worker's last stderr
// line; a worker that rejected the control flag yields
// ErrControlModeUnsupported.
func (s *Supervisor) Start(ctx context.Context) (*rpc.Endpoint, error) {
	dir := s.cfg.WorkDir
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		dir, err = FindProjectRoot(cwd, s.cfg.Markers, s.cfg.MaxHops)
		if err != nil {
			return nil, err
		}
	}

	args := append(append([]string{}, s.cfg.Args...), s.cfg.ControlFlag)
	cmd := exec.Command(s.cfg.Command, args...)
	cmd.Dir = dir
	cmd.Env = s.cfg.Profile.Environ(os.Environ())

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("open worker stderr: %w", err)
	}

	endpoint := rpc.NewEndpoint(stdout, stdin,
		rpc.WithReadyWait(s.cfg.ReadyTimeout),
		rpc.WithEndpointLogger(s.logger))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn worker %s: %w", s.cfg.Command, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.endpoint = endpoint
	s.mu.Unlock()

	s.logger.Debug("worker spawned",
		zap.String("command", s.cfg.Command),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("dir", dir))

	endpoint.Start()

	// Drain stderr into a bounded tail so start failures can surface the
	// worker's own diagnostics.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			s.tail.add(line)
			s.logger.Debug("worker stderr", zap.String("line", line))
		}
	}()

	// Reap the process and fold its exit into the endpoint state.
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.waitErr = err
		s.mu.Unlock()
		close(s.exited)
		endpoint.Terminate(rpc.ErrProcessTerminated)
	}()

	if err := endpoint.WaitReady(ctx); err != nil {
		s.forceStop()
		return nil, s.startFailure(err)
	}
	return endpoint, nil
}

// startFailure builds the start-time error from the stderr tail.
func (s *Supervisor) startFailure(cause error) error {
	last := s.tail.last()
	if s.rejectedControlFlag() {
		return &StartError{
			LastStderr: last,
			Err:        fmt.Errorf("%w (flag %s)", ErrControlModeUnsupported, s.cfg.ControlFlag),
		}
	}
	return &StartError{LastStderr: last, Err: cause}
}

// rejectedControlFlag inspects the stderr tail for a flag-parse complaint
// about the control-mode flag.
func (s *Supervisor) rejectedControlFlag() bool {
	for _, line := range s.tail.lines() {
		lower := strings.ToLower(line)
		if !strings.Contains(lower, s.cfg.ControlFlag) {
			continue
		}
		if strings.Contains(lower, "unknown flag") ||
			strings.Contains(lower, "unknown option") ||
			strings.Contains(lower, "unrecognized") ||
			strings.Contains(lower, "invalid option") {
			return true
		}
	}
	return false
}

// Stop requests graceful termination, escalates to a forceful kill if the
// process is still alive after the grace window, and in all cases leaves
// the endpoint Stopped.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	stdin := s.stdin
	endpoint := s.endpoint
	s.mu.Unlock()

	if endpoint != nil {
		endpoint.BeginStop()
	}
	if cmd == nil || cmd.Process == nil {
		if endpoint != nil {
			endpoint.Terminate(nil)
		}
		return nil
	}

	// Closing stdin ends the worker's serve loop via EOF. The serve loop
	// blocks in a read between frames, so a signal alone would leave it
	// stuck until the grace window kills it.
	if stdin != nil {
		_ = stdin.Close()
	}

	// SIGTERM as well: it cancels the worker's command context, which
	// cancels an active run so the drain finishes promptly.
	_ = cmd.Process.Signal(syscall.SIGTERM)

	grace := time.NewTimer(s.cfg.StopGrace)
	defer grace.Stop()

	select {
	case <-s.exited:
	case <-ctx.Done():
		s.forceStop()
		<-s.exited
	case <-grace.C:
		s.logger.Warn("worker ignored graceful stop, killing",
			zap.Int("pid", cmd.Process.Pid),
			zap.Duration("grace", s.cfg.StopGrace))
		s.forceStop()
		<-s.exited
	}

	if endpoint != nil {
		endpoint.Terminate(nil)
	}
	return nil
}

func (s *Supervisor) forceStop() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// Alive reports whether the worker process currently exists. Signal 0
// checks for existence without delivering a signal.
func (s *Supervisor) Alive() bool {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return false
	}
	select {
	case <-s.exited:
		return false
	default:
	}
	return cmd.Process.Signal(syscall.Signal(0)) == nil
}

// LastStderr returns the worker's most recent diagnostic line.
func (s *Supervisor) LastStderr() string {
	return s.tail.last()
}

// tailBuffer keeps the last n lines of worker stderr.
type tailBuffer struct {
	mu  sync.Mutex
	buf []string
	max int
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{max: n}
}

func (t *tailBuffer) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, line)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
}

func (t *tailBuffer) last() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.buf) - 1; i >= 0; i-- {
		if strings.TrimSpace(t.buf[i]) != "" {
			return t.buf[i]
		}
	}
	return ""
}

func (t *tailBuffer) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.buf))
	copy(out, t.buf)
	return out
}
