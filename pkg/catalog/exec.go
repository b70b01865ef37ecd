package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/chromakey/chromakey/pkg/wire"
)

// ExecEngine drives a capture engine through its one-shot subcommands:
// `discover` prints the task list as NDJSON on stdout, `capture` renders
// one task and prints a single JSON outcome. This is the non-interactive
// counterpart to running the engine in control mode.
type ExecEngine struct {
	// Command and Args name the engine executable.
	Command string
	Args    []string

	// Dir is the working directory for engine invocations.
	Dir string

	// Env overrides the engine environment. Nil inherits the parent's.
	Env []string

	Logger *zap.Logger
}

var (
	_ Discoverer = (*ExecEngine)(nil)
	_ Capturer   = (*ExecEngine)(nil)
)

func (e *ExecEngine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *ExecEngine) command(ctx context.Context, sub string, extra ...string) *exec.Cmd {
	args := append(append([]string{}, e.Args...), sub)
	args = append(args, extra...)
	cmd := exec.CommandContext(ctx, e.Command, args...)
	cmd.Dir = e.Dir
	if e.Env != nil {
		cmd.Env = e.Env
	}
	return cmd
}

// Discover asks the engine for the task list. Each stdout line is one
// task; malformed lines are dropped by the frame decoder, but a task that
// parses and still fails validation aborts discovery, since a bad catalog
// would poison the whole run.
func (e *ExecEngine) Discover(ctx context.Context) ([]Task, error) {
	cmd := e.command(ctx, "discover")

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open engine stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("run %s discover: %w", e.Command, err)
	}

	dec := wire.NewDecoder(stdout, wire.WithLogger(e.logger()))
	var tasks []Task
	var decodeErr error
	for {
		frame, err := dec.Next()
		if err != nil {
			break
		}
		var task Task
		if err := json.Unmarshal(frame, &task); err != nil {
			e.logger().Warn("dropping malformed task line", zap.Error(err))
			continue
		}
		if err := task.Validate(); err != nil {
			decodeErr = fmt.Errorf("invalid task %q: %w", task.StoryID, err)
			break
		}
		tasks = append(tasks, task)
	}

	waitErr := cmd.Wait()
	if decodeErr != nil {
		return nil, decodeErr
	}
	if waitErr != nil {
		return nil, engineError("discover", waitErr, stderr.Bytes())
	}

	e.logger().Debug("discovered tasks", zap.Int("count", len(tasks)))
	return tasks, nil
}

// Capture renders one task. The engine prints exactly one JSON outcome on
// stdout; a non-zero exit is a capture error (retryable by the caller).
func (e *ExecEngine) Capture(ctx context.Context, task Task) (Outcome, error) {
	key := task.Key()
	cmd := e.command(ctx, "capture",
		"--story", task.StoryID,
		"--browser", task.Browser,
		"--viewport", task.ViewportName,
		"--artifact", task.ArtifactRelPath,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return Outcome{}, engineError("capture "+key.String(), err, stderr.Bytes())
	}

	var outcome Outcome
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &outcome); err != nil {
		return Outcome{}, fmt.Errorf("decode outcome for %s: %w", key, err)
	}
	if !outcome.Status.Valid() {
		return Outcome{}, fmt.Errorf("engine reported unknown status %q for %s", outcome.Status, key)
	}
	if outcome.DurationMS == 0 {
		outcome.DurationMS = ElapsedMS(time.Since(start))
	}
	return outcome, nil
}

// engineError folds the exit status and the engine's stderr into one
// message.
func engineError(op string, err error, stderrOut []byte) error {
	var exitErr *exec.ExitError
	detail := ""
	if errors.As(err, &exitErr) {
		detail = " (exit " + strconv.Itoa(exitErr.ExitCode()) + ")"
	}
	msg := bytes.TrimSpace(stderrOut)
	if len(msg) > 0 {
		return fmt.Errorf("engine %s%s: %w: %s", op, detail, err, msg)
	}
	return fmt.Errorf("engine %s%s: %w", op, detail, err)
}
