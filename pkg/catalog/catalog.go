// Package catalog defines the vocabulary shared by the chromakey control
// plane: the tasks produced by story discovery, the outcomes produced by
// capture, and the composite key that identifies one logical test.
//
// The rendering engine itself is an external collaborator. It is consumed
// only through the Discoverer and Capturer interfaces defined here.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Key identifies one logical test: a story rendered in one browser at one
// viewport. Keys are the unit of baseline storage and index compaction.
type Key struct {
	// StoryID is the catalog identifier of the story, e.g. "button--primary".
	StoryID string `json:"storyId"`

	// Browser is the browser the story is rendered in, e.g. "chromium".
	Browser string `json:"browser"`

	// Viewport is the named viewport, e.g. "desktop" or "mobile".
	Viewport string `json:"viewportName"`
}

// String returns the canonical form "storyId/browser/viewport".
func (k Key) String() string {
	return k.StoryID + "/" + k.Browser + "/" + k.Viewport
}

// Less orders keys lexicographically by story, then browser, then viewport.
// Compaction uses this order so rewritten logs diff cleanly.
func (k Key) Less(other Key) bool {
	if k.StoryID != other.StoryID {
		return k.StoryID < other.StoryID
	}
	if k.Browser != other.Browser {
		return k.Browser < other.Browser
	}
	return k.Viewport < other.Viewport
}

// SanitizePathComponent maps an arbitrary key component onto a filesystem-safe
// name. The mapping is documented and stable: ASCII letters, digits, '.', '_'
// and '-' pass through; every other rune becomes a single '-'.
//
// Because the mapping is deterministic, locating an artifact never requires
// consulting the index log; only metadata lookups do.
func SanitizePathComponent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// ArtifactName derives the artifact file name for this key:
// "<storyId>__<browser>__<viewport><ext>", each component sanitized.
func (k Key) ArtifactName(ext string) string {
	return SanitizePathComponent(k.StoryID) +
		"__" + SanitizePathComponent(k.Browser) +
		"__" + SanitizePathComponent(k.Viewport) + ext
}

// Viewport is a named render size from the capture matrix.
type Viewport struct {
	Name   string `json:"name" yaml:"name"`
	Width  int    `json:"width" yaml:"width"`
	Height int    `json:"height" yaml:"height"`
}

// Task is one unit of comparison work produced by discovery. Tasks are
// immutable for the duration of a run.
type Task struct {
	StoryID         string `json:"storyId" yaml:"storyId"`
	Browser         string `json:"browser" yaml:"browser"`
	ViewportName    string `json:"viewportName" yaml:"viewportName"`
	ArtifactRelPath string `json:"artifactRelPath" yaml:"artifactRelPath"`
}

// Key returns the composite key for this task.
func (t Task) Key() Key {
	return Key{StoryID: t.StoryID, Browser: t.Browser, Viewport: t.ViewportName}
}

// Validate checks that the task carries the fields the orchestrator and
// index require.
func (t Task) Validate() error {
	if strings.TrimSpace(t.StoryID) == "" {
		return fmt.Errorf("task is missing storyId")
	}
	if strings.TrimSpace(t.Browser) == "" {
		return fmt.Errorf("task %s is missing browser", t.StoryID)
	}
	if strings.TrimSpace(t.ViewportName) == "" {
		return fmt.Errorf("task %s/%s is missing viewportName", t.StoryID, t.Browser)
	}
	return nil
}

// Status is the terminal status of one comparison.
type Status string

const (
	// StatusPassed means the capture matched the approved baseline.
	StatusPassed Status = "passed"

	// StatusFailed means the capture differed from the baseline, or the
	// capture itself failed after exhausting its retry budget.
	StatusFailed Status = "failed"

	// StatusNew means no baseline existed and one was captured for the
	// first time.
	StatusNew Status = "new"

	// StatusMissing means a baseline was expected but absent and was not
	// auto-created. Under strict mode a missing outcome fails the run.
	StatusMissing Status = "missing"
)

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusNew, StatusMissing:
		return true
	}
	return false
}

// Outcome is the result of one comparison task. Exactly one outcome is
// produced per task per run; retries collapse into the final outcome.
type Outcome struct {
	Status Status `json:"status"`

	// DiffPixels and DiffPercent are set only when a pixel comparison ran.
	DiffPixels  *int64   `json:"diffPixels,omitempty"`
	DiffPercent *float64 `json:"diffPercent,omitempty"`

	// DurationMS is the wall time of the final attempt in milliseconds.
	DurationMS int64 `json:"durationMs"`

	// ArtifactPaths lists the files the capture produced (screenshot,
	// diff image), relative to the output root.
	ArtifactPaths []string `json:"artifactPaths,omitempty"`

	// Error carries the capture error message for failed outcomes.
	Error string `json:"error,omitempty"`
}

// Discoverer produces the ordered task list for a run. Discovery runs once
// per run; the orchestrator owns the returned slice.
type Discoverer interface {
	Discover(ctx context.Context) ([]Task, error)
}

// Capturer renders one task, captures an image and compares it against the
// approved baseline. Implementations are invoked concurrently and must be
// safe for concurrent use.
type Capturer interface {
	Capture(ctx context.Context, task Task) (Outcome, error)
}

// StaticDiscoverer serves a fixed task list, typically one read from a run
// manifest by the control-mode worker.
type StaticDiscoverer struct {
	Tasks []Task
}

// Discover returns a copy of the fixed task list.
func (d StaticDiscoverer) Discover(ctx context.Context) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Task, len(d.Tasks))
	copy(out, d.Tasks)
	return out, nil
}

// ElapsedMS converts a duration into the millisecond count recorded on
// outcomes and index entries.
func ElapsedMS(d time.Duration) int64 {
	return d.Milliseconds()
}
