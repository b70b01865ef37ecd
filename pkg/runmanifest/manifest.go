// Package runmanifest loads, validates and persists chromakey run manifests.
//
// A run manifest freezes everything a run needs: the resolved configuration
// and the discovered task list. The host writes it exactly once before a
// run starts; the control-mode worker reads it exactly once at startup.
// Manifests are validated against an embedded JSON Schema before decoding,
// so unknown fields are rejected rather than silently ignored.
package runmanifest

import (
	"fmt"
	"time"

	"github.com/chromakey/chromakey/pkg/catalog"
)

// Version is the only supported manifest schema version.
const Version = "1.0"

// Manifest is a validated run manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// RunID correlates every record and notification of one run.
	RunID string `json:"runId" yaml:"runId"`

	// CreatedAt is when the manifest was written (RFC3339).
	CreatedAt string `json:"createdAt,omitempty" yaml:"createdAt,omitempty"`

	// Config is the resolved run configuration.
	Config Config `json:"config" yaml:"config"`

	// Tasks is the ordered task list produced by discovery.
	Tasks []catalog.Task `json:"tasks" yaml:"tasks"`
}

// Config is the run-scoped configuration frozen into a manifest.
type Config struct {
	// OutputRoot is the directory holding index logs and artifacts.
	OutputRoot string `json:"outputRoot" yaml:"outputRoot"`

	// CatalogURL is where the story index was fetched from. Informational.
	CatalogURL string `json:"catalogUrl,omitempty" yaml:"catalogUrl,omitempty"`

	// Concurrency is the maximum number of tasks in flight. Default: 4.
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`

	// MaxFailures is the fail-fast threshold. Zero disables fail-fast.
	MaxFailures int `json:"maxFailures,omitempty" yaml:"maxFailures,omitempty"`

	// TaskRetries is how often a task is retried before its outcome is
	// finalized as failed. Retries are invisible outside the run.
	TaskRetries int `json:"taskRetries,omitempty" yaml:"taskRetries,omitempty"`

	// Strict fails the run when a baseline is expected but missing.
	Strict bool `json:"strict,omitempty" yaml:"strict,omitempty"`

	// CaptureRate limits captures per second. Zero means unlimited.
	CaptureRate float64 `json:"captureRate,omitempty" yaml:"captureRate,omitempty"`

	// Browsers and Viewports describe the capture matrix.
	Browsers  []string           `json:"browsers,omitempty" yaml:"browsers,omitempty"`
	Viewports []catalog.Viewport `json:"viewports,omitempty" yaml:"viewports,omitempty"`

	// IncludeStories/ExcludeStories are the story glob filters the task
	// list was narrowed with.
	IncludeStories []string `json:"includeStories,omitempty" yaml:"includeStories,omitempty"`
	ExcludeStories []string `json:"excludeStories,omitempty" yaml:"excludeStories,omitempty"`
}

// ApplyDefaults fills optional fields with their defaults.
func (m *Manifest) ApplyDefaults() {
	if m.Config.Concurrency <= 0 {
		m.Config.Concurrency = 4
	}
	if m.CreatedAt == "" {
		m.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
}

// Check verifies semantic constraints the schema cannot express.
func (m *Manifest) Check() error {
	if m.Version != Version {
		return fmt.Errorf("unsupported manifest version: %q", m.Version)
	}
	if m.RunID == "" {
		return fmt.Errorf("runId is required")
	}
	if m.Config.OutputRoot == "" {
		return fmt.Errorf("config.outputRoot is required")
	}
	for i, t := range m.Tasks {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tasks[%d]: %w", i, err)
		}
	}
	return nil
}
