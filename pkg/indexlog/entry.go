// Package indexlog persists what was last produced for each logical test as
// an append-only, newline-delimited JSON log per domain.
//
// Appends are a single atomic write of one full line, so concurrent
// appenders from independent workers are safe without locking. Plain
// appends never delete; compaction is the only operation that removes
// records, and it rewrites the log through a temporary file and an atomic
// rename so readers racing writers always see a complete log.
package indexlog

import (
	"time"

	"github.com/chromakey/chromakey/pkg/catalog"
)

// Log domains. Each domain is one file under the store directory.
const (
	DomainSnapshots = "snapshots"
	DomainResults   = "results"
)

// Entry is one self-contained index record. The composite key
// (storyId, browser, viewportName) identifies the logical test; after
// compaction at most one entry survives per key.
type Entry struct {
	StoryID      string `json:"storyId"`
	Browser      string `json:"browser"`
	ViewportName string `json:"viewportName"`

	// SnapshotID identifies the stored reference image generation.
	SnapshotID string `json:"snapshotId"`

	Status catalog.Status `json:"status"`

	DiffPixels  *int64   `json:"diffPixels,omitempty"`
	DiffPercent *float64 `json:"diffPercent,omitempty"`
	DurationMS  int64    `json:"durationMs"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Key returns the composite key for this entry.
func (e Entry) Key() catalog.Key {
	return catalog.Key{StoryID: e.StoryID, Browser: e.Browser, Viewport: e.ViewportName}
}

// FromOutcome builds an index entry for a completed task.
func FromOutcome(task catalog.Task, outcome catalog.Outcome, snapshotID string, now time.Time) Entry {
	return Entry{
		StoryID:      task.StoryID,
		Browser:      task.Browser,
		ViewportName: task.ViewportName,
		SnapshotID:   snapshotID,
		Status:       outcome.Status,
		DiffPixels:   outcome.DiffPixels,
		DiffPercent:  outcome.DiffPercent,
		DurationMS:   outcome.DurationMS,
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	}
}
