package runmanifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chromakey/chromakey/pkg/catalog"
)

const validYAML = `
version: "1.0"
runId: run-123
config:
  outputRoot: /tmp/chromakey
  concurrency: 2
  maxFailures: 5
  strict: true
  browsers: [chromium, firefox]
  viewports:
    - name: desktop
      width: 1280
      height: 720
tasks:
  - storyId: btn--primary
    browser: chromium
    viewportName: desktop
    artifactRelPath: artifacts/btn--primary__chromium__desktop.png
`

func TestLoadFromBytesYAML(t *testing.T) {
	m, err := LoadFromBytes([]byte(validYAML), "run.yaml")
	require.NoError(t, err)

	assert.Equal(t, "run-123", m.RunID)
	assert.Equal(t, 2, m.Config.Concurrency)
	assert.True(t, m.Config.Strict)
	require.Len(t, m.Tasks, 1)
	assert.Equal(t, "btn--primary", m.Tasks[0].StoryID)
	assert.NotEmpty(t, m.CreatedAt, "defaults applied")
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	doc := `
version: "1.0"
runId: run-123
config:
  outputRoot: /tmp/x
  hotReload: true
tasks: []
`
	_, err := LoadFromBytes([]byte(doc), "run.yaml")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestLoadRejectsWrongVersion(t *testing.T) {
	doc := `
version: "2.0"
runId: run-123
config:
  outputRoot: /tmp/x
tasks: []
`
	_, err := LoadFromBytes([]byte(doc), "run.yaml")
	assert.Error(t, err)
}

func TestLoadRejectsTaskMissingFields(t *testing.T) {
	doc := `
version: "1.0"
runId: run-123
config:
  outputRoot: /tmp/x
tasks:
  - storyId: btn--primary
    browser: chromium
`
	_, err := LoadFromBytes([]byte(doc), "run.yaml")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestLoadEmptyManifest(t *testing.T) {
	_, err := LoadFromBytes(nil, "run.yaml")
	assert.Error(t, err)
}

func TestValidationErrorsFormatting(t *testing.T) {
	errs := ValidationErrors{
		{Path: "/config/concurrency", Message: "must be >= 1"},
		{Path: "/tasks/0", Message: "missing viewportName"},
	}
	msg := errs.Error()
	assert.Contains(t, msg, "2 errors")
	assert.Contains(t, msg, "/config/concurrency")
	assert.True(t, errors.Is(errs, ErrValidationFailed))
}

func TestWriteAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.json")

	m := &Manifest{
		Version: Version,
		RunID:   "run-abc",
		Config: Config{
			OutputRoot: dir,
			Browsers:   []string{"chromium"},
			Viewports:  []catalog.Viewport{{Name: "desktop", Width: 1280, Height: 720}},
		},
		Tasks: []catalog.Task{
			{StoryID: "a", Browser: "chromium", ViewportName: "desktop"},
		},
	}
	require.NoError(t, Write(m, path, false))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, m.RunID, loaded.RunID)
	assert.Equal(t, m.Tasks, loaded.Tasks)
}

func TestWriteIsWriteOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.json")

	m := &Manifest{
		Version: Version,
		RunID:   "run-1",
		Config:  Config{OutputRoot: dir},
	}
	require.NoError(t, Write(m, path, false))

	err := Write(m, path, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	// Overwrite is an explicit decision.
	require.NoError(t, Write(m, path, true))
}

func TestWriteLeavesNoTempFilesBehind(t *testing.T) {
	dir := t.TempDir()
	m := &Manifest{Version: Version, RunID: "run-1", Config: Config{OutputRoot: dir}}
	require.NoError(t, Write(m, filepath.Join(dir, "run.json"), false))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "run.json", entries[0].Name())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
