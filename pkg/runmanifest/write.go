package runmanifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Write persists the manifest as JSON via a temporary file and an atomic
// rename, so a reader never observes a half-written manifest.
//
// A manifest is written once per run: Write refuses to overwrite an
// existing file unless overwrite is set.
func Write(m *Manifest, path string, overwrite bool) error {
	if m == nil {
		return fmt.Errorf("run manifest is nil")
	}
	m.ApplyDefaults()
	if err := m.Check(); err != nil {
		return err
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("run manifest already exists: %s", path)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}

	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run manifest: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp manifest: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}
