package indexlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/chromakey/chromakey/pkg/catalog"
)

// Store reads and writes per-domain index logs under a root directory.
//
// Layout:
//
//	<root>/index/<domain>.ndjson
//	<root>/artifacts/<sanitized artifact name>
//
// Append is safe for concurrent use across goroutines and processes.
// Compact must not run concurrently with an active run's appends; callers
// serialize it between sessions.
type Store struct {
	root   string
	logger *zap.Logger
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{root: strings.TrimSpace(dir), logger: logger}
}

// RootDir returns the store root.
func (s *Store) RootDir() string {
	return s.root
}

// LogPath returns the log file path for a domain.
func (s *Store) LogPath(domain string) string {
	return filepath.Join(s.root, "index", domain+".ndjson")
}

// ArtifactPath derives the artifact location for a composite key. The path
// is a pure function of the key, so locating an artifact never requires
// consulting the log.
func (s *Store) ArtifactPath(key catalog.Key, ext string) string {
	return filepath.Join(s.root, "artifacts", key.ArtifactName(ext))
}

// ArtifactsDir returns the directory holding captured artifacts.
func (s *Store) ArtifactsDir() string {
	return filepath.Join(s.root, "artifacts")
}

func (s *Store) ensureDir(path string) error {
	if strings.TrimSpace(s.root) == "" {
		return errors.New("index store root dir is empty")
	}
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

// Append writes one entry as a single line. The line is marshaled first and
// written with one O_APPEND write call, so concurrent appenders never
// interleave partial lines.
func (s *Store) Append(domain string, e Entry) error {
	if !e.Status.Valid() {
		return fmt.Errorf("invalid entry status: %q", e.Status)
	}

	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal index entry: %w", err)
	}
	b = append(b, '\n')

	path := s.LogPath(domain)
	if err := s.ensureDir(path); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open index log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(b); err != nil {
		return fmt.Errorf("append index entry: %w", err)
	}
	return f.Close()
}

// Scan returns every parseable entry in log order. Unparseable lines are
// skipped with a warning; they are expected after a crash mid-append.
func (s *Store) Scan(domain string) ([]Entry, error) {
	f, err := os.Open(s.LogPath(domain))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open index log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			s.logger.Warn("skipping corrupt index line",
				zap.String("domain", domain),
				zap.Int("line", lineNo),
				zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan index log: %w", err)
	}
	return entries, nil
}

// Load scans the whole log and retains the most-recently-updated entry per
// composite key. Ties on updatedAt are broken by later file position. The
// survivors are returned sorted by key.
func (s *Store) Load(domain string) ([]Entry, error) {
	entries, err := s.Scan(domain)
	if err != nil {
		return nil, err
	}

	latest := make(map[catalog.Key]Entry, len(entries))
	for _, e := range entries {
		cur, ok := latest[e.Key()]
		// Scanning in file order, a later position wins ties.
		if !ok || !e.UpdatedAt.Before(cur.UpdatedAt) {
			latest[e.Key()] = e
		}
	}

	out := make([]Entry, 0, len(latest))
	for _, e := range latest {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key().Less(out[j].Key())
	})
	return out, nil
}

// Lookup returns the surviving entry for one key, if any.
func (s *Store) Lookup(domain string, key catalog.Key) (Entry, bool, error) {
	entries, err := s.Load(domain)
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range entries {
		if e.Key() == key {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// CompactStats summarizes one compaction.
type CompactStats struct {
	RecordsBefore int `json:"records_before"`
	RecordsAfter  int `json:"records_after"`
	Removed       int `json:"removed"`
}

// Compact rewrites the log to hold only the surviving record per key,
// sorted by key for stable diffs. The new log is written to a temporary
// path and atomically renamed over the original.
//
// Compaction is the only operation that removes records. It must not run
// concurrently with an active run's appends.
func (s *Store) Compact(domain string) (CompactStats, error) {
	all, err := s.Scan(domain)
	if err != nil {
		return CompactStats{}, err
	}
	survivors, err := s.Load(domain)
	if err != nil {
		return CompactStats{}, err
	}

	stats := CompactStats{
		RecordsBefore: len(all),
		RecordsAfter:  len(survivors),
		Removed:       len(all) - len(survivors),
	}
	if len(all) == 0 {
		return stats, nil
	}

	path := s.LogPath(domain)
	tmp, err := os.CreateTemp(filepath.Dir(path), domain+".ndjson.tmp.*")
	if err != nil {
		return stats, fmt.Errorf("create temp log: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	w := bufio.NewWriter(tmp)
	for _, e := range survivors {
		b, err := json.Marshal(e)
		if err != nil {
			_ = tmp.Close()
			return stats, fmt.Errorf("marshal index entry: %w", err)
		}
		b = append(b, '\n')
		if _, err := w.Write(b); err != nil {
			_ = tmp.Close()
			return stats, fmt.Errorf("write temp log: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return stats, fmt.Errorf("flush temp log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return stats, fmt.Errorf("close temp log: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return stats, fmt.Errorf("rename compacted log: %w", err)
	}
	return stats, nil
}

// Stats aggregates surviving entries per status for one domain.
func (s *Store) Stats(domain string) (map[catalog.Status]int, error) {
	entries, err := s.Load(domain)
	if err != nil {
		return nil, err
	}
	out := make(map[catalog.Status]int)
	for _, e := range entries {
		out[e.Status]++
	}
	return out, nil
}
