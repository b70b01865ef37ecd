package indexlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chromakey/chromakey/pkg/catalog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), zap.NewNop())
}

func entry(story, browser, viewport string, status catalog.Status, updated time.Time) Entry {
	return Entry{
		StoryID:      story,
		Browser:      browser,
		ViewportName: viewport,
		SnapshotID:   "snap-" + story,
		Status:       status,
		CreatedAt:    updated,
		UpdatedAt:    updated,
	}
}

func TestAppendAndLoad(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.Append(DomainResults, entry("a", "chromium", "desktop", catalog.StatusPassed, now)))
	require.NoError(t, s.Append(DomainResults, entry("b", "chromium", "desktop", catalog.StatusFailed, now)))

	entries, err := s.Load(DomainResults)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].StoryID)
	assert.Equal(t, "b", entries[1].StoryID)
}

func TestLoadKeepsLatestUpdatedPerKey(t *testing.T) {
	s := newTestStore(t)
	t1 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	t3 := t2.Add(time.Hour)

	// {A@t1}, {B@t2}, {A@t3} -> one A (from t3) and one B.
	require.NoError(t, s.Append(DomainResults, entry("A", "chromium", "desktop", catalog.StatusFailed, t1)))
	require.NoError(t, s.Append(DomainResults, entry("B", "chromium", "desktop", catalog.StatusPassed, t2)))
	require.NoError(t, s.Append(DomainResults, entry("A", "chromium", "desktop", catalog.StatusPassed, t3)))

	entries, err := s.Load(DomainResults)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "A", entries[0].StoryID)
	assert.Equal(t, catalog.StatusPassed, entries[0].Status)
	assert.Equal(t, t3, entries[0].UpdatedAt)
}

func TestLoadBreaksTiesByLaterPosition(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	first := entry("A", "chromium", "desktop", catalog.StatusFailed, now)
	second := entry("A", "chromium", "desktop", catalog.StatusPassed, now)
	require.NoError(t, s.Append(DomainResults, first))
	require.NoError(t, s.Append(DomainResults, second))

	entries, err := s.Load(DomainResults)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, catalog.StatusPassed, entries[0].Status)
}

func TestCompact(t *testing.T) {
	s := newTestStore(t)
	t1 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Append(DomainSnapshots, entry("A", "chromium", "desktop", catalog.StatusPassed, t1)))
	require.NoError(t, s.Append(DomainSnapshots, entry("B", "chromium", "desktop", catalog.StatusPassed, t1.Add(time.Minute))))
	require.NoError(t, s.Append(DomainSnapshots, entry("A", "chromium", "desktop", catalog.StatusNew, t1.Add(2*time.Minute))))

	stats, err := s.Compact(DomainSnapshots)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.RecordsBefore)
	assert.Equal(t, 2, stats.RecordsAfter)
	assert.Equal(t, 1, stats.Removed)

	// The rewritten log holds exactly the survivors, sorted by key.
	raw, err := os.ReadFile(s.LogPath(DomainSnapshots))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"storyId":"A"`)
	assert.Contains(t, lines[0], `"status":"new"`)
	assert.Contains(t, lines[1], `"storyId":"B"`)
}

func TestCompactIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		story := fmt.Sprintf("story-%d", i%2)
		require.NoError(t, s.Append(DomainResults, entry(story, "firefox", "mobile", catalog.StatusPassed, now.Add(time.Duration(i)*time.Second))))
	}

	_, err := s.Compact(DomainResults)
	require.NoError(t, err)
	first, err := s.Load(DomainResults)
	require.NoError(t, err)

	stats, err := s.Compact(DomainResults)
	require.NoError(t, err)
	assert.Zero(t, stats.Removed)

	second, err := s.Load(DomainResults)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDistinctKeysAllSurviveCompaction(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	browsers := []string{"chromium", "firefox", "webkit"}
	viewports := []string{"desktop", "mobile"}
	n := 0
	for _, b := range browsers {
		for _, v := range viewports {
			require.NoError(t, s.Append(DomainResults, entry("story", b, v, catalog.StatusPassed, now)))
			n++
		}
	}

	_, err := s.Compact(DomainResults)
	require.NoError(t, err)

	entries, err := s.Load(DomainResults)
	require.NoError(t, err)
	assert.Len(t, entries, n)
}

func TestConcurrentAppendersLeaveParseableLines(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	var wg sync.WaitGroup
	browsers := []string{"chromium", "firefox"}
	statuses := []catalog.Status{catalog.StatusPassed, catalog.StatusFailed}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				e := entry("btn--primary", browsers[i], "desktop", statuses[i], now)
				assert.NoError(t, s.Append(DomainResults, e))
			}
		}(i)
	}
	wg.Wait()

	all, err := s.Scan(DomainResults)
	require.NoError(t, err)
	require.Len(t, all, 100)

	entries, err := s.Load(DomainResults)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestScanSkipsCorruptLines(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.Append(DomainResults, entry("ok", "chromium", "desktop", catalog.StatusPassed, now)))

	// Simulate a partial write from a crashed process.
	f, err := os.OpenFile(s.LogPath(DomainResults), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"storyId":"trunc`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, s.Append(DomainResults, entry("after", "chromium", "desktop", catalog.StatusPassed, now)))

	entries, err := s.Scan(DomainResults)
	require.NoError(t, err)
	// The corrupt fragment merges with the following line; both are lost,
	// but the log stays readable.
	require.NotEmpty(t, entries)
	assert.Equal(t, "ok", entries[0].StoryID)
}

func TestAppendRejectsInvalidStatus(t *testing.T) {
	s := newTestStore(t)
	e := entry("x", "chromium", "desktop", catalog.Status("bogus"), time.Now())
	assert.Error(t, s.Append(DomainResults, e))
}

func TestArtifactPathIsDerivedFromKey(t *testing.T) {
	s := NewStore("/data/chromakey", zap.NewNop())
	key := catalog.Key{StoryID: "forms/input--error", Browser: "chromium", Viewport: "mobile"}

	got := s.ArtifactPath(key, ".png")
	want := filepath.Join("/data/chromakey", "artifacts", "forms-input--error__chromium__mobile.png")
	assert.Equal(t, want, got)
}

func TestLookup(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	require.NoError(t, s.Append(DomainSnapshots, entry("a", "chromium", "desktop", catalog.StatusNew, now)))

	e, ok, err := s.Lookup(DomainSnapshots, catalog.Key{StoryID: "a", Browser: "chromium", Viewport: "desktop"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, catalog.StatusNew, e.Status)

	_, ok, err = s.Lookup(DomainSnapshots, catalog.Key{StoryID: "zzz", Browser: "chromium", Viewport: "desktop"})
	require.NoError(t, err)
	assert.False(t, ok)
}
