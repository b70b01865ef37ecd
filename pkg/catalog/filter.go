package catalog

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// StoryFilter narrows a discovered task list by story id glob patterns.
//
// Include patterns select stories; exclude patterns remove them afterwards.
// An empty include list matches everything. Patterns use doublestar globs,
// so "forms/**" matches every story under the forms hierarchy.
type StoryFilter struct {
	includes []string
	excludes []string
}

// NewStoryFilter validates the patterns and returns a filter.
func NewStoryFilter(includes, excludes []string) (*StoryFilter, error) {
	for _, p := range includes {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid include pattern: %s", p)
		}
	}
	for _, p := range excludes {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid exclude pattern: %s", p)
		}
	}
	return &StoryFilter{includes: includes, excludes: excludes}, nil
}

// Match reports whether a story id passes the filter.
func (f *StoryFilter) Match(storyID string) bool {
	if f == nil {
		return true
	}
	if len(f.includes) > 0 {
		matched := false
		for _, p := range f.includes {
			if ok, _ := doublestar.Match(p, storyID); ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, p := range f.excludes {
		if ok, _ := doublestar.Match(p, storyID); ok {
			return false
		}
	}
	return true
}

// Apply returns the tasks whose story ids pass the filter, preserving the
// discovery order.
func (f *StoryFilter) Apply(tasks []Task) []Task {
	if f == nil || (len(f.includes) == 0 && len(f.excludes) == 0) {
		return tasks
	}
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if f.Match(t.StoryID) {
			out = append(out, t)
		}
	}
	return out
}
