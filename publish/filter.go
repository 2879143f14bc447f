package publish

import (
	"fmt"

	"github.com/gobwas/glob"
)

// WatchFilter decides which tables' changes are published. Empty pattern
// lists match everything.
type WatchFilter struct {
	globs []glob.Glob
}

// NewWatchFilter compiles glob patterns into a filter.
func NewWatchFilter(patterns []string) (*WatchFilter, error) {
	f := &WatchFilter{globs: make([]glob.Glob, 0, len(patterns))}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid watch pattern %q: %w", pattern, err)
		}
		f.globs = append(f.globs, g)
	}
	return f, nil
}

// Match reports whether changes to table should be published.
func (f *WatchFilter) Match(table string) bool {
	if len(f.globs) == 0 {
		return true
	}
	for _, g := range f.globs {
		if g.Match(table) {
			return true
		}
	}
	return false
}
