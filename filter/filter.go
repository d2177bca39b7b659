package filter

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// GlobFilter selects table names using glob patterns. A pattern prefixed
// with "!" excludes matching tables even when another pattern includes them.
type GlobFilter struct {
	include []glob.Glob
	exclude []glob.Glob
}

// NewGlobFilter compiles the patterns. With no include patterns every table
// not excluded matches.
func NewGlobFilter(patterns []string) (*GlobFilter, error) {
	f := &GlobFilter{}

	for _, pattern := range patterns {
		negated := strings.HasPrefix(pattern, "!")
		raw := strings.TrimPrefix(pattern, "!")
		if raw == "" {
			continue
		}

		g, err := glob.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", pattern, err)
		}
		if negated {
			f.exclude = append(f.exclude, g)
		} else {
			f.include = append(f.include, g)
		}
	}

	return f, nil
}

// MustGlobFilter is NewGlobFilter for patterns known at compile time
func MustGlobFilter(patterns ...string) *GlobFilter {
	f, err := NewGlobFilter(patterns)
	if err != nil {
		panic(err)
	}
	return f
}

// Match reports whether table passes the filter. A nil filter matches everything.
func (f *GlobFilter) Match(table string) bool {
	if f == nil {
		return true
	}

	for _, g := range f.exclude {
		if g.Match(table) {
			return false
		}
	}

	if len(f.include) == 0 {
		return true
	}
	for _, g := range f.include {
		if g.Match(table) {
			return true
		}
	}
	return false
}

// MatchAll reports whether the filter has no patterns at all
func (f *GlobFilter) MatchAll() bool {
	return f == nil || (len(f.include) == 0 && len(f.exclude) == 0)
}

// Select returns the tables that pass the filter, preserving order
func (f *GlobFilter) Select(tables []string) []string {
	out := make([]string, 0, len(tables))
	for _, t := range tables {
		if f.Match(t) {
			out = append(out, t)
		}
	}
	return out
}
