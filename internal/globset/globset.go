// Package globset compiles lists of glob patterns for path matching.
package globset

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Set is a compiled list of glob patterns. Patterns are matched against
// slash separated paths with no separator restriction, so `*` crosses
// directory boundaries. A nil Set matches nothing.
type Set struct {
	patterns []string
	globs    []glob.Glob
}

// Compile compiles the given patterns into a Set. An empty pattern list
// yields an empty (match nothing) Set.
func Compile(patterns ...string) (*Set, error) {
	s := &Set{patterns: patterns}
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile glob %q: %w", p, err)
		}
		s.globs = append(s.globs, g)
	}
	return s, nil
}

// MustCompile is like Compile but panics on a bad pattern. For tests and
// static pattern lists.
func MustCompile(patterns ...string) *Set {
	s, err := Compile(patterns...)
	if err != nil {
		panic(err)
	}
	return s
}

// Empty reports whether the set holds no patterns.
func (s *Set) Empty() bool {
	return s == nil || len(s.globs) == 0
}

// Match reports whether any pattern in the set matches path.
func (s *Set) Match(path string) bool {
	if s == nil {
		return false
	}
	for _, g := range s.globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// Patterns returns the source patterns the set was compiled from.
func (s *Set) Patterns() []string {
	if s == nil {
		return nil
	}
	return s.patterns
}
