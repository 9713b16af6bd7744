// Package glob matches file names and relative paths against the minimal
// glob dialect of spec §4.2: "*" matches any run of non-separator
// characters, "?" matches a single character, and "**" matches across
// separators.
package glob

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Matcher holds a compiled set of exclude patterns.
type Matcher struct {
	patterns []compiledPattern
}

type compiledPattern struct {
	raw  string
	g    glob.Glob
	full glob.Glob
}

// Compile compiles a list of exclude patterns. Each pattern is compiled
// twice: once for matching against a bare file name, once for matching
// against the full normalized relative path, per spec §4.2 ("Patterns are
// evaluated against both the file name and the normalized relative path").
func Compile(patterns []string) (*Matcher, error) {
	m := &Matcher{patterns: make([]compiledPattern, 0, len(patterns))}
	for _, p := range patterns {
		nameGlob, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling exclude pattern %q: %w", p, err)
		}
		fullGlob, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("compiling exclude pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, compiledPattern{raw: p, g: nameGlob, full: fullGlob})
	}
	return m, nil
}

// Match reports whether name or relPath matches any compiled pattern.
// relPath must already be normalized to forward slashes.
func (m *Matcher) Match(name, relPath string) bool {
	if m == nil {
		return false
	}
	for _, p := range m.patterns {
		if p.g.Match(name) || p.full.Match(relPath) {
			return true
		}
	}
	return false
}
