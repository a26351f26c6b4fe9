// Package match selects landing files by glob pattern.
//
// Patterns use doublestar semantics and are evaluated against the key
// relative to a source prefix, so "**/*.jsonl" means every JSONL file below
// the prefix however deep it sits.
package match

import (
	"errors"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultInclude selects everything below the prefix.
const DefaultInclude = "**"

var (
	// ErrInvalidPattern is returned when a pattern cannot be compiled.
	ErrInvalidPattern = errors.New("invalid glob pattern")
)

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// Config configures a Selector.
type Config struct {
	// Prefix is stripped from keys before matching. It is treated as a
	// directory: "landing/orders" never selects "landing/orders_v2/...".
	Prefix string

	// Includes default to DefaultInclude when empty.
	Includes []string
	Excludes []string

	// IncludeHidden admits keys with a path segment starting with '.'.
	// Writers commonly stage temp files that way, so they are skipped by
	// default.
	IncludeHidden bool
}

// Selector is safe for concurrent use.
type Selector struct {
	prefix        string
	includes      []string
	excludes      []string
	includeHidden bool
}

// New validates the patterns and builds a Selector.
func New(cfg Config) (*Selector, error) {
	includes := cfg.Includes
	if len(includes) == 0 {
		includes = []string{DefaultInclude}
	}
	prefix := strings.TrimPrefix(cfg.Prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	s := &Selector{prefix: prefix, includeHidden: cfg.IncludeHidden}
	var err error
	if s.includes, err = compile(includes); err != nil {
		return nil, err
	}
	if s.excludes, err = compile(cfg.Excludes); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks patterns without building a Selector.
func Validate(patterns []string) error {
	_, err := compile(patterns)
	return err
}

func compile(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		n := NormalizePattern(strings.TrimPrefix(strings.TrimSpace(p), "/"))
		if n == "" || !doublestar.ValidatePattern(n) {
			return nil, &PatternError{Pattern: p, Err: ErrInvalidPattern}
		}
		out = append(out, n)
	}
	return out, nil
}

// Prefix is the normalised listing prefix, empty or ending in "/".
func (s *Selector) Prefix() string { return s.prefix }

// Rel returns key relative to the selector's prefix and whether key lies
// under it at all.
func (s *Selector) Rel(key string) (string, bool) {
	if !strings.HasPrefix(key, s.prefix) {
		return "", false
	}
	return key[len(s.prefix):], true
}

// Match reports whether key is selected: under the prefix, matching an
// include, matching no exclude, and not hidden unless allowed.
func (s *Selector) Match(key string) bool {
	rel, ok := s.Rel(key)
	if !ok || rel == "" || strings.HasSuffix(rel, "/") {
		return false
	}
	if !s.includeHidden && IsHidden(rel) {
		return false
	}
	if !anyMatch(s.includes, rel) {
		return false
	}
	return !anyMatch(s.excludes, rel)
}

func anyMatch(patterns []string, rel string) bool {
	for _, p := range patterns {
		// Patterns were validated in New; Match cannot fail.
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// Glob metacharacters that can be escaped with backslash in patterns.
const globEscapable = `*?[]{}\`

// NormalizePattern turns unescaped backslashes into forward slashes so
// Windows-style patterns work, while keeping escapes of glob metacharacters.
//
//	"data\2024\**"    -> "data/2024/**"
//	"data/file\*.txt" -> "data/file\*.txt"
func NormalizePattern(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern))
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '\\' {
			b.WriteRune(r)
			continue
		}
		if i+1 < len(runes) && strings.ContainsRune(globEscapable, runes[i+1]) {
			b.WriteRune('\\')
			b.WriteRune(runes[i+1])
			i++
			continue
		}
		b.WriteRune('/')
	}
	return b.String()
}

// IsHidden returns true if any path segment starts with a dot.
func IsHidden(key string) bool {
	for _, seg := range strings.Split(key, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
