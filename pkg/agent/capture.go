package agent

import (
	"errors"
	"io/fs"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Selector picks capture files to package from the capture directory.
//
// A file is selected when it matches at least one include pattern, matches
// no exclude pattern, is not hidden (unless IncludeHidden), and is no larger
// than MaxSize (when set). Patterns use doublestar syntax relative to the
// capture directory.
type Selector struct {
	includes      []string
	excludes      []string
	includeHidden bool
	maxSize       int64
}

// SelectorConfig configures a Selector.
type SelectorConfig struct {
	Includes      []string
	Excludes      []string
	IncludeHidden bool

	// MaxSize skips files larger than this many bytes. Zero means no limit.
	MaxSize int64
}

// ErrInvalidPattern is returned for a pattern doublestar cannot compile.
var ErrInvalidPattern = errors.New("invalid glob pattern")

// PatternError names the offending pattern.
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

// DefaultCapturePatterns selects everything in the capture directory.
var DefaultCapturePatterns = []string{"**"}

// NewSelector validates and normalizes the configured patterns. With no
// includes, DefaultCapturePatterns is used.
func NewSelector(cfg SelectorConfig) (*Selector, error) {
	includes := cfg.Includes
	if len(includes) == 0 {
		includes = DefaultCapturePatterns
	}
	s := &Selector{includeHidden: cfg.IncludeHidden, maxSize: cfg.MaxSize}
	for _, raw := range includes {
		p, err := compilePattern(raw)
		if err != nil {
			return nil, err
		}
		s.includes = append(s.includes, p)
	}
	for _, raw := range cfg.Excludes {
		p, err := compilePattern(raw)
		if err != nil {
			return nil, err
		}
		s.excludes = append(s.excludes, p)
	}
	return s, nil
}

func compilePattern(raw string) (string, error) {
	p := normalizePattern(raw)
	if !doublestar.ValidatePattern(p) {
		return "", &PatternError{Pattern: raw, Err: ErrInvalidPattern}
	}
	return p, nil
}

// Match reports whether the slash-separated relative path is selected,
// ignoring size.
func (s *Selector) Match(rel string) bool {
	if !s.includeHidden && isHidden(rel) {
		return false
	}
	matched := false
	for _, p := range s.includes {
		if ok, _ := doublestar.Match(p, rel); ok {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	for _, p := range s.excludes {
		if ok, _ := doublestar.Match(p, rel); ok {
			return false
		}
	}
	return true
}

// Select walks fsys and returns the selected regular files, sorted.
func (s *Selector) Select(fsys fs.FS) ([]string, error) {
	var out []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || !s.Match(p) {
			return nil
		}
		if s.maxSize > 0 {
			info, err := d.Info()
			if err != nil {
				return err
			}
			if info.Size() > s.maxSize {
				return nil
			}
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// normalizePattern turns unescaped backslashes into slashes so Windows-style
// patterns work, keeping escapes of glob metacharacters.
func normalizePattern(pattern string) string {
	const escapable = `*?[]{}\`
	var b strings.Builder
	b.Grow(len(pattern))
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '\\' {
			b.WriteRune(r)
			continue
		}
		if i+1 < len(runes) && strings.ContainsRune(escapable, runes[i+1]) {
			b.WriteRune('\\')
			b.WriteRune(runes[i+1])
			i++
			continue
		}
		b.WriteRune('/')
	}
	return b.String()
}

// isHidden reports whether any path segment starts with a dot.
func isHidden(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if seg != "" && seg != "." && strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
