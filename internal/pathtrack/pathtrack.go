// Package pathtrack maintains the current XML location as a "/tag/tag/..."
// string while events arrive, and matches such paths against masks that may
// contain '*' wildcards or '{alt,alt}' alternation groups.
package pathtrack

import "strings"

// Tracker maintains a single mutable path string, appended to on element
// start and truncated on element end.
type Tracker struct {
	path string
}

// New returns an empty Tracker positioned at the document root.
func New() *Tracker {
	return &Tracker{}
}

// Push appends a tag onto the current path.
func (t *Tracker) Push(tag string) {
	t.path += "/" + tag
}

// Pop truncates the path at the last '/'. It is a no-op on an empty path.
func (t *Tracker) Pop() {
	if i := strings.LastIndex(t.path, "/"); i >= 0 {
		t.path = t.path[:i]
	}
}

// Path returns the current path.
func (t *Tracker) Path() string {
	return t.path
}

// Empty reports whether the tracker is back at the document root.
func (t *Tracker) Empty() bool {
	return t.path == ""
}

// Normalize inserts a leading slash and removes a trailing slash, as
// configuration-supplied paths require.
func Normalize(path string) string {
	if path == "" {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimSuffix(path, "/")
}

// Match reports whether path satisfies mask. A mask with no '*' or '{' is
// compared literally; otherwise it is treated as a glob pattern.
func Match(path, mask string) bool {
	if !strings.ContainsAny(mask, "*{") {
		return path == mask
	}
	return globMatch(mask, path)
}

// globMatch expands any brace-alternation groups in pattern and tries each
// resulting concrete glob against s.
func globMatch(pattern, s string) bool {
	for _, alt := range expandBraces(pattern) {
		if starMatch(alt, s) {
			return true
		}
	}
	return false
}

// expandBraces expands the first (leftmost) "{a,b,c}" group in pattern into
// one pattern per alternative, recursing to expand any remaining groups.
// A pattern with no brace group expands to itself.
func expandBraces(pattern string) []string {
	open := strings.IndexByte(pattern, '{')
	if open < 0 {
		return []string{pattern}
	}
	close := strings.IndexByte(pattern[open:], '}')
	if close < 0 {
		return []string{pattern}
	}
	close += open
	prefix, group, suffix := pattern[:open], pattern[open+1:close], pattern[close+1:]
	var out []string
	for _, alt := range strings.Split(group, ",") {
		for _, rest := range expandBraces(suffix) {
			out = append(out, prefix+alt+rest)
		}
	}
	return out
}

// starMatch matches pattern against s where '*' in pattern matches zero or
// more characters within one path segment (never a '/'); all other
// characters must match literally. Implemented
// with the classic two-pointer wildcard algorithm (backtrack on the most
// recent '*' when a literal mismatch is hit).
func starMatch(pattern, s string) bool {
	var pi, si int
	starIdx, matchIdx := -1, 0
	for si < len(s) {
		switch {
		case pi < len(pattern) && (pattern[pi] == s[si]):
			pi++
			si++
		case pi < len(pattern) && pattern[pi] == '*':
			starIdx = pi
			matchIdx = si
			pi++
		case starIdx != -1 && s[matchIdx] != '/':
			pi = starIdx + 1
			matchIdx++
			si = matchIdx
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}
