// Package naming splits and joins fully qualified test and metric names
// and matches them against `*` globs.
package naming

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// RootSuite is the suite slug that names without a group belong to.
const RootSuite = "/"

// MaxNameLength is the longest test or metric name that is stored.
const MaxNameLength = 256

// Parse splits a full name into (suite, name). The suite is everything up
// to the last slash, except that a trailing bracketed variant such as
// "b.c[d/e]" is kept whole with the test name. Leading slashes are
// ignored and names without a suite belong to RootSuite.
func Parse(full string) (string, string) {
	name := strings.TrimLeft(full, "/")

	prefix, variant := name, ""
	if open := variantStart(name); open >= 0 {
		prefix, variant = name[:open], name[open:]
	}

	slash := strings.LastIndex(prefix, "/")
	if slash < 0 {
		return RootSuite, name
	}

	return prefix[:slash], prefix[slash+1:] + variant
}

// variantStart returns the index of the '[' matching a trailing ']', or
// -1 when the name does not end with a balanced bracket group.
func variantStart(name string) int {
	if !strings.HasSuffix(name, "]") {
		return -1
	}

	depth := 0

	for i := len(name) - 1; i >= 0; i-- {
		switch name[i] {
		case ']':
			depth++
		case '[':
			depth--
			if depth == 0 {
				return i
			}
		}
	}

	return -1
}

// Join is the inverse of Parse.
func Join(suite, name string) string {
	if suite == RootSuite || suite == "" {
		return name
	}

	return suite + "/" + name
}

// Glob is a compiled name pattern in which only `*` is special; it
// matches any run of characters, including slashes.
type Glob struct {
	pattern string
	re      *regexp.Regexp
}

// ErrInvalidGlob is returned for patterns using regex syntax other than
// `*`.
var ErrInvalidGlob = errors.New("invalid glob")

// globMeta are the characters a glob may not contain. Dots are common in
// test names and match themselves.
const globMeta = `[](){}+?|^$\`

// CompileGlob compiles pattern. Every character other than `*` matches
// itself, and the whole name must match. Patterns holding any other regex
// metacharacter are rejected.
func CompileGlob(pattern string) (*Glob, error) {
	if i := strings.IndexAny(pattern, globMeta); i >= 0 {
		return nil, fmt.Errorf("%w: %q: only * is a wildcard, found %q", ErrInvalidGlob, pattern, pattern[i])
	}

	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}

	return &Glob{
		pattern: pattern,
		re:      regexp.MustCompile("^" + strings.Join(parts, ".*") + "$"),
	}, nil
}

// ValidGlob reports whether pattern compiles.
func ValidGlob(pattern string) bool {
	return !strings.ContainsAny(pattern, globMeta)
}

// Match reports whether name matches the glob.
func (g *Glob) Match(name string) bool {
	return g.re.MatchString(name)
}

// String returns the source pattern.
func (g *Glob) String() string {
	return g.pattern
}

// MatchGlob compiles pattern and matches name against it. Invalid
// patterns match nothing.
func MatchGlob(pattern, name string) bool {
	g, err := CompileGlob(pattern)
	if err != nil {
		return false
	}

	return g.Match(name)
}
