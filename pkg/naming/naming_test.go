package naming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		suite string
		name  string
	}{
		{input: "foo", suite: "/", name: "foo"},
		{input: "foo/bar", suite: "foo", name: "bar"},
		{input: "foo/bar/baz", suite: "foo/bar", name: "baz"},
		{input: "/foo", suite: "/", name: "foo"},
		{input: "//foo", suite: "/", name: "foo"},
		{input: "a/b.c[d/e]", suite: "a", name: "b.c[d/e]"},
		{input: "a/b/c.d[e/f]", suite: "a/b", name: "c.d[e/f]"},
		{input: "x[a/b]", suite: "/", name: "x[a/b]"},
		{input: "s/t[a][b/c]", suite: "s", name: "t[a][b/c]"},
		{input: "s/t[a[b/c]]", suite: "s", name: "t[a[b/c]]"},
		{input: "s/t]", suite: "s", name: "t]"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			suite, name := Parse(tt.input)
			assert.Equal(t, tt.suite, suite)
			assert.Equal(t, tt.name, name)
		})
	}
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "foo", Join("/", "foo"))
	assert.Equal(t, "foo", Join("", "foo"))
	assert.Equal(t, "a/b/c", Join("a/b", "c"))

	for _, full := range []string{"foo", "a/b", "a/b/c", "a/b.c[d/e]"} {
		assert.Equal(t, full, Join(Parse(full)))
	}
}

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{pattern: "suite/bar", name: "suite/bar", want: true},
		{pattern: "suite/bar", name: "suite/barbaz", want: false},
		{pattern: "suite/*", name: "suite/bar", want: true},
		{pattern: "suite/*", name: "suite/a/b", want: true},
		{pattern: "*", name: "anything/at/all", want: true},
		{pattern: "*/bar", name: "suite/bar", want: true},
		{pattern: "suite/[0-9]", name: "suite/1", want: false},
		{pattern: "suite/[0-9]", name: "suite/[0-9]", want: false},
		{pattern: "suite/a.c", name: "suite/abc", want: false},
		{pattern: "suite/a.c", name: "suite/a.c", want: true},
		{pattern: "suite/a+", name: "suite/a+", want: false},
		{pattern: "other/*", name: "suite/bar", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchGlob(tt.pattern, tt.name))
		})
	}
}

func TestCompileGlob_RejectsRegexSyntax(t *testing.T) {
	for _, pattern := range []string{
		"suite/[0-9]", "suite/(a|b)", "suite/a+", "suite/a?", "suite/a{2}",
		"^suite", "suite$", `suite\.a`, "suite/]",
	} {
		t.Run(pattern, func(t *testing.T) {
			_, err := CompileGlob(pattern)
			require.ErrorIs(t, err, ErrInvalidGlob)
			assert.False(t, ValidGlob(pattern))
		})
	}

	g, err := CompileGlob("suite/*.c")
	require.NoError(t, err)
	assert.True(t, ValidGlob("suite/*.c"))
	assert.True(t, g.Match("suite/a.b.c"))
	assert.Equal(t, "suite/*.c", g.String())
}
