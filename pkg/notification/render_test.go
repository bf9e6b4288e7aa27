package notification

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/squad/pkg/comparison"
	"github.com/ethpandaops/squad/pkg/config"
	"github.com/ethpandaops/squad/pkg/status"
	"github.com/ethpandaops/squad/pkg/store"
)

func testNotification() *Notification {
	project := &store.Project{ID: 1, Slug: "myproject", Group: &store.Group{Slug: "mygroup"}}
	build := &store.Build{ID: 42, Version: "v1", Project: project}

	return &Notification{
		Status:     &store.ProjectStatus{ID: 7, BuildID: build.ID},
		Build:      build,
		Project:    project,
		Comparison: &comparison.TestComparison{Results: map[string]map[comparison.Cell]string{}},
		Summary:    status.Summary{TestsPass: 3, TestsFail: 1, TestsSkip: 2},
		Metadata:   map[string]any{"kernel": "6.1", "arch": "arm64"},
	}
}

func TestRender_Defaults(t *testing.T) {
	r := NewRenderer(&config.GlobalConfig{BaseURL: "https://squad.example.com", SiteName: "SQUAD"})

	content, err := r.Render(testNotification(), nil, true)
	require.NoError(t, err)

	assert.Equal(t, "mygroup/myproject: 6 tests, 1 failed, 3 passed, 2 skipped (build v1)", content.Subject)
	assert.Contains(t, content.Text, "Details: https://squad.example.com/api/builds/42/")
	assert.Contains(t, content.Text, "arch: arm64\nkernel: 6.1\n")
	assert.Contains(t, content.HTML, `<a href="https://squad.example.com/api/builds/42/">v1</a>`)
}

func TestRender_ImportantMetadata(t *testing.T) {
	r := NewRenderer(&config.GlobalConfig{BaseURL: "https://squad.example.com"})

	n := testNotification()
	n.Project.ImportantMetadataKeys = "kernel\nmissing\n"

	assert.Equal(t, map[string]any{"kernel": "6.1"}, n.ImportantMetadata())

	content, err := r.Render(n, nil, false)
	require.NoError(t, err)
	assert.Contains(t, content.Text, "Important metadata\n------------------\nkernel: 6.1\n")
}

func TestRender_CustomTemplate(t *testing.T) {
	r := NewRenderer(&config.GlobalConfig{})

	content, err := r.Render(testNotification(), &Template{
		Subject: "{{.Project.FullName}} {{.Build.Version}}",
		Text:    "{{.Summary.TestsFail}} failing",
	}, false)
	require.NoError(t, err)

	assert.Equal(t, "mygroup/myproject v1", content.Subject)
	assert.Equal(t, "1 failing", content.Text)
}

func TestRender_TemplateErrors(t *testing.T) {
	r := NewRenderer(&config.GlobalConfig{})

	tests := []struct {
		name     string
		template Template
	}{
		{name: "syntax", template: Template{Text: "{{.Build.Version"}},
		{name: "unknown field", template: Template{Text: "{{.Nope}}"}},
		{name: "html", template: Template{HTML: "{{if}}"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Render(testNotification(), &tt.template, true)
			require.Error(t, err)

			var tplErr *TemplateError
			assert.True(t, errors.As(err, &tplErr))
		})
	}
}

func TestRenderPreview(t *testing.T) {
	r := NewRenderer(&config.GlobalConfig{BaseURL: "https://squad.example.com"})

	content, err := r.RenderPreview(testNotification(), nil, true)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(content.Subject, "[PREVIEW] mygroup/myproject"))
	assert.True(t, strings.HasPrefix(content.Text, "*** This notification is pending moderation. ***"))
	assert.Contains(t, content.HTML, "<body>\n<p><strong>This notification is pending moderation.")
}

func TestTruncate(t *testing.T) {
	r := NewRenderer(&config.GlobalConfig{BaseURL: "https://squad.example.com"})
	build := &store.Build{ID: 42}

	small := &Content{Text: "hello", HTML: "<p>hello</p>"}
	assert.False(t, r.truncate(small, build))
	assert.Equal(t, "hello", small.Text)

	big := &Content{Text: strings.Repeat("x", MaxMessageSize+1), HTML: "<p>small</p>"}
	assert.True(t, r.truncate(big, build))
	assert.Equal(t,
		"The email got too big (> 1MB), please visit https://squad.example.com/api/builds/42/email/?keep=7",
		big.Text,
	)
	assert.Equal(t, "<html><body>"+strings.Replace(big.Text, ">", "&gt;", 1)+"</body></html>", big.HTML)
}

func TestBuildMetadata(t *testing.T) {
	runs := []store.TestRun{
		{Metadata: map[string]any{"kernel": "6.1", "board": "x15"}},
		{Metadata: map[string]any{"kernel": "6.1", "board": "juno"}},
		{Metadata: map[string]any{"board": "rpi", "toolchain": "gcc"}},
	}

	assert.Equal(t, map[string]any{"kernel": "6.1", "toolchain": "gcc"}, buildMetadata(runs))
}
