package notification

import (
	"bytes"
	htmltemplate "html/template"
	"strconv"
	"strings"
	texttemplate "text/template"

	"github.com/ethpandaops/squad/pkg/comparison"
	"github.com/ethpandaops/squad/pkg/config"
	"github.com/ethpandaops/squad/pkg/store"
)

// MaxMessageSize bounds the text and html parts of a notification.
const MaxMessageSize = 1024 * 1024

// TemplateError is a template that failed to parse or execute.
type TemplateError struct {
	Name string
	Err  error
}

func (e *TemplateError) Error() string {
	return "rendering " + e.Name + " template: " + e.Err.Error()
}

func (e *TemplateError) Unwrap() error {
	return e.Err
}

// Template overrides the default notification templates. Empty parts keep
// the default.
type Template struct {
	Subject string
	Text    string
	HTML    string
}

// Content is a rendered notification.
type Content struct {
	Subject string
	Text    string
	HTML    string
}

var funcs = map[string]any{
	"deref": func(s *string) string {
		if s == nil {
			return ""
		}

		return *s
	},
}

// Renderer renders notifications with text/template and html/template.
type Renderer struct {
	baseURL  string
	siteName string
}

// NewRenderer creates a Renderer linking to the given site.
func NewRenderer(cfg *config.GlobalConfig) *Renderer {
	return &Renderer{baseURL: cfg.BaseURL, siteName: cfg.SiteName}
}

type templateData struct {
	*Notification

	BaseURL            string
	SiteName           string
	BuildURL           string
	RegressionsBySuite map[string]map[string][]string
	FixesBySuite       map[string]map[string][]string
	FailuresBySuite    map[string]map[string][]string
}

func (r *Renderer) data(n *Notification) *templateData {
	return &templateData{
		Notification:       n,
		BaseURL:            r.baseURL,
		SiteName:           r.siteName,
		BuildURL:           r.BuildURL(n.Build),
		RegressionsBySuite: nonEmpty(n.Comparison.RegressionsGroupedBySuite()),
		FixesBySuite:       nonEmpty(n.Comparison.FixesGroupedBySuite()),
		FailuresBySuite:    nonEmpty(comparison.GroupBySuite(n.Comparison.Failures)),
	}
}

// BuildURL returns the API address of a build.
func (r *Renderer) BuildURL(build *store.Build) string {
	return r.baseURL + "/api/builds/" + uintString(build.ID) + "/"
}

// Render renders the subject, text and, when withHTML is set, html of a
// notification. A nil custom template uses the defaults.
func (r *Renderer) Render(n *Notification, custom *Template, withHTML bool) (*Content, error) {
	var tpl Template
	if custom != nil {
		tpl = *custom
	}

	if tpl.Subject == "" {
		tpl.Subject = defaultSubject
	}

	if tpl.Text == "" {
		tpl.Text = diffText
	}

	if tpl.HTML == "" {
		tpl.HTML = diffHTML
	}

	data := r.data(n)

	subject, err := renderText("subject", tpl.Subject, data)
	if err != nil {
		return nil, err
	}

	text, err := renderText("text", tpl.Text, data)
	if err != nil {
		return nil, err
	}

	content := &Content{Subject: strings.TrimSpace(subject), Text: text}

	if withHTML {
		if content.HTML, err = renderHTML("html", tpl.HTML, data); err != nil {
			return nil, err
		}
	}

	return content, nil
}

// RenderPreview renders a notification awaiting moderation: the subject
// gets a "[PREVIEW] " prefix and both bodies a moderation banner.
func (r *Renderer) RenderPreview(n *Notification, custom *Template, withHTML bool) (*Content, error) {
	content, err := r.Render(n, custom, withHTML)
	if err != nil {
		return nil, err
	}

	data := r.data(n)

	banner, err := renderText("moderation", moderationText, data)
	if err != nil {
		return nil, err
	}

	content.Subject = "[PREVIEW] " + content.Subject
	content.Text = banner + content.Text

	if withHTML {
		htmlBanner, err := renderHTML("moderation", moderationHTML, data)
		if err != nil {
			return nil, err
		}

		content.HTML = strings.Replace(content.HTML, "<body>", "<body>\n"+htmlBanner, 1)
	}

	return content, nil
}

type failedJobsData struct {
	Project *store.Project
	Build   *store.Build
	Jobs    []store.TestJob
}

// RenderFailedJobs renders the admin report of test jobs that failed.
func (r *Renderer) RenderFailedJobs(
	project *store.Project, build *store.Build, jobs []store.TestJob, withHTML bool,
) (*Content, error) {
	data := &failedJobsData{Project: project, Build: build, Jobs: jobs}

	text, err := renderText("failed jobs", failedJobsText, data)
	if err != nil {
		return nil, err
	}

	content := &Content{
		Subject: build.Version + ": FAILED TEST JOBS (" + uintString(uint(len(jobs))) + ") -- " + project.FullName(),
		Text:    text,
	}

	if withHTML {
		if content.HTML, err = renderHTML("failed jobs", failedJobsHTML, data); err != nil {
			return nil, err
		}
	}

	return content, nil
}

// truncate replaces bodies over MaxMessageSize by a link to the build's
// email. It reports whether anything was replaced.
func (r *Renderer) truncate(content *Content, build *store.Build) bool {
	if len(content.Text) <= MaxMessageSize && len(content.HTML) <= MaxMessageSize {
		return false
	}

	content.Text = "The email got too big (> 1MB), please visit " +
		r.baseURL + "/api/builds/" + uintString(build.ID) + "/email/?keep=7"

	if content.HTML != "" {
		content.HTML = "<html><body>" + htmltemplate.HTMLEscapeString(content.Text) + "</body></html>"
	}

	return true
}

func renderText(name, source string, data any) (string, error) {
	tpl, err := texttemplate.New(name).Funcs(funcs).Parse(source)
	if err != nil {
		return "", &TemplateError{Name: name, Err: err}
	}

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", &TemplateError{Name: name, Err: err}
	}

	return buf.String(), nil
}

func renderHTML(name, source string, data any) (string, error) {
	tpl, err := htmltemplate.New(name).Funcs(funcs).Parse(source)
	if err != nil {
		return "", &TemplateError{Name: name, Err: err}
	}

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", &TemplateError{Name: name, Err: err}
	}

	return buf.String(), nil
}

func uintString(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}

func nonEmpty(grouped map[string]map[string][]string) map[string]map[string][]string {
	if len(grouped) == 0 {
		return nil
	}

	return grouped
}
