package notification

const defaultSubject = `{{.Project.FullName}}: {{.Summary.TestsTotal}} tests, ` +
	`{{.Summary.TestsFail}} failed, {{.Summary.TestsPass}} passed, ` +
	`{{.Summary.TestsSkip}} skipped (build {{.Build.Version}})`

const diffText = `Project details
---------------
Project: {{.Project.FullName}}
Build: {{.Build.Version}}
{{- with .PreviousBuild}}
Previous build: {{.Version}}
{{- end}}
Details: {{.BuildURL}}
{{- with .ImportantMetadata}}

Important metadata
------------------
{{range $key, $value := .}}{{$key}}: {{$value}}
{{end}}
{{- end}}

Summary
-------
Tests: {{.Summary.TestsTotal}}
Failed: {{.Summary.TestsFail}}
Passed: {{.Summary.TestsPass}}
Skipped: {{.Summary.TestsSkip}}
Known issues: {{.Summary.TestsXFail}}
{{- with .RegressionsBySuite}}

Regressions (compared to build {{$.PreviousBuild.Version}})
-----------------------------------------------------------
{{range $env, $suites := .}}
{{$env}}:
{{- range $suite, $tests := $suites}}
  * {{$suite}}
{{- range $tests}}
    - {{.}}
{{- end}}
{{- end}}
{{end}}
{{- end}}
{{- with .FixesBySuite}}

Fixes (compared to build {{$.PreviousBuild.Version}})
-----------------------------------------------------
{{range $env, $suites := .}}
{{$env}}:
{{- range $suite, $tests := $suites}}
  * {{$suite}}
{{- range $tests}}
    - {{.}}
{{- end}}
{{- end}}
{{end}}
{{- end}}
{{- with .FailuresBySuite}}

Failures
--------
{{range $env, $suites := .}}
{{$env}}:
{{- range $suite, $tests := $suites}}
  * {{$suite}}
{{- range $tests}}
    - {{.}}
{{- end}}
{{- end}}
{{end}}
{{- end}}
{{- with .Thresholds}}

Metrics exceeding thresholds
----------------------------
{{range .}}{{.Metric.FullName}}: {{.Metric.Result}} (threshold {{.Threshold.Name}})
{{end}}
{{- end}}
{{- with .Metadata}}

Metadata
--------
{{range $key, $value := .}}{{$key}}: {{$value}}
{{end}}
{{- end}}
`

const diffHTML = `<html>
<body>
<h1>{{.Project.FullName}}, build {{.Build.Version}}</h1>
<ul>
<li>Project: {{.Project.FullName}}</li>
<li>Build: <a href="{{.BuildURL}}">{{.Build.Version}}</a></li>
{{- with .PreviousBuild}}
<li>Previous build: {{.Version}}</li>
{{- end}}
</ul>
{{- with .ImportantMetadata}}
<h2>Important metadata</h2>
<dl>
{{- range $key, $value := .}}
<dt>{{$key}}</dt><dd>{{$value}}</dd>
{{- end}}
</dl>
{{- end}}
<h2>Summary</h2>
<table>
<tr><th>Tests</th><td>{{.Summary.TestsTotal}}</td></tr>
<tr><th>Failed</th><td>{{.Summary.TestsFail}}</td></tr>
<tr><th>Passed</th><td>{{.Summary.TestsPass}}</td></tr>
<tr><th>Skipped</th><td>{{.Summary.TestsSkip}}</td></tr>
<tr><th>Known issues</th><td>{{.Summary.TestsXFail}}</td></tr>
</table>
{{- with .RegressionsBySuite}}
<h2>Regressions (compared to build {{$.PreviousBuild.Version}})</h2>
{{template "grouped" .}}
{{- end}}
{{- with .FixesBySuite}}
<h2>Fixes (compared to build {{$.PreviousBuild.Version}})</h2>
{{template "grouped" .}}
{{- end}}
{{- with .FailuresBySuite}}
<h2>Failures</h2>
{{template "grouped" .}}
{{- end}}
{{- with .Thresholds}}
<h2>Metrics exceeding thresholds</h2>
<ul>
{{- range .}}
<li>{{.Metric.FullName}}: {{.Metric.Result}} (threshold {{.Threshold.Name}})</li>
{{- end}}
</ul>
{{- end}}
</body>
</html>
{{define "grouped"}}
{{- range $env, $suites := .}}
<h3>{{$env}}</h3>
<ul>
{{- range $suite, $tests := $suites}}
<li>{{$suite}}
<ul>
{{- range $tests}}
<li>{{.}}</li>
{{- end}}
</ul>
</li>
{{- end}}
</ul>
{{- end}}
{{end}}`

const moderationText = `*** This notification is pending moderation. ***
Approve it at {{.BaseURL}}/api/builds/{{.Status.BuildID}}/status/

`

const moderationHTML = `<p><strong>This notification is pending moderation.</strong>
<a href="{{.BaseURL}}/api/builds/{{.Status.BuildID}}/status/">Approve it</a>.</p>`

const failedJobsText = `{{len .Jobs}} test jobs of build {{.Build.Version}} of {{.Project.FullName}} failed.
{{range .Jobs}}
* Test job {{.ID}}{{with .ExternalID}} ({{.}}){{end}}{{with .Environment}} in {{.}}{{end}}
  {{deref .Failure}}
{{- end}}
`

const failedJobsHTML = `<html>
<body>
<p>{{len .Jobs}} test jobs of build {{.Build.Version}} of {{.Project.FullName}} failed.</p>
<ul>
{{- range .Jobs}}
<li>Test job {{.ID}}{{with .ExternalID}} ({{.}}){{end}}{{with .Environment}} in {{.}}{{end}}: {{deref .Failure}}</li>
{{- end}}
</ul>
</body>
</html>`
