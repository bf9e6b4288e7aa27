package store

import (
	"time"

	"gorm.io/datatypes"
)

// Test result statuses derived from Test.Result and known issues.
const (
	StatusPass  = "pass"
	StatusFail  = "fail"
	StatusXFail = "xfail"
	StatusSkip  = "skip"
)

// SuiteMetadata kinds.
const (
	KindTest   = "test"
	KindMetric = "metric"
	KindSuite  = "suite"
)

// Group access levels. Submitter and above may post results.
const (
	AccessMember     = "member"
	AccessSubmitter  = "submitter"
	AccessPrivileged = "privileged"
	AccessAdmin      = "admin"
)

// Subscription notification strategies.
const (
	NotifyAll          = "all"
	NotifyOnChange     = "change"
	NotifyOnRegression = "regression"
	NotifyOnError      = "error"
)

// Callback events and methods.
const (
	CallbackEventBuildFinished = "on_build_finished"
	CallbackMethodGet          = "get"
	CallbackMethodPost         = "post"

	CallbackObjectBuild = "build"
)

// JobStatusCanceled is the job_status of jobs cancelled before submission.
const JobStatusCanceled = "Canceled"

// Group is a namespace for projects.
type Group struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Slug      string    `gorm:"not null;uniqueIndex" json:"slug" validate:"required,slug"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Project receives results for a series of builds.
type Project struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	GroupID     uint   `gorm:"not null;uniqueIndex:idx_projects_group_slug" json:"group_id"`
	Group       *Group `json:"group,omitempty"`
	Slug        string `gorm:"not null;uniqueIndex:idx_projects_group_slug" json:"slug" validate:"required,slug"`
	Name        string `json:"name"`
	Description string `gorm:"type:text" json:"description"`
	IsPublic    bool   `json:"is_public"`

	// EnabledPlugins is ordered; plugins run in this order.
	EnabledPlugins datatypes.JSONSlice[string] `json:"enabled_plugins"`

	HTMLMail                      bool   `json:"html_mail"`
	ModerateNotifications         bool   `json:"moderate_notifications"`
	WaitBeforeNotification        *int   `json:"wait_before_notification"`
	NotificationTimeout           *int   `json:"notification_timeout"`
	ForceFinishingBuildsOnTimeout bool   `json:"force_finishing_builds_on_timeout"`
	ImportantMetadataKeys         string `gorm:"type:text" json:"important_metadata_keys"`

	DataRetentionDays        int    `json:"data_retention_days"`
	BuildConfidenceCount     int    `json:"build_confidence_count"`
	BuildConfidenceThreshold int    `json:"build_confidence_threshold"`
	ProjectSettings          string `gorm:"type:text" json:"project_settings"`

	CreatedAt time.Time `json:"created_at"`
}

// FullName returns "<group>/<project>". The Group must be loaded.
func (p *Project) FullName() string {
	if p.Group == nil {
		return p.Slug
	}

	return p.Group.Slug + "/" + p.Slug
}

// Environment is a platform results are collected on.
type Environment struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	ProjectID uint   `gorm:"not null;uniqueIndex:idx_environments_project_slug" json:"project_id"`
	Slug      string `gorm:"not null;uniqueIndex:idx_environments_project_slug" json:"slug"`
	Name      string `json:"name"`

	// ExpectedTestRuns of 0 means any number of completed test runs.
	ExpectedTestRuns int `json:"expected_test_runs"`
}

// PatchSource is a code review system builds may report back to.
type PatchSource struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	Name           string `gorm:"not null;uniqueIndex" json:"name"`
	URL            string `json:"url"`
	Username       string `json:"username"`
	Token          string `json:"-"`
	Implementation string `gorm:"not null" json:"implementation"`
}

// Build is a versioned snapshot of a project.
type Build struct {
	ID              uint         `gorm:"primaryKey" json:"id"`
	ProjectID       uint         `gorm:"not null;uniqueIndex:idx_builds_project_version" json:"project_id"`
	Project         *Project     `json:"project,omitempty"`
	Version         string       `gorm:"not null;uniqueIndex:idx_builds_project_version" json:"version"`
	Datetime        time.Time    `gorm:"index" json:"datetime"`
	CreatedAt       time.Time    `json:"created_at"`
	PatchSourceID   *uint        `json:"patch_source_id"`
	PatchSource     *PatchSource `json:"-"`
	PatchID         string       `json:"patch_id"`
	PatchBaselineID *uint        `json:"patch_baseline_id"`
	PatchNotified   bool         `json:"patch_notified"`
	KeepData        bool         `json:"keep_data"`
	IsRelease       bool         `json:"is_release"`
	ReleaseLabel    string       `json:"release_label"`
}

// BuildPlaceholder remembers a build removed by cleanup.
type BuildPlaceholder struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ProjectID      uint      `gorm:"not null;uniqueIndex:idx_build_placeholders_project_version" json:"project_id"`
	Version        string    `gorm:"not null;uniqueIndex:idx_build_placeholders_project_version" json:"version"`
	BuildDeletedAt time.Time `json:"build_deleted_at"`
}

// TestRun is one set of results for a build and environment. The *File
// fields hold object store keys.
type TestRun struct {
	ID            uint         `gorm:"primaryKey" json:"id"`
	BuildID       uint         `gorm:"not null;uniqueIndex:idx_test_runs_build_job" json:"build_id"`
	Build         *Build       `json:"-"`
	EnvironmentID uint         `gorm:"not null;index" json:"environment_id"`
	Environment   *Environment `json:"environment,omitempty"`
	JobID         string       `gorm:"not null;uniqueIndex:idx_test_runs_build_job" json:"job_id"`
	JobStatus     string       `json:"job_status"`
	JobURL        string       `json:"job_url"`
	BuildURL      string       `json:"build_url"`
	ResubmitURL   string       `json:"resubmit_url"`
	Datetime      time.Time    `json:"datetime"`
	CreatedAt     time.Time    `json:"created_at"`

	Metadata datatypes.JSONMap `json:"metadata"`

	TestsFile    string `json:"-"`
	MetricsFile  string `json:"-"`
	LogFile      string `json:"-"`
	MetadataFile string `json:"-"`

	Completed      bool `json:"completed"`
	DataProcessed  bool `json:"data_processed"`
	StatusRecorded bool `json:"status_recorded"`

	Attachments []Attachment `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// Attachment is an arbitrary file submitted with a test run.
type Attachment struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	TestRunID uint   `gorm:"not null;uniqueIndex:idx_attachments_test_run_filename" json:"test_run_id"`
	Filename  string `gorm:"not null;uniqueIndex:idx_attachments_test_run_filename" json:"filename"`
	MimeType  string `json:"mimetype"`
	Length    int64  `json:"length"`
}

// SuiteMetadata identifies a suite, test or metric independently of the
// project so names survive suite renames.
type SuiteMetadata struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Kind        string `gorm:"not null;uniqueIndex:idx_suite_metadata_kind_suite_name" json:"kind"`
	Suite       string `gorm:"not null;uniqueIndex:idx_suite_metadata_kind_suite_name" json:"suite"`
	Name        string `gorm:"not null;uniqueIndex:idx_suite_metadata_kind_suite_name" json:"name"`
	Description string `gorm:"type:text" json:"description"`
}

// Suite groups tests and metrics of a project.
type Suite struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	ProjectID  uint   `gorm:"not null;uniqueIndex:idx_suites_project_slug" json:"project_id"`
	Slug       string `gorm:"not null;uniqueIndex:idx_suites_project_slug" json:"slug"`
	Name       string `json:"name"`
	MetadataID *uint  `json:"metadata_id"`
}

// Test is a single test result.
type Test struct {
	ID             uint         `gorm:"primaryKey" json:"id"`
	TestRunID      uint         `gorm:"not null;index" json:"test_run_id"`
	SuiteID        uint         `gorm:"not null;index" json:"suite_id"`
	Suite          *Suite       `json:"-"`
	MetadataID     *uint        `gorm:"index" json:"metadata_id"`
	BuildID        uint         `gorm:"not null;index" json:"build_id"`
	EnvironmentID  uint         `gorm:"not null;index" json:"environment_id"`
	Name           string       `gorm:"not null" json:"name"`
	Result         *bool        `json:"result"`
	HasKnownIssues bool         `json:"has_known_issues"`
	Log            string       `gorm:"type:text" json:"log,omitempty"`
	KnownIssues    []KnownIssue `gorm:"many2many:test_known_issues" json:"-"`
}

// Status maps the stored result to pass, fail, xfail or skip.
func (t *Test) Status() string {
	switch {
	case t.Result == nil:
		return StatusSkip
	case *t.Result:
		return StatusPass
	case t.HasKnownIssues:
		return StatusXFail
	default:
		return StatusFail
	}
}

// FullName returns "<suite>/<name>". The Suite must be loaded.
func (t *Test) FullName() string {
	if t.Suite == nil || t.Suite.Slug == "/" {
		return t.Name
	}

	return t.Suite.Slug + "/" + t.Name
}

// Metric is a single numeric result with its raw measurements.
type Metric struct {
	ID            uint                         `gorm:"primaryKey" json:"id"`
	TestRunID     uint                         `gorm:"not null;index" json:"test_run_id"`
	SuiteID       uint                         `gorm:"not null;index" json:"suite_id"`
	Suite         *Suite                       `json:"-"`
	MetadataID    *uint                        `gorm:"index" json:"metadata_id"`
	BuildID       uint                         `gorm:"not null;index" json:"build_id"`
	EnvironmentID uint                         `gorm:"not null;index" json:"environment_id"`
	Name          string                       `gorm:"not null" json:"name"`
	Result        float64                      `json:"result"`
	Measurements  datatypes.JSONSlice[float64] `json:"measurements"`
	Unit          string                       `json:"unit"`
	IsOutlier     bool                         `json:"is_outlier"`
}

// FullName returns "<suite>/<name>". The Suite must be loaded.
func (m *Metric) FullName() string {
	if m.Suite == nil || m.Suite.Slug == "/" {
		return m.Name
	}

	return m.Suite.Slug + "/" + m.Name
}

// Status aggregates a test run, per suite and overall (SuiteID nil).
type Status struct {
	ID             uint    `gorm:"primaryKey" json:"id"`
	TestRunID      uint    `gorm:"not null;index" json:"test_run_id"`
	SuiteID        *uint   `gorm:"index" json:"suite_id"`
	TestsPass      int     `json:"tests_pass"`
	TestsFail      int     `json:"tests_fail"`
	TestsSkip      int     `json:"tests_skip"`
	TestsXFail     int     `gorm:"column:tests_xfail" json:"tests_xfail"`
	MetricsSummary float64 `json:"metrics_summary"`
	HasMetrics     bool    `json:"has_metrics"`
}

// TestsTotal sums all counters.
func (s *Status) TestsTotal() int {
	return s.TestsPass + s.TestsFail + s.TestsSkip + s.TestsXFail
}

// ProjectStatus is the cached aggregate of a build.
type ProjectStatus struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	BuildID    uint           `gorm:"not null;uniqueIndex" json:"build_id"`
	Build      *Build         `json:"-"`
	BaselineID *uint          `json:"baseline_id"`
	Baseline   *ProjectStatus `json:"-"`

	Finished bool `json:"finished"`
	Notified bool `json:"notified"`
	// NotifiedOnTimeout is nil until a notification timeout has been
	// scheduled, false while it is pending and true once the timeout sent
	// the notification.
	NotifiedOnTimeout *bool `json:"notified_on_timeout"`
	Approved          bool  `json:"approved"`

	TestsPass      int     `json:"tests_pass"`
	TestsFail      int     `json:"tests_fail"`
	TestsSkip      int     `json:"tests_skip"`
	TestsXFail     int     `gorm:"column:tests_xfail" json:"tests_xfail"`
	MetricsSummary float64 `json:"metrics_summary"`
	HasMetrics     bool    `json:"has_metrics"`

	Regressions       datatypes.JSON `json:"regressions"`
	Fixes             datatypes.JSON `json:"fixes"`
	MetricRegressions datatypes.JSON `json:"metric_regressions"`
	MetricFixes       datatypes.JSON `json:"metric_fixes"`

	LastUpdated time.Time `json:"last_updated"`
	CreatedAt   time.Time `json:"created_at"`
}

// TestsTotal sums all counters.
func (s *ProjectStatus) TestsTotal() int {
	return s.TestsPass + s.TestsFail + s.TestsSkip + s.TestsXFail
}

// BuildSummary aggregates a build per environment.
type BuildSummary struct {
	ID             uint    `gorm:"primaryKey" json:"id"`
	BuildID        uint    `gorm:"not null;uniqueIndex:idx_build_summaries_build_env" json:"build_id"`
	EnvironmentID  uint    `gorm:"not null;uniqueIndex:idx_build_summaries_build_env" json:"environment_id"`
	TestsPass      int     `json:"tests_pass"`
	TestsFail      int     `json:"tests_fail"`
	TestsSkip      int     `json:"tests_skip"`
	TestsXFail     int     `gorm:"column:tests_xfail" json:"tests_xfail"`
	MetricsSummary float64 `json:"metrics_summary"`
	HasMetrics     bool    `json:"has_metrics"`
}

// KnownIssue labels expected failures matched by a test name glob.
type KnownIssue struct {
	ID           uint          `gorm:"primaryKey" json:"id"`
	Title        string        `gorm:"not null" json:"title" validate:"required"`
	TestName     string        `gorm:"not null" json:"test_name" validate:"required,glob"`
	URL          string        `json:"url" validate:"omitempty,url"`
	Notes        string        `gorm:"type:text" json:"notes"`
	Active       bool          `json:"active"`
	Intermittent bool          `json:"intermittent"`
	Environments []Environment `gorm:"many2many:known_issue_environments" json:"environments"`
}

// MetricThreshold marks a metric as interesting for comparisons and,
// with a Value, defines an alert bound.
type MetricThreshold struct {
	ID             uint     `gorm:"primaryKey" json:"id"`
	ProjectID      uint     `gorm:"not null;index" json:"project_id"`
	EnvironmentID  *uint    `json:"environment_id"`
	Name           string   `gorm:"not null" json:"name" validate:"required,glob"`
	Value          *float64 `json:"value"`
	IsHigherBetter bool     `json:"is_higher_better"`
}

// User may authenticate against the API.
type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null" json:"username"`
	PasswordHash string    `json:"-"`
	IsStaff      bool      `json:"is_staff"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Token is an API token; only its SHA-256 hash is stored.
type Token struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	KeyHash     string    `gorm:"uniqueIndex;not null" json:"-"`
	UserID      uint      `gorm:"not null" json:"user_id"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// GroupMember grants a user access to a group's projects.
type GroupMember struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	GroupID uint   `gorm:"not null;uniqueIndex:idx_group_members_group_user" json:"group_id"`
	UserID  uint   `gorm:"not null;uniqueIndex:idx_group_members_group_user" json:"user_id"`
	Access  string `gorm:"not null" json:"access" validate:"oneof=member submitter privileged admin"`
}

// Subscription sends build notifications to an email address.
type Subscription struct {
	ID                   uint   `gorm:"primaryKey" json:"id"`
	ProjectID            uint   `gorm:"not null;uniqueIndex:idx_subscriptions_project_email" json:"project_id"`
	Email                string `gorm:"not null;uniqueIndex:idx_subscriptions_project_email" json:"email" validate:"required,email"`
	NotificationStrategy string `gorm:"not null" json:"notification_strategy" validate:"oneof=all change regression error"`
}

// AdminSubscription receives moderation previews and failed job reports.
type AdminSubscription struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	ProjectID uint   `gorm:"not null;index" json:"project_id"`
	Email     string `gorm:"not null" json:"email" validate:"required,email"`
}

// NotificationDelivery records a sent notification so identical content
// is delivered at most once per status.
type NotificationDelivery struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	StatusID    uint      `gorm:"not null;uniqueIndex:idx_notification_deliveries_content" json:"status_id"`
	Subject     string    `gorm:"type:text" json:"subject"`
	SubjectHash string    `gorm:"not null;uniqueIndex:idx_notification_deliveries_content" json:"-"`
	TxtHash     string    `gorm:"not null;uniqueIndex:idx_notification_deliveries_content" json:"-"`
	HTMLHash    string    `gorm:"not null;uniqueIndex:idx_notification_deliveries_content" json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// DelayedReport is an asynchronously rendered build report.
type DelayedReport struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	BuildID           uint      `gorm:"not null;index" json:"build_id"`
	BaselineID        *uint     `json:"baseline_id"`
	Template          string    `gorm:"type:text" json:"template"`
	OutputFormat      string    `json:"output_format"`
	EmailRecipient    string    `json:"email_recipient"`
	OutputSubject     string    `gorm:"type:text" json:"output_subject"`
	OutputText        string    `gorm:"type:text" json:"output_text"`
	OutputHTML        string    `gorm:"type:text" json:"output_html"`
	ErrorMessage      *string   `gorm:"type:text" json:"error_message"`
	StatusCode        *int      `json:"status_code"`
	Callback          string    `json:"callback" validate:"omitempty,url"`
	CallbackToken     string    `json:"-"`
	DataRetentionDays int       `json:"data_retention_days"`
	CreatedAt         time.Time `json:"created_at"`
}

// Backend is a configured CI system.
type Backend struct {
	ID                 uint   `gorm:"primaryKey" json:"id"`
	Name               string `gorm:"not null;uniqueIndex" json:"name" validate:"required,slug"`
	URL                string `json:"url" validate:"omitempty,url"`
	Username           string `json:"username"`
	Token              string `json:"-"`
	ImplementationType string `gorm:"not null" json:"implementation_type" validate:"required"`
	BackendSettings    string `gorm:"type:text" json:"backend_settings"`
	// PollInterval is in minutes.
	PollInterval     int  `json:"poll_interval" validate:"gte=0"`
	MaxFetchAttempts int  `json:"max_fetch_attempts" validate:"gte=1"`
	PollEnabled      bool `json:"poll_enabled"`
	ListenEnabled    bool `json:"listen_enabled"`
}

// TestJob is a CI-side execution tied to a build.
type TestJob struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	BackendID        uint       `gorm:"not null;index" json:"backend_id"`
	Backend          *Backend   `json:"-"`
	TargetID         uint       `gorm:"not null;index" json:"target_id"`
	Target           *Project   `json:"-"`
	TargetBuildID    *uint      `gorm:"index" json:"target_build_id"`
	TargetBuild      *Build     `json:"-"`
	Environment      string     `json:"environment"`
	Definition       string     `gorm:"type:text" json:"definition"`
	JobID            *string    `json:"job_id"`
	Name             string     `json:"name"`
	JobStatus        string     `json:"job_status"`
	Submitted        bool       `gorm:"index" json:"submitted"`
	SubmittedAt      *time.Time `json:"submitted_at"`
	Fetched          bool       `gorm:"index" json:"fetched"`
	FetchedAt        *time.Time `json:"fetched_at"`
	FetchAttempts    int        `json:"fetch_attempts"`
	LastFetchAttempt *time.Time `json:"last_fetch_attempt"`
	Failure          *string    `gorm:"type:text" json:"failure"`
	CanResubmit      bool       `json:"can_resubmit"`
	ResubmittedCount int        `json:"resubmitted_count"`
	ParentJobID      *uint      `json:"parent_job_id"`
	TestRunID        *uint      `json:"testrun_id"`
	CreatedAt        time.Time  `json:"created_at"`
}

// ExternalID returns the backend job id or "" when not yet submitted.
func (j *TestJob) ExternalID() string {
	if j.JobID == nil {
		return ""
	}

	return *j.JobID
}

// Callback is an HTTP request dispatched on a build event.
type Callback struct {
	ID              uint              `gorm:"primaryKey" json:"id"`
	ObjectType      string            `gorm:"not null;uniqueIndex:idx_callbacks_object_url" json:"object_type"`
	ObjectID        uint              `gorm:"not null;uniqueIndex:idx_callbacks_object_url" json:"object_id"`
	URL             string            `gorm:"not null;uniqueIndex:idx_callbacks_object_url" json:"url" validate:"required,url"`
	Event           string            `gorm:"not null" json:"event" validate:"required,oneof=on_build_finished"`
	Method          string            `gorm:"not null" json:"method" validate:"required,oneof=get post"`
	Headers         datatypes.JSONMap `json:"headers"`
	Payload         *string           `gorm:"type:text" json:"payload"`
	PayloadIsJSON   bool              `json:"payload_is_json"`
	RecordResponse  bool              `json:"record_response"`
	IsSent          bool              `json:"is_sent"`
	ResponseCode    *int              `json:"response_code"`
	ResponseContent *string           `gorm:"type:text" json:"response_content"`
}

// Task is a queued unit of asynchronous work.
type Task struct {
	ID           uint           `gorm:"primaryKey"`
	Name         string         `gorm:"not null;index"`
	Payload      datatypes.JSON `gorm:"not null"`
	Key          *string        `gorm:"column:dedup_key;uniqueIndex"`
	RunAt        time.Time      `gorm:"not null;index"`
	Attempts     int
	ClaimedUntil *time.Time `gorm:"index"`
	LastError    string     `gorm:"type:text"`
	CreatedAt    time.Time
}

// allModels lists every migrated model.
var allModels = []any{
	&Group{},
	&Project{},
	&Environment{},
	&PatchSource{},
	&Build{},
	&BuildPlaceholder{},
	&TestRun{},
	&Attachment{},
	&SuiteMetadata{},
	&Suite{},
	&KnownIssue{},
	&Test{},
	&Metric{},
	&Status{},
	&ProjectStatus{},
	&BuildSummary{},
	&MetricThreshold{},
	&User{},
	&Token{},
	&GroupMember{},
	&Subscription{},
	&AdminSubscription{},
	&NotificationDelivery{},
	&DelayedReport{},
	&Backend{},
	&TestJob{},
	&Callback{},
	&Task{},
}
