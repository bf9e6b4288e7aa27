package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/squad/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store provides persistence for every entity of the results pipeline.
type Store interface {
	Start(ctx context.Context) error
	Stop() error
	Ping(ctx context.Context) error

	// Transaction runs fn against a Store bound to a single transaction.
	Transaction(ctx context.Context, fn func(tx Store) error) error

	// Groups, projects and environments.
	GetOrCreateGroup(ctx context.Context, slug string) (*Group, error)
	GetOrCreateProject(ctx context.Context, groupSlug, projectSlug string) (*Project, error)
	GetProject(ctx context.Context, groupSlug, projectSlug string) (*Project, error)
	GetProjectByID(ctx context.Context, id uint) (*Project, error)
	UpdateProject(ctx context.Context, project *Project) error
	ListActiveProjects(ctx context.Context, opts ListProjectsOptions) ([]Project, error)
	GetOrCreateEnvironment(ctx context.Context, projectID uint, slug string) (*Environment, error)
	GetEnvironment(ctx context.Context, id uint) (*Environment, error)
	ListEnvironments(ctx context.Context, projectID uint) ([]Environment, error)
	UpdateEnvironment(ctx context.Context, env *Environment) error
	CreatePatchSource(ctx context.Context, ps *PatchSource) error
	GetPatchSourceByName(ctx context.Context, name string) (*PatchSource, error)

	// Builds.
	GetOrCreateBuild(ctx context.Context, projectID uint, version string) (*Build, bool, error)
	GetBuild(ctx context.Context, id uint) (*Build, error)
	GetBuildByVersion(ctx context.Context, projectID uint, version string) (*Build, error)
	UpdateBuild(ctx context.Context, build *Build) error
	DeleteBuild(ctx context.Context, id uint, deletedAt time.Time) (*BuildPlaceholder, error)
	GetBuildPlaceholder(ctx context.Context, projectID uint, version string) (*BuildPlaceholder, error)

	// Suites.
	GetOrCreateSuite(ctx context.Context, projectID uint, slug string) (*Suite, error)
	GetOrCreateSuiteMetadata(ctx context.Context, kind, suite, name string) (*SuiteMetadata, error)
	ListSuites(ctx context.Context, projectID uint) ([]Suite, error)

	// Known issues and thresholds.
	CreateKnownIssue(ctx context.Context, issue *KnownIssue) error
	ListActiveKnownIssues(ctx context.Context, environmentID uint) ([]KnownIssue, error)
	ListActiveKnownIssuesByProject(ctx context.Context, projectID uint) ([]KnownIssue, error)
	CreateMetricThreshold(ctx context.Context, threshold *MetricThreshold) error
	ListMetricThresholds(ctx context.Context, projectID uint) ([]MetricThreshold, error)

	// Test runs and their data.
	CreateTestRun(ctx context.Context, run *TestRun) error
	TestRunExists(ctx context.Context, buildID uint, jobID string) (bool, error)
	GetTestRun(ctx context.Context, id uint) (*TestRun, error)
	UpdateTestRun(ctx context.Context, run *TestRun) error
	DeleteTestRun(ctx context.Context, id uint) error
	ListTestRuns(ctx context.Context, buildID uint) ([]TestRun, error)
	CreateAttachment(ctx context.Context, attachment *Attachment) error
	ListAttachments(ctx context.Context, testRunID uint) ([]Attachment, error)
	SaveTestRunData(ctx context.Context, testRunID uint, tests []*Test, metrics []*Metric) (bool, error)
	SaveTestRunStatus(ctx context.Context, testRunID uint, statuses []*Status) (bool, error)
	AppendTests(ctx context.Context, tests []*Test) error
	ReplaceTestRunStatus(ctx context.Context, testRunID uint, statuses []*Status) error
	ListTestsByTestRun(ctx context.Context, testRunID uint) ([]Test, error)
	ListTestsByBuild(ctx context.Context, buildID uint) ([]Test, error)
	ListMetricsByTestRun(ctx context.Context, testRunID uint) ([]Metric, error)
	ListMetricsByBuild(ctx context.Context, buildID uint) ([]Metric, error)
	ListStatuses(ctx context.Context, testRunID uint) ([]Status, error)

	// Project statuses and summaries.
	CreateOrUpdateProjectStatus(ctx context.Context, computed *ProjectStatus) (*ProjectStatus, error)
	GetProjectStatus(ctx context.Context, id uint) (*ProjectStatus, error)
	GetProjectStatusByBuild(ctx context.Context, buildID uint) (*ProjectStatus, error)
	ApproveProjectStatus(ctx context.Context, statusID uint) error
	MarkNotificationTimedOut(ctx context.Context, statusID uint, finish bool) error
	LatestFinishedStatusBefore(ctx context.Context, build *Build) (*ProjectStatus, error)
	ClaimNotificationTimeout(ctx context.Context, statusID uint) (bool, error)
	MarkProjectStatusNotified(ctx context.Context, statusID uint) error
	ResetBuildEvents(ctx context.Context, buildID uint) error
	UpsertBuildSummary(ctx context.Context, summary *BuildSummary) error
	ListBuildSummaries(ctx context.Context, buildID uint) ([]BuildSummary, error)

	// Notifications and reports.
	NotificationDeliveryExists(ctx context.Context, statusID uint, subject, txt, html string) (bool, error)
	ForgetNotificationDelivery(ctx context.Context, statusID uint, subject, txt, html string) error
	CreateSubscription(ctx context.Context, sub *Subscription) error
	ListSubscriptions(ctx context.Context, projectID uint) ([]Subscription, error)
	CreateAdminSubscription(ctx context.Context, sub *AdminSubscription) error
	ListAdminSubscriptions(ctx context.Context, projectID uint) ([]AdminSubscription, error)
	CreateDelayedReport(ctx context.Context, report *DelayedReport) error
	GetDelayedReport(ctx context.Context, id uint) (*DelayedReport, error)
	UpdateDelayedReport(ctx context.Context, report *DelayedReport) error

	// CI backends and test jobs.
	CreateBackend(ctx context.Context, backend *Backend) error
	GetBackend(ctx context.Context, id uint) (*Backend, error)
	GetBackendByName(ctx context.Context, name string) (*Backend, error)
	ListBackends(ctx context.Context) ([]Backend, error)
	UpdateBackend(ctx context.Context, backend *Backend) error
	DeleteBackend(ctx context.Context, id uint) error
	CreateTestJob(ctx context.Context, job *TestJob) error
	GetTestJob(ctx context.Context, id uint) (*TestJob, error)
	UpdateTestJob(ctx context.Context, job *TestJob) error
	ListTestJobsByBuild(ctx context.Context, buildID uint) ([]TestJob, error)
	ListPendingTestJobs(ctx context.Context, backendID uint) ([]TestJob, error)
	ListDueTestJobs(ctx context.Context, backend *Backend, now time.Time) ([]TestJob, error)
	ListFailedTestJobs(ctx context.Context, buildID uint) ([]TestJob, error)
	CountTestJobsWithStatus(ctx context.Context, buildID uint, jobStatus string) (int64, error)
	WithLockedTestJob(ctx context.Context, id uint, fn func(tx Store, job *TestJob) error) error

	// Callbacks.
	CreateCallback(ctx context.Context, cb *Callback) error
	ListPendingCallbacks(ctx context.Context, objectType string, objectID uint, event string) ([]Callback, error)
	ListCallbacks(ctx context.Context, objectType string, objectID uint) ([]Callback, error)
	UpdateCallback(ctx context.Context, cb *Callback) error

	// Task queue rows.
	EnqueueTask(ctx context.Context, task *Task) (bool, error)
	ClaimDueTasks(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Task, error)
	CompleteTask(ctx context.Context, id uint) error
	RescheduleTask(ctx context.Context, id uint, runAt time.Time, attempts int, lastError string) error
	ListTasks(ctx context.Context, name string) ([]Task, error)

	// Users and tokens.
	SeedUsers(ctx context.Context, users []config.UserConfig) error
	SeedTokens(ctx context.Context, tokens []config.TokenConfig) error
	GetUserByToken(ctx context.Context, token string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	CanSubmit(ctx context.Context, user *User, project *Project) (bool, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB

	// jobLocks and statusLocks emulate row locks on drivers without them.
	jobLocks    *keyedMutex
	statusLocks *keyedMutex
	inTx        bool
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log:         log.WithField("component", "store"),
		cfg:         cfg,
		jobLocks:    newKeyedMutex(),
		statusLocks: newKeyedMutex(),
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger:                                   logger.Discard,
		TranslateError:                           true,
		DisableForeignKeyConstraintWhenMigrating: true,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// A single connection serialises writers and keeps ":memory:"
		// databases shared across goroutines.
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(allModels...); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).
		Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// Ping checks that the database is reachable.
func (s *store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.PingContext(ctx)
}

// Transaction runs fn inside a database transaction. Nested calls reuse
// the outer transaction.
func (s *store) Transaction(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.withTx(tx))
	})
}

func (s *store) withTx(tx *gorm.DB) *store {
	return &store{
		log:         s.log,
		cfg:         s.cfg,
		db:          tx,
		jobLocks:    s.jobLocks,
		statusLocks: s.statusLocks,
		inTx:        true,
	}
}

// supportsRowLocks reports whether the driver honours SELECT ... FOR UPDATE.
func (s *store) supportsRowLocks() bool {
	return s.cfg.Driver == "postgres"
}

// keyedMutex hands out per-key locks.
type keyedMutex struct {
	mu   sync.Mutex
	held map[uint]chan struct{}
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{held: make(map[uint]chan struct{}, 16)}
}

// TryLock acquires key unless it is already held.
func (k *keyedMutex) TryLock(key uint) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.held[key]; ok {
		return false
	}

	k.held[key] = make(chan struct{})

	return true
}

// Lock waits for key until it is free or ctx ends.
func (k *keyedMutex) Lock(ctx context.Context, key uint) error {
	for {
		k.mu.Lock()

		released, ok := k.held[key]
		if !ok {
			k.held[key] = make(chan struct{})
			k.mu.Unlock()

			return nil
		}

		k.mu.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Unlock releases key and wakes its waiters.
func (k *keyedMutex) Unlock(key uint) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if released, ok := k.held[key]; ok {
		close(released)
		delete(k.held, key)
	}
}
