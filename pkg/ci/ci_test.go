package ci_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/squad/pkg/ci"
	"github.com/ethpandaops/squad/pkg/config"
	"github.com/ethpandaops/squad/pkg/ingest"
	"github.com/ethpandaops/squad/pkg/plugins"
	"github.com/ethpandaops/squad/pkg/status"
	"github.com/ethpandaops/squad/pkg/storage"
	"github.com/ethpandaops/squad/pkg/store"
	"github.com/ethpandaops/squad/pkg/store/storetest"
	"github.com/ethpandaops/squad/pkg/tasks"
)

// scripted is an adapter whose answers are set by each test.
type scripted struct {
	mu          sync.Mutex
	submit      func(job *store.TestJob) ([]string, error)
	fetch       func(job *store.TestJob) (*ci.FetchResult, error)
	cancelErr   error
	resubmitErr error
	fetchCalls  int
	cancelCalls int
}

func (a *scripted) Submit(_ context.Context, job *store.TestJob) ([]string, error) {
	if a.submit == nil {
		return []string{fmt.Sprintf("%d", 1000+job.ID)}, nil
	}

	return a.submit(job)
}

func (a *scripted) Resubmit(_ context.Context, job *store.TestJob) (string, error) {
	if a.resubmitErr != nil {
		return "", a.resubmitErr
	}

	return fmt.Sprintf("%s.%d", job.ExternalID(), job.ResubmittedCount+1), nil
}

func (a *scripted) Fetch(_ context.Context, job *store.TestJob) (*ci.FetchResult, error) {
	a.mu.Lock()
	a.fetchCalls++
	fetch := a.fetch
	a.mu.Unlock()

	if fetch == nil {
		return passing(), nil
	}

	return fetch(job)
}

func (a *scripted) Cancel(context.Context, *store.TestJob) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cancelCalls++

	return a.cancelErr
}

func (a *scripted) JobURL(job *store.TestJob) (string, error) {
	return "https://lab.example.com/job/" + job.ExternalID(), nil
}

func (a *scripted) Listen(context.Context) error { return ci.ErrNotImplemented }

func (a *scripted) CheckJobDefinition(definition string) error {
	if definition == "invalid" {
		return errors.New("definition is invalid")
	}

	return nil
}

func (a *scripted) Settings() map[string]any { return nil }

func (a *scripted) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.fetchCalls
}

func passing() *ci.FetchResult {
	return &ci.FetchResult{
		Status:    "Complete",
		Completed: true,
		Metadata:  map[string]any{"device": "x15"},
		Tests:     map[string]any{"smoke/boot": "pass", "smoke/login": "fail"},
		Metrics:   map[string]any{"bench/speed": 42.0},
		Log:       "booting\x00\n",
	}
}

type env struct {
	store   store.Store
	queue   *tasks.Recorder
	adapter *scripted
	svc     *ci.Service
	fixture *storetest.Fixture
	backend *store.Backend
}

func setup(t *testing.T) *env {
	t.Helper()

	s := storetest.New(t)
	log := storetest.Logger()
	queue := tasks.NewRecorder()
	registry := plugins.Default(log)
	objects := storage.NewLocalStore(log, &config.LocalStorageConfig{Enabled: true, Directory: t.TempDir()})

	adapter := &scripted{}
	adapters := ci.NewRegistry(ci.Env{Log: log, Store: s, Queue: queue})
	adapters.Register("scripted", func(*store.Backend, ci.Env) (ci.Adapter, error) {
		return adapter, nil
	})

	aggregator := status.NewAggregator(log, s, queue, registry)
	receiver := ingest.NewReceiver(log, s, objects, registry, aggregator)

	backend := &store.Backend{
		Name:               "lab",
		ImplementationType: "scripted",
		PollEnabled:        true,
		MaxFetchAttempts:   3,
	}
	require.NoError(t, s.CreateBackend(context.Background(), backend))

	return &env{
		store:   s,
		queue:   queue,
		adapter: adapter,
		svc:     ci.NewService(log, s, queue, adapters, receiver, registry, aggregator),
		fixture: storetest.NewFixture(t, s),
		backend: backend,
	}
}

// job stores a test job of the fixture build. Submitted jobs get the
// backend id "100".
func (e *env) job(t *testing.T, submitted bool) *store.TestJob {
	t.Helper()

	job := &store.TestJob{
		BackendID:     e.backend.ID,
		TargetID:      e.fixture.Project.ID,
		TargetBuildID: &e.fixture.Build.ID,
		Environment:   e.fixture.Environment.Slug,
		Definition:    "job_name: smoke",
		Submitted:     submitted,
	}

	if submitted {
		id := "100"
		job.JobID = &id
	}

	require.NoError(t, e.store.CreateTestJob(context.Background(), job))

	return job
}

func (e *env) reload(t *testing.T, id uint) *store.TestJob {
	t.Helper()

	job, err := e.store.GetTestJob(context.Background(), id)
	require.NoError(t, err)

	return job
}

func TestSubmit(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	job := e.job(t, false)
	failure := "old failure"
	job.Failure = &failure
	require.NoError(t, e.store.UpdateTestJob(ctx, job))

	e.adapter.submit = func(*store.TestJob) ([]string, error) {
		return []string{"7", "8", "9"}, nil
	}

	require.NoError(t, e.svc.Submit(ctx, job.ID))

	got := e.reload(t, job.ID)
	assert.True(t, got.Submitted)
	assert.Equal(t, "7", got.ExternalID())
	assert.NotNil(t, got.SubmittedAt)
	assert.Nil(t, got.Failure)

	jobs, err := e.store.ListTestJobsByBuild(ctx, e.fixture.Build.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	ids := []string{jobs[0].ExternalID(), jobs[1].ExternalID(), jobs[2].ExternalID()}
	assert.ElementsMatch(t, []string{"7", "8", "9"}, ids)

	for _, j := range jobs {
		assert.True(t, j.Submitted)
		assert.Equal(t, job.Definition, j.Definition)
	}

	e.adapter.submit = func(*store.TestJob) ([]string, error) {
		t.Fatal("submitted jobs must not be submitted again")

		return nil, nil
	}

	require.NoError(t, e.svc.Submit(ctx, job.ID))
}

func TestSubmit_Issues(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		expectRetry   bool
		expectFailure string
		expectError   bool
	}{
		{
			name:          "permanent",
			err:           ci.NewSubmissionIssue("invalid device type"),
			expectFailure: "invalid device type",
		},
		{
			name:          "temporary",
			err:           ci.NewTemporarySubmissionIssue("maintenance"),
			expectRetry:   true,
			expectFailure: "maintenance",
			expectError:   true,
		},
		{
			name:        "unclassified",
			err:         errors.New("boom"),
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := setup(t)
			ctx := context.Background()

			job := e.job(t, false)
			e.adapter.submit = func(*store.TestJob) ([]string, error) { return nil, tt.err }

			err := e.svc.Submit(ctx, job.ID)
			if tt.expectError {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			retry, ok := tasks.AsRetry(err)
			assert.Equal(t, tt.expectRetry, ok)

			if tt.expectRetry {
				assert.Equal(t, time.Hour, retry.Countdown)
			}

			got := e.reload(t, job.ID)
			assert.False(t, got.Submitted)

			if tt.expectFailure == "" {
				assert.Nil(t, got.Failure)
			} else {
				require.NotNil(t, got.Failure)
				assert.Equal(t, tt.expectFailure, *got.Failure)
			}
		})
	}
}

func TestFetch_IngestsResults(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	job := e.job(t, true)

	require.NoError(t, e.svc.Fetch(ctx, job.ID))

	got := e.reload(t, job.ID)
	assert.True(t, got.Fetched)
	assert.NotNil(t, got.FetchedAt)
	assert.NotNil(t, got.LastFetchAttempt)
	assert.Equal(t, 1, got.FetchAttempts)
	assert.Equal(t, "Complete", got.JobStatus)
	assert.False(t, got.CanResubmit)
	require.NotNil(t, got.TestRunID)

	run, err := e.store.GetTestRun(ctx, *got.TestRunID)
	require.NoError(t, err)
	assert.Equal(t, "100", run.JobID)
	assert.Equal(t, "Complete", run.JobStatus)
	assert.Equal(t, "https://lab.example.com/job/100", run.JobURL)
	assert.Equal(t, "x15", run.Metadata["device"])
	assert.True(t, run.Completed)

	tests, err := e.store.ListTestsByTestRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, tests, 2)

	metrics, err := e.store.ListMetricsByTestRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, metrics, 1)

	ps, err := e.store.GetProjectStatusByBuild(ctx, e.fixture.Build.ID)
	require.NoError(t, err)
	assert.True(t, ps.Finished)
	assert.Equal(t, 2, ps.TestsTotal())

	summaries, err := e.store.ListBuildSummaries(ctx, e.fixture.Build.ID)
	require.NoError(t, err)
	assert.Len(t, summaries, 1)

	require.NoError(t, e.svc.Fetch(ctx, job.ID))
	assert.Equal(t, 1, e.adapter.calls(), "fetched jobs are not fetched again")
}

func TestFetch_IncompleteResults(t *testing.T) {
	tests := []struct {
		name   string
		result *ci.FetchResult
	}{
		{
			name: "not completed",
			result: &ci.FetchResult{
				Status: "Incomplete",
				Tests:  map[string]any{"smoke/boot": "pass"},
			},
		},
		{
			name:   "completed without data",
			result: &ci.FetchResult{Status: "Complete", Completed: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := setup(t)
			ctx := context.Background()

			job := e.job(t, true)
			e.adapter.fetch = func(*store.TestJob) (*ci.FetchResult, error) { return tt.result, nil }

			require.NoError(t, e.svc.Fetch(ctx, job.ID))

			got := e.reload(t, job.ID)
			assert.True(t, got.Fetched)
			assert.True(t, got.CanResubmit)
			require.NotNil(t, got.TestRunID)

			run, err := e.store.GetTestRun(ctx, *got.TestRunID)
			require.NoError(t, err)
			assert.False(t, run.Completed)

			runTests, err := e.store.ListTestsByTestRun(ctx, run.ID)
			require.NoError(t, err)
			assert.Empty(t, runTests)
		})
	}
}

func TestFetch_StillRunning(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	job := e.job(t, true)
	e.adapter.fetch = func(*store.TestJob) (*ci.FetchResult, error) { return nil, nil }

	require.NoError(t, e.svc.Fetch(ctx, job.ID))

	got := e.reload(t, job.ID)
	assert.False(t, got.Fetched)
	assert.Equal(t, 0, got.FetchAttempts)
	assert.NotNil(t, got.LastFetchAttempt)
	assert.Nil(t, got.TestRunID)
}

func TestFetch_Issues(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		expectFetched bool
	}{
		{name: "permanent", err: ci.NewFetchIssue("job not found"), expectFetched: true},
		{name: "temporary", err: ci.NewTemporaryFetchIssue("server busy")},
		{name: "unclassified is temporary", err: errors.New("connection reset")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := setup(t)
			ctx := context.Background()

			job := e.job(t, true)
			e.adapter.fetch = func(*store.TestJob) (*ci.FetchResult, error) { return nil, tt.err }

			require.NoError(t, e.svc.Fetch(ctx, job.ID))

			got := e.reload(t, job.ID)
			assert.Equal(t, tt.expectFetched, got.Fetched)
			assert.Equal(t, 1, got.FetchAttempts)
			require.NotNil(t, got.Failure)
			assert.Equal(t, tt.err.Error(), *got.Failure)
			assert.Nil(t, got.TestRunID)
		})
	}
}

func TestFetch_MisconfiguredBackend(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	broken := &store.Backend{
		Name:               "broken",
		ImplementationType: "unregistered",
		PollEnabled:        true,
		MaxFetchAttempts:   3,
	}
	require.NoError(t, e.store.CreateBackend(ctx, broken))

	job := e.job(t, true)
	job.BackendID = broken.ID
	require.NoError(t, e.store.UpdateTestJob(ctx, job))

	require.NoError(t, e.svc.Fetch(ctx, job.ID))

	got := e.reload(t, job.ID)
	assert.NotNil(t, got.LastFetchAttempt)
	assert.Equal(t, 1, got.FetchAttempts)
	assert.False(t, got.Fetched)
	require.NotNil(t, got.Failure)
	assert.Contains(t, *got.Failure, ci.ErrUnknownImplementation.Error())
	assert.Zero(t, e.adapter.calls())
}

func TestFetch_RetryCap(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	job := e.job(t, true)
	e.adapter.fetch = func(*store.TestJob) (*ci.FetchResult, error) {
		return nil, ci.NewTemporaryFetchIssue("server busy")
	}

	for i := 1; i <= 3; i++ {
		e.queue.Reset()

		require.NoError(t, e.svc.Poll(ctx, 0))
		require.Len(t, e.queue.Tasks(tasks.CIFetch), 1, "poll %d", i)

		require.NoError(t, e.svc.Fetch(ctx, job.ID))
	}

	got := e.reload(t, job.ID)
	assert.Equal(t, 3, got.FetchAttempts)
	assert.False(t, got.Fetched)

	e.queue.Reset()
	require.NoError(t, e.svc.Poll(ctx, 0))
	assert.Empty(t, e.queue.Tasks(tasks.CIFetch))

	require.NoError(t, e.svc.Fetch(ctx, job.ID))
	assert.Equal(t, 3, e.adapter.calls())
}

func TestFetch_Race(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	job := e.job(t, true)

	entered := make(chan struct{})
	release := make(chan struct{})

	e.adapter.fetch = func(*store.TestJob) (*ci.FetchResult, error) {
		close(entered)
		<-release

		return passing(), nil
	}

	done := make(chan error, 1)

	go func() {
		done <- e.svc.Fetch(ctx, job.ID)
	}()

	<-entered

	require.NoError(t, e.svc.Fetch(ctx, job.ID))

	close(release)
	require.NoError(t, <-done)

	require.NoError(t, e.svc.Fetch(ctx, job.ID))

	assert.Equal(t, 1, e.adapter.calls())

	runs, err := e.store.ListTestRuns(ctx, e.fixture.Build.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestFetch_DuplicatedJob(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	require.NoError(t, e.store.CreateTestRun(ctx, &store.TestRun{
		BuildID:       e.fixture.Build.ID,
		EnvironmentID: e.fixture.Environment.ID,
		JobID:         "100",
		Datetime:      time.Now().UTC(),
	}))

	job := e.job(t, true)

	require.NoError(t, e.svc.Fetch(ctx, job.ID))

	got := e.reload(t, job.ID)
	assert.True(t, got.Fetched)
	assert.Nil(t, got.TestRunID)
	require.NotNil(t, got.Failure)
	assert.Contains(t, *got.Failure, "duplicated test job")
}

func TestPoll(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	disabled := &store.Backend{Name: "disabled", ImplementationType: "scripted", MaxFetchAttempts: 3}
	require.NoError(t, e.store.CreateBackend(ctx, disabled))

	due := e.job(t, true)
	e.job(t, false)

	other := &store.TestJob{
		BackendID:     disabled.ID,
		TargetID:      e.fixture.Project.ID,
		TargetBuildID: &e.fixture.Build.ID,
		Environment:   "myenv",
		Submitted:     true,
	}
	require.NoError(t, e.store.CreateTestJob(ctx, other))

	require.NoError(t, e.svc.Poll(ctx, 0))
	require.NoError(t, e.svc.Poll(ctx, e.backend.ID))
	require.NoError(t, e.svc.Poll(ctx, disabled.ID))

	fetches := e.queue.Tasks(tasks.CIFetch)
	require.Len(t, fetches, 1, "fetches are keyed by test job")
	assert.Equal(t, due.ID, fetches[0].ID())
	assert.Equal(t, fmt.Sprintf("%d", due.ID), fetches[0].Key)
}

func TestPoll_RespectsInterval(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	e.backend.PollInterval = 60
	require.NoError(t, e.store.UpdateBackend(ctx, e.backend))

	job := e.job(t, true)
	recent := time.Now().UTC().Add(-10 * time.Minute)
	job.LastFetchAttempt = &recent
	require.NoError(t, e.store.UpdateTestJob(ctx, job))

	require.NoError(t, e.svc.Poll(ctx, 0))
	assert.Empty(t, e.queue.Tasks(tasks.CIFetch))

	old := time.Now().UTC().Add(-2 * time.Hour)
	job.LastFetchAttempt = &old
	require.NoError(t, e.store.UpdateTestJob(ctx, job))

	require.NoError(t, e.svc.Poll(ctx, 0))
	assert.Len(t, e.queue.Tasks(tasks.CIFetch), 1)
}

func TestScheduler_Tick(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	require.NoError(t, e.store.CreateBackend(ctx, &store.Backend{
		Name: "disabled", ImplementationType: "scripted", MaxFetchAttempts: 3,
	}))

	scheduler := ci.NewScheduler(storetest.Logger(), &config.WorkerConfig{}, e.store, e.queue)

	require.NoError(t, scheduler.Tick(ctx))
	require.NoError(t, scheduler.Tick(ctx))

	polls := e.queue.Tasks(tasks.CIPoll)
	require.Len(t, polls, 1)
	assert.Equal(t, e.backend.ID, polls[0].ID())
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	e := setup(t)

	scheduler := ci.NewScheduler(storetest.Logger(), &config.WorkerConfig{PollSchedule: "every now and then"}, e.store, e.queue)

	assert.Error(t, scheduler.Start(context.Background()))
}

func TestResubmit(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	job := e.job(t, true)

	child, err := e.svc.Resubmit(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, child, "jobs that cannot be resubmitted are left alone")

	job.CanResubmit = true
	require.NoError(t, e.store.UpdateTestJob(ctx, job))

	child, err = e.svc.Resubmit(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, child)

	assert.Equal(t, "100.1", child.ExternalID())
	assert.Equal(t, 1, child.ResubmittedCount)
	assert.True(t, child.Submitted)
	assert.False(t, child.Fetched)
	require.NotNil(t, child.ParentJobID)
	assert.Equal(t, job.ID, *child.ParentJobID)
	assert.Equal(t, "smoke", child.Name)

	assert.False(t, e.reload(t, job.ID).CanResubmit)

	grandchild, err := e.svc.ForceResubmit(ctx, child.ID)
	require.NoError(t, err)
	require.NotNil(t, grandchild)
	assert.Equal(t, "100.1.2", grandchild.ExternalID())
	assert.Equal(t, 2, grandchild.ResubmittedCount)
}

func TestResubmit_DeletesResults(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	e.fixture.Project.ProjectSettings = "CI_DELETE_RESULTS_RESUBMITTED_JOBS: true\n"
	require.NoError(t, e.store.UpdateProject(ctx, e.fixture.Project))

	job := e.job(t, true)
	require.NoError(t, e.svc.Fetch(ctx, job.ID))

	fetched := e.reload(t, job.ID)
	require.NotNil(t, fetched.TestRunID)
	runID := *fetched.TestRunID

	_, err := e.svc.ForceResubmit(ctx, job.ID)
	require.NoError(t, err)

	_, err = e.store.GetTestRun(ctx, runID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Nil(t, e.reload(t, job.ID).TestRunID)
}

func TestResubmit_ResetsBuildEvents(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	e.fixture.Project.ProjectSettings = "CI_RESET_BUILD_EVENTS_ON_JOB_RESUBMISSION: true\n"
	require.NoError(t, e.store.UpdateProject(ctx, e.fixture.Project))

	job := e.job(t, true)
	require.NoError(t, e.svc.Fetch(ctx, job.ID))

	ps, err := e.store.GetProjectStatusByBuild(ctx, e.fixture.Build.ID)
	require.NoError(t, err)
	require.True(t, ps.Finished)
	require.NoError(t, e.store.MarkProjectStatusNotified(ctx, ps.ID))

	build, err := e.store.GetBuild(ctx, e.fixture.Build.ID)
	require.NoError(t, err)
	build.PatchNotified = true
	require.NoError(t, e.store.UpdateBuild(ctx, build))

	cb := &store.Callback{ObjectID: build.ID, URL: "https://ci.example.com/hook", IsSent: true}
	require.NoError(t, e.store.CreateCallback(ctx, cb))

	e.queue.Reset()

	child, err := e.svc.ForceResubmit(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, child)

	ps, err = e.store.GetProjectStatusByBuild(ctx, build.ID)
	require.NoError(t, err)
	assert.False(t, ps.Finished)
	assert.False(t, ps.Notified)

	build, err = e.store.GetBuild(ctx, build.ID)
	require.NoError(t, err)
	assert.False(t, build.PatchNotified)

	pending, err := e.store.ListPendingCallbacks(ctx, store.CallbackObjectBuild, build.ID, store.CallbackEventBuildFinished)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, e.svc.Fetch(ctx, child.ID))
	require.NoError(t, e.svc.Fetch(ctx, child.ID))

	ps, err = e.store.GetProjectStatusByBuild(ctx, build.ID)
	require.NoError(t, err)
	assert.True(t, ps.Finished)

	dispatches := e.queue.Tasks(tasks.DispatchBuildCallbacks)
	require.Len(t, dispatches, 1)
	assert.Equal(t, build.ID, dispatches[0].ID())
}

func TestResubmit_BackendFailureKeepsBuildEvents(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	e.fixture.Project.ProjectSettings = "CI_RESET_BUILD_EVENTS_ON_JOB_RESUBMISSION: true\n"
	require.NoError(t, e.store.UpdateProject(ctx, e.fixture.Project))

	job := e.job(t, true)
	require.NoError(t, e.svc.Fetch(ctx, job.ID))

	ps, err := e.store.GetProjectStatusByBuild(ctx, e.fixture.Build.ID)
	require.NoError(t, err)
	require.NoError(t, e.store.MarkProjectStatusNotified(ctx, ps.ID))

	e.adapter.resubmitErr = errors.New("lab is down")

	child, err := e.svc.ForceResubmit(ctx, job.ID)
	require.Error(t, err)
	assert.Nil(t, child)

	ps, err = e.store.GetProjectStatusByBuild(ctx, e.fixture.Build.ID)
	require.NoError(t, err)
	assert.True(t, ps.Finished)
	assert.True(t, ps.Notified)
}

func TestResubmit_FewerTestsStillFinishBuild(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	e.fixture.Project.ProjectSettings = "CI_RESET_BUILD_EVENTS_ON_JOB_RESUBMISSION: true\n" +
		"CI_DELETE_RESULTS_RESUBMITTED_JOBS: true\n"
	require.NoError(t, e.store.UpdateProject(ctx, e.fixture.Project))

	job := e.job(t, true)
	require.NoError(t, e.svc.Fetch(ctx, job.ID))

	ps, err := e.store.GetProjectStatusByBuild(ctx, e.fixture.Build.ID)
	require.NoError(t, err)
	require.True(t, ps.Finished)
	require.Equal(t, 2, ps.TestsTotal())

	e.queue.Reset()

	child, err := e.svc.ForceResubmit(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, child)

	e.adapter.fetch = func(*store.TestJob) (*ci.FetchResult, error) {
		result := passing()
		result.Tests = map[string]any{"smoke/boot": "pass"}

		return result, nil
	}

	require.NoError(t, e.svc.Fetch(ctx, child.ID))

	ps, err = e.store.GetProjectStatusByBuild(ctx, e.fixture.Build.ID)
	require.NoError(t, err)
	assert.True(t, ps.Finished)

	dispatches := e.queue.Tasks(tasks.DispatchBuildCallbacks)
	require.Len(t, dispatches, 1)
	assert.Equal(t, e.fixture.Build.ID, dispatches[0].ID())
}

func TestCancel(t *testing.T) {
	t.Run("before submission", func(t *testing.T) {
		e := setup(t)
		ctx := context.Background()

		job := e.job(t, false)

		ok, err := e.svc.Cancel(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		got := e.reload(t, job.ID)
		assert.True(t, got.Submitted)
		assert.True(t, got.Fetched)
		assert.Equal(t, 1, got.FetchAttempts)
		assert.Equal(t, store.JobStatusCanceled, got.JobStatus)
		assert.Zero(t, e.adapter.cancelCalls)
	})

	t.Run("running", func(t *testing.T) {
		e := setup(t)
		ctx := context.Background()

		job := e.job(t, true)

		ok, err := e.svc.Cancel(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1, e.adapter.cancelCalls)

		e.adapter.cancelErr = errors.New("permission denied")

		ok, err = e.svc.Cancel(ctx, job.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("fetched", func(t *testing.T) {
		e := setup(t)
		ctx := context.Background()

		job := e.job(t, true)
		require.NoError(t, e.svc.Fetch(ctx, job.ID))

		ok, err := e.svc.Cancel(ctx, job.ID)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Zero(t, e.adapter.cancelCalls)
	})
}

func TestSubmitJob(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	req := &ci.NewJob{
		Backend:     e.backend,
		Project:     e.fixture.Project,
		Build:       e.fixture.Build,
		Environment: "myenv",
		Definition:  "job_name: boot test\n",
	}

	job, err := e.svc.SubmitJob(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "boot test", job.Name)
	assert.False(t, job.Submitted)

	submits := e.queue.Tasks(tasks.CISubmit)
	require.Len(t, submits, 1)
	assert.Equal(t, job.ID, submits[0].ID())

	req.Definition = "invalid"
	_, err = e.svc.SubmitJob(ctx, req)
	assert.ErrorIs(t, err, store.ErrInvalid)
}

func TestWatchJob(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	job, err := e.svc.WatchJob(ctx, &ci.NewJob{
		Backend:     e.backend,
		Project:     e.fixture.Project,
		Build:       e.fixture.Build,
		Environment: "myenv",
		JobID:       "555",
	})
	require.NoError(t, err)
	assert.True(t, job.Submitted)
	assert.Equal(t, "555", job.ExternalID())

	fetches := e.queue.Tasks(tasks.CIFetch)
	require.Len(t, fetches, 1)
	assert.Equal(t, job.ID, fetches[0].ID())

	_, err = e.svc.WatchJob(ctx, &ci.NewJob{Backend: e.backend, Project: e.fixture.Project, Environment: "myenv"})
	assert.ErrorIs(t, err, store.ErrInvalid)
}

func TestRegistry_UnknownImplementation(t *testing.T) {
	r := ci.NewRegistry(ci.Env{})

	_, err := r.Get(&store.Backend{Name: "lab", ImplementationType: "lava"})
	assert.ErrorIs(t, err, ci.ErrUnknownImplementation)
	assert.Empty(t, r.List())
}

func TestJobName(t *testing.T) {
	assert.Equal(t, "smoke", ci.JobName("job_name: smoke\ndevice_type: x15\n"))
	assert.Equal(t, "", ci.JobName("device_type: x15\n"))
	assert.Equal(t, "", ci.JobName("{{ not yaml"))
	assert.Len(t, ci.JobName("job_name: "+strings.Repeat("a", 300)), 255)
}
