package status_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/squad/pkg/plugins"
	"github.com/ethpandaops/squad/pkg/status"
	"github.com/ethpandaops/squad/pkg/store"
	"github.com/ethpandaops/squad/pkg/store/storetest"
	"github.com/ethpandaops/squad/pkg/tasks"
)

type env struct {
	store      store.Store
	queue      *tasks.Recorder
	aggregator *status.Aggregator
	project    *store.Project
}

func setup(t *testing.T) *env {
	t.Helper()

	s := storetest.New(t)
	queue := tasks.NewRecorder()

	project, err := s.GetOrCreateProject(context.Background(), "mygroup", "myproject")
	require.NoError(t, err)

	return &env{
		store:      s,
		queue:      queue,
		aggregator: status.NewAggregator(storetest.Logger(), s, queue, plugins.Default(storetest.Logger())),
		project:    project,
	}
}

// run adds a completed test run and dates its build at day.
func (e *env) run(t *testing.T, version string, day int, tests map[string]string) *store.TestRun {
	t.Helper()

	run := storetest.AddTestRun(t, e.store, e.project, version, "myenv", storetest.Results{
		Tests:     tests,
		Completed: true,
	})

	build, err := e.store.GetBuild(context.Background(), run.BuildID)
	require.NoError(t, err)

	build.Datetime = time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC)
	require.NoError(t, e.store.UpdateBuild(context.Background(), build))

	return run
}

func TestUpdate_CountsTests(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	run := e.run(t, "1.0", 1, map[string]string{
		"suite/foo": "pass",
		"suite/bar": "fail",
		"suite/baz": "skip",
	})

	require.NoError(t, e.aggregator.UpdateProjectStatus(ctx, run))

	st, err := e.store.GetProjectStatusByBuild(ctx, run.BuildID)
	require.NoError(t, err)

	assert.Equal(t, 3, st.TestsTotal())
	assert.Equal(t, 1, st.TestsPass)
	assert.Equal(t, 1, st.TestsFail)
	assert.Equal(t, 1, st.TestsSkip)
	assert.True(t, st.Finished)

	notify := e.queue.Tasks(tasks.MaybeNotifyProjectStatus)
	require.Len(t, notify, 1)
	assert.Equal(t, st.ID, notify[0].ID())

	callbacks := e.queue.Tasks(tasks.DispatchBuildCallbacks)
	require.Len(t, callbacks, 1)
	assert.Equal(t, run.BuildID, callbacks[0].ID())
}

func TestUpdate_LatestTestWins(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	e.run(t, "1.0", 1, map[string]string{"suite/foo": "fail"})
	run := e.run(t, "1.0", 1, map[string]string{"suite/foo": "pass"})

	st, err := e.aggregator.Update(ctx, run.BuildID)
	require.NoError(t, err)

	assert.Equal(t, 1, st.TestsTotal())
	assert.Equal(t, 1, st.TestsPass)
}

func TestUpdate_XFailFromKnownIssue(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	run := e.run(t, "1.0", 1, map[string]string{"suite/bar": "xfail", "suite/foo": "pass"})

	st, err := e.aggregator.Update(ctx, run.BuildID)
	require.NoError(t, err)

	assert.Equal(t, 1, st.TestsXFail)
	assert.Equal(t, 0, st.TestsFail)
}

func TestUpdate_CachesRegressionsAgainstBaseline(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	first := e.run(t, "1", 1, map[string]string{"suite/a": "pass", "suite/b": "fail"})
	_, err := e.aggregator.Update(ctx, first.BuildID)
	require.NoError(t, err)

	second := e.run(t, "2", 2, map[string]string{"suite/a": "fail", "suite/b": "pass"})
	st, err := e.aggregator.Update(ctx, second.BuildID)
	require.NoError(t, err)

	require.NotNil(t, st.BaselineID)

	baseline, err := e.store.GetProjectStatusByBuild(ctx, first.BuildID)
	require.NoError(t, err)
	assert.Equal(t, baseline.ID, *st.BaselineID)

	regressions, err := status.DecodeChanges(st.Regressions)
	require.NoError(t, err)
	assert.Equal(t, status.Changes{"myenv": {"suite/a"}}, regressions)

	fixes, err := status.DecodeChanges(st.Fixes)
	require.NoError(t, err)
	assert.Equal(t, status.Changes{"myenv": {"suite/b"}}, fixes)
}

func TestUpdate_FirstBuildHasNoBaseline(t *testing.T) {
	e := setup(t)

	run := e.run(t, "1", 1, map[string]string{"suite/a": "pass"})

	st, err := e.aggregator.Update(context.Background(), run.BuildID)
	require.NoError(t, err)
	assert.Nil(t, st.BaselineID)

	regressions, err := status.DecodeChanges(st.Regressions)
	require.NoError(t, err)
	assert.Empty(t, regressions)
}

func TestUpdate_UnfinishedBuildSchedulesNoCallbacks(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	run := storetest.AddTestRun(t, e.store, e.project, "1.0", "myenv", storetest.Results{
		Tests: map[string]string{"suite/a": "pass"},
	})

	st, err := e.aggregator.Update(ctx, run.BuildID)
	require.NoError(t, err)

	assert.False(t, st.Finished)
	assert.Empty(t, e.queue.Tasks(tasks.DispatchBuildCallbacks))
	assert.Len(t, e.queue.Tasks(tasks.MaybeNotifyProjectStatus), 1)
}

func TestFinished(t *testing.T) {
	t.Run("completed run without expectations", func(t *testing.T) {
		e := setup(t)
		run := e.run(t, "1", 1, nil)

		build, err := e.store.GetBuild(context.Background(), run.BuildID)
		require.NoError(t, err)

		finished, reasons, err := status.Finished(context.Background(), e.store, build)
		require.NoError(t, err)
		assert.True(t, finished)
		assert.Empty(t, reasons)
	})

	t.Run("expected test runs missing", func(t *testing.T) {
		e := setup(t)
		ctx := context.Background()

		run := e.run(t, "1", 1, nil)

		environment, err := e.store.GetEnvironment(ctx, run.EnvironmentID)
		require.NoError(t, err)

		environment.ExpectedTestRuns = 2
		require.NoError(t, e.store.UpdateEnvironment(ctx, environment))

		build, err := e.store.GetBuild(ctx, run.BuildID)
		require.NoError(t, err)

		finished, reasons, err := status.Finished(ctx, e.store, build)
		require.NoError(t, err)
		assert.False(t, finished)
		assert.Len(t, reasons, 1)

		e.run(t, "1", 1, nil)

		finished, _, err = status.Finished(ctx, e.store, build)
		require.NoError(t, err)
		assert.True(t, finished)
	})

	t.Run("pending test job wins over completed runs", func(t *testing.T) {
		e := setup(t)
		ctx := context.Background()

		run := e.run(t, "1", 1, nil)

		backend := &store.Backend{Name: "fake", ImplementationType: "fake"}
		require.NoError(t, e.store.CreateBackend(ctx, backend))

		job := &store.TestJob{BackendID: backend.ID, TargetID: e.project.ID, TargetBuildID: &run.BuildID}
		require.NoError(t, e.store.CreateTestJob(ctx, job))

		build, err := e.store.GetBuild(ctx, run.BuildID)
		require.NoError(t, err)

		finished, reasons, err := status.Finished(ctx, e.store, build)
		require.NoError(t, err)
		assert.False(t, finished)
		assert.Len(t, reasons, 1)

		job.Fetched = true
		require.NoError(t, e.store.UpdateTestJob(ctx, job))

		finished, _, err = status.Finished(ctx, e.store, build)
		require.NoError(t, err)
		assert.True(t, finished)
	})

	t.Run("no test runs", func(t *testing.T) {
		e := setup(t)
		ctx := context.Background()

		build, _, err := e.store.GetOrCreateBuild(ctx, e.project.ID, "1")
		require.NoError(t, err)

		finished, _, err := status.Finished(ctx, e.store, build)
		require.NoError(t, err)
		assert.False(t, finished)
	})
}

func TestUpdateBuildSummary(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	run := storetest.AddTestRun(t, e.store, e.project, "1", "myenv", storetest.Results{
		Tests:     map[string]string{"suite/a": "pass", "suite/b": "fail"},
		Metrics:   map[string]float64{"suite/m1": 2, "suite/m2": 8},
		Completed: true,
	})
	storetest.AddTestRun(t, e.store, e.project, "1", "otherenv", storetest.Results{
		Tests:     map[string]string{"suite/a": "fail"},
		Completed: true,
	})

	require.NoError(t, e.aggregator.UpdateBuildSummary(ctx, run))

	summaries, err := e.store.ListBuildSummaries(ctx, run.BuildID)
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	assert.Equal(t, run.EnvironmentID, summaries[0].EnvironmentID)
	assert.Equal(t, 1, summaries[0].TestsPass)
	assert.Equal(t, 1, summaries[0].TestsFail)
	assert.True(t, summaries[0].HasMetrics)
	assert.InDelta(t, 4.0, summaries[0].MetricsSummary, 1e-9)
}

func TestExceededThresholds(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	run := storetest.AddTestRun(t, e.store, e.project, "1", "myenv", storetest.Results{
		Metrics: map[string]float64{"bench/latency": 12, "bench/throughput": 80, "other/size": 5},
	})

	limit := func(v float64) *float64 { return &v }

	for _, th := range []*store.MetricThreshold{
		{ProjectID: e.project.ID, Name: "bench/latency", Value: limit(10)},
		{ProjectID: e.project.ID, Name: "bench/throughput", Value: limit(100), IsHigherBetter: true},
		{ProjectID: e.project.ID, Name: "other/*", Value: limit(10)},
		{ProjectID: e.project.ID, Name: "bench/*"},
	} {
		require.NoError(t, e.store.CreateMetricThreshold(ctx, th))
	}

	build, err := e.store.GetBuild(ctx, run.BuildID)
	require.NoError(t, err)

	exceeded, err := status.ExceededThresholds(ctx, e.store, build)
	require.NoError(t, err)
	require.Len(t, exceeded, 2)

	names := []string{exceeded[0].Metric.FullName(), exceeded[1].Metric.FullName()}
	assert.ElementsMatch(t, []string{"bench/latency", "bench/throughput"}, names)
}
