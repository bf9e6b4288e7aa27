// Package storetest builds in-memory stores for tests.
package storetest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/squad/pkg/config"
	"github.com/ethpandaops/squad/pkg/naming"
	"github.com/ethpandaops/squad/pkg/store"
)

// New returns a started sqlite ":memory:" store closed on test cleanup.
func New(t testing.TB) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	}

	s := store.NewStore(Logger(), cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

// Logger returns a logger that only prints errors.
func Logger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

// Fixture is a project with one build and environment.
type Fixture struct {
	Project     *store.Project
	Build       *store.Build
	Environment *store.Environment
}

// NewFixture creates group "mygroup", project "myproject", build "1.0"
// and environment "myenv".
func NewFixture(t testing.TB, s store.Store) *Fixture {
	t.Helper()

	ctx := context.Background()

	project, err := s.GetOrCreateProject(ctx, "mygroup", "myproject")
	require.NoError(t, err)

	build, _, err := s.GetOrCreateBuild(ctx, project.ID, "1.0")
	require.NoError(t, err)

	env, err := s.GetOrCreateEnvironment(ctx, project.ID, "myenv")
	require.NoError(t, err)

	return &Fixture{Project: project, Build: build, Environment: env}
}

var runCounter atomic.Uint64

// Results are the tests and metrics of a test run created by AddTestRun.
// Test values are pass, fail, xfail or skip.
type Results struct {
	Tests     map[string]string
	Metrics   map[string]float64
	Completed bool
	Datetime  time.Time
	// KnownIssues attaches existing issues to the named tests.
	KnownIssues map[string]*store.KnownIssue
}

// AddTestRun stores a processed test run with the given results in the
// build and environment of the project, creating them as needed.
func AddTestRun(
	t testing.TB, s store.Store, project *store.Project, version, envSlug string, results Results,
) *store.TestRun {
	t.Helper()

	ctx := context.Background()

	build, _, err := s.GetOrCreateBuild(ctx, project.ID, version)
	require.NoError(t, err)

	env, err := s.GetOrCreateEnvironment(ctx, project.ID, envSlug)
	require.NoError(t, err)

	when := results.Datetime
	if when.IsZero() {
		when = time.Now().UTC()
	}

	run := &store.TestRun{
		BuildID:       build.ID,
		EnvironmentID: env.ID,
		JobID:         fmt.Sprintf("run-%d", runCounter.Add(1)),
		Datetime:      when,
		Completed:     results.Completed,
	}
	require.NoError(t, s.CreateTestRun(ctx, run))

	suiteID := func(full string) (uint, string) {
		suiteSlug, name := naming.Parse(full)

		suite, err := s.GetOrCreateSuite(ctx, project.ID, suiteSlug)
		require.NoError(t, err)

		return suite.ID, name
	}

	tests := make([]*store.Test, 0, len(results.Tests))

	for full, status := range results.Tests {
		id, name := suiteID(full)
		test := &store.Test{
			TestRunID:     run.ID,
			SuiteID:       id,
			BuildID:       build.ID,
			EnvironmentID: env.ID,
			Name:          name,
		}

		switch status {
		case store.StatusPass:
			test.Result = boolPtr(true)
		case store.StatusFail:
			test.Result = boolPtr(false)
		case store.StatusXFail:
			test.Result = boolPtr(false)
			test.HasKnownIssues = true
		}

		if issue, ok := results.KnownIssues[full]; ok {
			test.KnownIssues = []store.KnownIssue{*issue}
			test.HasKnownIssues = true
		}

		tests = append(tests, test)
	}

	metrics := make([]*store.Metric, 0, len(results.Metrics))

	for full, value := range results.Metrics {
		id, name := suiteID(full)
		metrics = append(metrics, &store.Metric{
			TestRunID:     run.ID,
			SuiteID:       id,
			BuildID:       build.ID,
			EnvironmentID: env.ID,
			Name:          name,
			Result:        value,
			Measurements:  []float64{value},
		})
	}

	_, err = s.SaveTestRunData(ctx, run.ID, tests, metrics)
	require.NoError(t, err)

	return run
}

func boolPtr(b bool) *bool { return &b }
