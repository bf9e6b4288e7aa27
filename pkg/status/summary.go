// Package status maintains the cached aggregates of builds: project
// statuses, build summaries and the finished rule.
package status

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/ethpandaops/squad/pkg/naming"
	"github.com/ethpandaops/squad/pkg/stats"
	"github.com/ethpandaops/squad/pkg/store"
)

// Summary counts test outcomes.
type Summary struct {
	TestsPass  int `json:"tests_pass"`
	TestsFail  int `json:"tests_fail"`
	TestsSkip  int `json:"tests_skip"`
	TestsXFail int `json:"tests_xfail"`
}

// TestsTotal sums all counters.
func (s Summary) TestsTotal() int {
	return s.TestsPass + s.TestsFail + s.TestsSkip + s.TestsXFail
}

func (s *Summary) add(status string) {
	switch status {
	case store.StatusPass:
		s.TestsPass++
	case store.StatusFail:
		s.TestsFail++
	case store.StatusXFail:
		s.TestsXFail++
	default:
		s.TestsSkip++
	}
}

type testKey struct {
	environmentID uint
	suite         string
	name          string
}

// latestTests keeps the most recently stored test per environment, suite
// and name. Tests are listed in insertion order so later rows win.
func latestTests(tests []store.Test) []store.Test {
	latest := make(map[testKey]int, len(tests))
	order := make([]testKey, 0, len(tests))

	for i := range tests {
		suite := ""
		if tests[i].Suite != nil {
			suite = tests[i].Suite.Slug
		}

		key := testKey{environmentID: tests[i].EnvironmentID, suite: suite, name: tests[i].Name}
		if _, ok := latest[key]; !ok {
			order = append(order, key)
		}

		latest[key] = i
	}

	return lo.Map(order, func(key testKey, _ int) store.Test { return tests[latest[key]] })
}

// TestSummary counts the latest result of every test of a build. An
// environmentID of 0 covers all environments.
func TestSummary(ctx context.Context, s store.Store, buildID, environmentID uint) (Summary, error) {
	var summary Summary

	tests, err := s.ListTestsByBuild(ctx, buildID)
	if err != nil {
		return summary, err
	}

	for _, test := range latestTests(tests) {
		if environmentID != 0 && test.EnvironmentID != environmentID {
			continue
		}

		summary.add(test.Status())
	}

	return summary, nil
}

// MetricsSummary returns the geometric mean of every measurement of a
// build and whether the build has metrics at all. An environmentID of 0
// covers all environments.
func MetricsSummary(ctx context.Context, s store.Store, buildID, environmentID uint) (float64, bool, error) {
	metrics, err := s.ListMetricsByBuild(ctx, buildID)
	if err != nil {
		return 0, false, err
	}

	var values []float64

	found := false

	for _, m := range metrics {
		if environmentID != 0 && m.EnvironmentID != environmentID {
			continue
		}

		found = true
		values = append(values, m.Measurements...)
	}

	return stats.Geomean(values), found, nil
}

// Finished reports whether a build expects no more results. Builds with
// test jobs are finished once every job was fetched. Other builds need
// the expected number of completed test runs in every environment that
// declares one, and at least one completed test run in every other
// environment they have results for. The returned reasons explain an
// unfinished build.
func Finished(ctx context.Context, s store.Store, build *store.Build) (bool, []string, error) {
	jobs, err := s.ListTestJobsByBuild(ctx, build.ID)
	if err != nil {
		return false, nil, err
	}

	if len(jobs) > 0 {
		pending := lo.Filter(jobs, func(j store.TestJob, _ int) bool { return !j.Fetched })
		reasons := lo.Map(pending, func(j store.TestJob, _ int) string {
			return fmt.Sprintf("test job %d is not fetched yet", j.ID)
		})

		return len(pending) == 0, reasons, nil
	}

	envs, err := s.ListEnvironments(ctx, build.ProjectID)
	if err != nil {
		return false, nil, err
	}

	runs, err := s.ListTestRuns(ctx, build.ID)
	if err != nil {
		return false, nil, err
	}

	present := make(map[uint]bool, len(envs))
	completed := make(map[uint]int, len(envs))

	for _, run := range runs {
		present[run.EnvironmentID] = true

		if run.Completed {
			completed[run.EnvironmentID]++
		}
	}

	var reasons []string

	for _, env := range envs {
		expected := env.ExpectedTestRuns
		if expected <= 0 {
			if !present[env.ID] {
				continue
			}

			expected = 1
		}

		if completed[env.ID] < expected {
			reasons = append(reasons, fmt.Sprintf(
				"environment %s has %d of %d expected completed test runs",
				env.Slug, completed[env.ID], expected,
			))
		}
	}

	if len(runs) == 0 {
		reasons = append(reasons, "build has no test runs")
	}

	return len(reasons) == 0, reasons, nil
}

// Exceeded is a metric value violating a threshold's bound.
type Exceeded struct {
	Threshold store.MetricThreshold
	Metric    store.Metric
}

// ExceededThresholds returns the metrics of a build that cross the bound
// of a threshold with a value. Thresholds bound to an environment only
// apply there.
func ExceededThresholds(ctx context.Context, s store.Store, build *store.Build) ([]Exceeded, error) {
	thresholds, err := s.ListMetricThresholds(ctx, build.ProjectID)
	if err != nil {
		return nil, err
	}

	thresholds = lo.Filter(thresholds, func(t store.MetricThreshold, _ int) bool { return t.Value != nil })
	if len(thresholds) == 0 {
		return nil, nil
	}

	metrics, err := s.ListMetricsByBuild(ctx, build.ID)
	if err != nil {
		return nil, err
	}

	globs := make([]*naming.Glob, len(thresholds))

	for i, t := range thresholds {
		if globs[i], err = naming.CompileGlob(t.Name); err != nil {
			return nil, fmt.Errorf("metric threshold %d: %w", t.ID, err)
		}
	}

	var exceeded []Exceeded

	for _, m := range metrics {
		for i, t := range thresholds {
			if t.EnvironmentID != nil && *t.EnvironmentID != m.EnvironmentID {
				continue
			}

			if !globs[i].Match(m.FullName()) {
				continue
			}

			if (t.IsHigherBetter && m.Result < *t.Value) || (!t.IsHigherBetter && m.Result > *t.Value) {
				exceeded = append(exceeded, Exceeded{Threshold: t, Metric: m})
			}
		}
	}

	return exceeded, nil
}
