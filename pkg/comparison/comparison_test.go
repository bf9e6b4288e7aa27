package comparison_test

import (
	"context"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/squad/pkg/comparison"
	"github.com/ethpandaops/squad/pkg/store"
	"github.com/ethpandaops/squad/pkg/store/storetest"
)

type fixture struct {
	s        store.Store
	project1 *store.Project
	project2 *store.Project
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()

	s := storetest.New(t)
	ctx := context.Background()

	p1, err := s.GetOrCreateProject(ctx, "mygroup", "project1")
	require.NoError(t, err)

	p2, err := s.GetOrCreateProject(ctx, "mygroup", "project2")
	require.NoError(t, err)

	return &fixture{s: s, project1: p1, project2: p2}
}

func (f *fixture) tests(t *testing.T, p *store.Project, version, env string, tests map[string]string) {
	t.Helper()
	storetest.AddTestRun(t, f.s, p, version, env, storetest.Results{Tests: tests})
}

func (f *fixture) build(t *testing.T, p *store.Project, version string) *store.Build {
	t.Helper()

	b, err := f.s.GetBuildByVersion(context.Background(), p.ID, version)
	require.NoError(t, err)

	return b
}

// setupTests mirrors two projects whose build "1" differs in tests a
// (pass -> fail) and c (fail -> pass) in both environments.
func setupTests(t *testing.T) (*fixture, *store.Build, *store.Build, *store.Build) {
	t.Helper()

	f := setupFixture(t)

	f.tests(t, f.project1, "0", "myenv", map[string]string{"z": "pass"})

	for _, env := range []string{"myenv", "otherenv"} {
		f.tests(t, f.project1, "1", env, map[string]string{"a": "pass", "b": "pass"})
		f.tests(t, f.project1, "1", env, map[string]string{"c": "fail", "d/e": "pass"})
		f.tests(t, f.project2, "1", env, map[string]string{"a": "fail", "b": "pass"})
		f.tests(t, f.project2, "1", env, map[string]string{"c": "pass", "d/e": "pass"})
	}

	return f, f.build(t, f.project1, "0"), f.build(t, f.project1, "1"), f.build(t, f.project2, "1")
}

func TestCompareTests_Results(t *testing.T) {
	f, build0, build1, build2 := setupTests(t)
	ctx := context.Background()

	comp, err := comparison.CompareTests(ctx, f.s, build1, build2)
	require.NoError(t, err)

	assert.Equal(t, []*store.Build{build1, build2}, comp.Builds)
	assert.Equal(t, []string{"myenv", "otherenv"}, comp.Environments[build1.ID])
	assert.Equal(t, []string{"myenv", "otherenv"}, comp.Environments[build2.ID])

	assert.Equal(t, "pass", comp.Results["a"][comparison.Cell{BuildID: build1.ID, Environment: "otherenv"}])
	assert.Equal(t, "fail", comp.Results["c"][comparison.Cell{BuildID: build1.ID, Environment: "otherenv"}])
	assert.Equal(t, "fail", comp.Results["a"][comparison.Cell{BuildID: build2.ID, Environment: "otherenv"}])
	assert.Equal(t, "pass", comp.Results["b"][comparison.Cell{BuildID: build2.ID, Environment: "otherenv"}])

	sorted, err := comparison.CompareTests(ctx, f.s, build0, build1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d/e", "z"}, sorted.Names())
}

func TestCompareTests_Diff(t *testing.T) {
	f, _, build1, build2 := setupTests(t)
	ctx := context.Background()

	comp, err := comparison.CompareTests(ctx, f.s, build1, build2)
	require.NoError(t, err)

	diff := comp.Diff()
	assert.ElementsMatch(t, []string{"a", "c"}, keys(diff))

	same, err := comparison.CompareTests(ctx, f.s, build1, build1)
	require.NoError(t, err)
	assert.Empty(t, same.Diff())
	assert.Empty(t, same.Regressions)
	assert.Empty(t, same.Fixes)
}

func TestCompareTests_RegressionsAndFixes(t *testing.T) {
	f, _, build1, build2 := setupTests(t)
	ctx := context.Background()

	comp, err := comparison.CompareTests(ctx, f.s, build1, build2)
	require.NoError(t, err)

	want := map[string][]string{"myenv": {"a"}, "otherenv": {"a"}}
	if diff := cmp.Diff(want, comp.Regressions); diff != "" {
		t.Errorf("regressions mismatch (-want +got):\n%s", diff)
	}

	want = map[string][]string{"myenv": {"c"}, "otherenv": {"c"}}
	if diff := cmp.Diff(want, comp.Fixes); diff != "" {
		t.Errorf("fixes mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, map[string][]string{"myenv": {"a"}, "otherenv": {"a"}}, comp.Failures)
}

func TestCompareTests_NoPreviousBuild(t *testing.T) {
	f, _, build1, _ := setupTests(t)

	comp, err := comparison.CompareTests(context.Background(), f.s, nil, build1)
	require.NoError(t, err)

	assert.Len(t, comp.Builds, 1)
	assert.Empty(t, comp.Regressions)
	assert.Empty(t, comp.Fixes)
	assert.Empty(t, comp.Diff())
	assert.Equal(t, []string{"c"}, comp.Failures["myenv"])
}

func TestCompareTests_XFailIsFixUnlessIntermittent(t *testing.T) {
	tests := []struct {
		name         string
		intermittent bool
		want         map[string][]string
	}{
		{name: "xfail to pass is a fix", want: map[string][]string{"myenv": {"c"}}},
		{name: "intermittent issue hides the fix", intermittent: true, want: map[string][]string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupFixture(t)
			ctx := context.Background()

			issue := &store.KnownIssue{Title: "flaky c", TestName: "c", Active: true, Intermittent: tt.intermittent}
			require.NoError(t, f.s.CreateKnownIssue(ctx, issue))

			storetest.AddTestRun(t, f.s, f.project1, "1", "myenv", storetest.Results{
				Tests:       map[string]string{"c": "fail"},
				KnownIssues: map[string]*store.KnownIssue{"c": issue},
			})
			f.tests(t, f.project1, "2", "myenv", map[string]string{"c": "pass"})

			comp, err := comparison.CompareTests(ctx, f.s, f.build(t, f.project1, "1"), f.build(t, f.project1, "2"))
			require.NoError(t, err)

			assert.Equal(t, "xfail", comp.Status("c", comparison.Cell{BuildID: comp.Builds[0].ID, Environment: "myenv"}))

			if diff := cmp.Diff(tt.want, comp.Fixes); diff != "" {
				t.Errorf("fixes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCompareTests_RepeatedTestsUseConfidence(t *testing.T) {
	f := setupFixture(t)

	f.tests(t, f.project1, "1", "myenv", map[string]string{"flaky": "pass"})
	f.tests(t, f.project1, "1", "myenv", map[string]string{"flaky": "fail"})
	f.tests(t, f.project1, "1", "myenv", map[string]string{"flaky": "pass"})
	f.tests(t, f.project1, "1", "myenv", map[string]string{"tie": "pass"})
	f.tests(t, f.project1, "1", "myenv", map[string]string{"tie": "fail"})

	build := f.build(t, f.project1, "1")

	comp, err := comparison.CompareTests(context.Background(), f.s, build)
	require.NoError(t, err)

	cell := comparison.Cell{BuildID: build.ID, Environment: "myenv"}
	assert.Equal(t, "pass", comp.Results["flaky"][cell])
	assert.Equal(t, "fail", comp.Results["tie"][cell])
}

func TestCompareTests_ApplyTransitions(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	// testA: pass fail xfail -> fail pass xfail
	// testB: pass skip xfail -> skip n/a  xfail
	// testC: pass everywhere
	f.tests(t, f.project1, "buildA", "envA", map[string]string{"testA": "pass", "testB": "pass", "testC": "pass"})
	f.tests(t, f.project1, "buildA", "envB", map[string]string{"testA": "fail", "testB": "skip", "testC": "pass"})
	f.tests(t, f.project1, "buildA", "envC", map[string]string{"testA": "xfail", "testB": "xfail", "testC": "pass"})
	f.tests(t, f.project1, "buildB", "envA", map[string]string{"testA": "fail", "testB": "skip", "testC": "pass"})
	f.tests(t, f.project1, "buildB", "envB", map[string]string{"testA": "pass", "testC": "pass"})
	f.tests(t, f.project1, "buildB", "envC", map[string]string{"testA": "xfail", "testB": "xfail", "testC": "pass"})

	buildA := f.build(t, f.project1, "buildA")
	buildB := f.build(t, f.project1, "buildB")

	comp, err := comparison.CompareTests(ctx, f.s, buildA, buildB)
	require.NoError(t, err)

	assert.Equal(t, map[string][]string{"envB": {"testA"}}, comp.Fixes)
	assert.Equal(t, map[string][]string{"envA": {"testA"}}, comp.Regressions)
	assert.Equal(t, []string{"envA", "envB", "envC"}, comp.AllEnvironments())
	assert.Len(t, comp.Results, 3)

	comp.ApplyTransitions([]comparison.Transition{
		{Before: "pass", After: "fail"},
		{Before: "skip", After: comparison.StatusMissing},
	})

	assert.Equal(t, map[string][]string{"envB": {"testA"}}, comp.Fixes)
	assert.Equal(t, map[string][]string{"envA": {"testA"}}, comp.Regressions)
	assert.Equal(t, []string{"envA", "envB"}, comp.AllEnvironments())
	assert.Len(t, comp.Results, 2)

	_, ok := comp.Results["testB"][comparison.Cell{BuildID: buildB.ID, Environment: "envB"}]
	assert.False(t, ok)
}

func TestGroupBySuite(t *testing.T) {
	got := comparison.GroupBySuite(map[string][]string{
		"env1": {"suite/b", "suite/a", "root", "a/b/c", "x/y.z[p/q]"},
	})

	want := map[string]map[string][]string{
		"env1": {
			"suite": {"a", "b"},
			"/":     {"root"},
			"a/b":   {"c"},
			"x":     {"y.z[p/q]"},
		},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("grouping mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, 5, comparison.Count(map[string][]string{"e1": {"a", "b"}, "e2": {"c", "d", "e"}}))
}

func TestCompareMetrics(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	metrics := func(p *store.Project, version, env string, m map[string]float64) {
		storetest.AddTestRun(t, f.s, p, version, env, storetest.Results{Metrics: m})
	}

	metrics(f.project1, "0", "myenv", map[string]float64{"z": 0.1})
	metrics(f.project1, "0", "myenv", map[string]float64{"z": 0.2})
	metrics(f.project2, "0", "otherenv", map[string]float64{"z": 0.1})
	metrics(f.project1, "1", "myenv", map[string]float64{"a": 0.2, "b": 0.3})
	metrics(f.project1, "1", "myenv", map[string]float64{"c": 0.4, "d/e": 0.5})
	metrics(f.project2, "1", "myenv", map[string]float64{"a": 0.2, "b": 0.3})
	metrics(f.project2, "1", "myenv", map[string]float64{"c": 2.5, "d/e": 2.5})

	build0 := f.build(t, f.project1, "0")
	build1 := f.build(t, f.project1, "1")
	build2 := f.build(t, f.project2, "0")
	build3 := f.build(t, f.project2, "1")

	comp, err := comparison.CompareMetrics(ctx, f.s, build1, build3)
	require.NoError(t, err)

	assert.Equal(t, comparison.MetricResult{Mean: 0.2, Count: 1},
		comp.Results["a"][comparison.Cell{BuildID: build1.ID, Environment: "myenv"}])
	assert.ElementsMatch(t, []string{"c", "d/e"}, keys(comp.Diff()))
	assert.Empty(t, comp.Regressions, "no threshold marks any metric")

	multi, err := comparison.CompareMetrics(ctx, f.s, build0, build2)
	require.NoError(t, err)
	assert.Equal(t, []string{"z"}, keys(multi.Diff()))

	z := multi.Results["z"][comparison.Cell{BuildID: build0.ID, Environment: "myenv"}]
	mean := (0.1 + 0.2) / 2
	assert.InDelta(t, mean, z.Mean, 1e-9)
	assert.InDelta(t, math.Sqrt((math.Pow(0.1-mean, 2)+math.Pow(0.2-mean, 2))/2), z.StdDev, 1e-9)
	assert.Equal(t, 2, z.Count)
}

func TestCompareMetrics_Thresholds(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	storetest.AddTestRun(t, f.s, f.project1, "1", "env1", storetest.Results{
		Metrics: map[string]float64{"bench/speed": 10, "bench/latency": 5, "other/speed": 1},
	})
	storetest.AddTestRun(t, f.s, f.project1, "1", "env2", storetest.Results{
		Metrics: map[string]float64{"bench/speed": 10},
	})
	storetest.AddTestRun(t, f.s, f.project1, "2", "env1", storetest.Results{
		Metrics: map[string]float64{"bench/speed": 8, "bench/latency": 4, "other/speed": 2},
	})
	storetest.AddTestRun(t, f.s, f.project1, "2", "env2", storetest.Results{
		Metrics: map[string]float64{"bench/speed": 12},
	})

	env1, err := f.s.GetOrCreateEnvironment(ctx, f.project1.ID, "env1")
	require.NoError(t, err)

	value := 3.0
	thresholds := []*store.MetricThreshold{
		{ProjectID: f.project1.ID, Name: "bench/speed", IsHigherBetter: true, EnvironmentID: &env1.ID},
		{ProjectID: f.project1.ID, Name: "bench/lat*", IsHigherBetter: false},
		{ProjectID: f.project1.ID, Name: "other/speed", Value: &value, IsHigherBetter: true},
	}

	for _, th := range thresholds {
		require.NoError(t, f.s.CreateMetricThreshold(ctx, th))
	}

	comp, err := comparison.CompareMetrics(ctx, f.s, f.build(t, f.project1, "1"), f.build(t, f.project1, "2"))
	require.NoError(t, err)

	assert.Equal(t, map[string][]string{"env1": {"bench/speed"}}, comp.Regressions)
	assert.Equal(t, map[string][]string{"env1": {"bench/latency"}}, comp.Fixes)
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}

	return out
}
