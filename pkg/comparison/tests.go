package comparison

import (
	"context"
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/ethpandaops/squad/pkg/stats"
	"github.com/ethpandaops/squad/pkg/store"
)

// TestComparison holds the resolved status of every test per build and
// environment.
type TestComparison struct {
	base

	// Results maps a full test name to its status per cell.
	Results map[string]map[Cell]string

	// Regressions and Fixes map an environment to sorted full test names.
	// They are only computed when exactly two builds are compared.
	Regressions map[string][]string
	Fixes       map[string][]string

	// Failures maps an environment to the failing tests of the last build.
	Failures map[string][]string

	// intermittent holds env+"/"+name of tests matched by an
	// intermittent known issue in any compared build.
	intermittent map[string]bool
}

// CompareTests loads the tests of the given builds, oldest first. When
// two builds are given the first is the baseline.
func CompareTests(ctx context.Context, s store.Store, builds ...*store.Build) (*TestComparison, error) {
	c := &TestComparison{
		base:         newBase(builds),
		Results:      make(map[string]map[Cell]string),
		intermittent: make(map[string]bool),
	}

	for _, build := range c.Builds {
		if err := c.load(ctx, s, build); err != nil {
			return nil, err
		}
	}

	c.compute()

	return c, nil
}

func (c *TestComparison) load(ctx context.Context, s store.Store, build *store.Build) error {
	envs, err := loadEnvironments(ctx, s, build)
	if err != nil {
		return err
	}

	c.Environments[build.ID] = sortedEnvSlugs(envs)

	tests, err := s.ListTestsByBuild(ctx, build.ID)
	if err != nil {
		return fmt.Errorf("loading tests of build %d: %w", build.ID, err)
	}

	// Tests repeated within a build and environment are resolved by
	// confidence.
	occurrences := make(map[string]map[string][]string)

	for i := range tests {
		test := &tests[i]
		env := envs[test.EnvironmentID]
		name := test.FullName()

		if occurrences[name] == nil {
			occurrences[name] = make(map[string][]string)
		}

		occurrences[name][env] = append(occurrences[name][env], test.Status())

		if lo.ContainsBy(test.KnownIssues, func(k store.KnownIssue) bool { return k.Intermittent }) {
			c.intermittent[env+"/"+name] = true
		}
	}

	for name, byEnv := range occurrences {
		if c.Results[name] == nil {
			c.Results[name] = make(map[Cell]string)
		}

		for env, statuses := range byEnv {
			c.Results[name][Cell{BuildID: build.ID, Environment: env}] = stats.TestConfidence(statuses).Status
		}
	}

	return nil
}

// Names returns the compared test names, sorted.
func (c *TestComparison) Names() []string {
	return sortedKeys(c.Results)
}

// Status returns the status of a test in a cell, StatusMissing if absent.
func (c *TestComparison) Status(name string, cell Cell) string {
	if status, ok := c.Results[name][cell]; ok {
		return status
	}

	return StatusMissing
}

// Diff returns the rows whose status differs between builds in at least
// one environment.
func (c *TestComparison) Diff() map[string]map[Cell]string {
	diff := make(map[string]map[Cell]string)

	if len(c.Builds) < 2 {
		return diff
	}

	envs := c.AllEnvironments()

	for name, row := range c.Results {
		for _, env := range envs {
			statuses := lo.Map(c.Builds, func(b *store.Build, _ int) string {
				return c.Status(name, Cell{BuildID: b.ID, Environment: env})
			})

			if len(lo.Uniq(statuses)) > 1 {
				diff[name] = row

				break
			}
		}
	}

	return diff
}

// ApplyTransitions keeps only tests and environments in which at least
// one of the given transitions happened, then recomputes regressions and
// fixes. It does nothing unless two builds are compared.
func (c *TestComparison) ApplyTransitions(transitions []Transition) {
	before, after, ok := c.pair()
	if !ok {
		return
	}

	allowed := lo.SliceToMap(transitions, func(t Transition) (Transition, bool) { return t, true })
	keepNames := make(map[string]bool)
	keepEnvs := make(map[string]bool)

	for _, name := range c.Names() {
		for _, env := range c.AllEnvironments() {
			t := Transition{
				Before: c.Status(name, Cell{BuildID: before.ID, Environment: env}),
				After:  c.Status(name, Cell{BuildID: after.ID, Environment: env}),
			}

			if allowed[t] {
				keepNames[name] = true
				keepEnvs[env] = true
			}
		}
	}

	for name, row := range c.Results {
		if !keepNames[name] {
			delete(c.Results, name)

			continue
		}

		for cell := range row {
			if !keepEnvs[cell.Environment] {
				delete(row, cell)
			}
		}
	}

	for id, envs := range c.Environments {
		c.Environments[id] = lo.Filter(envs, func(env string, _ int) bool { return keepEnvs[env] })
	}

	c.compute()
}

func (c *TestComparison) compute() {
	c.Regressions = make(map[string][]string)
	c.Fixes = make(map[string][]string)
	c.Failures = make(map[string][]string)

	if len(c.Builds) > 0 {
		last := c.Builds[len(c.Builds)-1]

		for _, name := range c.Names() {
			for _, env := range c.Environments[last.ID] {
				if c.Status(name, Cell{BuildID: last.ID, Environment: env}) == stats.StatusFail {
					c.Failures[env] = append(c.Failures[env], name)
				}
			}
		}
	}

	before, after, ok := c.pair()
	if !ok || before.ID == after.ID {
		return
	}

	for _, env := range c.sharedEnvironments(before, after) {
		for _, name := range c.Names() {
			was := c.Status(name, Cell{BuildID: before.ID, Environment: env})
			is := c.Status(name, Cell{BuildID: after.ID, Environment: env})

			switch {
			case was == stats.StatusPass && is == stats.StatusFail:
				appendSorted(c.Regressions, env, name)
			case (was == stats.StatusFail || was == stats.StatusXFail) && is == stats.StatusPass:
				if !c.intermittent[env+"/"+name] {
					appendSorted(c.Fixes, env, name)
				}
			}
		}
	}
}

// RegressionsGroupedBySuite returns regressions as {env: {suite: [names]}}.
func (c *TestComparison) RegressionsGroupedBySuite() map[string]map[string][]string {
	return GroupBySuite(c.Regressions)
}

// FixesGroupedBySuite returns fixes as {env: {suite: [names]}}.
func (c *TestComparison) FixesGroupedBySuite() map[string]map[string][]string {
	return GroupBySuite(c.Fixes)
}

// loadEnvironments maps environment ids to slugs for the environments the
// build has test runs in.
func loadEnvironments(ctx context.Context, s store.Store, build *store.Build) (map[uint]string, error) {
	runs, err := s.ListTestRuns(ctx, build.ID)
	if err != nil {
		return nil, fmt.Errorf("loading test runs of build %d: %w", build.ID, err)
	}

	envs := make(map[uint]string, len(runs))

	for _, run := range runs {
		if run.Environment != nil {
			envs[run.EnvironmentID] = run.Environment.Slug
		}
	}

	return envs, nil
}

func sortedEnvSlugs(envs map[uint]string) []string {
	slugs := lo.Uniq(lo.Values(envs))
	sort.Strings(slugs)

	return slugs
}
