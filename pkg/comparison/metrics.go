package comparison

import (
	"context"
	"fmt"
	"math"

	"github.com/ethpandaops/squad/pkg/naming"
	"github.com/ethpandaops/squad/pkg/stats"
	"github.com/ethpandaops/squad/pkg/store"
)

// MetricResult summarises the values of one metric in a cell.
type MetricResult struct {
	Mean   float64
	StdDev float64
	Count  int
}

// MetricComparison holds per-cell summaries of every metric.
type MetricComparison struct {
	base

	// Results maps a full metric name to its summary per cell.
	Results map[string]map[Cell]MetricResult

	// Regressions and Fixes map an environment to sorted full metric
	// names. Only metrics marked by a threshold without a value take part.
	Regressions map[string][]string
	Fixes       map[string][]string

	thresholds []threshold
}

type threshold struct {
	glob           *naming.Glob
	environment    string
	isHigherBetter bool
}

// CompareMetrics loads the metrics of the given builds, oldest first.
// Thresholds come from the project of the last build.
func CompareMetrics(ctx context.Context, s store.Store, builds ...*store.Build) (*MetricComparison, error) {
	c := &MetricComparison{
		base:    newBase(builds),
		Results: make(map[string]map[Cell]MetricResult),
	}

	for _, build := range c.Builds {
		if err := c.load(ctx, s, build); err != nil {
			return nil, err
		}
	}

	if _, after, ok := c.pair(); ok {
		if err := c.loadThresholds(ctx, s, after.ProjectID); err != nil {
			return nil, err
		}
	}

	c.compute()

	return c, nil
}

func (c *MetricComparison) load(ctx context.Context, s store.Store, build *store.Build) error {
	envs, err := loadEnvironments(ctx, s, build)
	if err != nil {
		return err
	}

	c.Environments[build.ID] = sortedEnvSlugs(envs)

	metrics, err := s.ListMetricsByBuild(ctx, build.ID)
	if err != nil {
		return fmt.Errorf("loading metrics of build %d: %w", build.ID, err)
	}

	values := make(map[string]map[string][]float64)

	for i := range metrics {
		m := &metrics[i]
		if math.IsNaN(m.Result) || math.IsInf(m.Result, 0) {
			continue
		}

		name := m.FullName()
		if values[name] == nil {
			values[name] = make(map[string][]float64)
		}

		env := envs[m.EnvironmentID]
		values[name][env] = append(values[name][env], m.Result)
	}

	for name, byEnv := range values {
		if c.Results[name] == nil {
			c.Results[name] = make(map[Cell]MetricResult)
		}

		for env, vs := range byEnv {
			c.Results[name][Cell{BuildID: build.ID, Environment: env}] = MetricResult{
				Mean:   stats.Mean(vs),
				StdDev: stats.StdDev(vs),
				Count:  len(vs),
			}
		}
	}

	return nil
}

func (c *MetricComparison) loadThresholds(ctx context.Context, s store.Store, projectID uint) error {
	thresholds, err := s.ListMetricThresholds(ctx, projectID)
	if err != nil {
		return fmt.Errorf("loading metric thresholds: %w", err)
	}

	envs, err := s.ListEnvironments(ctx, projectID)
	if err != nil {
		return fmt.Errorf("loading environments: %w", err)
	}

	slugs := make(map[uint]string, len(envs))
	for _, env := range envs {
		slugs[env.ID] = env.Slug
	}

	for _, t := range thresholds {
		if t.Value != nil {
			continue
		}

		glob, err := naming.CompileGlob(t.Name)
		if err != nil {
			return fmt.Errorf("metric threshold %d: %w", t.ID, err)
		}

		th := threshold{glob: glob, isHigherBetter: t.IsHigherBetter}
		if t.EnvironmentID != nil {
			th.environment = slugs[*t.EnvironmentID]
		}

		c.thresholds = append(c.thresholds, th)
	}

	return nil
}

// Names returns the compared metric names, sorted.
func (c *MetricComparison) Names() []string {
	return sortedKeys(c.Results)
}

// Diff returns the rows whose summary differs between builds in at least
// one environment.
func (c *MetricComparison) Diff() map[string]map[Cell]MetricResult {
	diff := make(map[string]map[Cell]MetricResult)

	if len(c.Builds) < 2 {
		return diff
	}

	envs := c.AllEnvironments()

	for name, row := range c.Results {
	envLoop:
		for _, env := range envs {
			first, firstOK := row[Cell{BuildID: c.Builds[0].ID, Environment: env}]

			for _, b := range c.Builds[1:] {
				other, ok := row[Cell{BuildID: b.ID, Environment: env}]
				if ok != firstOK || other != first {
					diff[name] = row

					break envLoop
				}
			}
		}
	}

	return diff
}

// match returns the threshold marking the metric in env, if any.
func (c *MetricComparison) match(name, env string) (threshold, bool) {
	for _, t := range c.thresholds {
		if t.environment != "" && t.environment != env {
			continue
		}

		if t.glob.Match(name) {
			return t, true
		}
	}

	return threshold{}, false
}

func (c *MetricComparison) compute() {
	c.Regressions = make(map[string][]string)
	c.Fixes = make(map[string][]string)

	before, after, ok := c.pair()
	if !ok || before.ID == after.ID || len(c.thresholds) == 0 {
		return
	}

	for _, env := range c.sharedEnvironments(before, after) {
		for _, name := range c.Names() {
			t, ok := c.match(name, env)
			if !ok {
				continue
			}

			was, okBefore := c.Results[name][Cell{BuildID: before.ID, Environment: env}]
			is, okAfter := c.Results[name][Cell{BuildID: after.ID, Environment: env}]

			if !okBefore || !okAfter || was.Mean == is.Mean {
				continue
			}

			improved := is.Mean > was.Mean
			if !t.isHigherBetter {
				improved = !improved
			}

			if improved {
				appendSorted(c.Fixes, env, name)
			} else {
				appendSorted(c.Regressions, env, name)
			}
		}
	}
}
