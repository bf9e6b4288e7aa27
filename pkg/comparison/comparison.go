// Package comparison compares test and metric results across builds and
// extracts regressions and fixes between a baseline and a build.
package comparison

import (
	"sort"

	"github.com/samber/lo"

	"github.com/ethpandaops/squad/pkg/naming"
	"github.com/ethpandaops/squad/pkg/stats"
	"github.com/ethpandaops/squad/pkg/store"
)

// StatusMissing is the status of a test absent from a build and
// environment.
const StatusMissing = "n/a"

// Cell addresses one result column: a build and an environment slug.
type Cell struct {
	BuildID     uint
	Environment string
}

// Transition is a (before, after) status pair.
type Transition struct {
	Before string
	After  string
}

// DefaultTransitions are the transitions shown in notifications; they
// hide tests that were merely skipped.
var DefaultTransitions = []Transition{
	{Before: stats.StatusPass, After: stats.StatusFail},
	{Before: stats.StatusFail, After: stats.StatusPass},
}

// base holds what test and metric comparisons share.
type base struct {
	// Builds are the compared builds, oldest first. Nil builds are dropped.
	Builds []*store.Build
	// Environments maps a build id to the sorted slugs of the environments
	// it has test runs in.
	Environments map[uint][]string
}

func newBase(builds []*store.Build) base {
	return base{
		Builds:       lo.Filter(builds, func(b *store.Build, _ int) bool { return b != nil }),
		Environments: make(map[uint][]string, len(builds)),
	}
}

// AllEnvironments returns the sorted union of every build's environments.
func (b *base) AllEnvironments() []string {
	var all []string
	for _, envs := range b.Environments {
		all = append(all, envs...)
	}

	all = lo.Uniq(all)
	sort.Strings(all)

	return all
}

// pair returns the before and after builds, or false unless exactly two
// builds are compared.
func (b *base) pair() (*store.Build, *store.Build, bool) {
	if len(b.Builds) != 2 {
		return nil, nil, false
	}

	return b.Builds[0], b.Builds[1], true
}

// sharedEnvironments returns environments present in both builds.
func (b *base) sharedEnvironments(before, after *store.Build) []string {
	return lo.Intersect(b.Environments[after.ID], b.Environments[before.ID])
}

// GroupBySuite reshapes {env: [full names]} into {env: {suite: [names]}}.
func GroupBySuite(byEnv map[string][]string) map[string]map[string][]string {
	grouped := make(map[string]map[string][]string, len(byEnv))

	for env, names := range byEnv {
		suites := make(map[string][]string)

		for _, full := range names {
			suite, name := naming.Parse(full)
			suites[suite] = append(suites[suite], name)
		}

		for suite := range suites {
			sort.Strings(suites[suite])
		}

		grouped[env] = suites
	}

	return grouped
}

// Count returns the total number of names across environments.
func Count(byEnv map[string][]string) int {
	n := 0
	for _, names := range byEnv {
		n += len(names)
	}

	return n
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)

	return keys
}

func appendSorted(m map[string][]string, env, name string) {
	names := append(m[env], name)
	sort.Strings(names)
	m[env] = names
}
