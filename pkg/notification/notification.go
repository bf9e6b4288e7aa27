// Package notification decides when a build's status is announced and
// delivers the announcement by email.
package notification

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/samber/lo"

	"github.com/ethpandaops/squad/pkg/comparison"
	"github.com/ethpandaops/squad/pkg/status"
	"github.com/ethpandaops/squad/pkg/store"
)

// Notification is a project status change that may or may not need to be
// sent, with everything its messages are rendered from.
type Notification struct {
	Status        *store.ProjectStatus
	Build         *store.Build
	PreviousBuild *store.Build
	Project       *store.Project

	// Comparison is restricted to the default transitions so skipped tests
	// do not show up as changes.
	Comparison  *comparison.TestComparison
	Summary     status.Summary
	Metadata    map[string]any
	KnownIssues []store.KnownIssue
	Thresholds  []status.Exceeded
	Metrics     []store.Metric
}

// New loads the notification of a status. The baseline defaults to the
// build of the status' baseline.
func New(ctx context.Context, s store.Store, ps *store.ProjectStatus, baseline *store.Build) (*Notification, error) {
	build := ps.Build
	if build == nil || build.Project == nil {
		var err error

		build, err = s.GetBuild(ctx, ps.BuildID)
		if err != nil {
			return nil, err
		}
	}

	if baseline == nil && ps.Baseline != nil {
		baseline = ps.Baseline.Build
	}

	n := &Notification{
		Status:        ps,
		Build:         build,
		PreviousBuild: baseline,
		Project:       build.Project,
	}

	cmp, err := comparison.CompareTests(ctx, s, baseline, build)
	if err != nil {
		return nil, err
	}

	cmp.ApplyTransitions(comparison.DefaultTransitions)
	n.Comparison = cmp

	if n.Summary, err = status.TestSummary(ctx, s, build.ID, 0); err != nil {
		return nil, err
	}

	runs, err := s.ListTestRuns(ctx, build.ID)
	if err != nil {
		return nil, fmt.Errorf("loading test runs of build %d: %w", build.ID, err)
	}

	n.Metadata = buildMetadata(runs)

	if n.KnownIssues, err = s.ListActiveKnownIssuesByProject(ctx, build.ProjectID); err != nil {
		return nil, err
	}

	if n.Thresholds, err = status.ExceededThresholds(ctx, s, build); err != nil {
		return nil, err
	}

	if n.Metrics, err = s.ListMetricsByBuild(ctx, build.ID); err != nil {
		return nil, fmt.Errorf("loading metrics of build %d: %w", build.ID, err)
	}

	return n, nil
}

// Diff returns the tests whose status changed against the previous build.
func (n *Notification) Diff() map[string]map[comparison.Cell]string {
	return n.Comparison.Diff()
}

// Regressions returns the regressions against the previous build.
func (n *Notification) Regressions() map[string][]string {
	return n.Comparison.Regressions
}

// Fixes returns the fixes against the previous build.
func (n *Notification) Fixes() map[string][]string {
	return n.Comparison.Fixes
}

// MustBeSent reports whether there is a previous build to compare with and
// something changed since.
func (n *Notification) MustBeSent() bool {
	return n.Build != nil && n.PreviousBuild != nil && len(n.Diff()) > 0
}

// ImportantMetadata returns the build metadata restricted to the keys the
// project marks as important.
func (n *Notification) ImportantMetadata() map[string]any {
	important := make(map[string]any)

	for _, key := range n.Project.ImportantMetadata() {
		if value, ok := n.Metadata[key]; ok {
			important[key] = value
		}
	}

	return important
}

// MetadataKeys returns the sorted metadata keys.
func (n *Notification) MetadataKeys() []string {
	keys := lo.Keys(n.Metadata)
	sort.Strings(keys)

	return keys
}

// buildMetadata merges the metadata of test runs. Keys whose values differ
// between runs are dropped.
func buildMetadata(runs []store.TestRun) map[string]any {
	merged := make(map[string]any)
	conflicting := make(map[string]bool)

	for _, run := range runs {
		for key, value := range run.Metadata {
			if conflicting[key] {
				continue
			}

			if existing, ok := merged[key]; ok && !reflect.DeepEqual(existing, value) {
				delete(merged, key)
				conflicting[key] = true

				continue
			}

			merged[key] = value
		}
	}

	return merged
}
