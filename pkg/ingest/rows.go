package ingest

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethpandaops/squad/pkg/naming"
	"github.com/ethpandaops/squad/pkg/plugins"
	"github.com/ethpandaops/squad/pkg/stats"
	"github.com/ethpandaops/squad/pkg/store"
)

// rowBuilder turns parsed results into rows of one test run, resolving
// suites, suite metadata and known issues.
type rowBuilder struct {
	store   store.Store
	project *store.Project
	run     *store.TestRun
	suites  map[string]*store.Suite
	issues  []issueMatcher
	loaded  bool
}

type issueMatcher struct {
	glob  *naming.Glob
	issue store.KnownIssue
}

func newRowBuilder(s store.Store, project *store.Project, run *store.TestRun) *rowBuilder {
	return &rowBuilder{
		store:   s,
		project: project,
		run:     run,
		suites:  make(map[string]*store.Suite),
	}
}

func (b *rowBuilder) suite(ctx context.Context, slug string) (*store.Suite, error) {
	if suite, ok := b.suites[slug]; ok {
		return suite, nil
	}

	suite, err := b.store.GetOrCreateSuite(ctx, b.project.ID, slug)
	if err != nil {
		return nil, err
	}

	b.suites[slug] = suite

	return suite, nil
}

func (b *rowBuilder) knownIssues(ctx context.Context, fullName string) ([]store.KnownIssue, error) {
	if !b.loaded {
		issues, err := b.store.ListActiveKnownIssues(ctx, b.run.EnvironmentID)
		if err != nil {
			return nil, err
		}

		for _, issue := range issues {
			glob, err := naming.CompileGlob(issue.TestName)
			if err != nil {
				return nil, fmt.Errorf("known issue %d: %w", issue.ID, err)
			}

			b.issues = append(b.issues, issueMatcher{glob: glob, issue: issue})
		}

		b.loaded = true
	}

	var matched []store.KnownIssue

	for _, m := range b.issues {
		if m.glob.Match(fullName) {
			matched = append(matched, m.issue)
		}
	}

	return matched, nil
}

func (b *rowBuilder) tests(ctx context.Context, results []TestResult) ([]*store.Test, error) {
	rows := make([]*store.Test, 0, len(results))

	for _, result := range results {
		full := result.FullName()
		if len(full) > naming.MaxNameLength {
			continue
		}

		suite, err := b.suite(ctx, result.Suite)
		if err != nil {
			return nil, err
		}

		meta, err := b.store.GetOrCreateSuiteMetadata(ctx, store.KindTest, result.Suite, result.Name)
		if err != nil {
			return nil, err
		}

		issues, err := b.knownIssues(ctx, full)
		if err != nil {
			return nil, err
		}

		rows = append(rows, &store.Test{
			TestRunID:      b.run.ID,
			SuiteID:        suite.ID,
			Suite:          suite,
			MetadataID:     &meta.ID,
			BuildID:        b.run.BuildID,
			EnvironmentID:  b.run.EnvironmentID,
			Name:           result.Name,
			Result:         result.Result,
			HasKnownIssues: result.XFail || len(issues) > 0,
			Log:            result.Log,
			KnownIssues:    issues,
		})
	}

	return rows, nil
}

func (b *rowBuilder) metrics(ctx context.Context, results []MetricResult) ([]*store.Metric, error) {
	rows := make([]*store.Metric, 0, len(results))

	for _, result := range results {
		if len(result.FullName()) > naming.MaxNameLength {
			continue
		}

		suite, err := b.suite(ctx, result.Suite)
		if err != nil {
			return nil, err
		}

		meta, err := b.store.GetOrCreateSuiteMetadata(ctx, store.KindMetric, result.Suite, result.Name)
		if err != nil {
			return nil, err
		}

		rows = append(rows, &store.Metric{
			TestRunID:     b.run.ID,
			SuiteID:       suite.ID,
			MetadataID:    &meta.ID,
			BuildID:       b.run.BuildID,
			EnvironmentID: b.run.EnvironmentID,
			Name:          result.Name,
			Result:        result.Result,
			Measurements:  result.Measurements,
			Unit:          result.Unit,
		})
	}

	return rows, nil
}

// computeStatuses aggregates the stored tests and metrics of a run into
// the overall status followed by one status per suite.
func computeStatuses(ctx context.Context, s store.Store, runID uint) ([]*store.Status, error) {
	tests, err := s.ListTestsByTestRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	metrics, err := s.ListMetricsByTestRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	overall := &store.Status{TestRunID: runID}
	bySuite := make(map[uint]*store.Status)

	suiteStatus := func(id uint) *store.Status {
		st, ok := bySuite[id]
		if !ok {
			suiteID := id
			st = &store.Status{TestRunID: runID, SuiteID: &suiteID}
			bySuite[id] = st
		}

		return st
	}

	for i := range tests {
		status := tests[i].Status()

		for _, st := range []*store.Status{overall, suiteStatus(tests[i].SuiteID)} {
			switch status {
			case store.StatusPass:
				st.TestsPass++
			case store.StatusFail:
				st.TestsFail++
			case store.StatusXFail:
				st.TestsXFail++
			default:
				st.TestsSkip++
			}
		}
	}

	var all []float64

	perSuite := make(map[uint][]float64)

	for _, m := range metrics {
		all = append(all, m.Measurements...)
		perSuite[m.SuiteID] = append(perSuite[m.SuiteID], m.Measurements...)
		suiteStatus(m.SuiteID).HasMetrics = true
		overall.HasMetrics = true
	}

	overall.MetricsSummary = stats.Geomean(all)
	for id, values := range perSuite {
		bySuite[id].MetricsSummary = stats.Geomean(values)
	}

	ids := make([]uint, 0, len(bySuite))
	for id := range bySuite {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	statuses := make([]*store.Status, 0, len(ids)+1)
	statuses = append(statuses, overall)

	for _, id := range ids {
		statuses = append(statuses, bySuite[id])
	}

	return statuses, nil
}

// Host returns the plugin host for a project's runs, bound to s.
func (r *Receiver) Host(s store.Store, project *store.Project) plugins.Host {
	return &pluginHost{receiver: r, store: s, project: project}
}

type pluginHost struct {
	receiver *Receiver
	store    store.Store
	project  *store.Project
}

var _ plugins.Host = (*pluginHost)(nil)

func (h *pluginHost) ReadAttachment(
	ctx context.Context, run *store.TestRun, filename string,
) ([]byte, error) {
	attachments, err := h.store.ListAttachments(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	for i := range attachments {
		if attachments[i].Filename == filename {
			return h.receiver.objects.Get(ctx, AttachmentKey(&attachments[i]))
		}
	}

	return nil, nil
}

// AddTests appends tests to a processed run and recomputes its status.
func (h *pluginHost) AddTests(ctx context.Context, run *store.TestRun, payload []byte) (int, error) {
	results, err := ParseTests(payload)
	if err != nil {
		return 0, err
	}

	rows, err := newRowBuilder(h.store, h.project, run).tests(ctx, results)
	if err != nil {
		return 0, err
	}

	if err := h.store.AppendTests(ctx, rows); err != nil {
		return 0, err
	}

	statuses, err := computeStatuses(ctx, h.store, run.ID)
	if err != nil {
		return 0, err
	}

	if err := h.store.ReplaceTestRunStatus(ctx, run.ID, statuses); err != nil {
		return 0, fmt.Errorf("recording status of test run %d: %w", run.ID, err)
	}

	run.StatusRecorded = true

	return len(rows), nil
}
