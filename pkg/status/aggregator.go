package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/ethpandaops/squad/pkg/comparison"
	"github.com/ethpandaops/squad/pkg/ingest"
	"github.com/ethpandaops/squad/pkg/plugins"
	"github.com/ethpandaops/squad/pkg/store"
	"github.com/ethpandaops/squad/pkg/tasks"
)

// Changes maps an environment slug to sorted full test or metric names.
type Changes map[string][]string

// DecodeChanges reads a cached regressions or fixes column.
func DecodeChanges(raw datatypes.JSON) (Changes, error) {
	changes := Changes{}
	if len(raw) == 0 {
		return changes, nil
	}

	if err := json.Unmarshal(raw, &changes); err != nil {
		return nil, fmt.Errorf("decoding cached changes: %w", err)
	}

	return changes, nil
}

func encodeChanges(changes map[string][]string) datatypes.JSON {
	if len(changes) == 0 {
		return datatypes.JSON("{}")
	}

	data, err := json.Marshal(changes)
	if err != nil {
		return datatypes.JSON("{}")
	}

	return datatypes.JSON(data)
}

// Aggregator keeps project statuses and build summaries current as test
// runs arrive, and triggers what a status change implies: notifications,
// build callbacks and patch source updates.
type Aggregator struct {
	log     logrus.FieldLogger
	store   store.Store
	queue   tasks.Queue
	plugins *plugins.Registry
}

// Compile-time interface check.
var _ ingest.StatusUpdater = (*Aggregator)(nil)

// NewAggregator creates an Aggregator.
func NewAggregator(
	log logrus.FieldLogger, s store.Store, queue tasks.Queue, registry *plugins.Registry,
) *Aggregator {
	return &Aggregator{
		log:     log.WithField("component", "status"),
		store:   s,
		queue:   queue,
		plugins: registry,
	}
}

// Register binds the status tasks to w.
func (a *Aggregator) Register(w tasks.Worker) {
	w.Register(tasks.UpdateProjectStatus, tasks.IDHandler(func(ctx context.Context, buildID uint) error {
		_, err := a.Update(ctx, buildID)

		return err
	}))
}

// UpdateProjectStatus refreshes the status of the run's build.
func (a *Aggregator) UpdateProjectStatus(ctx context.Context, run *store.TestRun) error {
	_, err := a.Update(ctx, run.BuildID)

	return err
}

// UpdateBuildSummary refreshes the summary of the run's build in the
// run's environment.
func (a *Aggregator) UpdateBuildSummary(ctx context.Context, run *store.TestRun) error {
	summary, err := TestSummary(ctx, a.store, run.BuildID, run.EnvironmentID)
	if err != nil {
		return err
	}

	geomean, hasMetrics, err := MetricsSummary(ctx, a.store, run.BuildID, run.EnvironmentID)
	if err != nil {
		return err
	}

	return a.store.UpsertBuildSummary(ctx, &store.BuildSummary{
		BuildID:        run.BuildID,
		EnvironmentID:  run.EnvironmentID,
		TestsPass:      summary.TestsPass,
		TestsFail:      summary.TestsFail,
		TestsSkip:      summary.TestsSkip,
		TestsXFail:     summary.TestsXFail,
		MetricsSummary: geomean,
		HasMetrics:     hasMetrics,
	})
}

// Update recomputes and stores the status of a build, then schedules the
// notification check and, once the build is finished, its callbacks.
func (a *Aggregator) Update(ctx context.Context, buildID uint) (*store.ProjectStatus, error) {
	build, err := a.store.GetBuild(ctx, buildID)
	if err != nil {
		return nil, err
	}

	log := a.log.WithField("build", build.ID)

	previous, err := a.store.GetProjectStatusByBuild(ctx, build.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	computed, err := a.compute(ctx, build, previous)
	if err != nil {
		return nil, err
	}

	status, err := a.store.CreateOrUpdateProjectStatus(ctx, computed)
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"status":   status.ID,
		"finished": status.Finished,
		"tests":    status.TestsTotal(),
	}).Debug("Updated project status")

	if previous == nil {
		a.plugins.NotifyPatchBuild(ctx, build, false)
	}

	if status.Finished {
		if err := a.onFinished(ctx, build); err != nil {
			return nil, err
		}
	}

	if err := a.queue.Enqueue(ctx, tasks.MaybeNotifyProjectStatus, tasks.IDArgs{ID: status.ID}); err != nil {
		return nil, fmt.Errorf("scheduling notification of build %d: %w", build.ID, err)
	}

	return status, nil
}

func (a *Aggregator) compute(
	ctx context.Context, build *store.Build, previous *store.ProjectStatus,
) (*store.ProjectStatus, error) {
	summary, err := TestSummary(ctx, a.store, build.ID, 0)
	if err != nil {
		return nil, err
	}

	geomean, hasMetrics, err := MetricsSummary(ctx, a.store, build.ID, 0)
	if err != nil {
		return nil, err
	}

	finished, _, err := Finished(ctx, a.store, build)
	if err != nil {
		return nil, err
	}

	computed := &store.ProjectStatus{
		BuildID:        build.ID,
		Finished:       finished,
		TestsPass:      summary.TestsPass,
		TestsFail:      summary.TestsFail,
		TestsSkip:      summary.TestsSkip,
		TestsXFail:     summary.TestsXFail,
		MetricsSummary: geomean,
		HasMetrics:     hasMetrics,
	}

	baseline, err := a.baseline(ctx, build, previous)
	if err != nil {
		return nil, err
	}

	if baseline == nil {
		return computed, nil
	}

	tests, err := comparison.CompareTests(ctx, a.store, baseline, build)
	if err != nil {
		return nil, err
	}

	metrics, err := comparison.CompareMetrics(ctx, a.store, baseline, build)
	if err != nil {
		return nil, err
	}

	computed.Regressions = encodeChanges(tests.Regressions)
	computed.Fixes = encodeChanges(tests.Fixes)
	computed.MetricRegressions = encodeChanges(metrics.Regressions)
	computed.MetricFixes = encodeChanges(metrics.Fixes)

	return computed, nil
}

// baseline returns the build to compare against: the latest finished
// earlier build, or the one previously recorded on the status.
func (a *Aggregator) baseline(
	ctx context.Context, build *store.Build, previous *store.ProjectStatus,
) (*store.Build, error) {
	latest, err := a.store.LatestFinishedStatusBefore(ctx, build)
	if err != nil {
		return nil, err
	}

	if latest != nil && latest.Build != nil {
		return latest.Build, nil
	}

	if previous != nil && previous.Baseline != nil && previous.Baseline.Build != nil {
		return previous.Baseline.Build, nil
	}

	return nil, nil
}

func (a *Aggregator) onFinished(ctx context.Context, build *store.Build) error {
	key := strconv.FormatUint(uint64(build.ID), 10)
	if err := a.queue.Enqueue(ctx, tasks.DispatchBuildCallbacks, tasks.IDArgs{ID: build.ID},
		tasks.WithKey(key),
	); err != nil {
		return fmt.Errorf("scheduling callbacks of build %d: %w", build.ID, err)
	}

	if build.PatchSource == nil || build.PatchNotified {
		return nil
	}

	a.plugins.NotifyPatchBuild(ctx, build, true)

	build.PatchNotified = true

	return a.store.UpdateBuild(ctx, build)
}
