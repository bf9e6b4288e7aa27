package ci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/squad/pkg/ingest"
	"github.com/ethpandaops/squad/pkg/store"
	"github.com/ethpandaops/squad/pkg/tasks"
)

// fetched is what the locked part of a fetch hands to ingestion.
type fetched struct {
	job     *store.TestJob
	adapter Adapter
	result  *FetchResult
}

// Fetch collects the results of a test job. Only one worker works on a
// job at a time: when the job is locked elsewhere Fetch returns without
// doing anything. Results are ingested after the lock is released.
func (s *Service) Fetch(ctx context.Context, jobID uint) error {
	var done *fetched

	err := s.store.WithLockedTestJob(ctx, jobID, func(tx store.Store, job *store.TestJob) error {
		var err error

		done, err = s.fetchLocked(ctx, tx, job)

		return err
	})
	if errors.Is(err, store.ErrLocked) {
		s.log.WithField("testjob", jobID).Debug("Test job is being fetched by another worker")

		return nil
	}

	if err != nil {
		return err
	}

	if done == nil {
		return nil
	}

	return s.ingest(ctx, done)
}

func (s *Service) fetchLocked(ctx context.Context, tx store.Store, job *store.TestJob) (*fetched, error) {
	if job.Fetched || job.FetchAttempts >= job.Backend.MaxFetchAttempts {
		return nil, nil
	}

	log := s.jobLog(job)

	now := s.now()
	job.LastFetchAttempt = &now

	if err := tx.UpdateTestJob(ctx, job); err != nil {
		return nil, err
	}

	adapter, err := s.adapters.Get(job.Backend)
	if err != nil {
		log.WithError(err).Warn("No adapter for backend")

		msg := err.Error()
		job.Failure = &msg
		job.FetchAttempts++

		return nil, tx.UpdateTestJob(ctx, job)
	}

	result, err := adapter.Fetch(ctx, job)
	if err != nil {
		issue := asFetchIssue(err)

		log.WithError(err).WithField("retry", issue.Retry).Warn("Fetch failed")

		msg := issue.Error()
		job.Failure = &msg
		job.FetchAttempts++
		job.Fetched = !issue.Retry

		return nil, tx.UpdateTestJob(ctx, job)
	}

	if result == nil {
		log.Debug("Test job still running")

		return nil, nil
	}

	job.FetchAttempts++
	job.Fetched = true
	job.FetchedAt = &now
	job.JobStatus = result.Status

	if err := tx.UpdateTestJob(ctx, job); err != nil {
		return nil, err
	}

	return &fetched{job: job, adapter: adapter, result: result}, nil
}

// ingest turns fetched results into a test run of the job's build.
func (s *Service) ingest(ctx context.Context, f *fetched) error {
	job, result := f.job, f.result
	log := s.jobLog(job)

	if job.TargetBuild == nil {
		return fmt.Errorf("test job %d has no build", job.ID)
	}

	completed := result.Completed
	tests, metrics := result.Tests, result.Metrics

	if !completed {
		tests, metrics = nil, nil
		job.CanResubmit = true
	} else if len(tests) == 0 && len(metrics) == 0 {
		completed = false
		job.CanResubmit = true
	}

	metadata := make(map[string]any, len(result.Metadata)+3)
	maps.Copy(metadata, result.Metadata)
	metadata["job_id"] = job.ExternalID()
	metadata["job_status"] = result.Status

	if url, err := f.adapter.JobURL(job); err == nil && url != "" {
		metadata["job_url"] = url
	}

	sub, err := submission(job, metadata, tests, metrics, result.Log, completed)
	if err != nil {
		return err
	}

	run, err := s.receiver.Receive(ctx, job.Target, sub, false)

	switch {
	case errors.Is(err, ingest.ErrDuplicatedTestJob), errors.Is(err, ingest.ErrInvalidInput):
		log.WithError(err).Error("Failed to ingest test job results")

		msg := err.Error()
		job.Failure = &msg

		return s.store.UpdateTestJob(ctx, job)
	case err != nil:
		return fmt.Errorf("ingesting test job %d: %w", job.ID, err)
	}

	job.TestRunID = &run.ID

	if err := s.store.UpdateTestJob(ctx, job); err != nil {
		return err
	}

	s.plugins.PostProcessTestJob(ctx, s.receiver.Host(s.store, job.Target), job.Target, job, run)

	log.WithFields(logrus.Fields{
		"testrun":   run.ID,
		"completed": completed,
	}).Info("Fetched test job")

	if s.status == nil {
		return nil
	}

	if err := s.status.UpdateProjectStatus(ctx, run); err != nil {
		return err
	}

	return s.status.UpdateBuildSummary(ctx, run)
}

func submission(
	job *store.TestJob,
	metadata, tests, metrics map[string]any,
	log string,
	completed bool,
) (*ingest.Submission, error) {
	sub := &ingest.Submission{
		Version:     job.TargetBuild.Version,
		Environment: job.Environment,
		Log:         []byte(log),
		Completed:   &completed,
	}

	var err error

	if sub.Metadata, err = json.Marshal(metadata); err != nil {
		return nil, fmt.Errorf("encoding metadata of test job %d: %w", job.ID, err)
	}

	if len(tests) > 0 {
		if sub.Tests, err = json.Marshal(tests); err != nil {
			return nil, fmt.Errorf("encoding tests of test job %d: %w", job.ID, err)
		}
	}

	if len(metrics) > 0 {
		if sub.Metrics, err = json.Marshal(metrics); err != nil {
			return nil, fmt.Errorf("encoding metrics of test job %d: %w", job.ID, err)
		}
	}

	return sub, nil
}

// EnqueueFetch schedules a fetch of the job, keyed by its id.
func EnqueueFetch(ctx context.Context, queue tasks.Queue, jobID uint) error {
	return queue.Enqueue(ctx, tasks.CIFetch, tasks.IDArgs{ID: jobID},
		tasks.WithKey(strconv.FormatUint(uint64(jobID), 10)),
	)
}
