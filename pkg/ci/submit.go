package ci

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethpandaops/squad/pkg/store"
	"github.com/ethpandaops/squad/pkg/tasks"
)

// Submit sends a test job to its backend. Submitted jobs are left alone.
// Every extra id the backend returns becomes a copy of the job. A
// temporary submission issue asks the task queue to retry in an hour.
func (s *Service) Submit(ctx context.Context, jobID uint) error {
	job, err := s.store.GetTestJob(ctx, jobID)
	if err != nil {
		return err
	}

	if job.Submitted {
		return nil
	}

	log := s.jobLog(job)

	adapter, err := s.adapters.Get(job.Backend)
	if err != nil {
		return err
	}

	ids, err := adapter.Submit(ctx, job)
	if err == nil && len(ids) == 0 {
		err = NewSubmissionIssue("backend returned no job id")
	}

	if err != nil {
		var issue *SubmissionIssue
		if !errors.As(err, &issue) {
			return fmt.Errorf("submitting test job %d: %w", job.ID, err)
		}

		log.WithError(err).WithField("retry", issue.Retry).Error("Submission failed")

		msg := issue.Error()
		job.Failure = &msg

		if err := s.store.UpdateTestJob(ctx, job); err != nil {
			return err
		}

		if issue.Retry {
			return tasks.Retry(issue, submitRetryCountdown)
		}

		return nil
	}

	now := s.now()

	job.JobID = &ids[0]
	job.Submitted = true
	job.SubmittedAt = &now
	job.Failure = nil

	if err := s.store.UpdateTestJob(ctx, job); err != nil {
		return err
	}

	for _, id := range ids[1:] {
		clone := *job
		clone.ID = 0
		clone.JobID = &id
		clone.Backend = nil
		clone.Target = nil
		clone.TargetBuild = nil

		if err := s.store.CreateTestJob(ctx, &clone); err != nil {
			return err
		}
	}

	log.WithField("ids", len(ids)).Info("Submitted test job")

	return nil
}

// EnqueueSubmit schedules the submission of a test job.
func (s *Service) EnqueueSubmit(ctx context.Context, job *store.TestJob) error {
	return s.queue.Enqueue(ctx, tasks.CISubmit, tasks.IDArgs{ID: job.ID},
		tasks.WithKey(strconv.FormatUint(uint64(job.ID), 10)),
	)
}
