package ci

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/squad/pkg/store"
)

// maxJobNameLength bounds the job name taken from a definition.
const maxJobNameLength = 255

// cancelledBeforeSubmission is the failure of jobs cancelled before they
// reached their backend.
const cancelledBeforeSubmission = "Canceled before submission"

// NewJob describes a test job created through the API.
type NewJob struct {
	Backend     *store.Backend
	Project     *store.Project
	Build       *store.Build
	Environment string
	Definition  string
	// JobID is set for jobs submitted outside SQUAD that only need
	// watching.
	JobID string
}

// SubmitJob validates the definition with the backend, stores the job
// and schedules its submission.
func (s *Service) SubmitJob(ctx context.Context, req *NewJob) (*store.TestJob, error) {
	adapter, err := s.adapters.Get(req.Backend)
	if err != nil {
		return nil, err
	}

	if err := adapter.CheckJobDefinition(req.Definition); err != nil && !errors.Is(err, ErrNotImplemented) {
		return nil, fmt.Errorf("%w: invalid definition: %v", store.ErrInvalid, err)
	}

	job := newTestJob(req)

	if err := s.store.CreateTestJob(ctx, job); err != nil {
		return nil, err
	}

	if err := s.EnqueueSubmit(ctx, job); err != nil {
		return nil, err
	}

	s.jobLog(job).Info("Created test job")

	return job, nil
}

// WatchJob stores a job already submitted to the backend and schedules
// its first fetch.
func (s *Service) WatchJob(ctx context.Context, req *NewJob) (*store.TestJob, error) {
	if req.JobID == "" {
		return nil, fmt.Errorf("%w: missing job id", store.ErrInvalid)
	}

	now := s.now()

	job := newTestJob(req)
	job.JobID = &req.JobID
	job.Submitted = true
	job.SubmittedAt = &now

	if err := s.store.CreateTestJob(ctx, job); err != nil {
		return nil, err
	}

	if err := EnqueueFetch(ctx, s.queue, job.ID); err != nil {
		return nil, err
	}

	s.jobLog(job).Info("Watching test job")

	return job, nil
}

func newTestJob(req *NewJob) *store.TestJob {
	job := &store.TestJob{
		BackendID:   req.Backend.ID,
		Backend:     req.Backend,
		TargetID:    req.Project.ID,
		Target:      req.Project,
		Environment: req.Environment,
		Definition:  req.Definition,
		Name:        JobName(req.Definition),
	}

	if req.Build != nil {
		job.TargetBuildID = &req.Build.ID
		job.TargetBuild = req.Build
	}

	return job
}

// JobName returns the job_name of a YAML definition, or "".
func JobName(definition string) string {
	var doc struct {
		JobName string `yaml:"job_name"`
	}

	if err := yaml.Unmarshal([]byte(definition), &doc); err != nil {
		return ""
	}

	if len(doc.JobName) > maxJobNameLength {
		return doc.JobName[:maxJobNameLength]
	}

	return doc.JobName
}

// Resubmit resubmits a job whose last fetch allows it. It returns nil
// when the job cannot be resubmitted.
func (s *Service) Resubmit(ctx context.Context, jobID uint) (*store.TestJob, error) {
	job, err := s.store.GetTestJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if !job.CanResubmit {
		return nil, nil
	}

	return s.resubmit(ctx, job)
}

// ForceResubmit resubmits a job regardless of its state. It returns nil
// when the job was never submitted.
func (s *Service) ForceResubmit(ctx context.Context, jobID uint) (*store.TestJob, error) {
	job, err := s.store.GetTestJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return s.resubmit(ctx, job)
}

// resubmit creates the child job of a resubmission. Depending on the
// project settings it rearms the build's events and drops the results of
// the previous run.
func (s *Service) resubmit(ctx context.Context, job *store.TestJob) (*store.TestJob, error) {
	if job.JobID == nil {
		return nil, nil
	}

	log := s.jobLog(job)

	settings, err := job.Target.Settings()
	if err != nil {
		return nil, err
	}

	adapter, err := s.adapters.Get(job.Backend)
	if err != nil {
		return nil, err
	}

	newID, err := adapter.Resubmit(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("resubmitting test job %d: %w", job.ID, err)
	}

	if settings.CIResetBuildEventsOnJobResubmission && job.TargetBuildID != nil {
		if err := s.store.ResetBuildEvents(ctx, *job.TargetBuildID); err != nil {
			return nil, err
		}
	}

	now := s.now()
	parentID := job.ID

	name := JobName(job.Definition)
	if name == "" {
		name = job.Name
	}

	child := &store.TestJob{
		BackendID:        job.BackendID,
		TargetID:         job.TargetID,
		TargetBuildID:    job.TargetBuildID,
		Environment:      job.Environment,
		Definition:       job.Definition,
		Name:             name,
		JobID:            &newID,
		Submitted:        true,
		SubmittedAt:      &now,
		ResubmittedCount: job.ResubmittedCount + 1,
		ParentJobID:      &parentID,
	}

	if err := s.store.CreateTestJob(ctx, child); err != nil {
		return nil, err
	}

	job.CanResubmit = false

	if settings.CIDeleteResultsResubmittedJobs && job.TestRunID != nil {
		if err := s.store.DeleteTestRun(ctx, *job.TestRunID); err != nil {
			return nil, err
		}

		job.TestRunID = nil
	}

	if err := s.store.UpdateTestJob(ctx, job); err != nil {
		return nil, err
	}

	log.WithField("child", child.ID).Info("Resubmitted test job")

	return child, nil
}

// Cancel stops a job. Jobs that were never submitted are closed locally
// as Canceled; submitted jobs are cancelled by their backend. Fetched
// jobs cannot be cancelled and Cancel reports false.
func (s *Service) Cancel(ctx context.Context, jobID uint) (bool, error) {
	job, err := s.store.GetTestJob(ctx, jobID)
	if err != nil {
		return false, err
	}

	if !job.Submitted {
		msg := cancelledBeforeSubmission

		job.Submitted = true
		job.Fetched = true
		job.FetchAttempts = max(1, job.FetchAttempts)
		job.JobStatus = store.JobStatusCanceled
		job.Failure = &msg

		if err := s.store.UpdateTestJob(ctx, job); err != nil {
			return false, err
		}

		s.jobLog(job).Info("Canceled test job before submission")

		return true, nil
	}

	if job.Fetched {
		return false, nil
	}

	adapter, err := s.adapters.Get(job.Backend)
	if err != nil {
		return false, err
	}

	if err := adapter.Cancel(ctx, job); err != nil {
		s.jobLog(job).WithError(err).Warn("Backend failed to cancel test job")

		return false, nil
	}

	return true, nil
}
