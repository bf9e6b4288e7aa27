package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ethpandaops/squad/pkg/callback"
	"github.com/ethpandaops/squad/pkg/ci"
	"github.com/ethpandaops/squad/pkg/store"
)

// newJob reads the backend and build of a submitjob or watchjob request.
// It writes the error response and returns nil on failure.
func (s *server) newJob(w http.ResponseWriter, r *http.Request, project *store.Project) *ci.NewJob {
	if err := parseForm(r); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"malformed form: " + err.Error()})

		return nil
	}

	name := r.PostForm.Get("backend")
	if name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"backend field is required"})

		return nil
	}

	ctx := r.Context()

	backend, err := s.store.GetBackendByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusBadRequest, errorResponse{"requested backend does not exist"})

		return nil
	}

	if err != nil {
		s.internalError(w, r, err)

		return nil
	}

	build, _, err := s.store.GetOrCreateBuild(ctx, project.ID, chi.URLParam(r, "version"))
	if err != nil {
		s.writeError(w, r, err)

		return nil
	}

	return &ci.NewJob{
		Backend:     backend,
		Project:     project,
		Build:       build,
		Environment: chi.URLParam(r, "environment"),
	}
}

// handleSubmitJob stores a test job definition and schedules its
// submission to the backend.
func (s *server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	project, ok := s.writableProject(w, r)
	if !ok {
		return
	}

	req := s.newJob(w, r, project)
	if req == nil {
		return
	}

	definition, ok, err := formValue(r, "definition")
	if err != nil || !ok || len(definition) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{"test job definition is required"})

		return
	}

	req.Definition = string(definition)

	job, err := s.ci.SubmitJob(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	s.created(w, r, project, req.Build, job)
}

// handleWatchJob starts fetching a job that was submitted to the backend
// by someone else.
func (s *server) handleWatchJob(w http.ResponseWriter, r *http.Request) {
	project, ok := s.writableProject(w, r)
	if !ok {
		return
	}

	req := s.newJob(w, r, project)
	if req == nil {
		return
	}

	req.JobID = r.PostForm.Get("testjob_id")
	if req.JobID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"testjob_id is required"})

		return
	}

	job, err := s.ci.WatchJob(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	s.created(w, r, project, req.Build, job)
}

func (s *server) created(
	w http.ResponseWriter, r *http.Request, project *store.Project, build *store.Build, job *store.TestJob,
) {
	if _, err := callback.Create(r.Context(), s.store, r.PostForm, project, build); err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, createdResponse{job.ID})
}

func (s *server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	s.resubmit(w, r, s.ci.Resubmit)
}

func (s *server) handleForceResubmit(w http.ResponseWriter, r *http.Request) {
	s.resubmit(w, r, s.ci.ForceResubmit)
}

func (s *server) resubmit(
	w http.ResponseWriter,
	r *http.Request,
	fn func(ctx context.Context, id uint) (*store.TestJob, error),
) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	child, err := fn(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if child == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"test job cannot be resubmitted"})

		return
	}

	writeJSON(w, http.StatusCreated, createdResponse{child.ID})
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	canceled, err := s.ci.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"canceled": canceled})
}

func jobID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid test job id"})

		return 0, false
	}

	return uint(id), true
}
