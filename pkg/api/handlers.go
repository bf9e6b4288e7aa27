package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ethpandaops/squad/pkg/callback"
	"github.com/ethpandaops/squad/pkg/ingest"
	"github.com/ethpandaops/squad/pkg/store"
)

// maxUploadMemory is the part of a multipart upload held in memory; the
// rest spills to temporary files.
const maxUploadMemory = 32 << 20

// metadataFields are the form fields that make up the metadata of a
// submission without a metadata payload.
var metadataFields = []string{
	"datetime", "build_url", "job_id", "job_status", "job_url", "resubmit_url",
}

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// createdResponse identifies the object a request created.
type createdResponse struct {
	ID uint `json:"id"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

func (s *server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.WithError(err).
		WithField("path", r.URL.Path).
		Error("Request failed")

	writeJSON(w, http.StatusInternalServerError,
		errorResponse{"internal error"})
}

// writeError maps pipeline errors to status codes: invalid input and
// duplicated jobs are the client's fault, missing rows are 404.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ingest.ErrInvalidInput),
		errors.Is(err, ingest.ErrDuplicatedTestJob),
		errors.Is(err, store.ErrInvalid):
		s.log.WithError(err).
			WithField("path", r.URL.Path).
			Warn("Rejected request")

		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
	default:
		s.internalError(w, r, err)
	}
}

// writableProject loads the project of the request path and checks that
// the caller may write to it. It writes the error response and returns
// false otherwise.
func (s *server) writableProject(w http.ResponseWriter, r *http.Request) (*store.Project, bool) {
	ctx := r.Context()

	project, err := s.store.GetProject(ctx, chi.URLParam(r, "group"), chi.URLParam(r, "project"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{"project not found"})

		return nil, false
	}

	if err != nil {
		s.internalError(w, r, err)

		return nil, false
	}

	user := userFromContext(ctx)
	if user == nil {
		writeJSON(w, http.StatusUnauthorized,
			errorResponse{"authentication required"})

		return nil, false
	}

	allowed, err := s.store.CanSubmit(ctx, user, project)
	if err != nil {
		s.internalError(w, r, err)

		return nil, false
	}

	if !allowed {
		writeJSON(w, http.StatusForbidden,
			errorResponse{"no write access to " + project.FullName()})

		return nil, false
	}

	return project, true
}

// parseForm parses multipart and urlencoded bodies alike.
func parseForm(r *http.Request) error {
	err := r.ParseMultipartForm(maxUploadMemory)
	if errors.Is(err, http.ErrNotMultipart) {
		return r.ParseForm()
	}

	return err
}

// formValue returns the uploaded file named field, or else the plain
// form value. ok is false when the request has neither.
func formValue(r *http.Request, field string) (data []byte, ok bool, err error) {
	if r.MultipartForm != nil {
		if files := r.MultipartForm.File[field]; len(files) > 0 {
			data, err := readUpload(files[0])

			return data, err == nil, err
		}
	}

	if values, exists := r.PostForm[field]; exists && len(values) > 0 {
		return []byte(values[0]), true, nil
	}

	return nil, false, nil
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return io.ReadAll(f)
}

// --- Public handlers ---

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// --- Submissions ---

// handleSubmit receives a test run: tests, metrics, metadata and log as
// uploads or form values plus any number of attachment uploads.
func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	project, ok := s.writableProject(w, r)
	if !ok {
		return
	}

	if err := parseForm(r); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"malformed form: " + err.Error()})

		return
	}

	sub := &ingest.Submission{
		Version:     chi.URLParam(r, "version"),
		Environment: chi.URLParam(r, "environment"),
	}

	payloads := []struct {
		field string
		dst   *[]byte
	}{
		{"tests", &sub.Tests},
		{"metrics", &sub.Metrics},
		{"metadata", &sub.Metadata},
		{"log", &sub.Log},
	}

	for _, p := range payloads {
		data, _, err := formValue(r, p.field)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{"reading " + p.field + ": " + err.Error()})

			return
		}

		*p.dst = data
	}

	if len(sub.Metadata) == 0 {
		metadata, err := metadataFromForm(r)
		if err != nil {
			s.internalError(w, r, err)

			return
		}

		sub.Metadata = metadata
	}

	attachments, err := formAttachments(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"reading attachments: " + err.Error()})

		return
	}

	sub.Attachments = attachments

	run, err := s.receiver.Receive(r.Context(), project, sub, true)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	build := run.Build
	if build == nil {
		if build, err = s.store.GetBuild(r.Context(), run.BuildID); err != nil {
			s.internalError(w, r, err)

			return
		}
	}

	if _, err := callback.Create(r.Context(), s.store, r.PostForm, project, build); err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, createdResponse{run.ID})
}

// metadataFromForm collects the well-known metadata fields posted as
// plain form values. It returns nil when there are none.
func metadataFromForm(r *http.Request) ([]byte, error) {
	metadata := make(map[string]string, len(metadataFields))

	for _, field := range metadataFields {
		if v := r.PostForm.Get(field); v != "" {
			metadata[field] = v
		}
	}

	if len(metadata) == 0 {
		return nil, nil
	}

	return json.Marshal(metadata)
}

func formAttachments(r *http.Request) (map[string][]byte, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}

	files := r.MultipartForm.File["attachment"]
	if len(files) == 0 {
		return nil, nil
	}

	attachments := make(map[string][]byte, len(files))

	for _, fh := range files {
		data, err := readUpload(fh)
		if err != nil {
			return nil, err
		}

		attachments[fh.Filename] = data
	}

	return attachments, nil
}

// handleCreateBuild creates a build ahead of its results, optionally tied
// to a patch source, and registers its callback.
func (s *server) handleCreateBuild(w http.ResponseWriter, r *http.Request) {
	project, ok := s.writableProject(w, r)
	if !ok {
		return
	}

	if err := parseForm(r); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"malformed form: " + err.Error()})

		return
	}

	ctx := r.Context()

	var patchSourceID, patchBaselineID *uint

	if name := r.PostForm.Get("patch_source"); name != "" {
		source, err := s.store.GetPatchSourceByName(ctx, name)
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusBadRequest, errorResponse{"unknown patch source: " + name})

			return
		}

		if err != nil {
			s.internalError(w, r, err)

			return
		}

		patchSourceID = &source.ID
	}

	if version := r.PostForm.Get("patch_baseline"); version != "" {
		baseline, err := s.store.GetBuildByVersion(ctx, project.ID, version)
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusBadRequest, errorResponse{"unknown patch baseline: " + version})

			return
		}

		if err != nil {
			s.internalError(w, r, err)

			return
		}

		patchBaselineID = &baseline.ID
	}

	build, created, err := s.store.GetOrCreateBuild(ctx, project.ID, chi.URLParam(r, "version"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	patchID := r.PostForm.Get("patch_id")

	if patchSourceID != nil || patchBaselineID != nil || patchID != "" {
		if patchSourceID != nil {
			build.PatchSourceID = patchSourceID
		}

		if patchBaselineID != nil {
			build.PatchBaselineID = patchBaselineID
		}

		if patchID != "" {
			build.PatchID = patchID
		}

		if err := s.store.UpdateBuild(ctx, build); err != nil {
			s.writeError(w, r, err)

			return
		}
	}

	if _, err := callback.Create(ctx, s.store, r.PostForm, project, build); err != nil {
		s.writeError(w, r, err)

		return
	}

	s.log.WithField("build", build.ID).
		WithField("created", created).
		Info("Build registered")

	writeJSON(w, http.StatusCreated, createdResponse{build.ID})
}
