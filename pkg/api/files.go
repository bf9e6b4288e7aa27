package api

import (
	"bytes"
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ethpandaops/squad/pkg/ingest"
	"github.com/ethpandaops/squad/pkg/notification"
	"github.com/ethpandaops/squad/pkg/store"
)

// serveObject writes a stored object. Missing objects are 404.
func (s *server) serveObject(
	w http.ResponseWriter, r *http.Request, key, name, contentType string,
) {
	if key == "" {
		writeJSON(w, http.StatusNotFound, errorResponse{"file not found"})

		return
	}

	data, err := s.objects.Get(r.Context(), key)
	if err != nil {
		s.internalError(w, r, err)

		return
	}

	if data == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"file not found"})

		return
	}

	w.Header().Set("Content-Type", contentType)
	http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(data))
}

// handleTestRunFile serves the tests, metrics, metadata or log payload of
// a test run.
func (s *server) handleTestRunFile(w http.ResponseWriter, r *http.Request) {
	run, ok := s.testRun(w, r)
	if !ok {
		return
	}

	var key string

	contentType := "application/json"

	switch chi.URLParam(r, "file") {
	case "tests_file":
		key = run.TestsFile
	case "metrics_file":
		key = run.MetricsFile
	case "metadata_file":
		key = run.MetadataFile
	case "log_file":
		key = run.LogFile
		contentType = "text/plain; charset=utf-8"
	}

	s.serveObject(w, r, key, path.Base(key), contentType)
}

func (s *server) handleAttachment(w http.ResponseWriter, r *http.Request) {
	run, ok := s.testRun(w, r)
	if !ok {
		return
	}

	filename := chi.URLParam(r, "filename")
	if filename == "" || strings.ContainsAny(filename, `/\`) || filename == ".." {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid filename"})

		return
	}

	attachments, err := s.store.ListAttachments(r.Context(), run.ID)
	if err != nil {
		s.internalError(w, r, err)

		return
	}

	for i := range attachments {
		a := &attachments[i]
		if a.Filename != filename {
			continue
		}

		w.Header().Set("Content-Disposition", `attachment; filename="`+a.Filename+`"`)
		s.serveObject(w, r, ingest.AttachmentKey(a), a.Filename, a.MimeType)

		return
	}

	writeJSON(w, http.StatusNotFound, errorResponse{"attachment not found"})
}

func (s *server) testRun(w http.ResponseWriter, r *http.Request) (*store.TestRun, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid test run id"})

		return nil, false
	}

	run, err := s.store.GetTestRun(r.Context(), uint(id))
	if err != nil {
		s.writeError(w, r, err)

		return nil, false
	}

	return run, true
}

// handleBuildEmail renders the notification of a build, the target of
// links sent instead of oversized emails. "output=text/html" selects the
// html body.
func (s *server) handleBuildEmail(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid build id"})

		return
	}

	ctx := r.Context()

	ps, err := s.store.GetProjectStatusByBuild(ctx, uint(id))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	n, err := notification.New(ctx, s.store, ps, nil)
	if err != nil {
		s.internalError(w, r, err)

		return
	}

	html := r.URL.Query().Get("output") == "text/html"

	content, err := s.renderer.Render(n, nil, html)
	if err != nil {
		var tplErr *notification.TemplateError
		if errors.As(err, &tplErr) {
			writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

			return
		}

		s.internalError(w, r, err)

		return
	}

	w.Header().Set("Subject", content.Subject)

	if html {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(content.HTML))

		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(content.Text))
}
