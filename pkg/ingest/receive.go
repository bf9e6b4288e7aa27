// Package ingest validates submitted results and turns them into test
// runs, tests, metrics and statuses.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/ethpandaops/squad/pkg/plugins"
	"github.com/ethpandaops/squad/pkg/storage"
	"github.com/ethpandaops/squad/pkg/store"
)

// StatusUpdater refreshes the derived state of a build after one of its
// test runs was processed.
type StatusUpdater interface {
	UpdateProjectStatus(ctx context.Context, run *store.TestRun) error
	UpdateBuildSummary(ctx context.Context, run *store.TestRun) error
}

// Submission is a set of results for one build and environment. Empty
// payloads are omitted.
type Submission struct {
	Version     string
	Environment string
	Metadata    []byte
	Metrics     []byte
	Tests       []byte
	Log         []byte
	Attachments map[string][]byte

	// Completed defaults to true.
	Completed *bool

	// Datetime is used when the metadata carries none.
	Datetime *time.Time
}

// Receiver stores submissions and processes them into results.
type Receiver struct {
	log     logrus.FieldLogger
	store   store.Store
	objects storage.ObjectStore
	plugins *plugins.Registry
	status  StatusUpdater
	now     func() time.Time
}

// NewReceiver creates a Receiver. status may be nil when callers update
// project statuses themselves.
func NewReceiver(
	log logrus.FieldLogger,
	s store.Store,
	objects storage.ObjectStore,
	registry *plugins.Registry,
	status StatusUpdater,
) *Receiver {
	return &Receiver{
		log:     log.WithField("component", "ingest"),
		store:   s,
		objects: objects,
		plugins: registry,
		status:  status,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type parsedSubmission struct {
	metadata *Metadata
}

// Validate checks every payload of the submission without storing it.
func Validate(sub *Submission) error {
	_, err := validate(sub)

	return err
}

func validate(sub *Submission) (*parsedSubmission, error) {
	parsed := &parsedSubmission{metadata: &Metadata{Raw: map[string]any{}}}

	if len(sub.Metadata) > 0 {
		md, err := ParseMetadata(sub.Metadata)
		if err != nil {
			return nil, err
		}

		parsed.metadata = md
	}

	if len(sub.Metrics) > 0 {
		if _, err := ParseMetrics(sub.Metrics); err != nil {
			return nil, err
		}
	}

	if len(sub.Tests) > 0 {
		if _, err := ParseTests(sub.Tests); err != nil {
			return nil, err
		}
	}

	// Attachments are stored by base name, which must be unique per run.
	names := make([]string, 0, len(sub.Attachments))
	for name := range sub.Attachments {
		names = append(names, name)
	}

	sort.Strings(names)

	seen := make(map[string]string, len(names))

	for _, name := range names {
		base := path.Base(name)
		if other, ok := seen[base]; ok {
			return nil, invalidAttachments("%q and %q share the file name %q", other, name, base)
		}

		seen[base] = name
	}

	return parsed, nil
}

// Receive stores a submission as a new test run of the project and
// processes it. With updateStatus the build's project status and summary
// are refreshed afterwards.
func (r *Receiver) Receive(
	ctx context.Context, project *store.Project, sub *Submission, updateStatus bool,
) (*store.TestRun, error) {
	parsed, err := validate(sub)
	if err != nil {
		return nil, err
	}

	md := parsed.metadata

	build, _, err := r.store.GetOrCreateBuild(ctx, project.ID, sub.Version)
	if err != nil {
		return nil, err
	}

	env, err := r.store.GetOrCreateEnvironment(ctx, project.ID, sub.Environment)
	if err != nil {
		return nil, err
	}

	log := r.log.WithFields(logrus.Fields{
		"project":     project.ID,
		"build":       build.Version,
		"environment": env.Slug,
	})

	jobID := md.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	} else {
		exists, err := r.store.TestRunExists(ctx, build.ID, jobID)
		if err != nil {
			return nil, err
		}

		if exists {
			return nil, fmt.Errorf("job_id %q in build %q: %w", jobID, build.Version, ErrDuplicatedTestJob)
		}
	}

	when := r.now()

	switch {
	case md.Datetime != nil:
		when = *md.Datetime
	case sub.Datetime != nil:
		when = sub.Datetime.UTC()
	}

	completed := true
	if sub.Completed != nil {
		completed = *sub.Completed
	}

	run := &store.TestRun{
		BuildID:       build.ID,
		EnvironmentID: env.ID,
		JobID:         jobID,
		JobStatus:     md.JobStatus,
		JobURL:        md.JobURL,
		BuildURL:      md.BuildURL,
		ResubmitURL:   md.ResubmitURL,
		Datetime:      when,
		Metadata:      datatypes.JSONMap(md.Raw),
		Completed:     completed,
	}

	if err := r.store.CreateTestRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("job_id %q in build %q: %w", jobID, build.Version, ErrDuplicatedTestJob)
		}

		return nil, err
	}

	if err := r.storeFiles(ctx, run, sub); err != nil {
		return nil, err
	}

	if err := r.storeAttachments(ctx, run, sub.Attachments); err != nil {
		return nil, err
	}

	if run.Datetime.Before(build.Datetime) {
		build.Datetime = run.Datetime
		if err := r.store.UpdateBuild(ctx, build); err != nil {
			return nil, err
		}
	}

	run.Build = build
	run.Environment = env

	if err := r.ProcessTestRun(ctx, project, run); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"testrun": run.ID,
		"job_id":  run.JobID,
	}).Info("Received test run")

	if updateStatus && r.status != nil {
		if err := r.status.UpdateProjectStatus(ctx, run); err != nil {
			return run, err
		}

		if err := r.status.UpdateBuildSummary(ctx, run); err != nil {
			return run, err
		}
	}

	return run, nil
}

// storeFiles writes the payloads to the object store and records their
// keys on the test run.
func (r *Receiver) storeFiles(ctx context.Context, run *store.TestRun, sub *Submission) error {
	files := []struct {
		name string
		data []byte
		key  *string
	}{
		{storage.TestsFile, sub.Tests, &run.TestsFile},
		{storage.MetricsFile, sub.Metrics, &run.MetricsFile},
		{storage.MetadataFile, sub.Metadata, &run.MetadataFile},
		{storage.LogFile, bytes.ReplaceAll(sub.Log, []byte{0}, nil), &run.LogFile},
	}

	stored := false

	for _, f := range files {
		if len(f.data) == 0 {
			continue
		}

		key := storage.Key(storage.EntityTestRun, run.ID, f.name)
		if err := r.objects.Put(ctx, key, f.data); err != nil {
			return fmt.Errorf("storing %s of test run %d: %w", f.name, run.ID, err)
		}

		*f.key = key
		stored = true
	}

	if !stored {
		return nil
	}

	return r.store.UpdateTestRun(ctx, run)
}

func (r *Receiver) storeAttachments(
	ctx context.Context, run *store.TestRun, attachments map[string][]byte,
) error {
	names := make([]string, 0, len(attachments))
	for name := range attachments {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		data := attachments[name]
		filename := path.Base(name)

		attachment := &store.Attachment{
			TestRunID: run.ID,
			Filename:  filename,
			MimeType:  storage.DetectContentType(filename),
			Length:    int64(len(data)),
		}

		if err := r.store.CreateAttachment(ctx, attachment); err != nil {
			return err
		}

		if err := r.objects.Put(ctx, AttachmentKey(attachment), data); err != nil {
			return fmt.Errorf("storing attachment %q: %w", filename, err)
		}
	}

	return nil
}

// AttachmentKey returns the object store key of an attachment.
func AttachmentKey(a *store.Attachment) string {
	return storage.Key(storage.EntityAttachment, a.ID, a.Filename)
}

// ProcessTestRun parses the run's data, runs the project's plugins and
// records the run's status in a single transaction.
func (r *Receiver) ProcessTestRun(ctx context.Context, project *store.Project, run *store.TestRun) error {
	return r.store.Transaction(ctx, func(tx store.Store) error {
		if err := r.ParseTestRunData(ctx, tx, project, run); err != nil {
			return err
		}

		r.plugins.PostProcessTestRun(ctx, r.Host(tx, project), project, run)

		return r.RecordTestRunStatus(ctx, tx, run)
	})
}

// ParseTestRunData materialises the run's tests and metrics. It does
// nothing when the data was already processed.
func (r *Receiver) ParseTestRunData(
	ctx context.Context, s store.Store, project *store.Project, run *store.TestRun,
) error {
	if run.DataProcessed {
		return nil
	}

	var (
		tests   []TestResult
		metrics []MetricResult
	)

	if data, err := r.readObject(ctx, run.TestsFile); err != nil {
		return err
	} else if len(data) > 0 {
		if tests, err = ParseTests(data); err != nil {
			return err
		}
	}

	if data, err := r.readObject(ctx, run.MetricsFile); err != nil {
		return err
	} else if len(data) > 0 {
		if metrics, err = ParseMetrics(data); err != nil {
			return err
		}
	}

	b := newRowBuilder(s, project, run)

	testRows, err := b.tests(ctx, tests)
	if err != nil {
		return err
	}

	metricRows, err := b.metrics(ctx, metrics)
	if err != nil {
		return err
	}

	if _, err := s.SaveTestRunData(ctx, run.ID, testRows, metricRows); err != nil {
		return err
	}

	run.DataProcessed = true

	return nil
}

// RecordTestRunStatus computes the per-suite and overall statuses of the
// run. It does nothing when they were already recorded.
func (r *Receiver) RecordTestRunStatus(ctx context.Context, s store.Store, run *store.TestRun) error {
	if run.StatusRecorded {
		return nil
	}

	statuses, err := computeStatuses(ctx, s, run.ID)
	if err != nil {
		return err
	}

	if _, err := s.SaveTestRunStatus(ctx, run.ID, statuses); err != nil {
		return err
	}

	run.StatusRecorded = true

	return nil
}

func (r *Receiver) readObject(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, nil
	}

	data, err := r.objects.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}

	return data, nil
}
