package ci

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/squad/pkg/ingest"
	"github.com/ethpandaops/squad/pkg/plugins"
	"github.com/ethpandaops/squad/pkg/store"
	"github.com/ethpandaops/squad/pkg/tasks"
)

// submitRetryCountdown delays the retry of a temporary submission issue.
const submitRetryCountdown = time.Hour

// Service runs the CI tasks of test jobs.
type Service struct {
	log      logrus.FieldLogger
	store    store.Store
	queue    tasks.Queue
	adapters Registry
	receiver *ingest.Receiver
	plugins  *plugins.Registry
	status   ingest.StatusUpdater
	now      func() time.Time
}

// NewService creates a Service. Fetched results are ingested through
// receiver and the build status is refreshed through status.
func NewService(
	log logrus.FieldLogger,
	s store.Store,
	queue tasks.Queue,
	adapters Registry,
	receiver *ingest.Receiver,
	registry *plugins.Registry,
	status ingest.StatusUpdater,
) *Service {
	return &Service{
		log:      log.WithField("component", "ci"),
		store:    s,
		queue:    queue,
		adapters: adapters,
		receiver: receiver,
		plugins:  registry,
		status:   status,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register binds the CI tasks to w.
func (s *Service) Register(w tasks.Worker) {
	w.Register(tasks.CISubmit, tasks.IDHandler(s.Submit))
	w.Register(tasks.CIFetch, tasks.IDHandler(s.Fetch))
	w.Register(tasks.CIPoll, tasks.IDHandler(s.Poll))
}

// Adapter returns the adapter of a backend.
func (s *Service) Adapter(backend *store.Backend) (Adapter, error) {
	return s.adapters.Get(backend)
}

func (s *Service) jobLog(job *store.TestJob) logrus.FieldLogger {
	fields := logrus.Fields{"testjob": job.ID}

	if job.Backend != nil {
		fields["backend"] = job.Backend.Name
	}

	if job.JobID != nil {
		fields["job_id"] = *job.JobID
	}

	return s.log.WithFields(fields)
}
