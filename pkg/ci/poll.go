package ci

import (
	"context"
	"fmt"
	"strconv"

	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/squad/pkg/config"
	"github.com/ethpandaops/squad/pkg/store"
	"github.com/ethpandaops/squad/pkg/tasks"
)

// pollConcurrency bounds how many backends are scanned at once.
const pollConcurrency = 4

// Poll enqueues a fetch for every due test job of the poll-enabled
// backends. A zero backendID polls every backend. Adapters are never
// called here.
func (s *Service) Poll(ctx context.Context, backendID uint) error {
	backends, err := s.pollBackends(ctx, backendID)
	if err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(pollConcurrency)

	for i := range backends {
		backend := &backends[i]

		g.Go(func() error {
			return s.pollBackend(gCtx, backend)
		})
	}

	return g.Wait()
}

func (s *Service) pollBackends(ctx context.Context, backendID uint) ([]store.Backend, error) {
	if backendID != 0 {
		backend, err := s.store.GetBackend(ctx, backendID)
		if err != nil {
			return nil, err
		}

		if !backend.PollEnabled {
			return nil, nil
		}

		return []store.Backend{*backend}, nil
	}

	backends, err := s.store.ListBackends(ctx)
	if err != nil {
		return nil, err
	}

	return lo.Filter(backends, func(b store.Backend, _ int) bool {
		return b.PollEnabled
	}), nil
}

func (s *Service) pollBackend(ctx context.Context, backend *store.Backend) error {
	jobs, err := s.store.ListDueTestJobs(ctx, backend, s.now())
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if err := EnqueueFetch(ctx, s.queue, job.ID); err != nil {
			return fmt.Errorf("scheduling fetch of test job %d: %w", job.ID, err)
		}
	}

	if len(jobs) > 0 {
		s.log.WithFields(logrus.Fields{
			"backend": backend.Name,
			"jobs":    len(jobs),
		}).Info("Scheduled fetches")
	}

	return nil
}

// Scheduler periodically enqueues a poll of every poll-enabled backend.
type Scheduler struct {
	log   logrus.FieldLogger
	store store.Store
	queue tasks.Queue
	spec  string
	cron  *cron.Cron
}

// NewScheduler creates a Scheduler running on cfg.PollSchedule.
func NewScheduler(
	log logrus.FieldLogger, cfg *config.WorkerConfig, s store.Store, queue tasks.Queue,
) *Scheduler {
	spec := cfg.PollSchedule
	if spec == "" {
		spec = config.DefaultPollSchedule
	}

	return &Scheduler{
		log:   log.WithField("component", "poll-scheduler"),
		store: s,
		queue: queue,
		spec:  spec,
		cron:  cron.New(),
	}
}

// Start registers the poll entry and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() {
		if err := s.Tick(ctx); err != nil {
			s.log.WithError(err).Warn("Poll tick failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid poll schedule %q: %w", s.spec, err)
	}

	s.cron.Start()

	s.log.WithField("schedule", s.spec).Info("Poll scheduler started")

	return nil
}

// Stop stops the cron loop and waits for a running tick.
func (s *Scheduler) Stop() error {
	<-s.cron.Stop().Done()

	s.log.Info("Poll scheduler stopped")

	return nil
}

// Tick enqueues one poll task per poll-enabled backend.
func (s *Scheduler) Tick(ctx context.Context) error {
	backends, err := s.store.ListBackends(ctx)
	if err != nil {
		return err
	}

	for _, backend := range backends {
		if !backend.PollEnabled {
			continue
		}

		if err := s.queue.Enqueue(ctx, tasks.CIPoll, tasks.IDArgs{ID: backend.ID},
			tasks.WithKey(strconv.FormatUint(uint64(backend.ID), 10)),
		); err != nil {
			return fmt.Errorf("scheduling poll of backend %q: %w", backend.Name, err)
		}
	}

	return nil
}
