package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/squad/pkg/config"
	"github.com/ethpandaops/squad/pkg/store"
)

// maxBackoff caps the delay between retries of failing tasks.
const maxBackoff = 10 * time.Minute

// Worker drains the task queue.
type Worker interface {
	Start(ctx context.Context) error
	Stop() error

	// Register binds a handler to a task name. Registration must happen
	// before Start.
	Register(name string, h Handler)

	// RunOnce claims and executes one batch of due tasks, returning how
	// many were claimed.
	RunOnce(ctx context.Context) (int, error)

	// RunPending runs batches until no task is due.
	RunPending(ctx context.Context) error
}

// Compile-time interface check.
var _ Worker = (*worker)(nil)

type worker struct {
	log         logrus.FieldLogger
	store       store.Store
	handlers    map[string]Handler
	concurrency int
	interval    time.Duration
	lease       time.Duration
	maxAttempts int
	now         func() time.Time
	done        chan struct{}
	wg          sync.WaitGroup
}

// NewWorker creates a worker with the configured concurrency and lease.
func NewWorker(log logrus.FieldLogger, cfg *config.WorkerConfig, s store.Store) Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = config.DefaultWorkerConcurrency
	}

	maxAttempts := cfg.MaxTaskAttempts
	if maxAttempts <= 0 {
		maxAttempts = config.DefaultMaxTaskAttempts
	}

	return &worker{
		log:         log.WithField("component", "worker"),
		store:       s,
		handlers:    make(map[string]Handler, 16),
		concurrency: concurrency,
		interval:    config.DurationOr(cfg.TaskPollInterval, time.Second),
		lease:       config.DurationOr(cfg.ClaimTimeout, 10*time.Minute),
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
		done:        make(chan struct{}),
	}
}

func (w *worker) Register(name string, h Handler) {
	w.handlers[name] = h
}

// Start polls for due tasks until Stop is called or ctx ends.
func (w *worker) Start(ctx context.Context) error {
	w.log.WithFields(logrus.Fields{
		"concurrency": w.concurrency,
		"interval":    w.interval.String(),
		"handlers":    len(w.handlers),
	}).Info("Starting worker")

	w.wg.Add(1)

	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := w.RunPending(ctx); err != nil && ctx.Err() == nil {
					w.log.WithError(err).Warn("Task pass failed")
				}
			case <-w.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the worker goroutine to stop and waits for it.
func (w *worker) Stop() error {
	close(w.done)
	w.wg.Wait()

	w.log.Info("Worker stopped")

	return nil
}

func (w *worker) RunPending(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.done:
			return nil
		default:
		}

		n, err := w.RunOnce(ctx)
		if err != nil {
			return err
		}

		if n == 0 {
			return nil
		}
	}
}

func (w *worker) RunOnce(ctx context.Context) (int, error) {
	claimed, err := w.store.ClaimDueTasks(ctx, w.now(), w.concurrency, w.lease)
	if err != nil {
		return 0, fmt.Errorf("claiming tasks: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)

	for _, task := range claimed {
		g.Go(func() error {
			w.execute(gCtx, task)

			return nil
		})
	}

	_ = g.Wait()

	return len(claimed), nil
}

// execute runs one task and settles its row: deleted on success or when
// dropped, rescheduled otherwise.
func (w *worker) execute(ctx context.Context, task store.Task) {
	log := w.log.WithFields(logrus.Fields{
		"task":     task.Name,
		"task_id":  task.ID,
		"attempts": task.Attempts,
	})

	handler, ok := w.handlers[task.Name]
	if !ok {
		log.Error("No handler registered for task, dropping it")
		w.complete(ctx, log, task)

		return
	}

	start := time.Now()
	err := w.run(ctx, handler, task)

	if err == nil {
		log.WithField("duration", time.Since(start).Round(time.Millisecond)).
			Debug("Task completed")
		w.complete(ctx, log, task)

		return
	}

	attempts := task.Attempts + 1
	delay := backoff(attempts)

	if re, ok := AsRetry(err); ok {
		delay = re.Countdown
		log.WithError(re.Err).WithField("countdown", delay.String()).Info("Task asked for a retry")
	} else {
		if attempts >= w.maxAttempts {
			log.WithError(err).Error("Task failed too many times, dropping it")
			w.complete(ctx, log, task)

			return
		}

		log.WithError(err).WithField("countdown", delay.String()).Warn("Task failed, retrying")
	}

	rerr := w.store.RescheduleTask(ctx, task.ID, w.now().Add(delay), attempts, err.Error())
	if rerr != nil {
		log.WithError(rerr).Error("Failed to reschedule task")
	}
}

// run calls the handler, converting a panic into an error.
func (w *worker) run(ctx context.Context, handler Handler, task store.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	return handler(ctx, []byte(task.Payload))
}

func (w *worker) complete(ctx context.Context, log logrus.FieldLogger, task store.Task) {
	if err := w.store.CompleteTask(ctx, task.ID); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("Failed to delete task")
	}
}

// backoff returns 2^attempts seconds capped at maxBackoff.
func backoff(attempts int) time.Duration {
	if attempts > 10 {
		return maxBackoff
	}

	d := time.Duration(1<<attempts) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}

	return d
}
