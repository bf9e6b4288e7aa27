package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/squad/pkg/ci"
)

var noScheduler bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run task workers and the backend poll scheduler",
	Long: `Run the task workers executing submissions, fetches, status updates,
notifications and callbacks. Unless --no-scheduler is given the worker also
enqueues a poll of every poll-enabled backend on the configured schedule.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().BoolVar(&noScheduler, "no-scheduler", false,
		"Do not run the backend poll scheduler")
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	w := a.newWorker()
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}

	var scheduler *ci.Scheduler

	if !noScheduler {
		scheduler = ci.NewScheduler(log, &a.cfg.Worker, a.store, a.queue)
		if err := scheduler.Start(ctx); err != nil {
			_ = w.Stop()

			return fmt.Errorf("starting poll scheduler: %w", err)
		}
	}

	<-ctx.Done()

	if scheduler != nil {
		if err := scheduler.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop poll scheduler")
		}
	}

	if err := w.Stop(); err != nil {
		return fmt.Errorf("stopping worker: %w", err)
	}

	return nil
}
