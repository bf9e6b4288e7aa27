package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/squad/pkg/tasks"
)

var pollNow bool

var pollCmd = &cobra.Command{
	Use:   "poll [BACKEND]",
	Short: "Poll backends for finished test jobs",
	Long: `Enqueue one poll pass over BACKEND, or over every poll-enabled backend
when no name is given. With --now the pass runs in this process and fetches
are left to the workers.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPoll,
}

func init() {
	rootCmd.AddCommand(pollCmd)
	pollCmd.Flags().BoolVar(&pollNow, "now", false, "Run the poll pass instead of enqueueing it")
}

func runPoll(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	var backendID uint

	if len(args) == 1 {
		backend, err := a.store.GetBackendByName(ctx, args[0])
		if err != nil {
			return fmt.Errorf("backend %q: %w", args[0], err)
		}

		backendID = backend.ID
	}

	if pollNow {
		if err := a.ci.Poll(ctx, backendID); err != nil {
			return fmt.Errorf("polling: %w", err)
		}

		log.Info("Poll pass complete")

		return nil
	}

	if err := a.queue.Enqueue(ctx, tasks.CIPoll, tasks.IDArgs{ID: backendID}); err != nil {
		return fmt.Errorf("enqueueing poll: %w", err)
	}

	log.WithField("backend", backendID).Info("Poll enqueued")

	return nil
}
