package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/squad/pkg/api"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long: `Start the HTTP API receiving test results, CI job submissions and
watch requests.`,
	RunE: runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	srv := api.NewServer(log, a.cfg, api.Services{
		Store:    a.store,
		Objects:  a.objects,
		Receiver: a.receiver,
		CI:       a.ci,
		Version:  version,
	})

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	<-ctx.Done()

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}
