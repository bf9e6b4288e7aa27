package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/squad/pkg/listener"
)

// errMissingDependency marks failures to find something the process needs
// at runtime. It maps to exit code 2.
var errMissingDependency = errors.New("missing runtime dependency")

var listenCmd = &cobra.Command{
	Use:   "listen [BACKEND]",
	Short: "Run backend listeners",
	Long: `Without arguments, supervise one "listen BACKEND" subprocess per backend
that has listening enabled, restarting them as backends change or exit.
With a backend name, run that backend's listener in this process.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runListen,
}

func init() {
	rootCmd.AddCommand(listenCmd)
}

func runListen(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if len(args) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("%w: locating executable: %v", errMissingDependency, err)
		}

		launch := listener.ExecLauncher(exe, "--config", cfgFile, "--log-level", logLevel)

		return listener.NewManager(log, &a.cfg.Listener, a.store, launch).Run(ctx)
	}

	backend, err := a.store.GetBackendByName(ctx, args[0])
	if err != nil {
		return fmt.Errorf("backend %q: %w", args[0], err)
	}

	adapter, err := a.ci.Adapter(backend)
	if err != nil {
		return fmt.Errorf("backend %q: %w", backend.Name, err)
	}

	log.WithField("backend", backend.Name).Info("Listening")

	if err := adapter.Listen(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("listening on %q: %w", backend.Name, err)
	}

	return nil
}
