package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/squad/pkg/ingest"
)

var importOpts ingest.ImportOptions

var importDataCmd = &cobra.Command{
	Use:   "import_data PROJECT DIRECTORY",
	Short: "Import test results from a directory tree",
	Long: `Import every test run found in DIRECTORY into PROJECT (group/project).
The expected layout is <build>/<environment>/<testrun>/ with metadata.json,
tests.json and metrics.json files; other files become attachments.`,
	Args: cobra.ExactArgs(2),
	RunE: runImportData,
}

func init() {
	rootCmd.AddCommand(importDataCmd)
	importDataCmd.Flags().BoolVar(&importOpts.DryRun, "dry-run", false, "Parse everything without writing")
	importDataCmd.Flags().BoolVar(&importOpts.Silent, "silent", false, "Suppress progress output")
}

func runImportData(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	n, err := ingest.NewImporter(log, a.store, a.receiver).Import(ctx, args[0], args[1], importOpts)
	if err != nil {
		return fmt.Errorf("importing %s: %w", args[1], err)
	}

	if !importOpts.Silent {
		log.WithFields(logrus.Fields{
			"project":  args[0],
			"testruns": n,
			"dry_run":  importOpts.DryRun,
		}).Info("Import complete")
	}

	return nil
}
