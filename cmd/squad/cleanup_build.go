package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var cleanupBuildCmd = &cobra.Command{
	Use:   "cleanup-build GROUP/PROJECT VERSION",
	Short: "Delete a build with its results and stored files",
	Args:  cobra.ExactArgs(2),
	RunE:  runCleanupBuild,
}

func init() {
	rootCmd.AddCommand(cleanupBuildCmd)
}

func runCleanupBuild(cmd *cobra.Command, args []string) error {
	groupSlug, projectSlug, ok := strings.Cut(args[0], "/")
	if !ok || groupSlug == "" || projectSlug == "" {
		return fmt.Errorf("project %q must have the form group/project", args[0])
	}

	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	placeholder, err := a.receiver.CleanupBuildVersion(ctx, groupSlug, projectSlug, args[1])
	if err != nil {
		return fmt.Errorf("cleaning up build: %w", err)
	}

	log.WithField("version", placeholder.Version).Info("Build removed")

	return nil
}
