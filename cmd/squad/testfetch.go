package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/squad/pkg/ci"
)

var testfetchBackground bool

var testfetchCmd = &cobra.Command{
	Use:   "testfetch BACKEND JOBID GROUP/PROJECT",
	Short: "Fetch one backend job into a fresh build",
	Long: `Watch JOBID of BACKEND in a new build of GROUP/PROJECT, versioned with
the current unix time, and fetch its results. With --background the fetch
is left to the workers.`,
	Args: cobra.ExactArgs(3),
	RunE: runTestfetch,
}

func init() {
	rootCmd.AddCommand(testfetchCmd)
	testfetchCmd.Flags().BoolVar(&testfetchBackground, "background", false,
		"Enqueue the fetch instead of running it")
}

func runTestfetch(cmd *cobra.Command, args []string) error {
	groupSlug, projectSlug, ok := strings.Cut(args[2], "/")
	if !ok || groupSlug == "" || projectSlug == "" {
		return fmt.Errorf("project %q must have the form group/project", args[2])
	}

	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	backend, err := a.store.GetBackendByName(ctx, args[0])
	if err != nil {
		return fmt.Errorf("backend %q: %w", args[0], err)
	}

	project, err := a.store.GetProject(ctx, groupSlug, projectSlug)
	if err != nil {
		return fmt.Errorf("project %q: %w", args[2], err)
	}

	build, _, err := a.store.GetOrCreateBuild(ctx, project.ID,
		strconv.FormatInt(time.Now().Unix(), 10))
	if err != nil {
		return fmt.Errorf("creating build: %w", err)
	}

	job, err := a.ci.WatchJob(ctx, &ci.NewJob{
		Backend:     backend,
		Project:     project,
		Build:       build,
		Environment: "testfetch",
		JobID:       args[1],
	})
	if err != nil {
		return fmt.Errorf("watching job: %w", err)
	}

	log := log.WithFields(logrus.Fields{
		"testjob": job.ID,
		"build":   build.Version,
	})

	if testfetchBackground {
		log.Info("Fetch enqueued")

		return nil
	}

	if err := a.ci.Fetch(ctx, job.ID); err != nil {
		return fmt.Errorf("fetching job: %w", err)
	}

	job, err = a.store.GetTestJob(ctx, job.ID)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"fetched":    job.Fetched,
		"job_status": job.JobStatus,
	}).Info("Fetch complete")

	return nil
}
