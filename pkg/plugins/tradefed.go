package plugins

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethpandaops/squad/pkg/store"
)

// TradefedResultsFile is the attachment holding aggregated tradefed
// results, in the tests payload format.
const TradefedResultsFile = "tradefed-results.json"

// aggregatedMarker marks job definitions whose tradefed run reports
// aggregated results.
const aggregatedMarker = "RESULTS_FORMAT: aggregated"

// TradefedAggregated extracts the per-test results a tradefed job
// uploaded as an attachment when the job only reported them aggregated.
// It only acts for projects with PLUGINS_TRADEFED_EXTRACT_AGGREGATED.
type TradefedAggregated struct{}

var _ TestJobPostProcessor = (*TradefedAggregated)(nil)

func (*TradefedAggregated) Name() string { return "tradefed_aggregated" }

func (*TradefedAggregated) PostProcessTestJob(
	ctx context.Context, host Host, job *store.TestJob, run *store.TestRun,
) error {
	if run == nil || job.Target == nil {
		return nil
	}

	settings, err := job.Target.Settings()
	if err != nil {
		return err
	}

	if !settings.PluginsTradefedExtractAggregated {
		return nil
	}

	if !strings.Contains(job.Definition, aggregatedMarker) {
		return nil
	}

	data, err := host.ReadAttachment(ctx, run, TradefedResultsFile)
	if err != nil {
		return fmt.Errorf("reading %s: %w", TradefedResultsFile, err)
	}

	if data == nil {
		return nil
	}

	if _, err := host.AddTests(ctx, run, data); err != nil {
		return fmt.Errorf("adding tradefed tests: %w", err)
	}

	return nil
}
