package ingest

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/squad/pkg/storage"
	"github.com/ethpandaops/squad/pkg/store"
)

// CleanupBuild deletes a build with its results and their stored files.
// The version is remembered by a BuildPlaceholder; submitting to it again
// creates a new build.
func (r *Receiver) CleanupBuild(ctx context.Context, buildID uint) (*store.BuildPlaceholder, error) {
	runs, err := r.store.ListTestRuns(ctx, buildID)
	if err != nil {
		return nil, err
	}

	var keys []string

	for _, run := range runs {
		attachments, err := r.store.ListAttachments(ctx, run.ID)
		if err != nil {
			return nil, err
		}

		for i := range attachments {
			keys = append(keys, AttachmentKey(&attachments[i]))
		}
	}

	placeholder, err := r.store.DeleteBuild(ctx, buildID, r.now())
	if err != nil {
		return nil, err
	}

	log := r.log.WithFields(logrus.Fields{
		"build":   buildID,
		"version": placeholder.Version,
	})

	// Rows are gone at this point; leftover objects are only wasted space.
	for _, run := range runs {
		if err := r.objects.DeletePrefix(ctx, storage.Prefix(storage.EntityTestRun, run.ID)); err != nil {
			log.WithError(err).WithField("testrun", run.ID).Warn("Failed to delete test run files")
		}
	}

	for _, key := range keys {
		if err := r.objects.Delete(ctx, key); err != nil {
			log.WithError(err).WithField("key", key).Warn("Failed to delete attachment")
		}
	}

	log.WithField("testruns", len(runs)).Info("Cleaned up build")

	return placeholder, nil
}

// CleanupBuildVersion resolves "<group>/<project>" and a version and
// cleans up that build.
func (r *Receiver) CleanupBuildVersion(
	ctx context.Context, groupSlug, projectSlug, version string,
) (*store.BuildPlaceholder, error) {
	project, err := r.store.GetProject(ctx, groupSlug, projectSlug)
	if err != nil {
		return nil, err
	}

	build, err := r.store.GetBuildByVersion(ctx, project.ID, version)
	if err != nil {
		return nil, fmt.Errorf("build %q of %s/%s: %w", version, groupSlug, projectSlug, err)
	}

	return r.CleanupBuild(ctx, build.ID)
}
