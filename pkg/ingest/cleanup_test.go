package ingest_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/squad/pkg/ingest"
	"github.com/ethpandaops/squad/pkg/store"
)

func TestCleanupBuild(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()

	run, err := e.receiver.Receive(ctx, e.project, &ingest.Submission{
		Version:     "1.0",
		Environment: "x86",
		Tests:       []byte(`{"boot/kernel": "pass"}`),
		Log:         []byte("booted"),
		Attachments: map[string][]byte{"dmesg.txt": []byte("ring")},
	}, false)
	require.NoError(t, err)

	attachments, err := e.store.ListAttachments(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, attachments, 1)

	placeholder, err := e.receiver.CleanupBuildVersion(ctx, "mygroup", "myproject", "1.0")
	require.NoError(t, err)
	assert.Equal(t, "1.0", placeholder.Version)

	_, err = e.store.GetBuild(ctx, run.BuildID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = e.store.GetBuildPlaceholder(ctx, e.project.ID, "1.0")
	require.NoError(t, err)

	data, err := e.objects.Get(ctx, run.LogFile)
	require.NoError(t, err)
	assert.Nil(t, data, "test run files are deleted")

	data, err = e.objects.Get(ctx, ingest.AttachmentKey(&attachments[0]))
	require.NoError(t, err)
	assert.Nil(t, data, "attachments are deleted")

	again, err := e.receiver.Receive(ctx, e.project, &ingest.Submission{
		Version:     "1.0",
		Environment: "x86",
		Tests:       []byte(`{"boot/kernel": "pass"}`),
	}, false)
	require.NoError(t, err)

	build, err := e.store.GetBuild(ctx, again.BuildID)
	require.NoError(t, err)
	assert.Equal(t, "1.0", build.Version, "the version gets a new build")
}

func TestCleanupBuildVersion_UnknownBuild(t *testing.T) {
	e := setup(t, nil)

	_, err := e.receiver.CleanupBuildVersion(context.Background(), "mygroup", "myproject", "9.9")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
