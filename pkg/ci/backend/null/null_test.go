package null_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/squad/pkg/ci"
	"github.com/ethpandaops/squad/pkg/ci/backend"
	"github.com/ethpandaops/squad/pkg/ci/backend/null"
	"github.com/ethpandaops/squad/pkg/store"
)

func TestNull_ImplementsNothing(t *testing.T) {
	ctx := context.Background()

	adapter, err := null.New(&store.Backend{BackendSettings: "project: lkft\nretries: 2\n"}, ci.Env{})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"project": "lkft", "retries": 2}, adapter.Settings())

	job := &store.TestJob{ID: 1}

	_, err = adapter.Submit(ctx, job)
	assert.ErrorIs(t, err, ci.ErrNotImplemented)

	_, err = adapter.Resubmit(ctx, job)
	assert.ErrorIs(t, err, ci.ErrNotImplemented)

	_, err = adapter.Fetch(ctx, job)
	assert.ErrorIs(t, err, ci.ErrNotImplemented)

	_, err = adapter.JobURL(job)
	assert.ErrorIs(t, err, ci.ErrNotImplemented)

	assert.ErrorIs(t, adapter.Cancel(ctx, job), ci.ErrNotImplemented)
	assert.ErrorIs(t, adapter.Listen(ctx), ci.ErrNotImplemented)
	assert.ErrorIs(t, adapter.CheckJobDefinition("x: 1"), ci.ErrNotImplemented)
}

func TestNull_InvalidSettings(t *testing.T) {
	_, err := null.New(&store.Backend{BackendSettings: "[not a mapping"}, ci.Env{})
	assert.Error(t, err)
}

func TestBuiltinRegistry(t *testing.T) {
	r := backend.NewRegistry(ci.Env{})

	assert.Equal(t, []string{"fake", "null"}, r.List())

	adapter, err := r.Get(&store.Backend{Name: "staging", ImplementationType: null.Implementation})
	require.NoError(t, err)
	assert.IsType(t, &null.Backend{}, adapter)
}
