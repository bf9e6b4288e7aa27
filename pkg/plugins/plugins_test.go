package plugins_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/squad/pkg/plugins"
	"github.com/ethpandaops/squad/pkg/store"
	"github.com/ethpandaops/squad/pkg/store/storetest"
)

type recordingPlugin struct {
	name  string
	calls *[]string
	err   error
	panic bool
}

func (p *recordingPlugin) Name() string { return p.name }

func (p *recordingPlugin) PostProcessTestRun(
	context.Context, plugins.Host, *store.Project, *store.TestRun,
) error {
	*p.calls = append(*p.calls, p.name)

	if p.panic {
		panic("boom")
	}

	return p.err
}

type fakeHost struct {
	attachments map[string][]byte
	added       [][]byte
}

func (h *fakeHost) ReadAttachment(_ context.Context, _ *store.TestRun, name string) ([]byte, error) {
	return h.attachments[name], nil
}

func (h *fakeHost) AddTests(_ context.Context, _ *store.TestRun, payload []byte) (int, error) {
	h.added = append(h.added, payload)

	return 1, nil
}

func TestRegistry_RunsEnabledPluginsInOrder(t *testing.T) {
	var calls []string

	r := plugins.NewRegistry(storetest.Logger(),
		&recordingPlugin{name: "a", calls: &calls},
		&recordingPlugin{name: "b", calls: &calls, err: errors.New("broken")},
		&recordingPlugin{name: "c", calls: &calls, panic: true},
		&recordingPlugin{name: "d", calls: &calls},
	)

	project := &store.Project{EnabledPlugins: []string{"d", "b", "missing", "c", "a"}}

	r.PostProcessTestRun(context.Background(), &fakeHost{}, project, &store.TestRun{ID: 1})

	assert.Equal(t, []string{"d", "b", "c", "a"}, calls)
}

func TestRegistry_Get(t *testing.T) {
	r := plugins.Default(storetest.Logger())

	assert.Equal(t, []string{"example", "tradefed_aggregated"}, r.Names())

	p, err := r.Get("example")
	require.NoError(t, err)
	assert.Equal(t, "example", p.Name())

	_, err = r.Get("nope")
	require.ErrorIs(t, err, plugins.ErrPluginNotFound)
}

func TestTradefedAggregated(t *testing.T) {
	payload := []byte(`{"cts/test1": "pass"}`)

	tests := []struct {
		name       string
		settings   string
		definition string
		attached   bool
		wantAdded  int
	}{
		{
			name:       "extracts aggregated results",
			settings:   "PLUGINS_TRADEFED_EXTRACT_AGGREGATED: true",
			definition: "params:\n  RESULTS_FORMAT: aggregated\n",
			attached:   true,
			wantAdded:  1,
		},
		{
			name:       "setting disabled",
			settings:   "",
			definition: "params:\n  RESULTS_FORMAT: aggregated\n",
			attached:   true,
		},
		{
			name:       "non aggregated job",
			settings:   "PLUGINS_TRADEFED_EXTRACT_AGGREGATED: true",
			definition: "params:\n  RESULTS_FORMAT: atomic\n",
			attached:   true,
		},
		{
			name:       "no attachment",
			settings:   "PLUGINS_TRADEFED_EXTRACT_AGGREGATED: true",
			definition: "params:\n  RESULTS_FORMAT: aggregated\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := &fakeHost{attachments: map[string][]byte{}}
			if tt.attached {
				host.attachments[plugins.TradefedResultsFile] = payload
			}

			job := &store.TestJob{
				Definition: tt.definition,
				Target:     &store.Project{ProjectSettings: tt.settings},
			}

			p := &plugins.TradefedAggregated{}
			require.NoError(t, p.PostProcessTestJob(context.Background(), host, job, &store.TestRun{ID: 1}))
			assert.Len(t, host.added, tt.wantAdded)
		})
	}
}
