// Package fake implements a CI backend that makes up results. It is used
// for demos and tests.
package fake

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/squad/pkg/ci"
	"github.com/ethpandaops/squad/pkg/store"
)

// Implementation is the implementation type of fake backends.
const Implementation = "fake"

// Tests and Metrics are the names fetch reports results for.
var (
	Tests   = []string{"test1", "test2", "foo/test1", "foo/test2", "bar/test1", "bar/test2"}
	Metrics = []string{"metric1", "metric2", "foobenchmarks/metric1", "barbenchmarks/metric1"}
)

// Backend is the fake adapter.
type Backend struct {
	log      logrus.FieldLogger
	data     *store.Backend
	env      ci.Env
	settings map[string]any
	// PassRate is the probability of a test passing.
	PassRate float64
	// ListenInterval returns the pause between two listen scans.
	ListenInterval func() time.Duration
}

// Ensure interface compliance.
var _ ci.Adapter = (*Backend)(nil)

// New creates the fake adapter of a backend.
func New(backend *store.Backend, env ci.Env) (ci.Adapter, error) {
	settings, err := store.ParseBackendSettings(backend.BackendSettings)
	if err != nil {
		return nil, err
	}

	log := env.Log
	if log == nil {
		log = logrus.New()
	}

	return &Backend{
		log:      log.WithField("component", "fake-backend"),
		data:     backend,
		env:      env,
		settings: settings,
		PassRate: 0.8,
		ListenInterval: func() time.Duration {
			return time.Duration(1+rand.IntN(5)) * time.Second
		},
	}, nil
}

// Register adds the fake implementation to r.
func Register(r ci.Registry) {
	r.Register(Implementation, New)
}

func (b *Backend) Submit(_ context.Context, job *store.TestJob) ([]string, error) {
	return []string{strconv.FormatUint(uint64(job.ID), 10)}, nil
}

func (b *Backend) Resubmit(_ context.Context, job *store.TestJob) (string, error) {
	return fmt.Sprintf("%s.%d", job.ExternalID(), job.ResubmittedCount+1), nil
}

func (b *Backend) Fetch(_ context.Context, job *store.TestJob) (*ci.FetchResult, error) {
	tests := make(map[string]any, len(Tests))
	for _, name := range Tests {
		result := "fail"
		if rand.Float64() < b.PassRate {
			result = "pass"
		}

		tests[name] = result
	}

	metrics := make(map[string]any, len(Metrics))
	for _, name := range Metrics {
		metrics[name] = rand.Float64()
	}

	return &ci.FetchResult{
		Status:    "Finished",
		Completed: true,
		Metadata:  map[string]any{"foo": "bar"},
		Tests:     tests,
		Metrics:   metrics,
		Log:       "a fake log file\ndate: " + time.Now().UTC().Format(time.ANSIC) + "\n",
	}, nil
}

func (b *Backend) Cancel(_ context.Context, _ *store.TestJob) error {
	return nil
}

func (b *Backend) JobURL(job *store.TestJob) (string, error) {
	return "https://example.com/job/" + job.ExternalID(), nil
}

// Listen scans the backend's submitted jobs and schedules a fetch for
// each one it has not seen yet.
func (b *Backend) Listen(ctx context.Context) error {
	var maxID uint

	b.log.Info("Listening")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.ListenInterval()):
		}

		jobs, err := b.env.Store.ListPendingTestJobs(ctx, b.data.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		for _, job := range jobs {
			if job.ID <= maxID {
				continue
			}

			if err := ci.EnqueueFetch(ctx, b.env.Queue, job.ID); err != nil {
				return err
			}

			maxID = job.ID
		}
	}
}

// CheckJobDefinition accepts any YAML document.
func (b *Backend) CheckJobDefinition(definition string) error {
	var doc any

	return yaml.Unmarshal([]byte(definition), &doc)
}

func (b *Backend) Settings() map[string]any {
	return b.settings
}
