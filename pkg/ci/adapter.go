// Package ci drives test jobs through their CI backends: submission,
// polling, fetching results into ingestion, resubmission and cancelling.
package ci

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/squad/pkg/store"
	"github.com/ethpandaops/squad/pkg/tasks"
)

// ErrNotImplemented is returned by adapters for unsupported operations.
var ErrNotImplemented = errors.New("not implemented")

// ErrUnknownImplementation is returned for backends whose implementation
// type is not registered.
var ErrUnknownImplementation = errors.New("unknown backend implementation")

// FetchResult is the outcome of a finished test job.
type FetchResult struct {
	Status    string
	Completed bool
	Metadata  map[string]any
	// Tests map full test names to a result string or a
	// {"result", "log"} object.
	Tests map[string]any
	// Metrics map full metric names to a number, a list of numbers or a
	// {"value", "unit"} object.
	Metrics map[string]any
	Log     string
}

// Adapter talks to one CI backend.
type Adapter interface {
	// Submit sends the job to the backend and returns the ids it was
	// given. A definition may expand into several backend jobs.
	Submit(ctx context.Context, job *store.TestJob) ([]string, error)

	// Resubmit sends a previously submitted job again and returns the new
	// backend job id.
	Resubmit(ctx context.Context, job *store.TestJob) (string, error)

	// Fetch returns the job's results, or nil while it is still running.
	Fetch(ctx context.Context, job *store.TestJob) (*FetchResult, error)

	// Cancel asks the backend to stop the job.
	Cancel(ctx context.Context, job *store.TestJob) error

	// JobURL links to the job in the backend.
	JobURL(job *store.TestJob) (string, error)

	// Listen streams progress of the backend's jobs until ctx ends.
	Listen(ctx context.Context) error

	// CheckJobDefinition validates a definition before it is submitted.
	CheckJobDefinition(definition string) error

	// Settings returns the parsed backend_settings.
	Settings() map[string]any
}

// Env holds what adapters may need besides their backend row.
type Env struct {
	Log   logrus.FieldLogger
	Store store.Store
	Queue tasks.Queue
}

// Factory creates the adapter of a backend.
type Factory func(backend *store.Backend, env Env) (Adapter, error)

// Registry maps implementation types to adapter factories.
type Registry interface {
	Register(implementation string, factory Factory)
	Get(backend *store.Backend) (Adapter, error)
	List() []string
}

// NewRegistry creates a registry bound to env.
func NewRegistry(env Env) Registry {
	return &registry{
		env:       env,
		factories: make(map[string]Factory, 4),
	}
}

type registry struct {
	mu        sync.RWMutex
	env       Env
	factories map[string]Factory
}

// Ensure interface compliance.
var _ Registry = (*registry)(nil)

// Register adds a factory for the implementation type.
func (r *registry) Register(implementation string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[implementation] = factory
}

// Get creates the adapter of the backend.
func (r *registry) Get(backend *store.Backend) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[backend.ImplementationType]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("backend %q: %w: %s", backend.Name, ErrUnknownImplementation, backend.ImplementationType)
	}

	env := r.env
	if env.Log != nil {
		env.Log = env.Log.WithFields(logrus.Fields{
			"backend":        backend.Name,
			"implementation": backend.ImplementationType,
		})
	}

	return factory(backend, env)
}

// List returns the registered implementation types, sorted.
func (r *registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}

	sort.Strings(types)

	return types
}
