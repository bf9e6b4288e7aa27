// Package null implements a CI backend that supports nothing. Backends
// of this type only hold settings.
package null

import (
	"context"

	"github.com/ethpandaops/squad/pkg/ci"
	"github.com/ethpandaops/squad/pkg/store"
)

// Implementation is the implementation type of null backends.
const Implementation = "null"

// Backend is the null adapter.
type Backend struct {
	settings map[string]any
}

// Ensure interface compliance.
var _ ci.Adapter = (*Backend)(nil)

// New creates the null adapter of a backend.
func New(backend *store.Backend, _ ci.Env) (ci.Adapter, error) {
	settings, err := store.ParseBackendSettings(backend.BackendSettings)
	if err != nil {
		return nil, err
	}

	return &Backend{settings: settings}, nil
}

// Register adds the null implementation to r.
func Register(r ci.Registry) {
	r.Register(Implementation, New)
}

func (b *Backend) Submit(context.Context, *store.TestJob) ([]string, error) {
	return nil, ci.ErrNotImplemented
}

func (b *Backend) Resubmit(context.Context, *store.TestJob) (string, error) {
	return "", ci.ErrNotImplemented
}

func (b *Backend) Fetch(context.Context, *store.TestJob) (*ci.FetchResult, error) {
	return nil, ci.ErrNotImplemented
}

func (b *Backend) Cancel(context.Context, *store.TestJob) error {
	return ci.ErrNotImplemented
}

func (b *Backend) JobURL(*store.TestJob) (string, error) {
	return "", ci.ErrNotImplemented
}

func (b *Backend) Listen(context.Context) error {
	return ci.ErrNotImplemented
}

func (b *Backend) CheckJobDefinition(string) error {
	return ci.ErrNotImplemented
}

func (b *Backend) Settings() map[string]any {
	return b.settings
}
