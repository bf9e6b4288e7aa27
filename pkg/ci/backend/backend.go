// Package backend assembles the registry of built-in CI adapters.
package backend

import (
	"github.com/ethpandaops/squad/pkg/ci"
	"github.com/ethpandaops/squad/pkg/ci/backend/fake"
	"github.com/ethpandaops/squad/pkg/ci/backend/null"
)

// NewRegistry creates a registry with every built-in adapter.
func NewRegistry(env ci.Env) ci.Registry {
	r := ci.NewRegistry(env)

	fake.Register(r)
	null.Register(r)

	return r
}
