package plugins

import (
	"context"

	"github.com/ethpandaops/squad/pkg/store"
)

// Example is a no-op plugin, useful to check plugin wiring.
type Example struct{}

var _ TestRunPostProcessor = (*Example)(nil)

func (*Example) Name() string { return "example" }

func (*Example) PostProcessTestRun(context.Context, Host, *store.Project, *store.TestRun) error {
	return nil
}
