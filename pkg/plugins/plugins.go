// Package plugins runs optional per-project postprocessors.
package plugins

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/squad/pkg/store"
)

// ErrPluginNotFound is returned for names missing from the registry.
var ErrPluginNotFound = errors.New("plugin not found")

// Plugin is implemented by every plugin. The hooks it supports are
// expressed by also implementing the optional interfaces below.
type Plugin interface {
	Name() string
}

// Host gives plugins access to the data of the test run being processed.
type Host interface {
	// ReadAttachment returns the named attachment of the test run, or nil
	// when it does not exist.
	ReadAttachment(ctx context.Context, run *store.TestRun, filename string) ([]byte, error)

	// AddTests parses a tests payload and appends its tests to the run,
	// returning how many were stored.
	AddTests(ctx context.Context, run *store.TestRun, payload []byte) (int, error)
}

// TestRunPostProcessor runs after a test run's data was parsed and before
// its status is recorded.
type TestRunPostProcessor interface {
	PostProcessTestRun(ctx context.Context, host Host, project *store.Project, run *store.TestRun) error
}

// TestJobPostProcessor runs after a fetched test job was ingested.
type TestJobPostProcessor interface {
	PostProcessTestJob(ctx context.Context, host Host, job *store.TestJob, run *store.TestRun) error
}

// PatchNotifier reports build progress back to a code review system.
type PatchNotifier interface {
	NotifyPatchBuildCreated(ctx context.Context, build *store.Build) error
	NotifyPatchBuildFinished(ctx context.Context, build *store.Build) error
}

// URLProvider links a build to its page in a code review system.
type URLProvider interface {
	GetURL(build *store.Build) string
}

// Registry maps names to plugins. It is filled at process start and
// read-only afterwards.
type Registry struct {
	log     logrus.FieldLogger
	plugins map[string]Plugin
}

// NewRegistry creates a registry holding the given plugins.
func NewRegistry(log logrus.FieldLogger, plugins ...Plugin) *Registry {
	r := &Registry{
		log:     log.WithField("component", "plugins"),
		plugins: make(map[string]Plugin, len(plugins)),
	}

	for _, p := range plugins {
		r.plugins[p.Name()] = p
	}

	return r
}

// Default creates a registry with the built-in plugins.
func Default(log logrus.FieldLogger) *Registry {
	return NewRegistry(log, &Example{}, &TradefedAggregated{})
}

// Get returns the named plugin.
func (r *Registry) Get(name string) (Plugin, error) {
	p, ok := r.plugins[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrPluginNotFound)
	}

	return p, nil
}

// Names returns the registered plugin names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Enabled returns the project's enabled plugins in their configured
// order. Unknown names are skipped.
func (r *Registry) Enabled(project *store.Project) []Plugin {
	enabled := make([]Plugin, 0, len(project.EnabledPlugins))

	for _, name := range project.EnabledPlugins {
		if p, ok := r.plugins[name]; ok {
			enabled = append(enabled, p)
		}
	}

	return enabled
}

// PostProcessTestRun runs every enabled test run postprocessor. Failures
// are logged and never returned.
func (r *Registry) PostProcessTestRun(
	ctx context.Context, host Host, project *store.Project, run *store.TestRun,
) {
	for _, p := range r.Enabled(project) {
		pp, ok := p.(TestRunPostProcessor)
		if !ok {
			continue
		}

		r.guard(p, logrus.Fields{"testrun": run.ID}, func() error {
			return pp.PostProcessTestRun(ctx, host, project, run)
		})
	}
}

// PostProcessTestJob runs every enabled test job postprocessor. Failures
// are logged and never returned.
func (r *Registry) PostProcessTestJob(
	ctx context.Context, host Host, project *store.Project, job *store.TestJob, run *store.TestRun,
) {
	for _, p := range r.Enabled(project) {
		pp, ok := p.(TestJobPostProcessor)
		if !ok {
			continue
		}

		r.guard(p, logrus.Fields{"testjob": job.ID}, func() error {
			return pp.PostProcessTestJob(ctx, host, job, run)
		})
	}
}

// NotifyPatchBuild calls the patch notifier named by the build's patch
// source implementation, if any.
func (r *Registry) NotifyPatchBuild(ctx context.Context, build *store.Build, finished bool) {
	if build.PatchSource == nil {
		return
	}

	p, ok := r.plugins[build.PatchSource.Implementation]
	if !ok {
		r.log.WithField("implementation", build.PatchSource.Implementation).
			Warn("No plugin for patch source")

		return
	}

	notifier, ok := p.(PatchNotifier)
	if !ok {
		return
	}

	r.guard(p, logrus.Fields{"build": build.ID, "finished": finished}, func() error {
		if finished {
			return notifier.NotifyPatchBuildFinished(ctx, build)
		}

		return notifier.NotifyPatchBuildCreated(ctx, build)
	})
}

// guard runs fn, logging any error or panic under the plugin's name.
func (r *Registry) guard(p Plugin, fields logrus.Fields, fn func() error) {
	log := r.log.WithFields(fields).WithField("plugin", p.Name())

	defer func() {
		if rec := recover(); rec != nil {
			log.WithField("panic", rec).Error("Plugin panicked")
		}
	}()

	if err := fn(); err != nil {
		log.WithError(err).Error("Plugin failed")
	}
}
