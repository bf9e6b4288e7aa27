package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/squad/pkg/storage"
	"github.com/ethpandaops/squad/pkg/store"
)

// ImportOptions controls a directory import.
type ImportOptions struct {
	// DryRun parses every test run without writing anything.
	DryRun bool
	// Silent suppresses progress logging.
	Silent bool
}

// Importer loads a directory tree laid out as
// <build>/<environment>/<testrun>/ into a project.
type Importer struct {
	log      logrus.FieldLogger
	store    store.Store
	receiver *Receiver
}

// NewImporter creates an Importer submitting through receiver.
func NewImporter(log logrus.FieldLogger, s store.Store, receiver *Receiver) *Importer {
	return &Importer{
		log:      log.WithField("component", "importer"),
		store:    s,
		receiver: receiver,
	}
}

// Import walks dir and receives every test run found. project has the
// form "<group>/<project>" and is created on the first import. It returns
// the number of test runs imported, or parsed on a dry run.
func (i *Importer) Import(ctx context.Context, project, dir string, opts ImportOptions) (int, error) {
	groupSlug, projectSlug, ok := strings.Cut(project, "/")
	if !ok || groupSlug == "" || projectSlug == "" {
		return 0, fmt.Errorf("project %q must have the form group/project", project)
	}

	log := i.log.WithField("directory", dir)
	if !opts.Silent {
		log.WithField("project", project).Info("Importing project")
	}

	var target *store.Project

	count := 0

	for _, buildDir := range subdirs(dir) {
		version := filepath.Base(buildDir)

		for _, envDir := range subdirs(buildDir) {
			envSlug := filepath.Base(envDir)

			for _, runDir := range subdirs(envDir) {
				sub, err := readTestRunDir(runDir)
				if err != nil {
					return count, err
				}

				if sub == nil {
					log.WithField("testrun", runDir).Warn("Skipping test run without metadata.json")

					continue
				}

				sub.Version = version
				sub.Environment = envSlug

				if !opts.Silent {
					log.WithField("testrun", runDir).Info("Importing test run")
				}

				if opts.DryRun {
					if err := Validate(sub); err != nil {
						return count, fmt.Errorf("test run %s: %w", runDir, err)
					}

					count++

					continue
				}

				if target == nil {
					target, err = i.store.GetOrCreateProject(ctx, groupSlug, projectSlug)
					if err != nil {
						return count, err
					}
				}

				if _, err := i.receiver.Receive(ctx, target, sub, true); err != nil {
					return count, fmt.Errorf("test run %s: %w", runDir, err)
				}

				count++
			}
		}
	}

	return count, nil
}

// subdirs lists the directories directly below dir in name order.
func subdirs(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	dirs := make([]string, 0, len(entries))

	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(dir, e.Name()))
		}
	}

	return dirs
}

// readTestRunDir builds a submission from a test run directory. It returns
// nil when the directory has no metadata.json.
func readTestRunDir(dir string) (*Submission, error) {
	metadata, err := readOptional(filepath.Join(dir, storage.MetadataFile))
	if err != nil {
		return nil, err
	}

	if metadata == nil {
		return nil, nil
	}

	sub := &Submission{Metadata: metadata, Attachments: map[string][]byte{}}

	if sub.Metrics, err = readOptional(filepath.Join(dir, storage.MetricsFile)); err != nil {
		return nil, err
	}

	if sub.Tests, err = readOptional(filepath.Join(dir, storage.TestsFile)); err != nil {
		return nil, err
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}

	modified := info.ModTime().UTC()
	sub.Datetime = &modified

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}

	for _, e := range entries {
		switch name := e.Name(); {
		case e.IsDir():
		case name == storage.MetadataFile, name == storage.MetricsFile, name == storage.TestsFile:
		default:
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				return nil, fmt.Errorf("reading attachment %s: %w", name, err)
			}

			sub.Attachments[name] = data
		}
	}

	return sub, nil
}

func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	return data, nil
}
