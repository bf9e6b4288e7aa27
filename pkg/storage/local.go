package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/squad/pkg/config"
	"github.com/ethpandaops/squad/pkg/fsutil"
)

// Compile-time interface check.
var _ ObjectStore = (*localStore)(nil)

type localStore struct {
	log   logrus.FieldLogger
	dir   string
	owner *fsutil.Owner
}

// NewLocalStore creates an ObjectStore below a local directory. An
// invalid owner is logged and ignored; config validation rejects it first.
func NewLocalStore(log logrus.FieldLogger, cfg *config.LocalStorageConfig) ObjectStore {
	log = log.WithField("component", "local-storage")

	owner, err := fsutil.ParseOwner(cfg.Owner)
	if err != nil {
		log.WithError(err).Warn("Ignoring storage owner")
	}

	return &localStore{
		log:   log,
		dir:   cfg.Directory,
		owner: owner,
	}
}

func (s *localStore) path(key string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}

	return filepath.Join(s.dir, filepath.FromSlash(cleaned)), nil
}

// Put writes the object atomically through a temporary file.
func (s *localStore) Put(_ context.Context, key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	if err := fsutil.MkdirAll(filepath.Dir(p), 0o755, s.owner); err != nil {
		return fmt.Errorf("creating directory for %q: %w", key, err)
	}

	tmp := p + ".tmp"
	if err := fsutil.WriteFile(tmp, data, 0o644, s.owner); err != nil {
		return fmt.Errorf("writing %q: %w", key, err)
	}

	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("renaming %q: %w", key, err)
	}

	s.log.WithField("key", key).Debug("Stored object")

	return nil
}

func (s *localStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p) //nolint:gosec // keys are cleaned
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading %q: %w", key, err)
	}

	return data, nil
}

func (s *localStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting %q: %w", key, err)
	}

	return nil
}

func (s *localStore) DeletePrefix(_ context.Context, prefix string) error {
	p, err := s.path(prefix)
	if err != nil {
		return err
	}

	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("deleting prefix %q: %w", prefix, err)
	}

	return nil
}
