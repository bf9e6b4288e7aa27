package storage

import (
	"context"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/squad/pkg/config"
)

// Entity types used as the first key component.
const (
	EntityTestRun    = "testrun"
	EntityAttachment = "attachment"
)

// Well-known test run object names.
const (
	TestsFile    = "tests.json"
	MetricsFile  = "metrics.json"
	MetadataFile = "metadata.json"
	LogFile      = "log"
)

// ObjectStore holds the large payloads of test runs and attachments.
type ObjectStore interface {
	// Put stores data under key, replacing any previous object.
	Put(ctx context.Context, key string, data []byte) error

	// Get reads the object at key.
	// Returns (nil, nil) when the object does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object at key. Missing objects are ignored.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every object whose key starts with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}

// Key builds "<entity_type>/<entity_id>/<filename>".
func Key(entityType string, entityID uint, filename string) string {
	return path.Join(entityType, strconv.FormatUint(uint64(entityID), 10), path.Base(filename))
}

// Prefix builds "<entity_type>/<entity_id>/".
func Prefix(entityType string, entityID uint) string {
	return entityType + "/" + strconv.FormatUint(uint64(entityID), 10) + "/"
}

// New returns the object store enabled in cfg.
func New(log logrus.FieldLogger, cfg *config.StorageConfig) (ObjectStore, error) {
	switch {
	case cfg.S3 != nil && cfg.S3.Enabled:
		return NewS3Store(log, cfg.S3), nil
	case cfg.Local != nil && cfg.Local.Enabled:
		return NewLocalStore(log, cfg.Local), nil
	default:
		return nil, fmt.Errorf("no storage backend enabled")
	}
}

// DetectContentType returns a MIME type based on file extension.
func DetectContentType(name string) string {
	ext := filepath.Ext(name)
	if ext == "" {
		return "application/octet-stream"
	}

	ct := mime.TypeByExtension(ext)
	if ct == "" {
		return "application/octet-stream"
	}

	return ct
}

// cleanKey rejects keys escaping the store root.
func cleanKey(key string) (string, error) {
	cleaned := path.Clean("/" + key)[1:]
	if cleaned == "" || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("invalid object key %q", key)
	}

	return cleaned, nil
}
