// Package storage persists job artifacts under a per-job namespace on local
// disk, MinIO/S3 or Google Cloud Storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/shehryarbajwa/claimharvest/internal/config"
)

var (
	ErrNotExist = errors.New("object does not exist")
	ErrExist    = errors.New("object already exists")
)

// FileStore is a flat key/value blob store with slash-separated keys
type FileStore interface {
	Put(ctx context.Context, key string, data []byte) error
	// PutIfAbsent writes only when key is free and fails with ErrExist otherwise.
	PutIfAbsent(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// List returns the keys under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Partitions of a job namespace
const (
	RawDocuments      = "raw-documents"
	StructuredRecords = "structured-records"
	Reports           = "reports"
	MetadataFile      = "job-metadata.json"
)

// Key joins a job id, a partition and a file name into a store key
func Key(jobID string, parts ...string) string {
	return path.Join(append([]string{jobID}, parts...)...)
}

// Base returns the last element of a key
func Base(key string) string {
	return path.Base(key)
}

func cleanKey(key string) (string, error) {
	k := path.Clean(strings.TrimPrefix(key, "/"))
	if k == "." || k == ".." || strings.HasPrefix(k, "../") {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return k, nil
}

// New builds the backend selected by cfg
func New(ctx context.Context, cfg config.StorageConfig) (FileStore, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocal(cfg.LocalRoot)
	case "minio":
		return NewMinio(ctx, cfg.Minio)
	case "gcs":
		return NewGCS(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
