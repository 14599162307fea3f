// Package objectstore stores originals and rendered artifacts in a bucket.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/cuongbtq/vidflow/internal/config"
)

// ErrObjectNotFound is returned by Get and FGet for a missing key
var ErrObjectNotFound = errors.New("object not found")

// Store is a flat key/value blob store bound to one bucket
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// FGet downloads key to a local file path
	FGet(ctx context.Context, key, path string) error
	// FPut uploads a local file
	FPut(ctx context.Context, key, path, contentType string) error
}

// New builds the backend selected by cfg.Backend
func New(ctx context.Context, cfg config.ObjectStoreConfig, logger *slog.Logger) (Store, error) {
	logger.Info("Initializing object store",
		slog.String("backend", cfg.Backend),
		slog.String("bucket", cfg.Bucket),
	)

	switch cfg.Backend {
	case config.BackendMinIO, "":
		return NewMinIO(ctx, cfg.MinIO, cfg.Bucket, logger)
	case config.BackendS3:
		return NewS3(cfg.S3, cfg.Bucket)
	case config.BackendGCS:
		return NewGCS(ctx, cfg.GCS, cfg.Bucket)
	default:
		return nil, fmt.Errorf("unsupported object store backend: %q", cfg.Backend)
	}
}
