// Package storage exposes durable byte handles for uploaded spreadsheets.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/angelmondragon/propwatch-backend/pkg/config"
	"github.com/angelmondragon/propwatch-backend/pkg/logger"
	"github.com/angelmondragon/propwatch-backend/pkg/storage/gcs"
)

// ErrNotFound is returned by Open when the handle points at nothing.
var ErrNotFound = errors.New("blob not found")

// BlobStore writes blobs and reopens them by handle. Handles are opaque
// strings safe to persist (e.g. "gs://bucket/uploads/x.csv").
type BlobStore interface {
	Put(ctx context.Context, name, contentType string, body io.Reader) (string, error)
	Open(ctx context.Context, handle string) (io.ReadCloser, error)
}

type gcsObjects interface {
	PutObject(ctx context.Context, bucket, object, contentType string, body io.Reader) error
	OpenObject(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	DefaultBucket() string
}

// GCSStore stores blobs in a GCS bucket.
type GCSStore struct {
	client gcsObjects
}

func NewGCSStore(client gcsObjects) (*GCSStore, error) {
	if client == nil {
		return nil, errors.New("gcs client required")
	}
	return &GCSStore{client: client}, nil
}

func (s *GCSStore) Put(ctx context.Context, name, contentType string, body io.Reader) (string, error) {
	bucket := s.client.DefaultBucket()
	if err := s.client.PutObject(ctx, bucket, name, contentType, body); err != nil {
		return "", err
	}
	return fmt.Sprintf("gs://%s/%s", bucket, name), nil
}

func (s *GCSStore) Open(ctx context.Context, handle string) (io.ReadCloser, error) {
	rest, ok := strings.CutPrefix(handle, "gs://")
	if !ok {
		return nil, fmt.Errorf("not a gcs handle: %q", handle)
	}
	bucket, object, ok := strings.Cut(rest, "/")
	if !ok || object == "" {
		return nil, fmt.Errorf("malformed gcs handle: %q", handle)
	}
	rc, err := s.client.OpenObject(ctx, bucket, object)
	if errors.Is(err, gcs.ErrObjectNotFound) {
		return nil, ErrNotFound
	}
	return rc, err
}

// LocalStore keeps blobs on disk; used for development and tests.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, errors.New("local storage root required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) Put(_ context.Context, name, _ string, body io.Reader) (string, error) {
	clean := filepath.Clean("/" + name)
	full := filepath.Join(s.root, clean)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(full)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return "file://" + strings.TrimPrefix(clean, "/"), nil
}

func (s *LocalStore) Open(_ context.Context, handle string) (io.ReadCloser, error) {
	rel, ok := strings.CutPrefix(handle, "file://")
	if !ok {
		return nil, fmt.Errorf("not a local handle: %q", handle)
	}
	f, err := os.Open(filepath.Join(s.root, filepath.Clean("/"+rel)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

const (
	BackendGCS   = "gcs"
	BackendLocal = "local"
)

// FromConfig builds the configured backend. The GCS client is returned so
// callers can probe it; it is nil for the local backend.
func FromConfig(ctx context.Context, cfg *config.Config, logg *logger.Logger) (BlobStore, *gcs.Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Backend)) {
	case BackendLocal:
		store, err := NewLocalStore(cfg.Storage.LocalDir)
		return store, nil, err
	case BackendGCS, "":
		client, err := gcs.NewClient(ctx, cfg.GCS, cfg.GCP, logg)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs client: %w", err)
		}
		store, err := NewGCSStore(client)
		if err != nil {
			return nil, nil, err
		}
		return store, client, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

var (
	_ BlobStore  = (*GCSStore)(nil)
	_ BlobStore  = (*LocalStore)(nil)
	_ gcsObjects = (*gcs.Client)(nil)
)
