package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/angelmondragon/propwatch-backend/pkg/config"
	"github.com/angelmondragon/propwatch-backend/pkg/storage/gcs"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()

	handle, err := store.Put(ctx, "uploads/../escape/a.csv", "text/csv", strings.NewReader("x,y\n"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if handle != "file://escape/a.csv" {
		t.Fatalf("path traversal should be collapsed inside root, got %s", handle)
	}

	rc, err := store.Open(ctx, handle)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	if string(b) != "x,y\n" {
		t.Fatalf("unexpected content %q", b)
	}

	if _, err := store.Open(ctx, "file://nope.csv"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.Open(ctx, "gs://b/o"); err == nil {
		t.Fatalf("expected foreign handle to be rejected")
	}
}

type fakeObjects struct {
	objects map[string][]byte
}

func (f *fakeObjects) PutObject(_ context.Context, bucket, object, _ string, body io.Reader) error {
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.objects[bucket+"/"+object] = b
	return nil
}

func (f *fakeObjects) OpenObject(_ context.Context, bucket, object string) (io.ReadCloser, error) {
	b, ok := f.objects[bucket+"/"+object]
	if !ok {
		return nil, gcs.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (f *fakeObjects) DefaultBucket() string { return "bucket" }

func TestGCSStoreHandles(t *testing.T) {
	objects := &fakeObjects{objects: map[string][]byte{}}
	store, err := NewGCSStore(objects)
	if err != nil {
		t.Fatalf("NewGCSStore: %v", err)
	}
	ctx := context.Background()

	handle, err := store.Put(ctx, "uploads/a.csv", "text/csv", strings.NewReader("data"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if handle != "gs://bucket/uploads/a.csv" {
		t.Fatalf("unexpected handle %s", handle)
	}
	rc, err := store.Open(ctx, handle)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = rc.Close()

	if _, err := store.Open(ctx, "gs://bucket/missing.csv"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.Open(ctx, "gs://bucket"); err == nil {
		t.Fatalf("expected malformed handle error")
	}
}

func TestFromConfigSelectsBackend(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{Backend: "Local", LocalDir: t.TempDir()}}
	store, client, err := FromConfig(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if _, ok := store.(*LocalStore); !ok || client != nil {
		t.Fatalf("expected local store without gcs client, got %T %v", store, client)
	}

	cfg.Storage.Backend = "s3"
	if _, _, err := FromConfig(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected unknown backend to fail")
	}
}
