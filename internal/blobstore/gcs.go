package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/attentia/gazestore/internal/platform/ctxutil"
	"github.com/attentia/gazestore/internal/platform/logger"
)

// GCS keeps snapshot images in a Cloud Storage bucket under a fixed object
// prefix. Deployments that outgrow the local disk switch stores without the
// commit or recovery code changing.
type GCS struct {
	log    *logger.Logger
	client *storage.Client
	bucket string
	prefix string
}

func NewGCS(log *logger.Logger) (*GCS, error) {
	bucket := strings.TrimSpace(os.Getenv("GAZE_GCS_BUCKET_NAME"))
	if bucket == "" {
		return nil, fmt.Errorf("missing env var GAZE_GCS_BUCKET_NAME")
	}

	ctx := context.Background()
	client, err := newStorageClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	return &GCS{
		log:    log.With("service", "BlobStore", "backend", "gcs"),
		client: client,
		bucket: bucket,
		prefix: "gaze/",
	}, nil
}

func newStorageClient(ctx context.Context) (*storage.Client, error) {
	if emulator := strings.TrimSpace(os.Getenv("STORAGE_EMULATOR_HOST")); emulator != "" {
		return storage.NewClient(ctx,
			option.WithoutAuthentication(),
			option.WithEndpoint(strings.TrimRight(emulator, "/")+"/storage/v1/"),
		)
	}
	if creds := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON")); creds != "" {
		return storage.NewClient(ctx,
			option.WithCredentialsFile(creds),
			option.WithScopes(storage.ScopeReadWrite),
		)
	}
	return storage.NewClient(ctx, option.WithScopes(storage.ScopeReadWrite))
}

func (s *GCS) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *GCS) object(name string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + name)
}

func (s *GCS) Write(ctx context.Context, name string, data []byte) (string, error) {
	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := s.object(name).NewWriter(ctx)
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write blob %q to gcs: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close gcs writer for %q: %w", name, err)
	}
	return PathForName(name), nil
}

func (s *GCS) Delete(ctx context.Context, name string) error {
	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := s.object(name).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete gcs object %q: %w", name, err)
	}
	return nil
}

func (s *GCS) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.Stat(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *GCS) Stat(ctx context.Context, name string) (*Blob, error) {
	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	attrs, err := s.object(name).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stat gcs object %q: %w", name, err)
	}
	b := blobFromAttrs(name, attrs)
	return &b, nil
}

func (s *GCS) List(ctx context.Context) ([]Blob, error) {
	ctx = ctxutil.Default(ctx)

	var blobs []Blob
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gcs objects: %w", err)
		}
		name := strings.TrimPrefix(attrs.Name, s.prefix)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		blobs = append(blobs, blobFromAttrs(name, attrs))
	}
	return blobs, nil
}

func blobFromAttrs(name string, attrs *storage.ObjectAttrs) Blob {
	b := Blob{
		Name:    name,
		Path:    PathForName(name),
		Size:    attrs.Size,
		ModTime: attrs.Updated,
	}
	if ts, ok := ParseNameTimestamp(name); ok {
		b.Timestamp = ts
	}
	return b
}
