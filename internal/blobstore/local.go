package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/attentia/gazestore/internal/platform/ctxutil"
	"github.com/attentia/gazestore/internal/platform/logger"
)

// Local stores images as flat files under a root directory, the canonical
// deployment layout (<root>/gaze-<ms>-<rand>.png served as /uploads/gaze/...).
type Local struct {
	log  *logger.Logger
	root string
}

func NewLocal(log *logger.Logger, root string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("blobstore root required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blobstore root: %w", err)
	}
	return &Local{log: log.With("service", "BlobStore"), root: root}, nil
}

func (s *Local) Root() string { return s.root }

func (s *Local) Write(ctx context.Context, name string, data []byte) (string, error) {
	ctx = ctxutil.Default(ctx)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full := filepath.Join(s.root, name)
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob %q: %w", name, err)
	}
	return PathForName(name), nil
}

func (s *Local) Delete(ctx context.Context, name string) error {
	ctx = ctxutil.Default(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.root, name))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete blob %q: %w", name, err)
	}
	return nil
}

func (s *Local) Exists(ctx context.Context, name string) (bool, error) {
	ctx = ctxutil.Default(ctx)
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(s.root, name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Local) Stat(ctx context.Context, name string) (*Blob, error) {
	ctx = ctxutil.Default(ctx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(filepath.Join(s.root, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b := blobFromInfo(name, info)
	return &b, nil
}

func (s *Local) List(ctx context.Context) ([]Blob, error) {
	ctx = ctxutil.Default(ctx)
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list blobstore root: %w", err)
	}
	blobs := make([]Blob, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			s.log.Warn("blob_stat_failed", "name", e.Name(), "error", err)
			continue
		}
		blobs = append(blobs, blobFromInfo(e.Name(), info))
	}
	return blobs, nil
}

func blobFromInfo(name string, info fs.FileInfo) Blob {
	b := Blob{
		Name:    name,
		Path:    PathForName(name),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if ts, ok := ParseNameTimestamp(name); ok {
		b.Timestamp = ts
	}
	return b
}
