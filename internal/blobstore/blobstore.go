package blobstore

import (
	"context"
	"errors"
	"time"
)

// PathPrefix is the store-relative root every well-formed image reference
// starts with. A snapshot imagePath outside this prefix is malformed and
// belongs to the recovery backfill pass.
const PathPrefix = "/uploads/gaze/"

var ErrNotFound = errors.New("blob not found")

// Blob describes one stored image file.
type Blob struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time

	// Timestamp is the capture time embedded in the filename. Zero when the
	// filename does not match the generated pattern (a "foreign" blob).
	Timestamp time.Time
}

// Foreign reports whether the filename carried no parseable capture
// timestamp. Foreign blobs are excluded from recovery matching and reported
// separately.
func (b Blob) Foreign() bool {
	return b.Timestamp.IsZero()
}

// Store is durable storage for snapshot images, addressed by generated
// filename. Writes are content-opaque; consistency with session metadata is
// the commit pipeline's job, not the store's.
type Store interface {
	Write(ctx context.Context, name string, data []byte) (path string, err error)
	Delete(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
	Stat(ctx context.Context, name string) (*Blob, error)
	List(ctx context.Context) ([]Blob, error)
}
