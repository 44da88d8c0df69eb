package artifacts

import (
	"context"
	"io"
	"time"

	"github.com/opencontainers/go-digest"
)

type FsObjectMeta struct {
	Name         string
	Size         int64
	IsDir        bool
	LastModified time.Time
}

type BlobContent struct {
	ContentType     string
	ContentLength   int64
	ContentEncoding string
	Digest          digest.Digest
	Content         io.ReadCloser
}

func (s BlobContent) Close() error {
	if s.Content != nil {
		return s.Content.Close()
	}
	return nil
}

func (s BlobContent) Read(p []byte) (int, error) {
	return s.Content.Read(p)
}

// FSProvider stores artifact blobs under slash separated paths.
type FSProvider interface {
	Put(ctx context.Context, path string, content BlobContent) error
	PutLocation(ctx context.Context, path string) (string, error)
	Get(ctx context.Context, path string) (BlobContent, error)
	GetLocation(ctx context.Context, path string) (string, error)
	Remove(ctx context.Context, path string, recursive bool) error
	Exists(ctx context.Context, path string) (bool, error)
	// List returns entries relative to path. Recursive listings contain files only.
	List(ctx context.Context, path string, recursive bool) ([]FsObjectMeta, error)
	Digest(ctx context.Context, path string) (digest.Digest, error)
}
