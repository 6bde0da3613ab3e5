// Package storage provides the object stores the default engine reads table
// logs from and the checkpoint writer writes to.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Read when the object does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes one listed object. Path is relative to the store root.
type ObjectInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Storage is a flat object store addressed by slash-separated paths.
type Storage interface {
	Write(ctx context.Context, filepath string, data io.Reader) error
	Read(ctx context.Context, filepath string) (io.ReadCloser, error)
	// List returns the objects whose path starts with prefix, sorted by path.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}
