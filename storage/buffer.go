package storage

import (
	"bytes"
	"context"
	"sync"
)

// Buffer collects an encoded object in memory until it is flushed to a Storage.
// Encoders write into it; Flush uploads the bytes as a single object.
type Buffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Size reports the number of bytes waiting to be flushed.
func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(b.buf.Len())
}

// Flush writes the buffered bytes to path and empties the buffer.
// It returns the number of bytes written.
func (b *Buffer) Flush(ctx context.Context, s Storage, path string) (int64, error) {
	b.mu.Lock()
	data := bytes.Clone(b.buf.Bytes())
	b.buf.Reset()
	b.mu.Unlock()

	if err := s.Write(ctx, path, bytes.NewReader(data)); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}
