package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStorage keeps objects in memory. It is safe for concurrent use.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string]memObject
	now     func() time.Time
}

type memObject struct {
	data    []byte
	modTime time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: map[string]memObject{}, now: time.Now}
}

// SetClock replaces the clock used for modification times.
func (m *MemoryStorage) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStorage) Write(ctx context.Context, p string, data io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("writing %s: %w", p, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[p] = memObject{data: b, modTime: m.now()}
	return nil
}

func (m *MemoryStorage) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[p]
	if !ok {
		return nil, fmt.Errorf("reading %s: %w", p, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *MemoryStorage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ObjectInfo
	for p, obj := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, ObjectInfo{Path: p, Size: int64(len(obj.data)), ModTime: obj.modTime})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Delete removes an object. Missing objects are ignored.
func (m *MemoryStorage) Delete(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, p)
}
