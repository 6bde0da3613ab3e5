package storage

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, s Storage, p string) string {
	t.Helper()
	rc, err := s.Read(context.Background(), p)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func paths(objs []ObjectInfo) []string {
	out := make([]string, len(objs))
	for i, o := range objs {
		out[i] = o.Path
	}
	return out
}

func exerciseStorage(t *testing.T, s Storage) {
	ctx := context.Background()

	t.Run("write_then_read", func(t *testing.T) {
		require.NoError(t, s.Write(ctx, "tbl/_delta_log/00000000000000000000.json", strings.NewReader("zero\n")))
		assert.Equal(t, "zero\n", readAll(t, s, "tbl/_delta_log/00000000000000000000.json"))
	})

	t.Run("overwrite", func(t *testing.T) {
		require.NoError(t, s.Write(ctx, "tbl/_delta_log/00000000000000000001.json", strings.NewReader("first")))
		require.NoError(t, s.Write(ctx, "tbl/_delta_log/00000000000000000001.json", strings.NewReader("second")))
		assert.Equal(t, "second", readAll(t, s, "tbl/_delta_log/00000000000000000001.json"))
	})

	t.Run("missing_object", func(t *testing.T) {
		_, err := s.Read(ctx, "tbl/_delta_log/nope.json")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list_sorted_with_sizes", func(t *testing.T) {
		require.NoError(t, s.Write(ctx, "tbl/data/part-0.parquet", strings.NewReader("data")))
		require.NoError(t, s.Write(ctx, "other/_delta_log/00000000000000000000.json", strings.NewReader("x")))

		objs, err := s.List(ctx, "tbl/_delta_log/")
		require.NoError(t, err)
		assert.Equal(t, []string{
			"tbl/_delta_log/00000000000000000000.json",
			"tbl/_delta_log/00000000000000000001.json",
		}, paths(objs))
		assert.Equal(t, int64(5), objs[0].Size)
		assert.Equal(t, int64(6), objs[1].Size)
		assert.False(t, objs[0].ModTime.IsZero())
	})

	t.Run("list_missing_prefix", func(t *testing.T) {
		objs, err := s.List(ctx, "absent/_delta_log/")
		require.NoError(t, err)
		assert.Empty(t, objs)
	})
}

func TestLocalStorage(t *testing.T) {
	exerciseStorage(t, NewLocalStorage(t.TempDir()))
}

func TestMemoryStorage(t *testing.T) {
	m := NewMemoryStorage()
	exerciseStorage(t, m)

	t.Run("clock_and_delete", func(t *testing.T) {
		ctx := context.Background()
		at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		m.SetClock(func() time.Time { return at })
		require.NoError(t, m.Write(ctx, "clock/a", strings.NewReader("a")))
		objs, err := m.List(ctx, "clock/")
		require.NoError(t, err)
		require.Len(t, objs, 1)
		assert.Equal(t, at, objs[0].ModTime)

		m.Delete("clock/a")
		_, err = m.Read(ctx, "clock/a")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("cancelled_context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := m.List(ctx, "")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestBufferFlush(t *testing.T) {
	m := NewMemoryStorage()
	b := NewBuffer()
	_, err := b.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = b.Write([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), b.Size())

	n, err := b.Flush(context.Background(), m, "out/greeting")
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)
	assert.Equal(t, int64(0), b.Size())
	assert.Equal(t, "hello world", readAll(t, m, "out/greeting"))
}
