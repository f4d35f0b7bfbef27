package badgerstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"deltahub/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	key := storage.Key{"chunks", "ent_abc", "snapshot", "h1"}
	require.NoError(t, s.Save(ctx, key, []byte("payload")))

	value, ok, err := s.Load(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), value)

	_, ok, err = s.Load(ctx, storage.Key{"chunks", "ent_abc", "snapshot", "h2"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLoadRangeIsolatesEntities(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Save(ctx, storage.Key{"chunks", "ent_aaa", "snapshot", "h1"}, []byte("a1")))
	require.NoError(t, s.Save(ctx, storage.Key{"chunks", "ent_aaa", "incremental", "h2"}, []byte("a2")))
	require.NoError(t, s.Save(ctx, storage.Key{"chunks", "ent_bbb", "snapshot", "h3"}, []byte("b")))

	entries, err := s.LoadRange(ctx, storage.Key{"chunks", "ent_aaa"})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.NoError(t, s.RemoveRange(ctx, storage.Key{"chunks", "ent_aaa"}))
	entries, err = s.LoadRange(ctx, storage.Key{"chunks", "ent_aaa"})
	require.NoError(t, err)
	require.Empty(t, entries)

	_, ok, err := s.Load(ctx, storage.Key{"chunks", "ent_bbb", "snapshot", "h3"})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReopenKeepsChunks(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	key := storage.Key{"chunks", "ent_abc", "snapshot", "h1"}

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, key, []byte("durable")))
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()
	value, ok, err := s2.Load(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("durable"), value)
}
