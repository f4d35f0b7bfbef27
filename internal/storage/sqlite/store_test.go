package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"deltahub/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "deltahub.db"))
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

func TestSaveOverwrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	key := storage.Key{"chunks", "ent_abc", "snapshot", "h1"}
	require.NoError(t, s.Save(ctx, key, []byte("v1")))
	require.NoError(t, s.Save(ctx, key, []byte("v2")))

	value, ok, err := s.Load(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), value)
}

func TestRangeOperationsRespectEntityBoundaries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Underscores in entity ids must not act as wildcards in prefix scans.
	require.NoError(t, s.Save(ctx, storage.Key{"chunks", "ent_aaa", "snapshot", "h1"}, []byte("a1")))
	require.NoError(t, s.Save(ctx, storage.Key{"chunks", "ent_aaa", "incremental", "h2"}, []byte("a2")))
	require.NoError(t, s.Save(ctx, storage.Key{"chunks", "entXaaa", "snapshot", "h3"}, []byte("x")))
	require.NoError(t, s.Save(ctx, storage.Key{"chunks", "ent_bbb", "snapshot", "h4"}, []byte("b")))

	entries, err := s.LoadRange(ctx, storage.Key{"chunks", "ent_aaa"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.True(t, strings.HasPrefix(e.Key.Encode(), "chunks/ent_aaa/"))
	}

	require.NoError(t, s.RemoveRange(ctx, storage.Key{"chunks", "ent_aaa"}))
	entries, err = s.LoadRange(ctx, storage.Key{"chunks", "ent_aaa"})
	require.NoError(t, err)
	require.Empty(t, entries)

	_, ok, err := s.Load(ctx, storage.Key{"chunks", "ent_bbb", "snapshot", "h4"})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRemoveMissingKeyIsNoError(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Remove(context.Background(), storage.Key{"chunks", "ent_zzz", "snapshot", "h"}))
}

func TestReopenKeepsChunks(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "deltahub.db")
	key := storage.Key{"chunks", "ent_abc", "snapshot", "h1"}

	s, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, key, []byte("durable")))
	require.NoError(t, s.Close())

	s2, err := NewStore(path)
	require.NoError(t, err)
	defer s2.Close()
	value, ok, err := s2.Load(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("durable"), value)
}

func TestWALModeEnabled(t *testing.T) {
	s := newTestStore(t)
	var mode string
	require.NoError(t, s.db.QueryRow(`PRAGMA journal_mode;`).Scan(&mode))
	require.Equal(t, "wal", strings.ToLower(mode))
}
