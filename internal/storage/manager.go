package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"deltahub/internal/engine"
	"deltahub/internal/entity"
)

// ChunkKind partitions persisted chunks. A snapshot chunk alone
// reconstructs the full state known at save time; incremental chunks are a
// legacy read path applied on top of prior snapshots.
type ChunkKind string

const (
	KindSnapshot    ChunkKind = "snapshot"
	KindIncremental ChunkKind = "incremental"
)

// DefaultNamespace is the leading key part under which all chunks live.
const DefaultNamespace = "chunks"

type chunkDescriptor struct {
	kind ChunkKind
	hash string
	size int
}

type indexEntry struct {
	chunks  []chunkDescriptor
	version []byte
}

type ManagerConfig struct {
	// Namespace overrides DefaultNamespace when set.
	Namespace string
	Logger    *logrus.Logger
}

// Manager persists entities as content-addressed chunks over a Backend and
// garbage-collects chunks superseded by newer snapshots. The in-memory
// chunk index tracks, per entity, the chunk set and version as of the last
// load or save through this manager.
type Manager struct {
	namespace string
	backend   Backend
	engine    engine.Engine
	log       *logrus.Entry

	mu    sync.Mutex
	index map[entity.ID]indexEntry
}

func NewManager(backend Backend, eng engine.Engine, cfg ManagerConfig) *Manager {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Manager{
		namespace: cfg.Namespace,
		backend:   backend,
		engine:    eng,
		log:       cfg.Logger.WithField("component", "storage"),
		index:     make(map[entity.ID]indexEntry),
	}
}

// Load merges every persisted chunk for the entity into its document and
// records the resulting chunk set and version. Returns false, leaving the
// entity untouched, when nothing is stored. Merge order does not matter;
// the engine's merge is commutative and idempotent.
func (m *Manager) Load(ctx context.Context, ent *entity.Entity) (bool, error) {
	id := ent.ID()
	entries, err := m.backend.LoadRange(ctx, Key{m.namespace, id.String()})
	if err != nil {
		return false, fmt.Errorf("storage: load range for %s: %w", id, err)
	}
	if len(entries) == 0 {
		return false, nil
	}

	doc := ent.Doc()
	if doc == nil {
		return false, fmt.Errorf("storage: load into released entity %s", id)
	}

	chunks := make([]chunkDescriptor, 0, len(entries))
	for _, e := range entries {
		desc, err := describeChunk(e)
		if err != nil {
			return false, err
		}
		if err := doc.Merge(e.Value); err != nil {
			return false, fmt.Errorf("storage: merge chunk %s/%s for %s: %w", desc.kind, desc.hash, id, err)
		}
		chunks = append(chunks, desc)
	}

	m.mu.Lock()
	m.index[id] = indexEntry{chunks: chunks, version: doc.Version()}
	m.mu.Unlock()
	return true, nil
}

// Save writes a fresh snapshot chunk and then removes every previously
// recorded chunk. The previous chunk set is captured before any I/O so a
// concurrent Load cannot steer the delete sweep; the new snapshot is
// durably written before anything is deleted; a chunk whose hash equals
// the new snapshot's is never deleted even if it appears in the old set.
// A save with an unchanged version is a no-op.
func (m *Manager) Save(ctx context.Context, ent *entity.Entity) error {
	id := ent.ID()
	doc := ent.Doc()
	if doc == nil {
		return fmt.Errorf("storage: save released entity %s", id)
	}

	m.mu.Lock()
	prev, known := m.index[id]
	prevChunks := append([]chunkDescriptor(nil), prev.chunks...)
	m.mu.Unlock()

	version := doc.Version()
	if known && prev.version != nil {
		rel, err := m.engine.CompareVersions(version, prev.version)
		if err != nil {
			return fmt.Errorf("storage: compare versions for %s: %w", id, err)
		}
		if rel == engine.Equal {
			return nil
		}
	}

	snapshot, err := doc.ExportSnapshot()
	if err != nil {
		return fmt.Errorf("storage: export snapshot for %s: %w", id, err)
	}
	sum := sha256.Sum256(snapshot)
	hash := hex.EncodeToString(sum[:])

	if err := m.backend.Save(ctx, m.chunkKey(id, KindSnapshot, hash), snapshot); err != nil {
		return fmt.Errorf("storage: write snapshot %s for %s: %w", hash, id, err)
	}

	// Old chunks are removed only after the new snapshot is durable. A
	// failed removal leaks a chunk until a later save retries; it never
	// loses data, so it is logged rather than returned.
	for _, c := range prevChunks {
		if c.hash == hash {
			continue
		}
		if err := m.backend.Remove(ctx, m.chunkKey(id, c.kind, c.hash)); err != nil {
			m.log.WithFields(logrus.Fields{"entity": id.String(), "chunk": c.hash}).
				WithError(err).Warn("stale chunk removal failed")
		}
	}

	m.mu.Lock()
	m.index[id] = indexEntry{
		chunks:  []chunkDescriptor{{kind: KindSnapshot, hash: hash, size: len(snapshot)}},
		version: version,
	}
	m.mu.Unlock()
	return nil
}

// Delete removes every chunk for the entity and forgets its index entry.
func (m *Manager) Delete(ctx context.Context, id entity.ID) error {
	if err := m.backend.RemoveRange(ctx, Key{m.namespace, id.String()}); err != nil {
		return fmt.Errorf("storage: delete %s: %w", id, err)
	}
	m.Unload(id)
	return nil
}

// Unload drops the in-memory index entry without touching stored chunks.
func (m *Manager) Unload(id entity.ID) {
	m.mu.Lock()
	delete(m.index, id)
	m.mu.Unlock()
}

func (m *Manager) chunkKey(id entity.ID, kind ChunkKind, hash string) Key {
	return Key{m.namespace, id.String(), string(kind), hash}
}

func describeChunk(e Entry) (chunkDescriptor, error) {
	if len(e.Key) != 4 {
		return chunkDescriptor{}, fmt.Errorf("storage: malformed chunk key %q", e.Key.Encode())
	}
	kind := ChunkKind(e.Key[2])
	switch kind {
	case KindSnapshot, KindIncremental:
	default:
		return chunkDescriptor{}, fmt.Errorf("storage: unknown chunk kind %q in key %q", kind, e.Key.Encode())
	}
	if strings.TrimSpace(e.Key[3]) == "" {
		return chunkDescriptor{}, fmt.Errorf("storage: empty chunk hash in key %q", e.Key.Encode())
	}
	return chunkDescriptor{kind: kind, hash: e.Key[3], size: len(e.Value)}, nil
}
