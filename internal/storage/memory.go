package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend is a map-backed Backend for tests and single-process
// setups. Two managers may share one instance; all methods are safe for
// concurrent use.
type MemoryBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (b *MemoryBackend) Load(_ context.Context, key Key) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key.Encode()]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (b *MemoryBackend) Save(_ context.Context, key Key, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key.Encode()] = append([]byte(nil), value...)
	return nil
}

func (b *MemoryBackend) Remove(_ context.Context, key Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key.Encode())
	return nil
}

func (b *MemoryBackend) LoadRange(_ context.Context, prefix Key) ([]Entry, error) {
	p := prefix.Encode() + KeySeparator
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Entry
	for k, v := range b.data {
		if strings.HasPrefix(k, p) {
			out = append(out, Entry{Key: Key(strings.Split(k, KeySeparator)), Value: append([]byte(nil), v...)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Encode() < out[j].Key.Encode() })
	return out, nil
}

func (b *MemoryBackend) RemoveRange(_ context.Context, prefix Key) error {
	p := prefix.Encode() + KeySeparator
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.data {
		if strings.HasPrefix(k, p) {
			delete(b.data, k)
		}
	}
	return nil
}

// Len reports the number of stored values. Test helper.
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}
