package store

import (
	"context"
	"fmt"
	"sync"

	"threadfeed/api/internal/feed"
)

// MemoryKV keeps everything in process memory.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[Namespace]map[string][]byte
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: map[Namespace]map[string][]byte{}}
}

// NewMemory returns an in-memory feed store.
func NewMemory(opts ...LocalOption) *Local {
	return NewLocal(NewMemoryKV(), opts...)
}

func (m *MemoryKV) Get(_ context.Context, ns Namespace, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.data[ns][key]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", ns, key, feed.ErrNotFound)
	}
	return append([]byte(nil), value...), nil
}

func (m *MemoryKV) Put(_ context.Context, ns Namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[ns] == nil {
		m.data[ns] = map[string][]byte{}
	}
	m.data[ns][key] = append([]byte(nil), value...)
	return nil
}

// Delete removes a key. Feeds have no delete primitive; this exists for
// tests that need a gap in a sequence.
func (m *MemoryKV) Delete(ns Namespace, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[ns], key)
}
