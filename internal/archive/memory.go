package archive

import (
	"context"
	"sync"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/core"
)

// MemoryStore is a process-local write-once archive.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ core.ArchiveStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Exists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[id]
	return ok, nil
}

func (m *MemoryStore) Write(_ context.Context, id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[id]; ok {
		return core.ErrAlreadyExists
	}
	m.data[id] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) Read(_ context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *MemoryStore) Close() error { return nil }
