package persist

import (
	"context"
	"encoding/json"
	"sync"

	"regwatch/pkg/platform/sentinel"
)

// MemoryBackend keeps values for the lifetime of the process only.
type MemoryBackend struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{values: make(map[string]json.RawMessage)}
}

func (m *MemoryBackend) Get(_ context.Context, ns string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.values[ns]; ok {
		return append(json.RawMessage(nil), v...), nil
	}
	return nil, sentinel.ErrNotFound
}

func (m *MemoryBackend) Set(_ context.Context, ns string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[ns] = append(json.RawMessage(nil), value...)
	return nil
}

func (m *MemoryBackend) Remove(_ context.Context, ns string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, ns)
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
