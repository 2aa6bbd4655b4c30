package store

import (
	"context"
	"sync"
)

// MemoryBackend keeps documents in process memory. It is used by tests and by
// dry runs that must not leave state behind.
type MemoryBackend struct {
	mu   sync.Mutex
	docs map[string]map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[string]map[string][]byte)}
}

// Load implements Backend.
func (m *MemoryBackend) Load(_ context.Context, collection string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]byte, len(m.docs[collection]))
	for id, doc := range m.docs[collection] {
		out[id] = append([]byte(nil), doc...)
	}
	return out, nil
}

// Put implements Backend.
func (m *MemoryBackend) Put(_ context.Context, collection, id string, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string][]byte)
	}
	m.docs[collection][id] = append([]byte(nil), doc...)
	return nil
}

// Delete implements Backend.
func (m *MemoryBackend) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs[collection], id)
	return nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error { return nil }

// Ping implements Backend.
func (m *MemoryBackend) Ping(context.Context) error { return nil }
