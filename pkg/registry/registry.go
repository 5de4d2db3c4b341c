// Package registry persists the natural-key to surrogate-key mapping that
// keeps dimension keys stable across runs.
package registry

import (
	"context"
	"sync"
)

// Registry assigns surrogate keys. Assign returns the existing key for a
// natural key that has been seen before; otherwise it allocates the next
// unused key and persists the mapping before returning it. Allocation is
// serialized: at most one allocation ever happens per natural key.
type Registry interface {
	Assign(ctx context.Context, naturalKey string) (int64, error)
	// Snapshot returns the full persisted mapping.
	Snapshot(ctx context.Context) (map[string]int64, error)
	Close() error
}

// Memory is an in-process Registry. It honors the same allocation contract
// but persists nothing; it exists for tests and dry runs.
type Memory struct {
	mu   sync.Mutex
	keys map[string]int64
	next int64
}

func NewMemory() *Memory {
	return &Memory{keys: make(map[string]int64), next: 1}
}

func (m *Memory) Assign(ctx context.Context, naturalKey string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key, ok := m.keys[naturalKey]; ok {
		return key, nil
	}
	key := m.next
	m.next++
	m.keys[naturalKey] = key
	return key, nil
}

func (m *Memory) Snapshot(ctx context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.keys))
	for k, v := range m.keys {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}
