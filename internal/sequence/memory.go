package sequence

import (
	"context"
	"sync"
)

// Memory is a process-local Store. Only suitable for a single gateway process.
type Memory struct {
	mu       sync.Mutex
	counters map[string]int64
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{counters: make(map[string]int64)}
}

func (m *Memory) Next(_ context.Context, resourceID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[resourceID]++
	return m.counters[resourceID], nil
}

func (m *Memory) Current(_ context.Context, resourceID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[resourceID], nil
}

func (m *Memory) CurrentMany(_ context.Context, resourceIDs []string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(resourceIDs))
	for _, id := range resourceIDs {
		out[id] = m.counters[id]
	}
	return out, nil
}
