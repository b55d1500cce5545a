package idempotency

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local Registry with an injected clock.
type Memory struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	first map[string]time.Time // key -> first seen
}

var _ Registry = (*Memory)(nil)

func NewMemory(ttl time.Duration, now func() time.Time) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Memory{ttl: ttl, now: now, first: make(map[string]time.Time)}
}

func (m *Memory) Seen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if at, ok := m.first[key]; ok && now.Sub(at) < m.ttl {
		return true, nil
	}
	m.first[key] = now
	return false, nil
}

func (m *Memory) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.first, key)
	m.mu.Unlock()
	return nil
}

// Sweep forgets expired keys and returns how many were dropped.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, at := range m.first {
		if now.Sub(at) >= m.ttl {
			delete(m.first, k)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep()
		}
	}
}
