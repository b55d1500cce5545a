package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/alfredjeanlab/switchboard/internal/model"
)

type memEntry struct {
	s       model.Session
	expires time.Time
}

// Memory is an in-process Store. Expired entries are dropped lazily on Get
// and in bulk by Sweep.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memEntry
}

var _ Store = (*Memory)(nil)

// NewMemory returns a Memory using now as its clock (nil means time.Now).
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, entries: make(map[string]memEntry)}
}

func (m *Memory) Save(_ context.Context, s *model.Session, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cp := *s
	cp.Subscriptions = slices.Clone(s.Subscriptions)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[s.ID] = memEntry{s: cp, expires: m.now().Add(ttl)}
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !m.now().Before(e.expires) {
		delete(m.entries, id)
		return nil, ErrNotFound
	}
	cp := e.s
	cp.Subscriptions = slices.Clone(e.s.Subscriptions)
	return &cp, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

// Sweep drops every expired entry and returns how many were removed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for id, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, id)
			n++
		}
	}
	return n
}

// Len reports how many entries are held, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
