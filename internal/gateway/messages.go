package gateway

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrMessageNotFound is returned by a MessageStore for an unknown id.
var ErrMessageNotFound = errors.New("message not found")

// Message is a chat message in a channel or DM.
type Message struct {
	ID         string     `json:"id"`
	ResourceID string     `json:"resource_id"`
	AuthorID   string     `json:"author_id"`
	Content    string     `json:"content"`
	ReplyTo    string     `json:"reply_to,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	EditedAt   *time.Time `json:"edited_at,omitempty"`
}

// MessageStore is where messages are persisted before they are published.
// Production deployments point this at the application's message table;
// the gateway only needs these four calls.
type MessageStore interface {
	Create(ctx context.Context, m *Message) error
	Get(ctx context.Context, id string) (*Message, error)
	Update(ctx context.Context, m *Message) error
	Delete(ctx context.Context, id string) error
}

// MemoryMessages is an in-process MessageStore.
type MemoryMessages struct {
	now func() time.Time

	mu   sync.RWMutex
	msgs map[string]Message
}

func NewMemoryMessages(now func() time.Time) *MemoryMessages {
	if now == nil {
		now = time.Now
	}
	return &MemoryMessages{now: now, msgs: make(map[string]Message)}
}

func (s *MemoryMessages) Create(_ context.Context, m *Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[m.ID] = *m
	return nil
}

func (s *MemoryMessages) Get(_ context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.msgs[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return &m, nil
}

func (s *MemoryMessages) Update(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.msgs[m.ID]; !ok {
		return ErrMessageNotFound
	}
	s.msgs[m.ID] = *m
	return nil
}

func (s *MemoryMessages) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.msgs[id]; !ok {
		return ErrMessageNotFound
	}
	delete(s.msgs, id)
	return nil
}
