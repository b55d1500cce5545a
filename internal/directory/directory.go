// Package directory answers "what does this user belong to".
//
// Membership is owned by the application's relational store; the gateway
// only reads it to compute subscription sets and to check that a user may
// act on a resource.
package directory

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/alfredjeanlab/switchboard/internal/model"
)

// ErrForbidden is returned when a user acts on a resource outside their
// membership.
var ErrForbidden = errors.New("forbidden")

// Membership lists the ids (without kind prefix) a user belongs to.
type Membership struct {
	UserID   string
	Servers  []string
	Channels []string // channels of every server the user belongs to
	DMs      []string
}

// Resources returns the user's subscription set: every server, channel and
// DM resource plus the user's own resource. Sorted, no duplicates.
func (m Membership) Resources() []string {
	out := make([]string, 0, len(m.Servers)+len(m.Channels)+len(m.DMs)+1)
	for _, id := range m.Servers {
		out = append(out, model.ServerResource(id))
	}
	for _, id := range m.Channels {
		out = append(out, model.ChannelResource(id))
	}
	for _, id := range m.DMs {
		out = append(out, model.DMResource(id))
	}
	if m.UserID != "" {
		out = append(out, model.UserResource(m.UserID))
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Directory looks up memberships.
type Directory interface {
	Membership(ctx context.Context, userID string) (Membership, error)
}

// Static is an in-memory Directory for single-node development and tests.
// Unknown users belong to nothing.
type Static struct {
	mu    sync.RWMutex
	users map[string]Membership
}

var _ Directory = (*Static)(nil)

func NewStatic() *Static {
	return &Static{users: make(map[string]Membership)}
}

// Set replaces the membership for m.UserID.
func (s *Static) Set(m Membership) {
	m.Servers = slices.Clone(m.Servers)
	m.Channels = slices.Clone(m.Channels)
	m.DMs = slices.Clone(m.DMs)
	s.mu.Lock()
	s.users[m.UserID] = m
	s.mu.Unlock()
}

func (s *Static) Membership(_ context.Context, userID string) (Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.users[userID]
	if !ok {
		return Membership{UserID: userID}, nil
	}
	return m, nil
}
