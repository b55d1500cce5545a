// Package events fans envelopes out to live subscribers of a resource.
//
// Fanout carries only what is happening now; anything a subscriber misses
// is recovered from the event log.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/alfredjeanlab/switchboard/internal/model"
)

// subscriberBuffer is how many envelopes may queue for one in-process
// subscriber before new ones are dropped.
const subscriberBuffer = 256

// ErrClosed is returned after Close.
var ErrClosed = errors.New("fanout closed")

// Handler receives envelopes for one subscription, one at a time and in
// publish order. It must not block for long.
type Handler func(*model.Envelope)

// Fanout is the live pub/sub layer keyed by resource ID.
type Fanout interface {
	Publish(ctx context.Context, env *model.Envelope) error
	// Subscribe registers h for resourceID. The returned cancel is
	// idempotent and safe to call from inside h; a delivery already in
	// flight may still complete after it returns.
	Subscribe(resourceID string, h Handler) (cancel func(), err error)
	Close() error
}

// Hub is the in-process Fanout used by single-node deployments and tests.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*hubSub]struct{}
	closed bool
}

var _ Fanout = (*Hub)(nil)

type hubSub struct {
	resourceID string
	ch         chan *model.Envelope
	done       chan struct{}
	once       sync.Once
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*hubSub]struct{})}
}

func (h *Hub) Publish(_ context.Context, env *model.Envelope) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	for s := range h.subs[env.ResourceID] {
		select {
		case s.ch <- env:
		default:
			slog.Warn("fanout subscriber full, dropping envelope",
				"resource", env.ResourceID, "seq", env.Sequence, "type", env.Type)
		}
	}
	return nil
}

func (h *Hub) Subscribe(resourceID string, fn Handler) (func(), error) {
	s := &hubSub{
		resourceID: resourceID,
		ch:         make(chan *model.Envelope, subscriberBuffer),
		done:       make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	set, ok := h.subs[resourceID]
	if !ok {
		set = make(map[*hubSub]struct{})
		h.subs[resourceID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	go s.run(fn)
	return func() { h.remove(s) }, nil
}

func (s *hubSub) run(fn Handler) {
	for {
		select {
		case <-s.done:
			return
		case env := <-s.ch:
			fn(env)
		}
	}
}

func (h *Hub) remove(s *hubSub) {
	s.once.Do(func() {
		h.mu.Lock()
		if set, ok := h.subs[s.resourceID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, s.resourceID)
			}
		}
		h.mu.Unlock()
		close(s.done)
	})
}

// Subscribers reports how many subscriptions resourceID has.
func (h *Hub) Subscribers(resourceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[resourceID])
}

func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var all []*hubSub
	for _, set := range h.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	h.mu.Unlock()

	for _, s := range all {
		h.remove(s)
	}
	return nil
}
