package eventlog

import (
	"context"
	"sort"
	"sync"

	"github.com/alfredjeanlab/switchboard/internal/model"
)

// Memory is a process-local Log built from one ring buffer per resource.
type Memory struct {
	mu    sync.Mutex
	opts  Options
	rings map[string]*ring
}

var _ Log = (*Memory)(nil)

// ring holds the newest envelopes of one resource. floor is the highest
// sequence ever evicted from it.
type ring struct {
	buf   []*model.Envelope
	start int // index of the oldest entry
	n     int
	floor int64
}

func NewMemory(opts Options) *Memory {
	opts.norm()
	return &Memory{opts: opts, rings: make(map[string]*ring)}
}

func (r *ring) at(i int) *model.Envelope {
	return r.buf[(r.start+i)%len(r.buf)]
}

func (r *ring) push(env *model.Envelope) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = env
		r.n++
		return
	}
	old := r.buf[r.start]
	r.floor = max(r.floor, old.Sequence)
	r.buf[r.start] = env
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) popOldest() {
	old := r.buf[r.start]
	r.floor = max(r.floor, old.Sequence)
	r.buf[r.start] = nil
	r.start = (r.start + 1) % len(r.buf)
	r.n--
}

func (m *Memory) expire(r *ring) {
	cutoff := m.opts.cutoff()
	if cutoff.IsZero() {
		return
	}
	for r.n > 0 && r.at(0).Timestamp.Before(cutoff) {
		r.popOldest()
	}
}

func (m *Memory) Append(_ context.Context, env *model.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rings[env.ResourceID]
	if !ok {
		r = &ring{buf: make([]*model.Envelope, m.opts.Capacity)}
		m.rings[env.ResourceID] = r
	}
	r.push(env)
	m.expire(r)
	return nil
}

func (m *Memory) After(_ context.Context, resourceID string, afterSeq int64, limit int) (*model.Page, error) {
	limit = ClampLimit(limit)
	page := &model.Page{ResourceID: resourceID, Events: []*model.Envelope{}}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rings[resourceID]
	if !ok {
		return page, nil
	}
	m.expire(r)
	page.Truncated = afterSeq < r.floor

	// Appends from different nodes can land out of sequence order.
	var found []*model.Envelope
	for i := 0; i < r.n; i++ {
		if env := r.at(i); env.Sequence > afterSeq {
			found = append(found, env)
		}
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].Sequence < found[j].Sequence })
	if len(found) > limit {
		found = found[:limit]
		page.HasMore = true
	}
	page.Events = append(page.Events, found...)
	return page, nil
}

func (m *Memory) Resources(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rings))
	for id, r := range m.rings {
		m.expire(r)
		if r.n > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}
