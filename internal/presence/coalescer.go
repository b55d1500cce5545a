package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/switchboard/internal/directory"
	"github.com/alfredjeanlab/switchboard/internal/model"
)

// Update is what a user's presence is being set to.
type Update struct {
	Status       string `json:"status"`
	CustomStatus string `json:"custom_status,omitempty"`
}

// Payload is the presence.update envelope payload.
type Payload struct {
	UserID       string `json:"user_id"`
	Status       string `json:"status"`
	CustomStatus string `json:"custom_status,omitempty"`
}

// Coalescer collapses rapid presence changes from one user into a single
// presence.update per server, carrying only the latest Update.
//
// Publishes for one user are serialized, and an update that a newer Notify
// superseded before it got its turn is skipped, so the last Notify is the
// status subscribers end up with.
type Coalescer struct {
	pub      Publisher
	dir      directory.Directory
	window   time.Duration
	schedule Scheduler

	mu      sync.Mutex
	pending map[string]*pendingUpdate
	users   map[string]*userFires
	gen     uint64
	stopped bool
}

// userFires orders one user's publishes.
type userFires struct {
	mu     sync.Mutex // held while publishing
	latest uint64     // generation of the newest Notify; guarded by Coalescer.mu
	refs   int        // fires holding or waiting on mu; guarded by Coalescer.mu
}

type pendingUpdate struct {
	update Update
	gen    uint64
	stop   func() bool
}

// NewCoalescer returns a Coalescer with the given window. A nil schedule
// means AfterFunc.
func NewCoalescer(pub Publisher, dir directory.Directory, window time.Duration, schedule Scheduler) *Coalescer {
	if window <= 0 {
		window = DefaultWindow
	}
	if schedule == nil {
		schedule = AfterFunc
	}
	return &Coalescer{
		pub:      pub,
		dir:      dir,
		window:   window,
		schedule: schedule,
		pending:  make(map[string]*pendingUpdate),
		users:    make(map[string]*userFires),
	}
}

// Notify records u as userID's latest presence. Any pending update for the
// user is superseded. With immediate set (connect and disconnect) u is
// published before Notify returns unless a concurrent Notify overtook it;
// otherwise after the window, unless superseded again.
func (c *Coalescer) Notify(userID string, u Update, immediate bool) {
	if immediate {
		c.Claim(userID, u)()
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	gen := c.supersedeLocked(userID)
	p := &pendingUpdate{update: u, gen: gen}
	p.stop = c.schedule(c.window, func() { c.expire(userID, gen) })
	c.pending[userID] = p
}

// Claim makes u userID's latest presence and returns the function that
// publishes it. Claim does no I/O, so a caller can take its place in the
// user's order while holding its own lock and publish after releasing it.
// The returned function must be called exactly once.
func (c *Coalescer) Claim(userID string, u Update) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return func() {}
	}
	gen := c.supersedeLocked(userID)
	uf := c.users[userID]
	uf.refs++
	return func() { c.fire(userID, uf, gen, u) }
}

// supersedeLocked cancels userID's pending update and hands out the next
// generation.
func (c *Coalescer) supersedeLocked(userID string) uint64 {
	if p, ok := c.pending[userID]; ok {
		p.stop()
		delete(c.pending, userID)
	}
	c.gen++
	c.userLocked(userID).latest = c.gen
	return c.gen
}

func (c *Coalescer) userLocked(userID string) *userFires {
	uf, ok := c.users[userID]
	if !ok {
		uf = &userFires{}
		c.users[userID] = uf
	}
	return uf
}

// expire fires the pending update for userID if it is still generation gen.
// A timer that lost the race with Notify or Stop finds a newer generation
// (or nothing) and does nothing.
func (c *Coalescer) expire(userID string, gen uint64) {
	c.mu.Lock()
	p, ok := c.pending[userID]
	if !ok || p.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.pending, userID)
	uf := c.userLocked(userID)
	uf.refs++
	c.mu.Unlock()
	c.fire(userID, uf, gen, p.update)
}

// fire publishes u once every earlier publish for userID has finished, and
// only if no newer Notify has been made since gen.
func (c *Coalescer) fire(userID string, uf *userFires, gen uint64, u Update) {
	uf.mu.Lock()
	defer c.release(userID, uf)

	c.mu.Lock()
	current := uf.latest == gen
	c.mu.Unlock()
	if !current {
		return
	}
	c.publish(userID, u)
}

func (c *Coalescer) release(userID string, uf *userFires) {
	uf.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	uf.refs--
	if _, waiting := c.pending[userID]; uf.refs == 0 && !waiting && c.users[userID] == uf {
		delete(c.users, userID)
	}
}

func (c *Coalescer) publish(userID string, u Update) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	m, err := c.dir.Membership(ctx, userID)
	if err != nil {
		slog.Warn("presence: membership lookup failed", "user_id", userID, "error", err)
		return
	}
	payload := Payload{UserID: userID, Status: u.Status, CustomStatus: u.CustomStatus}
	for _, serverID := range m.Servers {
		_, err := c.pub.Publish(ctx, model.PublishRequest{
			Type:       model.TypePresenceUpdate,
			ActorID:    userID,
			ResourceID: model.ServerResource(serverID),
			Payload:    payload,
		})
		if err != nil {
			slog.Warn("presence: publish failed",
				"user_id", userID, "resource_id", model.ServerResource(serverID), "error", err)
		}
	}
}

// Pending returns the update waiting to be published for userID.
func (c *Coalescer) Pending(userID string) (Update, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[userID]
	if !ok {
		return Update{}, false
	}
	return p.update, true
}

// Stop cancels every pending update. Later Notify calls are ignored.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for id, p := range c.pending {
		p.stop()
		delete(c.pending, id)
	}
	for id, uf := range c.users {
		if uf.refs == 0 {
			delete(c.users, id)
		}
	}
}
