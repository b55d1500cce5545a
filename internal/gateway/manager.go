// Package gateway is the websocket Connection/Session Manager.
//
// Each physical connection goes through a handshake (hello, then ready with
// the subscription set and its current sequences), keeps itself alive with
// heartbeats, and may resume an earlier session to replay what it missed.
// Delivery to a connection is gap-checked per resource: a connection never
// sees a resource's sequence go backwards, and a skipped sequence is
// backfilled from the event log before the newer envelope is written.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alfredjeanlab/switchboard/internal/auth"
	"github.com/alfredjeanlab/switchboard/internal/directory"
	"github.com/alfredjeanlab/switchboard/internal/events"
	"github.com/alfredjeanlab/switchboard/internal/idempotency"
	"github.com/alfredjeanlab/switchboard/internal/model"
	"github.com/alfredjeanlab/switchboard/internal/presence"
	"github.com/alfredjeanlab/switchboard/internal/session"
)

// EventBus is what the gateway needs from the bus.
type EventBus interface {
	Publish(ctx context.Context, req model.PublishRequest) (*model.Envelope, error)
	Resync(ctx context.Context, resourceID string, afterSeq int64, limit int) (*model.Page, error)
	Retained(ctx context.Context, resourceID string, afterSeq int64, limit int) (*model.Page, error)
	CurrentSequences(ctx context.Context, resourceIDs []string) (map[string]int64, error)
	Subscribe(resourceID string, h events.Handler) (func(), error)
}

// Config tunes connection behavior. Zero values take the defaults below.
type Config struct {
	HeartbeatInterval time.Duration // advertised in hello; default 30s
	SessionTTL        time.Duration // default session.DefaultTTL
	SendBuffer        int           // frames queued per connection; default 256
	ResyncLimit       int           // replay page size per resource on resume; default 200
	LegacyFrames      bool          // also emit flat legacy frames (compat.go)
	Now               func() time.Time
	CheckOrigin       func(*http.Request) bool
}

func (c *Config) norm() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = session.DefaultTTL
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.ResyncLimit <= 0 {
		c.ResyncLimit = 200
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
}

// heartbeatTimeout is how long a connection may stay silent.
func (c *Config) heartbeatTimeout() time.Duration {
	return c.HeartbeatInterval * 3 / 2
}

// Deps are the gateway's collaborators. Nil fields get in-process defaults.
type Deps struct {
	Directory   directory.Directory
	Sessions    session.Store
	Idempotency idempotency.Registry
	Presence    *presence.Coalescer
	Typing      *presence.Typing
	Messages    MessageStore
	Notifier    Notifier
}

// Manager accepts websocket connections and owns their lifecycle.
type Manager struct {
	bus      EventBus
	dir      directory.Directory
	sessions session.Store
	idem     idempotency.Registry
	presence *presence.Coalescer
	typing   *presence.Typing
	messages MessageStore
	notifier Notifier

	cfg      Config
	upgrader websocket.Upgrader
	handlers map[Op]handlerFunc

	mu     sync.Mutex
	conns  map[string]map[*conn]struct{} // user id -> live connections
	closed bool
	wg     sync.WaitGroup
}

func NewManager(bus EventBus, deps Deps, cfg Config) *Manager {
	cfg.norm()
	if deps.Directory == nil {
		deps.Directory = directory.NewStatic()
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewMemory(cfg.Now)
	}
	if deps.Idempotency == nil {
		deps.Idempotency = idempotency.NewMemory(idempotency.DefaultTTL, cfg.Now)
	}
	if deps.Presence == nil {
		deps.Presence = presence.NewCoalescer(bus, deps.Directory, presence.DefaultWindow, nil)
	}
	if deps.Typing == nil {
		deps.Typing = presence.NewTyping(bus, presence.DefaultTypingTimeout, nil)
	}
	if deps.Messages == nil {
		deps.Messages = NewMemoryMessages(cfg.Now)
	}
	if deps.Notifier == nil {
		deps.Notifier = NewMentionNotifier(bus, deps.Directory)
	}
	m := &Manager{
		bus:      bus,
		dir:      deps.Directory,
		sessions: deps.Sessions,
		idem:     deps.Idempotency,
		presence: deps.Presence,
		typing:   deps.Typing,
		messages: deps.Messages,
		notifier: deps.Notifier,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		conns: make(map[string]map[*conn]struct{}),
	}
	m.handlers = m.handlerTable()
	return m
}

// ServeHTTP upgrades an authenticated request and runs the connection until
// it closes. The user must already be on the request context (auth.WithUser).
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Info("gateway: upgrade failed", "user_id", userID, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	c := newConn(m, ws, userID)
	go c.writePump()

	if err := c.establish(ctx); err != nil {
		slog.Warn("gateway: handshake failed", "user_id", userID, "error", err)
		c.sendError("", "handshake failed")
		c.closeWith(websocket.CloseInternalServerErr, "handshake failed")
		c.finish(false)
		return
	}

	if announce := m.register(c); announce != nil {
		announce()
	}
	slog.Info("gateway: connection established", "user_id", userID, "session_id", c.session())

	c.readLoop(ctx)
	c.finish(true)
}

// register adds c. For the user's first connection it returns the online
// announcement, claimed in the same critical section as the count change so
// presence follows the order connections come and go.
func (m *Manager) register(c *conn) (announce func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.conns[c.userID]
	if !ok {
		set = make(map[*conn]struct{})
		m.conns[c.userID] = set
	}
	set[c] = struct{}{}
	if len(set) == 1 {
		return m.presence.Claim(c.userID, presence.Update{Status: presence.StatusOnline})
	}
	return nil
}

// unregister removes c and, for the user's last connection, returns the
// offline announcement.
func (m *Manager) unregister(c *conn) (announce func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.conns[c.userID]
	if !ok {
		return nil
	}
	if _, ok := set[c]; !ok {
		return nil
	}
	delete(set, c)
	if len(set) > 0 {
		return nil
	}
	delete(m.conns, c.userID)
	return m.presence.Claim(c.userID, presenceOffline)
}

// Connections reports how many live connections userID has.
func (m *Manager) Connections(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns[userID])
}

// Users reports how many users have at least one live connection.
func (m *Manager) Users() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Shutdown closes every connection (their sessions are saved for resume on
// another node) and waits for them to finish or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	var all []*conn
	for _, set := range m.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	m.mu.Unlock()

	for _, c := range all {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
