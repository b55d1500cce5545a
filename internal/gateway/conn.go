package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alfredjeanlab/switchboard/internal/model"
)

const (
	writeWait       = 10 * time.Second
	maxFrameSize    = 64 << 10
	finishTimeout   = 5 * time.Second
	backfillTimeout = 5 * time.Second

	// A gap whose envelopes are not yet in the log is usually another node
	// between reserving a sequence and appending it.
	gapRetries    = 3
	gapRetryDelay = 20 * time.Millisecond
)

// Application close codes.
const (
	CloseHeartbeatTimeout = 4000
	CloseSlowConsumer     = 4001
)

// conn is one physical websocket connection.
//
// Envelopes arrive on fanout goroutines (one per subscribed resource) and
// are written by writePump. While gated (handshake or resume in progress)
// arriving envelopes are held and released in order once the ready or
// resumed frame is queued, so a client always sees its baseline before
// anything newer.
type conn struct {
	m         *Manager
	ws        *websocket.Conn
	userID    string
	createdAt time.Time

	send      chan []byte
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	closeMsg  []byte
	heartbeat *time.Timer

	mu        sync.Mutex
	sessionID string
	subs      map[string]func() // resource -> fanout cancel
	cursor    map[string]int64  // resource -> highest sequence sent or baselined
	gated     bool
	held      []*model.Envelope
	voice     *VoiceState
}

func newConn(m *Manager, ws *websocket.Conn, userID string) *conn {
	c := &conn{
		m:         m,
		ws:        ws,
		userID:    userID,
		createdAt: m.cfg.Now().UTC(),
		send:      make(chan []byte, m.cfg.SendBuffer),
		done:      make(chan struct{}),
		subs:      make(map[string]func()),
		cursor:    make(map[string]int64),
	}
	c.heartbeat = time.AfterFunc(m.cfg.heartbeatTimeout(), c.heartbeatExpired)
	c.heartbeat.Stop()
	return c
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			// Flush what is already queued (a final error frame, say),
			// bounded by one write deadline.
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			for {
				select {
				case msg := <-c.send:
					if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			c.ws.WriteControl(websocket.CloseMessage, c.closeMsg, time.Now().Add(writeWait))
			return
		}
	}
}

func (c *conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxFrameSize)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed.Load() && websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.Info("gateway: read failed", "user_id", c.userID, "session_id", c.session(), "error", err)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Op == "" {
			c.sendError("", "malformed frame")
			continue
		}
		h, ok := c.m.handlers[f.Op]
		if !ok {
			c.sendError(f.Op, "unknown op")
			continue
		}
		if err := c.dispatch(ctx, f.Op, h, f.D); err != nil {
			c.handlerFailed(f.Op, err)
		}
	}
}

// closeWith starts closing the connection. Safe from any goroutine,
// including with c.mu held.
func (c *conn) closeWith(code int, text string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeMsg = websocket.FormatCloseMessage(code, text)
		c.heartbeat.Stop()
		close(c.done)
	})
}

func (c *conn) heartbeatExpired() {
	slog.Info("gateway: heartbeat timeout", "user_id", c.userID, "session_id", c.session())
	c.closeWith(CloseHeartbeatTimeout, "heartbeat timeout")
}

func (c *conn) resetHeartbeat() {
	if !c.closed.Load() {
		c.heartbeat.Reset(c.m.cfg.heartbeatTimeout())
	}
}

// finish tears the connection down after its read loop ends. For an
// established connection the session is saved again so its TTL starts now.
func (c *conn) finish(established bool) {
	c.closeWith(websocket.CloseNormalClosure, "")

	c.mu.Lock()
	cancels := make([]func(), 0, len(c.subs))
	for _, cancel := range c.subs {
		cancels = append(cancels, cancel)
	}
	subs := c.subscriptionsLocked()
	sessionID := c.sessionID
	voice := c.voice
	c.voice = nil
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if !established {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	if err := c.saveSession(ctx, sessionID, subs); err != nil {
		slog.Warn("gateway: saving session on close failed", "session_id", sessionID, "error", err)
	}
	if voice != nil {
		c.m.publishVoice(ctx, c.userID, voice.ServerID, VoiceState{ServerID: voice.ServerID})
	}
	if announce := c.m.unregister(c); announce != nil {
		c.m.typing.StopAll(ctx, c.userID)
		announce()
	}
	slog.Info("gateway: connection closed", "user_id", c.userID, "session_id", sessionID)
}

func (c *conn) saveSession(ctx context.Context, id string, subs []string) error {
	return c.m.sessions.Save(ctx, &model.Session{
		ID:            id,
		UserID:        c.userID,
		Subscriptions: subs,
		CreatedAt:     c.createdAt,
		UpdatedAt:     c.m.cfg.Now().UTC(),
	}, c.m.cfg.SessionTTL)
}

func (c *conn) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *conn) subscribed(resourceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[resourceID]
	return ok
}

func (c *conn) subscriptionsLocked() []string {
	out := make([]string, 0, len(c.subs))
	for r := range c.subs {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

func (c *conn) cursorsLocked() map[string]int64 {
	out := make(map[string]int64, len(c.subs))
	for r := range c.subs {
		out[r] = c.cursor[r]
	}
	return out
}

// subscribe adds fanout subscriptions for every resource not yet covered and
// returns the ones that were added.
func (c *conn) subscribe(resources []string) ([]string, error) {
	var added []string
	for _, r := range resources {
		if c.subscribed(r) {
			continue
		}
		cancel, err := c.m.bus.Subscribe(r, c.onEnvelope)
		if err != nil {
			return added, err
		}
		c.mu.Lock()
		c.subs[r] = cancel
		c.mu.Unlock()
		added = append(added, r)
	}
	return added, nil
}

func (c *conn) gate() {
	c.mu.Lock()
	c.gated = true
	c.mu.Unlock()
}

// ungateLocked releases held envelopes through the cursor.
func (c *conn) ungateLocked() {
	held := c.held
	c.held = nil
	c.gated = false
	for _, env := range held {
		c.deliverLocked(env)
	}
}

// onEnvelope is the fanout handler. Calls for one resource are serial.
func (c *conn) onEnvelope(env *model.Envelope) {
	if c.closed.Load() {
		return
	}
	c.mu.Lock()
	if c.gated || env.Ephemeral {
		c.acceptLocked(env)
		c.mu.Unlock()
		return
	}
	cur := c.cursor[env.ResourceID]
	c.mu.Unlock()

	if env.Sequence <= cur+1 {
		c.mu.Lock()
		c.acceptLocked(env)
		c.mu.Unlock()
		return
	}

	reached, ok := c.closeGap(env.ResourceID, env.Sequence-1)
	c.mu.Lock()
	c.acceptLocked(env)
	c.mu.Unlock()
	if !ok && !c.closed.Load() {
		slog.Info("gateway: gap left open, client must resync",
			"user_id", c.userID, "resource_id", env.ResourceID, "after", reached, "delivered", env.Sequence)
		c.sendFrame(OpResyncNeeded, ResyncRequired{ResourceID: env.ResourceID, After: reached})
	}
}

func (c *conn) acceptLocked(env *model.Envelope) {
	if c.gated {
		c.held = append(c.held, env)
		return
	}
	c.deliverLocked(env)
}

// closeGap backfills resourceID through upTo, retrying briefly while the
// log is missing a sequence. It returns the highest sequence delivered
// without a hole and whether that reached upTo.
func (c *conn) closeGap(resourceID string, upTo int64) (int64, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), backfillTimeout)
	defer cancel()

	delay := gapRetryDelay
	for attempt := 0; ; attempt++ {
		reached, lost := c.backfill(ctx, resourceID, upTo)
		if reached >= upTo {
			return reached, true
		}
		if lost || attempt == gapRetries || c.closed.Load() {
			return reached, false
		}
		select {
		case <-time.After(delay):
		case <-c.done:
			return reached, false
		case <-ctx.Done():
			return reached, false
		}
		delay *= 2
	}
}

// backfill delivers the run of consecutive envelopes after the cursor, up
// to upTo, from the log. It stops at the first missing sequence and returns
// the last sequence covered. lost reports a hole that can never fill: the
// log already evicted it, or the log could not be read.
func (c *conn) backfill(ctx context.Context, resourceID string, upTo int64) (reached int64, lost bool) {
	c.mu.Lock()
	reached = c.cursor[resourceID]
	c.mu.Unlock()

	for reached < upTo && !c.closed.Load() {
		page, err := c.m.bus.Retained(ctx, resourceID, reached, c.m.cfg.ResyncLimit)
		if err != nil {
			slog.Warn("gateway: backfill failed", "resource_id", resourceID, "after", reached, "error", err)
			return reached, true
		}

		progressed := false
		c.mu.Lock()
		reached = max(reached, c.cursor[resourceID])
		for _, e := range page.Events {
			if e.Sequence <= reached {
				continue
			}
			if e.Sequence != reached+1 || e.Sequence > upTo {
				break
			}
			c.acceptLocked(e)
			reached = e.Sequence
			progressed = true
		}
		c.mu.Unlock()

		if reached >= upTo {
			break
		}
		if page.Truncated {
			return reached, true
		}
		if !progressed || !page.HasMore {
			return reached, false
		}
	}
	return reached, false
}

// deliverLocked queues env unless the connection already has it.
func (c *conn) deliverLocked(env *model.Envelope) {
	if !env.Ephemeral {
		if env.Sequence <= c.cursor[env.ResourceID] {
			return
		}
		c.cursor[env.ResourceID] = env.Sequence
	}
	msg, err := encodeFrame(OpEvent, env)
	if err != nil {
		slog.Warn("gateway: encoding envelope failed", "envelope_id", env.ID, "error", err)
		return
	}
	c.enqueue(msg)
	if c.m.cfg.LegacyFrames {
		if msg, err := legacyFrame(env); err == nil {
			c.enqueue(msg)
		}
	}
}

// enqueue never blocks: a connection that cannot keep up is closed and must
// resume.
func (c *conn) enqueue(msg []byte) {
	if c.closed.Load() {
		return
	}
	select {
	case c.send <- msg:
	default:
		slog.Warn("gateway: slow consumer, closing", "user_id", c.userID)
		c.closeWith(CloseSlowConsumer, "slow consumer")
	}
}

func (c *conn) sendFrame(op Op, d any) {
	msg, err := encodeFrame(op, d)
	if err != nil {
		slog.Warn("gateway: encoding frame failed", "op", op, "error", err)
		return
	}
	c.enqueue(msg)
}

func (c *conn) sendError(op Op, message string) {
	c.sendFrame(OpError, ErrorPayload{Message: message, Op: op})
}
