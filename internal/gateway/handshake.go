package gateway

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/alfredjeanlab/switchboard/internal/idgen"
	"github.com/alfredjeanlab/switchboard/internal/model"
	"github.com/alfredjeanlab/switchboard/internal/session"
)

// replayConcurrency bounds parallel log reads during one resume.
const replayConcurrency = 8

// establish runs the connect handshake: subscribe to the user's resources,
// send hello, then ready with the sequence baseline, then persist the
// session. Subscriptions are made before sequences are read so nothing
// published in between is lost; anything at or below the baseline is
// dropped by the cursor.
func (c *conn) establish(ctx context.Context) error {
	mem, err := c.m.dir.Membership(ctx, c.userID)
	if err != nil {
		return fmt.Errorf("membership: %w", err)
	}
	resources := mem.Resources()

	sessionID, err := idgen.Session()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sessionID = sessionID
	c.gated = true
	c.mu.Unlock()

	if _, err := c.subscribe(resources); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	seqs, err := c.m.bus.CurrentSequences(ctx, resources)
	if err != nil {
		return fmt.Errorf("current sequences: %w", err)
	}

	c.sendFrame(OpHello, Hello{
		SessionID:           sessionID,
		HeartbeatIntervalMS: c.m.cfg.HeartbeatInterval.Milliseconds(),
	})
	c.resetHeartbeat()

	c.mu.Lock()
	for r, seq := range seqs {
		c.cursor[r] = seq
	}
	subs := c.subscriptionsLocked()
	c.sendFrame(OpReady, Ready{
		SessionID:     sessionID,
		UserID:        c.userID,
		Subscriptions: subs,
		Sequences:     c.cursorsLocked(),
	})
	c.ungateLocked()
	c.mu.Unlock()

	if err := c.saveSession(ctx, sessionID, subs); err != nil {
		slog.Warn("gateway: saving session failed", "session_id", sessionID, "error", err)
	}
	return nil
}

type replayResult struct {
	resourceID string
	events     []*model.Envelope
	truncated  bool
	hasMore    bool
}

func (m *Manager) handleResume(ctx context.Context, c *conn, d json.RawMessage) error {
	fail := func(reason string) error {
		c.sendFrame(OpResumeFailed, ResumeFailed{Reason: reason})
		return nil
	}
	var req ResumeRequest
	if err := json.Unmarshal(d, &req); err != nil || req.SessionID == "" {
		return fail(ReasonInvalidSession)
	}

	old, err := m.sessions.Get(ctx, req.SessionID)
	if errors.Is(err, session.ErrNotFound) {
		return fail(ReasonInvalidSession)
	}
	if err != nil {
		slog.Warn("gateway: resume lookup failed", "session_id", req.SessionID, "error", err)
		return fail(ReasonInternalError)
	}
	if old.UserID != c.userID {
		slog.Warn("gateway: resume of another user's session refused",
			"user_id", c.userID, "session_id", req.SessionID)
		return fail(ReasonInvalidSession)
	}

	c.gate()
	ungated := false
	defer func() {
		if !ungated {
			c.mu.Lock()
			c.ungateLocked()
			c.mu.Unlock()
		}
	}()

	added, err := c.subscribe(old.Subscriptions)
	if err != nil {
		slog.Warn("gateway: resume subscribe failed", "session_id", req.SessionID, "error", err)
		return fail(ReasonInternalError)
	}
	if len(added) > 0 {
		seqs, err := m.bus.CurrentSequences(ctx, added)
		if err != nil {
			slog.Warn("gateway: resume sequences failed", "session_id", req.SessionID, "error", err)
			return fail(ReasonInternalError)
		}
		c.mu.Lock()
		for r, seq := range seqs {
			c.cursor[r] = max(c.cursor[r], seq)
		}
		c.mu.Unlock()
	}

	// The cursor is frozen while gated: replay everything up to it.
	c.mu.Lock()
	baseline := c.cursorsLocked()
	subs := c.subscriptionsLocked()
	sessionID := c.sessionID
	c.mu.Unlock()

	results, err := m.replay(ctx, req.LastSequences, baseline)
	if err != nil {
		slog.Warn("gateway: resume replay failed", "session_id", req.SessionID, "error", err)
		return fail(ReasonInternalError)
	}

	resumed := Resumed{
		SessionID:     sessionID,
		Subscriptions: subs,
		Sequences:     baseline,
		MissedEvents:  []*model.Envelope{},
		Truncated:     []string{},
		HasMore:       []string{},
	}
	for _, r := range results {
		resumed.MissedEvents = append(resumed.MissedEvents, r.events...)
		if r.truncated {
			resumed.Truncated = append(resumed.Truncated, r.resourceID)
		}
		if r.hasMore {
			resumed.HasMore = append(resumed.HasMore, r.resourceID)
		}
	}
	slices.SortStableFunc(resumed.MissedEvents, func(a, b *model.Envelope) int {
		return cmp.Or(
			a.Timestamp.Compare(b.Timestamp),
			cmp.Compare(a.ResourceID, b.ResourceID),
			cmp.Compare(a.Sequence, b.Sequence),
		)
	})
	slices.Sort(resumed.Truncated)
	slices.Sort(resumed.HasMore)

	c.mu.Lock()
	c.sendFrame(OpResumed, resumed)
	c.ungateLocked()
	ungated = true
	c.mu.Unlock()

	if req.SessionID != sessionID {
		if err := m.sessions.Delete(ctx, req.SessionID); err != nil {
			slog.Warn("gateway: deleting resumed session failed", "session_id", req.SessionID, "error", err)
		}
	}
	if err := c.saveSession(ctx, sessionID, subs); err != nil {
		slog.Warn("gateway: saving session failed", "session_id", sessionID, "error", err)
	}
	slog.Info("gateway: session resumed",
		"user_id", c.userID, "session_id", sessionID, "resumed", req.SessionID,
		"missed", len(resumed.MissedEvents))
	return nil
}

// replay reads, concurrently, what the client missed on every resource it
// named and is subscribed to, bounded above by baseline.
func (m *Manager) replay(ctx context.Context, last, baseline map[string]int64) ([]replayResult, error) {
	var targets []string
	for r, after := range last {
		upTo, ok := baseline[r]
		if !ok || after < 0 || after >= upTo {
			continue
		}
		targets = append(targets, r)
	}
	slices.Sort(targets)

	results := make([]replayResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(replayConcurrency)
	for i, r := range targets {
		g.Go(func() error {
			upTo := baseline[r]
			page, err := m.bus.Resync(gctx, r, last[r], m.cfg.ResyncLimit)
			if err != nil {
				return fmt.Errorf("resync %s: %w", r, err)
			}
			res := replayResult{resourceID: r, truncated: page.Truncated}
			for _, e := range page.Events {
				if e.Sequence > upTo {
					break
				}
				res.events = append(res.events, e)
			}
			res.hasMore = page.HasMore && page.Last() < upTo
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
