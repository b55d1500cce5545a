package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/switchboard/internal/model"
)

// TypingPayload is the payload of typing.start and typing.stop.
type TypingPayload struct {
	UserID string `json:"user_id"`
}

type typingKey struct {
	userID     string
	resourceID string
}

type typingTimer struct {
	gen  uint64
	stop func() bool
}

// Typing publishes typing.start and schedules the matching typing.stop. A
// repeated start resets the timer; an explicit stop cancels it.
type Typing struct {
	pub      Publisher
	timeout  time.Duration
	schedule Scheduler

	mu      sync.Mutex
	timers  map[typingKey]*typingTimer
	gen     uint64
	stopped bool
}

func NewTyping(pub Publisher, timeout time.Duration, schedule Scheduler) *Typing {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	if schedule == nil {
		schedule = AfterFunc
	}
	return &Typing{
		pub:      pub,
		timeout:  timeout,
		schedule: schedule,
		timers:   make(map[typingKey]*typingTimer),
	}
}

func (t *Typing) Start(ctx context.Context, userID, resourceID string) error {
	if err := t.publish(ctx, model.TypeTypingStart, userID, resourceID); err != nil {
		return err
	}

	k := typingKey{userID, resourceID}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil
	}
	if old, ok := t.timers[k]; ok {
		old.stop()
	}
	t.gen++
	gen := t.gen
	tm := &typingTimer{gen: gen}
	tm.stop = t.schedule(t.timeout, func() { t.expire(k, gen) })
	t.timers[k] = tm
	return nil
}

// Stop cancels any pending auto-stop and publishes typing.stop.
func (t *Typing) Stop(ctx context.Context, userID, resourceID string) error {
	t.cancel(typingKey{userID, resourceID})
	return t.publish(ctx, model.TypeTypingStop, userID, resourceID)
}

// StopAll ends every indicator userID has running, e.g. when the user's
// last connection closes.
func (t *Typing) StopAll(ctx context.Context, userID string) {
	t.mu.Lock()
	var keys []typingKey
	for k, tm := range t.timers {
		if k.userID == userID {
			tm.stop()
			delete(t.timers, k)
			keys = append(keys, k)
		}
	}
	t.mu.Unlock()

	for _, k := range keys {
		if err := t.publish(ctx, model.TypeTypingStop, k.userID, k.resourceID); err != nil {
			slog.Warn("typing: stop failed", "user_id", k.userID, "resource_id", k.resourceID, "error", err)
		}
	}
}

// Active reports whether userID has a running indicator on resourceID.
func (t *Typing) Active(userID, resourceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[typingKey{userID, resourceID}]
	return ok
}

// Close cancels every pending auto-stop.
func (t *Typing) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for k, tm := range t.timers {
		tm.stop()
		delete(t.timers, k)
	}
}

func (t *Typing) cancel(k typingKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tm, ok := t.timers[k]; ok {
		tm.stop()
		delete(t.timers, k)
	}
}

func (t *Typing) expire(k typingKey, gen uint64) {
	t.mu.Lock()
	tm, ok := t.timers[k]
	if !ok || tm.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.timers, k)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := t.publish(ctx, model.TypeTypingStop, k.userID, k.resourceID); err != nil {
		slog.Warn("typing: auto-stop failed", "user_id", k.userID, "resource_id", k.resourceID, "error", err)
	}
}

func (t *Typing) publish(ctx context.Context, typ, userID, resourceID string) error {
	_, err := t.pub.Publish(ctx, model.PublishRequest{
		Type:       typ,
		ActorID:    userID,
		ResourceID: resourceID,
		Payload:    TypingPayload{UserID: userID},
	})
	if err != nil {
		return fmt.Errorf("%s on %s: %w", typ, resourceID, err)
	}
	return nil
}
