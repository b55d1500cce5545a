package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alfredjeanlab/switchboard/internal/model"
)

// SubjectPrefix is prepended to every resource subject.
const SubjectPrefix = "switchboard.events."

// NATSFanout shares live envelopes between gateway nodes over core NATS.
// Every resource maps to one subject; NATS delivers each subscription's
// messages serially, so per-resource order from one publisher holds.
type NATSFanout struct {
	conn *nats.Conn
}

var _ Fanout = (*NATSFanout)(nil)

// NewNATSFanout connects to NATS with automatic reconnection support.
// Extra nats.Option values (e.g. disconnect/reconnect handlers) can be appended.
func NewNATSFanout(url string, opts ...nats.Option) (*NATSFanout, error) {
	defaults := []nats.Option{
		nats.Name("switchboard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSFanout{conn: nc}, nil
}

// Subject returns the NATS subject for a resource. Characters NATS treats
// as separators or wildcards are replaced so "channel:1.2" cannot fan into
// another resource's subject.
func Subject(resourceID string) string {
	return SubjectPrefix + strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, resourceID)
}

func (f *NATSFanout) Publish(_ context.Context, env *model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	if err := f.conn.Publish(Subject(env.ResourceID), data); err != nil {
		return fmt.Errorf("publishing to %s: %w", env.ResourceID, err)
	}
	return nil
}

func (f *NATSFanout) Subscribe(resourceID string, h Handler) (func(), error) {
	var (
		mu     sync.Mutex
		closed bool
		once   sync.Once
	)

	sub, err := f.conn.Subscribe(Subject(resourceID), func(msg *nats.Msg) {
		var env model.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			slog.Warn("dropping malformed envelope", "subject", msg.Subject, "error", err)
			return
		}
		// Sanitized subjects can collide; the envelope is authoritative.
		if env.ResourceID != resourceID {
			return
		}
		mu.Lock()
		done := closed
		mu.Unlock()
		if done {
			return
		}
		h(&env)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", resourceID, err)
	}
	// Flush ensures the subscription is registered on the server before
	// returning, so that messages published on other connections are routed.
	if err := f.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flushing subscription: %w", err)
	}

	cancel := func() {
		once.Do(func() {
			mu.Lock()
			closed = true
			mu.Unlock()
			_ = sub.Unsubscribe()
		})
	}
	return cancel, nil
}

// Flush blocks until the server has processed everything published so far.
func (f *NATSFanout) Flush() error {
	return f.conn.Flush()
}

// Ping reports an error unless the connection is up and the server answers
// a round trip.
func (f *NATSFanout) Ping(ctx context.Context) error {
	if st := f.conn.Status(); st != nats.CONNECTED {
		return fmt.Errorf("nats connection %s", st)
	}
	return f.conn.FlushWithContext(ctx)
}

func (f *NATSFanout) Close() error {
	f.conn.Close()
	return nil
}
