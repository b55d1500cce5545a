// Package bus is the single entry point for publishing events.
//
// Publish stamps an envelope (id, sequence, timestamp), appends it to the
// durable log and hands it to the fanout. Failure policy:
//
//   - sequence assignment fails: Publish fails and nothing is delivered.
//   - log append fails: the envelope is still fanned out live and Publish
//     succeeds. Resync later reports the resulting gap as truncated.
//   - fanout fails: Publish succeeds; subscribers recover from the log.
//
// Ephemeral types (typing) skip the sequence store and the log entirely and
// are delivered with sequence 0.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/switchboard/internal/eventlog"
	"github.com/alfredjeanlab/switchboard/internal/events"
	"github.com/alfredjeanlab/switchboard/internal/idgen"
	"github.com/alfredjeanlab/switchboard/internal/model"
	"github.com/alfredjeanlab/switchboard/internal/sequence"
)

// ErrInvalidRequest marks caller input the bus refuses.
var ErrInvalidRequest = errors.New("invalid request")

const stripes = 64

// Options tunes a Bus. The zero value is usable.
type Options struct {
	Now            func() time.Time
	Logger         *slog.Logger
	MaxResyncLimit int // server-side cap on Resync page size; <= 0 means eventlog.MaxLimit
}

// Bus ties the sequence store, event log and fanout together.
type Bus struct {
	seq    sequence.Store
	log    eventlog.Log
	fanout events.Fanout
	now    func() time.Time
	logger *slog.Logger
	limit  int

	// Publishes to one resource are serialized so this process hands
	// envelopes to the fanout in sequence order.
	locks [stripes]sync.Mutex
}

func New(seq sequence.Store, log eventlog.Log, fanout events.Fanout, opts Options) *Bus {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxResyncLimit <= 0 || opts.MaxResyncLimit > eventlog.MaxLimit {
		opts.MaxResyncLimit = eventlog.MaxLimit
	}
	return &Bus{
		seq:    seq,
		log:    log,
		fanout: fanout,
		now:    opts.Now,
		logger: opts.Logger,
		limit:  opts.MaxResyncLimit,
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func (b *Bus) lockFor(resourceID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(resourceID))
	return &b.locks[h.Sum32()%stripes]
}

// Publish builds and delivers one envelope. The returned envelope is what
// subscribers receive.
func (b *Bus) Publish(ctx context.Context, req model.PublishRequest) (*model.Envelope, error) {
	if req.Type == "" {
		return nil, invalid("type is required")
	}
	if !model.ValidResource(req.ResourceID) {
		return nil, invalid("invalid resource_id %q", req.ResourceID)
	}
	payload, err := encodePayload(req.Payload)
	if err != nil {
		return nil, err
	}
	id, err := idgen.Envelope()
	if err != nil {
		return nil, fmt.Errorf("envelope id: %w", err)
	}
	env := &model.Envelope{
		ID:         id,
		Type:       req.Type,
		ActorID:    req.ActorID,
		ResourceID: req.ResourceID,
		Payload:    payload,
	}

	if model.IsEphemeral(req.Type) {
		env.Ephemeral = true
		env.Timestamp = b.now().UTC()
		if err := b.fanout.Publish(ctx, env); err != nil {
			return nil, fmt.Errorf("fanout %s: %w", req.ResourceID, err)
		}
		return env, nil
	}

	mu := b.lockFor(req.ResourceID)
	mu.Lock()
	defer mu.Unlock()

	seq, err := b.seq.Next(ctx, req.ResourceID)
	if err != nil {
		return nil, fmt.Errorf("assign sequence for %s: %w", req.ResourceID, err)
	}
	env.Sequence = seq
	env.Timestamp = b.now().UTC()

	// The event has happened; a caller hanging up must not leave a hole.
	ctx = context.WithoutCancel(ctx)

	if err := b.log.Append(ctx, env); err != nil {
		b.logger.Warn("event log append failed, delivering live only",
			"resource_id", env.ResourceID, "sequence", seq, "type", env.Type, "error", err)
	}
	if err := b.fanout.Publish(ctx, env); err != nil {
		b.logger.Warn("fanout publish failed",
			"resource_id", env.ResourceID, "sequence", seq, "type", env.Type, "error", err)
	}
	return env, nil
}

func encodePayload(v any) (json.RawMessage, error) {
	var raw []byte
	switch p := v.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, invalid("payload: %v", err)
		}
		return data, nil
	}
	if len(raw) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(raw) {
		return nil, invalid("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

// Resync returns logged envelopes after afterSeq. The page is marked
// Truncated when any envelope in range is no longer available: evicted by
// capacity or age, or never logged because the log was down at publish
// time. A concurrent publish from another process can also mark a page
// truncated; that only costs the client an extra refetch.
func (b *Bus) Resync(ctx context.Context, resourceID string, afterSeq int64, limit int) (*model.Page, error) {
	if !model.ValidResource(resourceID) {
		return nil, invalid("invalid resource_id %q", resourceID)
	}
	if afterSeq < 0 {
		return nil, invalid("last_sequence must be a non-negative integer")
	}
	limit = min(eventlog.ClampLimit(limit), b.limit)

	page, err := b.log.After(ctx, resourceID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("resync %s: %w", resourceID, err)
	}
	if page.Truncated {
		return page, nil
	}
	if len(page.Events) > 0 {
		page.Truncated = page.Events[0].Sequence > afterSeq+1
		return page, nil
	}
	current, err := b.seq.Current(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("resync %s: %w", resourceID, err)
	}
	page.Truncated = current > afterSeq
	return page, nil
}

// Retained reads the log after afterSeq as stored. Unlike Resync it does not
// treat a hole before the first envelope as lost: only eviction sets
// Truncated, so a caller may wait for an in-flight append to fill the hole.
func (b *Bus) Retained(ctx context.Context, resourceID string, afterSeq int64, limit int) (*model.Page, error) {
	if !model.ValidResource(resourceID) {
		return nil, invalid("invalid resource_id %q", resourceID)
	}
	page, err := b.log.After(ctx, resourceID, max(afterSeq, 0), min(eventlog.ClampLimit(limit), b.limit))
	if err != nil {
		return nil, fmt.Errorf("read log %s: %w", resourceID, err)
	}
	return page, nil
}

func (b *Bus) CurrentSequence(ctx context.Context, resourceID string) (int64, error) {
	if !model.ValidResource(resourceID) {
		return 0, invalid("invalid resource_id %q", resourceID)
	}
	return b.seq.Current(ctx, resourceID)
}

func (b *Bus) CurrentSequences(ctx context.Context, resourceIDs []string) (map[string]int64, error) {
	for _, id := range resourceIDs {
		if !model.ValidResource(id) {
			return nil, invalid("invalid resource_id %q", id)
		}
	}
	return b.seq.CurrentMany(ctx, resourceIDs)
}

// Subscribe registers h for live envelopes on resourceID.
func (b *Bus) Subscribe(resourceID string, h events.Handler) (func(), error) {
	return b.fanout.Subscribe(resourceID, h)
}
