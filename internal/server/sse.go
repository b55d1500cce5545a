package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alfredjeanlab/switchboard/internal/auth"
	"github.com/alfredjeanlab/switchboard/internal/model"
)

// sseStream collects envelopes from every fanout subscription of one SSE
// client into a single queue. Per-resource order is kept because each
// resource's handler calls are serial.
type sseStream struct {
	ch       chan *model.Envelope
	overflow chan struct{}
	once     sync.Once
}

func newSSEStream(size int) *sseStream {
	return &sseStream{
		ch:       make(chan *model.Envelope, size),
		overflow: make(chan struct{}),
	}
}

// push never blocks the fanout. A client that falls behind is disconnected
// rather than silently skipped, so it knows to resync.
func (s *sseStream) push(env *model.Envelope) {
	select {
	case s.ch <- env:
	default:
		s.once.Do(func() { close(s.overflow) })
	}
}

// handleEventStream handles GET /events/stream (SSE endpoint).
//
// The stream carries every envelope for the user's subscription set. SSE ids
// are per-resource sequences, so Last-Event-ID is not used for replay;
// clients recover gaps through GET /events/resync.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	// Ensure response supports flushing (required for SSE).
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	userID, _ := auth.UserFromContext(ctx)
	resources, err := s.subscriptions(ctx, userID)
	if err != nil {
		writeErr(w, fmt.Errorf("membership: %w", err))
		return
	}

	stream := newSSEStream(s.sseBuffer)
	cancels := make([]func(), 0, len(resources))
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()
	for _, res := range resources {
		cancel, err := s.bus.Subscribe(res, stream.push)
		if err != nil {
			writeErr(w, fmt.Errorf("subscribe %s: %w", res, err))
			return
		}
		cancels = append(cancels, cancel)
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	slog.Info("sse stream opened", "user_id", userID, "resources", len(resources))
	defer slog.Info("sse stream closed", "user_id", userID)

	heartbeat := time.NewTicker(s.sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stream.overflow:
			slog.Warn("sse client too slow, closing stream", "user_id", userID)
			return
		case env := <-stream.ch:
			if err := writeSSEEvent(w, env); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the writer. Ephemeral envelopes
// carry no id.
func writeSSEEvent(w http.ResponseWriter, env *model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		slog.Warn("failed to marshal envelope for SSE", "envelope_id", env.ID, "error", err)
		return nil
	}
	if !env.Ephemeral {
		if _, err := fmt.Fprintf(w, "id:%d\n", env.Sequence); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event:%s\ndata:%s\n\n", env.Type, data)
	return err
}
