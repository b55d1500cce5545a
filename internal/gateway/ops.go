package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/alfredjeanlab/switchboard/internal/bus"
)

// handlerFunc handles one client frame. A returned error is reported to the
// client as an error frame (see handlerFailed); the connection stays open.
type handlerFunc func(ctx context.Context, c *conn, d json.RawMessage) error

// handlerTable binds every entry of ClientOps to its handler.
func (m *Manager) handlerTable() map[Op]handlerFunc {
	t := map[Op]handlerFunc{
		OpHeartbeat:      m.handleHeartbeat,
		OpResume:         m.handleResume,
		OpMessageSend:    m.handleMessageSend,
		OpMessageEdit:    m.handleMessageEdit,
		OpMessageDelete:  m.handleMessageDelete,
		OpTypingStart:    m.handleTypingStart,
		OpTypingStop:     m.handleTypingStop,
		OpPresenceUpdate: m.handlePresenceUpdate,
		OpVoiceJoin:      m.handleVoiceJoin,
		OpVoiceLeave:     m.handleVoiceLeave,
		OpVoiceUpdate:    m.handleVoiceUpdate,
		OpDMSend:         m.handleDMSend,
		OpDMAck:          m.handleDMAck,
	}
	for _, op := range ClientOps {
		if t[op] == nil {
			panic("gateway: no handler for " + string(op))
		}
	}
	return t
}

// clientError is a rejection the client caused; its message is sent as is.
type clientError struct {
	msg string
}

func (e *clientError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &clientError{msg: fmt.Sprintf(format, args...)}
}

var errForbidden = &clientError{msg: "forbidden"}

// dispatch runs h, turning a panic into an internal error.
func (c *conn) dispatch(ctx context.Context, op Op, h handlerFunc, d json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic recovered in gateway handler",
				"op", op,
				"user_id", c.userID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("panic in %s", op)
		}
	}()
	return h(ctx, c, d)
}

func (c *conn) handlerFailed(op Op, err error) {
	var ce *clientError
	switch {
	case errors.As(err, &ce):
		c.sendError(op, ce.msg)
	case errors.Is(err, bus.ErrInvalidRequest):
		c.sendError(op, err.Error())
	default:
		slog.Warn("gateway: handler failed", "op", op, "user_id", c.userID, "error", err)
		c.sendError(op, "internal error")
	}
}

func decode(d json.RawMessage, v any) error {
	if len(d) == 0 {
		return badRequest("missing payload")
	}
	if err := json.Unmarshal(d, v); err != nil {
		return badRequest("malformed payload")
	}
	return nil
}

func (m *Manager) handleHeartbeat(_ context.Context, c *conn, _ json.RawMessage) error {
	c.resetHeartbeat()
	c.sendFrame(OpHeartbeatAck, nil)
	return nil
}
