package gateway

import (
	"encoding/json"

	"github.com/alfredjeanlab/switchboard/internal/model"
)

// Op names a frame. The set is closed: every client op has exactly one
// handler (see ops.go) and every server op is emitted from one place.
type Op string

// Server to client.
const (
	OpHello        Op = "gateway.hello"
	OpReady        Op = "gateway.ready"
	OpHeartbeatAck Op = "gateway.heartbeat_ack"
	OpResumed      Op = "gateway.resumed"
	OpResumeFailed Op = "gateway.resume_failed"
	OpEvent        Op = "event"
	OpError        Op = "error"
	OpMessageAck   Op = "message:ack"
	OpResyncNeeded Op = "gateway.resync_required"
)

// Client to server.
const (
	OpHeartbeat      Op = "gateway.heartbeat"
	OpResume         Op = "gateway.resume"
	OpMessageSend    Op = "message:send"
	OpMessageEdit    Op = "message:edit"
	OpMessageDelete  Op = "message:delete"
	OpTypingStart    Op = "typing:start"
	OpTypingStop     Op = "typing:stop"
	OpPresenceUpdate Op = "presence:update"
	OpVoiceJoin      Op = "voice:join"
	OpVoiceLeave     Op = "voice:leave"
	OpVoiceUpdate    Op = "voice:update"
	OpDMSend         Op = "dm:send"
	OpDMAck          Op = "dm:ack"
)

// ClientOps is every op a client may send.
var ClientOps = []Op{
	OpHeartbeat, OpResume,
	OpMessageSend, OpMessageEdit, OpMessageDelete,
	OpTypingStart, OpTypingStop,
	OpPresenceUpdate,
	OpVoiceJoin, OpVoiceLeave, OpVoiceUpdate,
	OpDMSend, OpDMAck,
}

// Resume failure reasons.
const (
	ReasonInvalidSession = "invalid_session"
	ReasonInternalError  = "internal_error"
)

// Frame is one websocket text message.
type Frame struct {
	Op Op              `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
}

type outFrame struct {
	Op Op  `json:"op"`
	D  any `json:"d,omitempty"`
}

func encodeFrame(op Op, d any) ([]byte, error) {
	return json.Marshal(outFrame{Op: op, D: d})
}

type Hello struct {
	SessionID           string `json:"session_id"`
	HeartbeatIntervalMS int64  `json:"heartbeat_interval_ms"`
}

type Ready struct {
	SessionID     string           `json:"session_id"`
	UserID        string           `json:"user_id"`
	Subscriptions []string         `json:"subscriptions"`
	Sequences     map[string]int64 `json:"sequences"`
}

type ResumeRequest struct {
	SessionID     string           `json:"session_id"`
	LastSequences map[string]int64 `json:"last_sequences"`
}

// Resumed answers a successful resume. Truncated lists resources whose gap
// could not be replayed in full (refetch their state); HasMore lists
// resources with more missed events than one replay page (page through
// GET /events/resync).
type Resumed struct {
	SessionID     string            `json:"session_id"`
	Subscriptions []string          `json:"subscriptions"`
	Sequences     map[string]int64  `json:"sequences"`
	MissedEvents  []*model.Envelope `json:"missed_events"`
	Truncated     []string          `json:"truncated"`
	HasMore       []string          `json:"has_more"`
}

type ResumeFailed struct {
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Op      Op     `json:"op,omitempty"`
}

// ResyncRequired tells the client that live delivery on ResourceID skipped
// envelopes the log did not yet hold. The client fetches everything after
// After through GET /events/resync.
type ResyncRequired struct {
	ResourceID string `json:"resource_id"`
	After      int64  `json:"after"`
}

type MessageAck struct {
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	EnvelopeID     string `json:"envelope_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	Duplicate      bool   `json:"duplicate"`
}
