package model

import (
	"encoding/json"
	"time"
)

// Event type constants. Types are dotted and double as the SSE event name.
const (
	TypeMessageNew       = "message.new"
	TypeMessageEdit      = "message.edit"
	TypeMessageDelete    = "message.delete"
	TypeDMNew            = "dm.new"
	TypeDMRead           = "dm.read"
	TypeTypingStart      = "typing.start"
	TypeTypingStop       = "typing.stop"
	TypePresenceUpdate   = "presence.update"
	TypeVoiceStateUpdate = "voice.state_update"
	TypeNotificationNew  = "notification.new"
)

// IsEphemeral reports whether events of type t bypass the sequence store and
// the durable log. Ephemeral envelopes are fanned out live only, carry
// sequence 0, and are never replayed.
func IsEphemeral(t string) bool {
	switch t {
	case TypeTypingStart, TypeTypingStop:
		return true
	}
	return false
}

// Envelope is the unit of delivery. Sequence is strictly increasing per
// ResourceID for non-ephemeral envelopes.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	ActorID    string          `json:"actor_id,omitempty"` // empty for system events
	ResourceID string          `json:"resource_id"`
	Sequence   int64           `json:"sequence"`
	Timestamp  time.Time       `json:"timestamp"`
	Ephemeral  bool            `json:"ephemeral,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// PublishRequest is what callers hand to the event bus.
type PublishRequest struct {
	Type       string `json:"type"`
	ActorID    string `json:"actor_id,omitempty"`
	ResourceID string `json:"resource_id"`
	Payload    any    `json:"payload"`
}

// Page is a window of logged envelopes for one resource.
//
// Truncated is set when envelopes after the requested sequence have already
// been evicted; the caller must refetch full state for the resource instead
// of relying on Events alone.
type Page struct {
	ResourceID string      `json:"resource_id"`
	Events     []*Envelope `json:"events"`
	HasMore    bool        `json:"has_more"`
	Truncated  bool        `json:"truncated,omitempty"`
}

// Last returns the highest sequence in the page, or 0 when empty.
func (p *Page) Last() int64 {
	if len(p.Events) == 0 {
		return 0
	}
	return p.Events[len(p.Events)-1].Sequence
}
