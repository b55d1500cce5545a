// Package client provides a transport-agnostic interface for the switchboard
// fallback API and an HTTP/JSON implementation used by the sbd CLI.
package client

import (
	"context"
	"encoding/json"

	"github.com/alfredjeanlab/switchboard/internal/model"
)

// EventsClient is the interface that sbd commands use to talk to a running
// server. It is implemented by HTTPClient.
type EventsClient interface {
	// Sequences
	Sequence(ctx context.Context, resourceID string) (int64, error)
	Sequences(ctx context.Context, resourceIDs []string) (map[string]int64, error)

	// Replay
	Resync(ctx context.Context, resourceID string, lastSequence int64, limit int) (*model.Page, error)

	// Publishing (requires the service token)
	Publish(ctx context.Context, req *PublishRequest) (*model.Envelope, error)

	// Live stream; blocks until ctx ends, the server closes, or fn errors.
	Stream(ctx context.Context, fn func(*StreamEvent) error) error

	// Health
	Health(ctx context.Context) (*HealthStatus, error)

	// Lifecycle
	Close() error
}

// PublishRequest holds parameters for POST /events/publish.
type PublishRequest struct {
	Type       string          `json:"type"`
	ActorID    string          `json:"actor_id,omitempty"`
	ResourceID string          `json:"resource_id"`
	Payload    json.RawMessage `json:"payload"`
}

// StreamEvent is one server-sent event. ID is empty for ephemeral events.
type StreamEvent struct {
	ID    string
	Event string
	Data  []byte
}

// Envelope decodes Data as an event envelope.
func (e *StreamEvent) Envelope() (*model.Envelope, error) {
	var env model.Envelope
	if err := json.Unmarshal(e.Data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status  string            `json:"status"`
	Failing map[string]string `json:"failing,omitempty"`
}
