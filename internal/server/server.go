// Package server is the HTTP and gRPC surface of the gateway: the websocket
// mount, the SSE fallback stream, the resync/sequence endpoints, service
// publishing and health.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/alfredjeanlab/switchboard/internal/auth"
	"github.com/alfredjeanlab/switchboard/internal/directory"
	"github.com/alfredjeanlab/switchboard/internal/events"
	"github.com/alfredjeanlab/switchboard/internal/model"
)

// DefaultSSEHeartbeat is how often an idle SSE stream gets a comment line.
const DefaultSSEHeartbeat = 15 * time.Second

// EventBus is the slice of the bus the HTTP surface uses.
type EventBus interface {
	Publish(ctx context.Context, req model.PublishRequest) (*model.Envelope, error)
	Resync(ctx context.Context, resourceID string, afterSeq int64, limit int) (*model.Page, error)
	CurrentSequence(ctx context.Context, resourceID string) (int64, error)
	CurrentSequences(ctx context.Context, resourceIDs []string) (map[string]int64, error)
	Subscribe(resourceID string, h events.Handler) (func(), error)
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

type Options struct {
	Directory    directory.Directory
	Verifier     *auth.Verifier
	ServiceToken string       // enables POST /events/publish when set
	Gateway      http.Handler // mounted at GET /gateway when set
	SSEHeartbeat time.Duration
	SSEBuffer    int // envelopes queued per SSE stream; default 256
	Checks       map[string]HealthCheck
}

// Server serves the HTTP routes.
type Server struct {
	bus          EventBus
	dir          directory.Directory
	verifier     *auth.Verifier
	serviceToken string
	gateway      http.Handler
	sseHeartbeat time.Duration
	sseBuffer    int
	checks       map[string]HealthCheck
}

func New(bus EventBus, opts Options) *Server {
	if opts.Directory == nil {
		opts.Directory = directory.NewStatic()
	}
	if opts.SSEHeartbeat <= 0 {
		opts.SSEHeartbeat = DefaultSSEHeartbeat
	}
	if opts.SSEBuffer <= 0 {
		opts.SSEBuffer = 256
	}
	return &Server{
		bus:          bus,
		dir:          opts.Directory,
		verifier:     opts.Verifier,
		serviceToken: opts.ServiceToken,
		gateway:      opts.Gateway,
		sseHeartbeat: opts.SSEHeartbeat,
		sseBuffer:    opts.SSEBuffer,
		checks:       opts.Checks,
	}
}

// subscriptions returns the resources userID may read.
func (s *Server) subscriptions(ctx context.Context, userID string) ([]string, error) {
	m, err := s.dir.Membership(ctx, userID)
	if err != nil {
		return nil, err
	}
	return m.Resources(), nil
}
