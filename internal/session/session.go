// Package session persists gateway sessions for resume.
//
// A session record outlives its physical connection by a TTL. Memory keeps
// records in-process; Redis shares them between gateway nodes so a client
// can resume on any node.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/alfredjeanlab/switchboard/internal/model"
)

// DefaultTTL is how long a session survives after its last save.
const DefaultTTL = 5 * time.Minute

// ErrNotFound is returned for unknown or expired sessions.
var ErrNotFound = errors.New("session not found")

// Store saves and loads sessions.
type Store interface {
	// Save writes s and (re)starts its TTL.
	Save(ctx context.Context, s *model.Session, ttl time.Duration) error
	Get(ctx context.Context, id string) (*model.Session, error)
	Delete(ctx context.Context, id string) error
}
