// Package idempotency remembers client-supplied submission keys so retried
// sends are processed once.
//
// The registry is a cache, not authoritative state: losing it on restart
// means at worst one duplicate is processed again.
package idempotency

import (
	"context"
	"time"
)

// DefaultTTL is how long a key is remembered.
const DefaultTTL = 5 * time.Minute

// Registry records keys.
type Registry interface {
	// Seen records key and reports whether it was already recorded within
	// the TTL. The check and the record are one atomic step.
	Seen(ctx context.Context, key string) (bool, error)

	// Forget releases key so the next Seen reports it as new. Callers use it
	// when the submission a key guarded did not complete.
	Forget(ctx context.Context, key string) error
}

// Key scopes a client key to its user so two users cannot collide.
func Key(userID, clientKey string) string {
	return userID + ":" + clientKey
}
