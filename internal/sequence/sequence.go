// Package sequence assigns per-resource monotonic sequence numbers.
//
// The Store is the only writer of ordering truth: every sequenced event goes
// through Next, which is a single atomic increment per resource. Current and
// CurrentMany are read-only.
package sequence

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the backing store cannot assign a sequence.
var ErrUnavailable = errors.New("sequence: store unavailable")

// Store is a per-resource counter.
type Store interface {
	// Next atomically increments the counter for resourceID and returns the
	// new value. The first call for a resource returns 1.
	Next(ctx context.Context, resourceID string) (int64, error)

	// Current returns the latest assigned sequence, or 0 if none.
	Current(ctx context.Context, resourceID string) (int64, error)

	// CurrentMany returns Current for every id. Missing resources map to 0.
	CurrentMany(ctx context.Context, resourceIDs []string) (map[string]int64, error)
}
