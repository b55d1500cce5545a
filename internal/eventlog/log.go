// Package eventlog is the durable, capped, per-resource replay buffer.
//
// Each resource keeps at most Capacity envelopes (oldest evicted first) and,
// when MaxAge is set, nothing older than MaxAge. After returns envelopes
// strictly after a sequence in ascending order. When envelopes in the
// requested range were already evicted the returned page is marked Truncated
// and starts at the oldest retained envelope; callers must treat that as
// "full resync required".
package eventlog

import (
	"context"
	"time"

	"github.com/alfredjeanlab/switchboard/internal/model"
)

const (
	// DefaultCapacity is the per-resource retention when none is configured.
	DefaultCapacity = 500

	// DefaultLimit applies when After is called with limit <= 0.
	DefaultLimit = 100

	// MaxLimit caps the page size of a single After call.
	MaxLimit = 200
)

// Options configures retention.
type Options struct {
	Capacity int              // envelopes kept per resource; <= 0 means DefaultCapacity
	MaxAge   time.Duration    // 0 disables age-based eviction
	Now      func() time.Time // nil means time.Now
}

func (o *Options) norm() {
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// cutoff returns the oldest timestamp still retained, or the zero time when
// age-based eviction is off.
func (o *Options) cutoff() time.Time {
	if o.MaxAge <= 0 {
		return time.Time{}
	}
	return o.Now().Add(-o.MaxAge)
}

// Log stores recent envelopes per resource.
type Log interface {
	// Append stores env under env.ResourceID, evicting the oldest entries
	// past capacity or age.
	Append(ctx context.Context, env *model.Envelope) error

	// After returns envelopes with Sequence > afterSeq, ascending, at most
	// limit of them.
	After(ctx context.Context, resourceID string, afterSeq int64, limit int) (*model.Page, error)

	// Resources lists every resource with retained envelopes.
	Resources(ctx context.Context) ([]string, error)
}

// ClampLimit normalizes a caller-supplied page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
