// Package presence debounces presence updates and expires typing indicators
// before they reach the event bus.
//
// Both components are per-process caches: losing one on restart costs at
// most one extra (or one missing) update.
package presence

import (
	"context"
	"time"

	"github.com/alfredjeanlab/switchboard/internal/model"
)

// Defaults.
const (
	DefaultWindow        = 2 * time.Second
	DefaultTypingTimeout = 8 * time.Second

	publishTimeout = 5 * time.Second
)

// Statuses a user may set.
const (
	StatusOnline    = "online"
	StatusIdle      = "idle"
	StatusDND       = "dnd"
	StatusInvisible = "invisible"
	StatusOffline   = "offline"
)

// ValidClientStatus reports whether a client may request status s. Offline
// is derived from the last connection closing.
func ValidClientStatus(s string) bool {
	switch s {
	case StatusOnline, StatusIdle, StatusDND, StatusInvisible:
		return true
	}
	return false
}

// Publisher is the slice of the event bus presence needs.
type Publisher interface {
	Publish(ctx context.Context, req model.PublishRequest) (*model.Envelope, error)
}

// Scheduler runs f after d and returns a function that cancels it, reporting
// whether f was stopped before running.
type Scheduler func(d time.Duration, f func()) (stop func() bool)

// AfterFunc is the real-time Scheduler.
func AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}
