package model

import "time"

// Session is the persisted record of one logical gateway connection. It
// outlives the physical connection by the session TTL so a reconnecting
// client can resume.
type Session struct {
	ID            string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	Subscriptions []string  `json:"subscriptions"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Subscribed reports whether the session covers resourceID.
func (s *Session) Subscribed(resourceID string) bool {
	for _, r := range s.Subscriptions {
		if r == resourceID {
			return true
		}
	}
	return false
}
