package domain

import "time"

// StateRecord backs the anti-forgery state parameter minted when an
// authorization link is issued. It is bound to the requesting user and
// consumed exactly once.
type StateRecord struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Provider    string    `json:"provider"`
	ExpiresAt   time.Time `json:"expires_at"`
}
