package domain

import (
	"fmt"
	"time"
)

// CredentialRecord is the stored form of a user's provider tokens. One record
// exists per (user, provider) pair. The token material itself lives only in
// Ciphertext; everything else is bookkeeping for expiry and concurrency.
type CredentialRecord struct {
	Key        string    `json:"key"`
	Ciphertext []byte    `json:"ciphertext"`
	ExpiresAt  time.Time `json:"expires_at"`
	TTL        time.Time `json:"ttl"`
	Version    int64     `json:"version"`

	// RefreshClaimedAt is non-zero while a refresh is in flight. A claim older
	// than the configured max refresh duration is considered abandoned and may
	// be taken over by another caller.
	RefreshClaimedAt time.Time `json:"refresh_claimed_at,omitzero"`
}

// RefreshClaimed reports whether a live refresh claim exists as of now.
func (r CredentialRecord) RefreshClaimed(now time.Time, maxRefreshDuration time.Duration) bool {
	if r.RefreshClaimedAt.IsZero() {
		return false
	}
	return now.Before(r.RefreshClaimedAt.Add(maxRefreshDuration))
}

// TokenPayload is the plaintext inside CredentialRecord.Ciphertext.
type TokenPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope,omitempty"`
	IssuedAt     int64  `json:"issued_at"`
}

// BearerToken is what the broker hands to the agent runtime: the token string
// and its absolute expiry so the caller can plan its own calls.
type BearerToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// CredentialKey builds the composite store key for a (user, provider) pair.
func CredentialKey(userID, provider string) string {
	return fmt.Sprintf("user#%s#%s", userID, provider)
}

// AuthState describes where a (user, provider) pair sits in the authorization
// lifecycle. States are derived from the store, never persisted directly.
type AuthState string

const (
	StateUnauthenticated AuthState = "unauthenticated"
	StateAuthPending     AuthState = "auth_pending"
	StateAuthenticated   AuthState = "authenticated"
	StateExpired         AuthState = "expired"
	StateRevoked         AuthState = "revoked"
)
