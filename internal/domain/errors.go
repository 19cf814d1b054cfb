package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateEvent marks a webhook delivery already seen within the dedup
	// window. Duplicates are acknowledged upstream but never re-dispatched.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrCryptoFailure marks an encrypt/decrypt failure. There is no fallback
	// to unencrypted storage.
	ErrCryptoFailure = errors.New("crypto failure")

	// ErrDispatchTimeout marks an agent invocation that exceeded its deadline.
	// Not retried automatically; invocations are not guaranteed idempotent.
	ErrDispatchTimeout = errors.New("dispatch timed out")

	// ErrUpstreamUnavailable marks a transient backend failure (store,
	// encryption backend, token endpoint unreachable). Callers may retry with
	// backoff.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrQueueFull is returned when the dispatch queue cannot accept another
	// request without blocking the webhook caller.
	ErrQueueFull = errors.New("dispatch queue full")
)

// ValidationError rejects an inbound request outright: bad signature, stale
// timestamp, malformed state. Never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// AuthRequiredError means no usable credential exists for the user. It is a
// structured signal, not a system fault: the caller should present the
// authorization link to the user and try again after they complete the flow.
type AuthRequiredError struct {
	UserID       string
	Provider     string
	AuthorizeURL string
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("authorization required for %s/%s", e.UserID, e.Provider)
}

// RefreshFailedError means the provider rejected a refresh attempt. When the
// rejection is an invalid-grant the stale record has already been deleted and
// the error unwraps to AuthRequiredError.
type RefreshFailedError struct {
	Provider string
	Err      error
}

func (e *RefreshFailedError) Error() string {
	return fmt.Sprintf("token refresh failed for provider %s: %v", e.Provider, e.Err)
}

func (e *RefreshFailedError) Unwrap() error {
	return e.Err
}
