package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/domain"
	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/oauth"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// PortalLinker mints the authorization link returned alongside AuthRequired.
type PortalLinker interface {
	PortalURL(userID, displayName string) (string, error)
}

// Coordinator serves access tokens to the agent runtime, refreshing them when
// they approach expiry. The invariant it exists for: at most one in-flight
// refresh per credential key. Providers with rotating refresh tokens
// invalidate the old refresh token on every use, so two concurrent refreshes
// would destroy each other's credentials.
type Coordinator struct {
	store     domain.TokenStore
	encryptor domain.Encryptor
	providers *oauth.Registry
	portal    PortalLinker
	clock     func() time.Time

	refreshMargin      time.Duration
	maxRefreshDuration time.Duration
	recordTTL          time.Duration
	retryBackoff       time.Duration
	maxAttempts        int
}

type CoordinatorDependencies struct {
	Store     domain.TokenStore
	Encryptor domain.Encryptor
	Providers *oauth.Registry
	Portal    PortalLinker

	// RefreshMargin is the refresh-ahead window: tokens expiring within it
	// are refreshed rather than served.
	RefreshMargin time.Duration
	// MaxRefreshDuration bounds how long a refresh claim is honored before
	// another caller may reclaim it from a crashed refresher.
	MaxRefreshDuration time.Duration
	// RecordTTL is the housekeeping bound restamped on every refresh.
	RecordTTL time.Duration
	// RetryBackoff is the base wait between race-loser polls.
	RetryBackoff time.Duration
	// MaxAttempts bounds the read/claim/poll loop.
	MaxAttempts int

	// Clock overrides time.Now. Test hook.
	Clock func() time.Time
}

func NewCoordinator(deps CoordinatorDependencies) *Coordinator {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	maxAttempts := deps.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 20
	}

	retryBackoff := deps.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = 250 * time.Millisecond
	}

	return &Coordinator{
		store:              deps.Store,
		encryptor:          deps.Encryptor,
		providers:          deps.Providers,
		portal:             deps.Portal,
		clock:              clock,
		refreshMargin:      deps.RefreshMargin,
		maxRefreshDuration: deps.MaxRefreshDuration,
		recordTTL:          deps.RecordTTL,
		retryBackoff:       retryBackoff,
		maxAttempts:        maxAttempts,
	}
}

// AcquireToken returns a usable access token for the user and provider. A
// missing or unrecoverable credential comes back as AuthRequiredError with
// the portal link to present to the user; store conflicts are resolved
// internally and never surface.
func (c *Coordinator) AcquireToken(ctx context.Context, userID, providerName string) (domain.BearerToken, error) {
	provider, err := c.providers.Get(providerName)
	if err != nil {
		return domain.BearerToken{}, err
	}

	key := domain.CredentialKey(userID, provider.Name)

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		record, err := c.store.Get(ctx, key)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.BearerToken{}, c.authRequired(userID, provider.Name)
		}
		if err != nil {
			return domain.BearerToken{}, fmt.Errorf("failed to read credential record: %w", err)
		}

		now := c.clock()

		if record.ExpiresAt.Sub(now) > c.refreshMargin {
			return c.bearerFromRecord(ctx, record)
		}

		if !record.RefreshClaimed(now, c.maxRefreshDuration) {
			claimed := record
			claimed.RefreshClaimedAt = now
			claimed.Version = record.Version + 1

			err := c.store.CompareAndSwap(ctx, record.Version, claimed)
			if err == nil {
				return c.refresh(ctx, userID, provider, claimed)
			}
			if errors.Is(err, domain.ErrVersionConflict) || errors.Is(err, domain.ErrNotFound) {
				// Someone else moved first; re-read and converge on their result.
				continue
			}
			return domain.BearerToken{}, fmt.Errorf("failed to claim refresh slot: %w", err)
		}

		// A refresh is in flight. Serve the current token while it is still
		// valid; once actually expired, wait for the winner.
		if now.Before(record.ExpiresAt) {
			return c.bearerFromRecord(ctx, record)
		}

		if err := c.wait(ctx, attempt); err != nil {
			return domain.BearerToken{}, err
		}
	}

	return domain.BearerToken{}, fmt.Errorf("%w: refresh did not converge for %s", domain.ErrUpstreamUnavailable, key)
}

// refresh performs the network refresh. Only the caller whose claim CAS
// succeeded gets here, so the claim write is ordered strictly before the
// network call.
func (c *Coordinator) refresh(ctx context.Context, userID string, provider oauth.Provider, claimed domain.CredentialRecord) (domain.BearerToken, error) {
	payload, err := c.decryptPayload(ctx, claimed)
	if err != nil {
		c.releaseClaim(ctx, claimed)
		return domain.BearerToken{}, err
	}

	config := provider.Config("")
	token, err := config.TokenSource(ctx, &oauth2.Token{RefreshToken: payload.RefreshToken}).Token()
	if err != nil {
		return domain.BearerToken{}, c.refreshFailed(ctx, userID, provider, claimed, err)
	}

	now := c.clock()
	newPayload := domain.TokenPayload{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Scope:        payload.Scope,
		IssuedAt:     now.Unix(),
	}
	if newPayload.RefreshToken == "" {
		// Provider did not rotate; the old refresh token stays valid.
		newPayload.RefreshToken = payload.RefreshToken
	}

	plaintext, err := json.Marshal(newPayload)
	if err != nil {
		c.releaseClaim(ctx, claimed)
		return domain.BearerToken{}, fmt.Errorf("failed to encode token payload: %w", err)
	}

	ciphertext, err := c.encryptor.Encrypt(ctx, claimed.Key, plaintext)
	if err != nil {
		c.releaseClaim(ctx, claimed)
		return domain.BearerToken{}, err
	}

	updated := claimed
	updated.Ciphertext = ciphertext
	updated.ExpiresAt = token.Expiry
	updated.TTL = now.Add(c.recordTTL)
	updated.RefreshClaimedAt = time.Time{}
	updated.Version = claimed.Version + 1

	err = c.store.CompareAndSwap(ctx, claimed.Version, updated)
	if err != nil {
		// Our claim expired mid-refresh and another caller reclaimed it. The
		// token we fetched is still valid; serve it and let the reclaimer's
		// write stand.
		log.Warn().
			Str("key", claimed.Key).
			Err(err).
			Msg("Refresh result write lost the record; serving fetched token")
	}

	log.Debug().
		Str("key", claimed.Key).
		Int64("version", updated.Version).
		Time("expires_at", token.Expiry).
		Msg("Token refreshed")

	return domain.BearerToken{AccessToken: token.AccessToken, ExpiresAt: token.Expiry}, nil
}

func (c *Coordinator) refreshFailed(ctx context.Context, userID string, provider oauth.Provider, claimed domain.CredentialRecord, cause error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(cause, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant" {
		// The refresh token is dead. Delete the record so the user is sent
		// back through the authorization flow.
		if err := c.store.Delete(ctx, claimed.Key); err != nil {
			log.Error().Err(err).Str("key", claimed.Key).Msg("Failed to delete revoked credential record")
		}

		log.Info().Str("key", claimed.Key).Msg("Refresh rejected with invalid_grant, credential deleted")
		return c.authRequired(userID, provider.Name)
	}

	// Transient failure: release the claim so another caller can retry.
	c.releaseClaim(ctx, claimed)

	return &domain.RefreshFailedError{Provider: provider.Name, Err: cause}
}

// releaseClaim clears RefreshClaimedAt after a failed refresh so waiting
// callers do not have to sit out MaxRefreshDuration.
func (c *Coordinator) releaseClaim(ctx context.Context, claimed domain.CredentialRecord) {
	released := claimed
	released.RefreshClaimedAt = time.Time{}
	released.Version = claimed.Version + 1
	if err := c.store.CompareAndSwap(ctx, claimed.Version, released); err != nil {
		log.Warn().Err(err).Str("key", claimed.Key).Msg("Failed to release refresh claim")
	}
}

func (c *Coordinator) bearerFromRecord(ctx context.Context, record domain.CredentialRecord) (domain.BearerToken, error) {
	payload, err := c.decryptPayload(ctx, record)
	if err != nil {
		return domain.BearerToken{}, err
	}

	return domain.BearerToken{AccessToken: payload.AccessToken, ExpiresAt: record.ExpiresAt}, nil
}

func (c *Coordinator) decryptPayload(ctx context.Context, record domain.CredentialRecord) (domain.TokenPayload, error) {
	plaintext, err := c.encryptor.Decrypt(ctx, record.Key, record.Ciphertext)
	if err != nil {
		return domain.TokenPayload{}, err
	}

	var payload domain.TokenPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return domain.TokenPayload{}, fmt.Errorf("failed to decode token payload: %w", err)
	}

	return payload, nil
}

func (c *Coordinator) authRequired(userID, providerName string) error {
	authorizeURL, err := c.portal.PortalURL(userID, "")
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to build portal URL")
	}

	return &domain.AuthRequiredError{
		UserID:       userID,
		Provider:     providerName,
		AuthorizeURL: authorizeURL,
	}
}

func (c *Coordinator) wait(ctx context.Context, attempt int) error {
	backoff := c.retryBackoff * time.Duration(attempt+1)
	backoff += time.Duration(rand.Int63n(int64(c.retryBackoff)))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
		return nil
	}
}
