package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// StateStore holds pending authorization states. ConsumeState is an atomic
// take: the same nonce is only ever handed out once.
type StateStore interface {
	SaveState(ctx context.Context, nonce string, record domain.StateRecord) error
	ConsumeState(ctx context.Context, nonce string) (domain.StateRecord, error)
}

// Flow drives the three-legged authorization-code exchange: portal links,
// anti-forgery state, code exchange, and the token store write that ends the
// flow.
type Flow struct {
	store     domain.TokenStore
	states    StateStore
	encryptor domain.Encryptor
	providers *Registry
	clock     func() time.Time

	portalBaseURL string
	signingSecret []byte
	linkTTL       time.Duration
	stateTTL      time.Duration
	recordTTL     time.Duration
}

type FlowDependencies struct {
	Store     domain.TokenStore
	States    StateStore
	Encryptor domain.Encryptor
	Providers *Registry

	// PortalBaseURL is the public base URL of the authorization portal.
	PortalBaseURL string
	// SigningSecret signs portal link tokens.
	SigningSecret string

	LinkTTL   time.Duration
	StateTTL  time.Duration
	RecordTTL time.Duration

	// Clock overrides time.Now. Test hook.
	Clock func() time.Time
}

func NewFlow(deps FlowDependencies) *Flow {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Flow{
		store:         deps.Store,
		states:        deps.States,
		encryptor:     deps.Encryptor,
		providers:     deps.Providers,
		clock:         clock,
		portalBaseURL: deps.PortalBaseURL,
		signingSecret: []byte(deps.SigningSecret),
		linkTTL:       deps.LinkTTL,
		stateTTL:      deps.StateTTL,
		recordTTL:     deps.RecordTTL,
	}
}

type portalClaims struct {
	DisplayName string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

// PortalURL mints a short-lived signed link the bot can hand to a user. The
// link is bound to the user; whoever opens it authorizes on that user's
// behalf, so it is delivered as an ephemeral message.
func (f *Flow) PortalURL(userID, displayName string) (string, error) {
	now := f.clock()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, portalClaims{
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(f.linkTTL)),
		},
	})

	signed, err := token.SignedString(f.signingSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign portal token: %w", err)
	}

	return f.portalBaseURL + "/?token=" + signed, nil
}

// ParsePortalToken validates a portal link token and returns the user it was
// minted for.
func (f *Flow) ParsePortalToken(tokenString string) (userID, displayName string, err error) {
	var claims portalClaims
	_, err = jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return f.signingSecret, nil
	}, jwt.WithTimeFunc(f.clock), jwt.WithExpirationRequired())
	if err != nil {
		return "", "", &domain.ValidationError{Reason: fmt.Sprintf("invalid portal token: %v", err)}
	}

	if claims.Subject == "" {
		return "", "", &domain.ValidationError{Reason: "portal token missing subject"}
	}

	return claims.Subject, claims.DisplayName, nil
}

// BeginAuthorization mints a single-use state bound to the user and returns
// the provider authorize URL to redirect them to.
func (f *Flow) BeginAuthorization(ctx context.Context, userID, displayName, providerName string) (string, error) {
	provider, err := f.providers.Get(providerName)
	if err != nil {
		return "", err
	}

	nonce := uuid.NewString()
	err = f.states.SaveState(ctx, nonce, domain.StateRecord{
		UserID:      userID,
		DisplayName: displayName,
		Provider:    provider.Name,
		ExpiresAt:   f.clock().Add(f.stateTTL),
	})
	if err != nil {
		return "", fmt.Errorf("failed to save authorization state: %w", err)
	}

	config := provider.Config(f.callbackURL(provider.Name))

	return config.AuthCodeURL(nonce, provider.AuthCodeOptions()...), nil
}

// CompleteAuthorization validates the returned state, exchanges the code, and
// writes the credential record. A record that already exists means the user
// re-authenticated; the fresh tokens replace it via CAS.
func (f *Flow) CompleteAuthorization(ctx context.Context, code, stateNonce string) (domain.StateRecord, error) {
	state, err := f.states.ConsumeState(ctx, stateNonce)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.StateRecord{}, &domain.ValidationError{Reason: "unknown, expired, or already used state"}
	}
	if err != nil {
		return domain.StateRecord{}, fmt.Errorf("failed to consume authorization state: %w", err)
	}

	provider, err := f.providers.Get(state.Provider)
	if err != nil {
		return domain.StateRecord{}, err
	}

	config := provider.Config(f.callbackURL(provider.Name))

	token, err := config.Exchange(ctx, code)
	if err != nil {
		return domain.StateRecord{}, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	now := f.clock()
	payload := domain.TokenPayload{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IssuedAt:     now.Unix(),
	}
	if scope, ok := token.Extra("scope").(string); ok {
		payload.Scope = scope
	}

	key := domain.CredentialKey(state.UserID, provider.Name)

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return domain.StateRecord{}, fmt.Errorf("failed to encode token payload: %w", err)
	}

	ciphertext, err := f.encryptor.Encrypt(ctx, key, plaintext)
	if err != nil {
		return domain.StateRecord{}, err
	}

	record := domain.CredentialRecord{
		Key:        key,
		Ciphertext: ciphertext,
		ExpiresAt:  token.Expiry,
		TTL:        now.Add(f.recordTTL),
		Version:    1,
	}

	err = f.store.PutNew(ctx, record)
	if errors.Is(err, domain.ErrAlreadyExists) {
		// Idempotent re-authentication: replace the old record in place.
		err = f.replaceExisting(ctx, record)
	}
	if err != nil {
		return domain.StateRecord{}, fmt.Errorf("failed to store credential record: %w", err)
	}

	log.Info().
		Str("user_id", state.UserID).
		Str("provider", provider.Name).
		Time("expires_at", token.Expiry).
		Msg("Authorization completed")

	return state, nil
}

func (f *Flow) replaceExisting(ctx context.Context, record domain.CredentialRecord) error {
	for {
		current, err := f.store.Get(ctx, record.Key)
		if errors.Is(err, domain.ErrNotFound) {
			// Deleted between our PutNew and Get; try the create again.
			err = f.store.PutNew(ctx, record)
			if errors.Is(err, domain.ErrAlreadyExists) {
				continue
			}
			return err
		}
		if err != nil {
			return err
		}

		record.Version = current.Version + 1
		err = f.store.CompareAndSwap(ctx, current.Version, record)
		if errors.Is(err, domain.ErrVersionConflict) || errors.Is(err, domain.ErrNotFound) {
			continue
		}
		return err
	}
}

// Revoke deletes the user's credential record for a provider.
func (f *Flow) Revoke(ctx context.Context, userID, providerName string) error {
	provider, err := f.providers.Get(providerName)
	if err != nil {
		return err
	}

	if err := f.store.Delete(ctx, domain.CredentialKey(userID, provider.Name)); err != nil {
		return fmt.Errorf("failed to delete credential record: %w", err)
	}

	log.Info().Str("user_id", userID).Str("provider", provider.Name).Msg("Authorization revoked")
	return nil
}

// Status reports the authorization lifecycle state for a (user, provider)
// pair, derived from the store.
func (f *Flow) Status(ctx context.Context, userID, providerName string) (domain.AuthState, error) {
	record, err := f.store.Get(ctx, domain.CredentialKey(userID, providerName))
	if errors.Is(err, domain.ErrNotFound) {
		return domain.StateUnauthenticated, nil
	}
	if err != nil {
		return domain.StateUnauthenticated, err
	}

	if f.clock().After(record.ExpiresAt) {
		return domain.StateExpired, nil
	}

	return domain.StateAuthenticated, nil
}

func (f *Flow) callbackURL(providerName string) string {
	return f.portalBaseURL + "/callback/" + providerName
}
