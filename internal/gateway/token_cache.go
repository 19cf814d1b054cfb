package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// TokenCache caches the client-credentials JWT the agent presents to the
// routing gateway. One machine identity, so the decrypted token lives in
// memory for its validity window; singleflight keeps concurrent callers from
// each hitting the token endpoint.
type TokenCache struct {
	discoveryURL string
	clientID     string
	clientSecret string
	scopes       []string

	httpClient *http.Client
	margin     time.Duration
	clock      func() time.Time

	group singleflight.Group

	mu       sync.RWMutex
	cached   domain.BearerToken
	tokenURL string
}

type TokenCacheConfig struct {
	// DiscoveryURL points at the authorization server's OIDC discovery
	// document; the token endpoint is resolved from it, never hard-coded.
	DiscoveryURL string
	ClientID     string
	ClientSecret string
	Scopes       []string

	// RefreshMargin is the refresh-ahead window before token expiry.
	RefreshMargin time.Duration

	HTTPClient *http.Client
	Clock      func() time.Time
}

func NewTokenCache(config TokenCacheConfig) *TokenCache {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}

	return &TokenCache{
		discoveryURL: config.DiscoveryURL,
		clientID:     config.ClientID,
		clientSecret: config.ClientSecret,
		scopes:       config.Scopes,
		httpClient:   httpClient,
		margin:       config.RefreshMargin,
		clock:        clock,
	}
}

// Token returns a gateway bearer token, fetching a fresh one when the cached
// token is within the refresh margin of expiry.
func (c *TokenCache) Token(ctx context.Context) (domain.BearerToken, error) {
	if token, ok := c.fresh(); ok {
		return token, nil
	}

	result, err, _ := c.group.Do("gateway-token", func() (any, error) {
		// Re-check under the flight: a racing caller may have refreshed
		// between our check and joining the group.
		if token, ok := c.fresh(); ok {
			return token, nil
		}

		return c.fetch(ctx)
	})
	if err != nil {
		return domain.BearerToken{}, err
	}

	return result.(domain.BearerToken), nil
}

func (c *TokenCache) fresh() (domain.BearerToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.cached.AccessToken == "" {
		return domain.BearerToken{}, false
	}

	if c.cached.ExpiresAt.Sub(c.clock()) <= c.margin {
		return domain.BearerToken{}, false
	}

	return c.cached, true
}

func (c *TokenCache) fetch(ctx context.Context) (domain.BearerToken, error) {
	tokenURL, err := c.resolveTokenEndpoint(ctx)
	if err != nil {
		return domain.BearerToken{}, err
	}

	config := clientcredentials.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		TokenURL:     tokenURL,
		Scopes:       c.scopes,
	}

	token, err := config.Token(ctx)
	if err != nil {
		return domain.BearerToken{}, fmt.Errorf("%w: gateway token fetch: %v", domain.ErrUpstreamUnavailable, err)
	}

	expiresAt := token.Expiry
	if expiresAt.IsZero() {
		// Endpoint omitted expires_in; the JWT's own exp claim is
		// authoritative. Parsed unverified: the gateway validates the
		// signature, we only need the deadline.
		expiresAt = jwtExpiry(token.AccessToken, c.clock())
	}

	fetched := domain.BearerToken{AccessToken: token.AccessToken, ExpiresAt: expiresAt}

	c.mu.Lock()
	c.cached = fetched
	c.mu.Unlock()

	log.Debug().Time("expires_at", expiresAt).Msg("Gateway token refreshed")

	return fetched, nil
}

func (c *TokenCache) resolveTokenEndpoint(ctx context.Context) (string, error) {
	c.mu.RLock()
	tokenURL := c.tokenURL
	c.mu.RUnlock()

	if tokenURL != "" {
		return tokenURL, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.discoveryURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build discovery request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: discovery document fetch: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: discovery document returned status %d", domain.ErrUpstreamUnavailable, resp.StatusCode)
	}

	var doc struct {
		TokenEndpoint string `json:"token_endpoint"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("failed to decode discovery document: %w", err)
	}

	if doc.TokenEndpoint == "" {
		return "", fmt.Errorf("discovery document has no token_endpoint")
	}

	c.mu.Lock()
	c.tokenURL = doc.TokenEndpoint
	c.mu.Unlock()

	return doc.TokenEndpoint, nil
}

// Clear drops the cached token, forcing the next caller to fetch. Used when
// the gateway rejects a token the cache still considers valid.
func (c *TokenCache) Clear() {
	c.mu.Lock()
	c.cached = domain.BearerToken{}
	c.mu.Unlock()
}

func jwtExpiry(accessToken string, now time.Time) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return now.Add(time.Hour)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return now.Add(time.Hour)
	}

	return exp.Time
}
