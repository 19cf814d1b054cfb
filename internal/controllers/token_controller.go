package controllers

import (
	"errors"
	"time"

	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/broker"
	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/domain"
	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/gateway"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
)

// TokenController is the agent-facing credential API. Both endpoints sit
// behind the request signature middleware; they never expose refresh tokens.
type TokenController struct {
	coordinator *broker.Coordinator
	gateway     *gateway.TokenCache
}

type TokenControllerDependencies struct {
	Coordinator *broker.Coordinator
	Gateway     *gateway.TokenCache
}

func NewTokenController(deps TokenControllerDependencies) *TokenController {
	return &TokenController{
		coordinator: deps.Coordinator,
		gateway:     deps.Gateway,
	}
}

type acquireTokenRequest struct {
	UserID   string `json:"user_id"`
	Provider string `json:"provider"`
}

type acquireTokenResponse struct {
	AccessToken string    `json:"access_token,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`

	NeedsAuthorization bool   `json:"needs_authorization,omitempty"`
	AuthorizeURL       string `json:"authorize_url,omitempty"`
}

// AcquireToken returns a valid access token for a (user, provider) pair,
// refreshing behind the scenes when needed. An unauthorized user gets a
// needs_authorization response with a portal link instead of an error status;
// the agent relays the link, it does not retry.
func (c *TokenController) AcquireToken(ctx fiber.Ctx) error {
	var req acquireTokenRequest
	if err := ctx.Bind().Body(&req); err != nil {
		return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	if req.UserID == "" || req.Provider == "" {
		return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id and provider are required",
		})
	}

	token, err := c.coordinator.AcquireToken(ctx.RequestCtx(), req.UserID, req.Provider)

	var authRequired *domain.AuthRequiredError
	switch {
	case errors.As(err, &authRequired):
		return ctx.JSON(acquireTokenResponse{
			NeedsAuthorization: true,
			AuthorizeURL:       authRequired.AuthorizeURL,
		})
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return ctx.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "token refresh unavailable, retry later",
		})
	case err != nil:
		log.Error().Err(err).
			Str("user_id", req.UserID).
			Str("provider", req.Provider).
			Msg("Failed to acquire token")
		return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to acquire token",
		})
	}

	return ctx.JSON(acquireTokenResponse{
		AccessToken: token.AccessToken,
		ExpiresAt:   token.ExpiresAt,
	})
}

// GatewayToken returns the shared machine-to-machine token for downstream
// gateway calls.
func (c *TokenController) GatewayToken(ctx fiber.Ctx) error {
	token, err := c.gateway.Token(ctx.RequestCtx())
	if err != nil {
		log.Error().Err(err).Msg("Failed to acquire gateway token")
		return ctx.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "gateway token unavailable",
		})
	}

	return ctx.JSON(acquireTokenResponse{
		AccessToken: token.AccessToken,
		ExpiresAt:   token.ExpiresAt,
	})
}
