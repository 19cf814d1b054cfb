package controllers

import (
	"errors"
	"fmt"
	"html"

	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/domain"
	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/oauth"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
)

// PortalController serves the user-facing authorization pages: a link-guarded
// landing page that redirects into the provider consent screen, the OAuth
// callback, and revocation. Markup is deliberately minimal.
type PortalController struct {
	flow     *oauth.Flow
	provider string
}

type PortalControllerDependencies struct {
	Flow *oauth.Flow

	// DefaultProvider is the provider the portal authorizes when the link
	// does not name one.
	DefaultProvider string
}

func NewPortalController(deps PortalControllerDependencies) *PortalController {
	return &PortalController{
		flow:     deps.Flow,
		provider: deps.DefaultProvider,
	}
}

// Landing validates the portal link token and redirects the user into the
// provider's consent screen with a freshly minted state.
func (c *PortalController) Landing(ctx fiber.Ctx) error {
	token := ctx.Query("token")
	if token == "" {
		return c.renderError(ctx, fiber.StatusBadRequest, "Missing authentication token")
	}

	userID, displayName, err := c.flow.ParsePortalToken(token)
	if err != nil {
		return c.renderError(ctx, fiber.StatusUnauthorized, "This link is invalid or has expired. Ask the bot for a new one.")
	}

	provider := ctx.Query("provider", c.provider)

	authorizeURL, err := c.flow.BeginAuthorization(ctx.RequestCtx(), userID, displayName, provider)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to begin authorization")
		return c.renderError(ctx, fiber.StatusInternalServerError, "Failed to start authorization. Please try again.")
	}

	return ctx.Redirect().To(authorizeURL)
}

// Callback completes the authorization-code exchange.
func (c *PortalController) Callback(ctx fiber.Ctx) error {
	code := ctx.Query("code")
	state := ctx.Query("state")
	if code == "" || state == "" {
		return c.renderError(ctx, fiber.StatusBadRequest, "Missing OAuth parameters")
	}

	result, err := c.flow.CompleteAuthorization(ctx.RequestCtx(), code, state)

	var validationErr *domain.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return c.renderError(ctx, fiber.StatusBadRequest, "Authorization check failed. Ask the bot for a new link and try again.")
	case err != nil:
		log.Error().Err(err).Msg("Failed to complete authorization")
		return c.renderError(ctx, fiber.StatusInternalServerError, "Failed to complete authorization. Please try again.")
	}

	name := result.DisplayName
	if name == "" {
		name = "your account"
	}

	page := fmt.Sprintf(
		"<html><body><h2>Connected</h2><p>%s is now linked to %s. You can close this tab and go back to Slack.</p></body></html>",
		html.EscapeString(result.Provider), html.EscapeString(name),
	)

	ctx.Type("html")
	return ctx.SendString(page)
}

// Revoke deletes the user's stored credential for a provider.
func (c *PortalController) Revoke(ctx fiber.Ctx) error {
	token := ctx.Query("token")
	if token == "" {
		token = ctx.FormValue("token")
	}
	if token == "" {
		return c.renderError(ctx, fiber.StatusBadRequest, "Missing authentication token")
	}

	userID, _, err := c.flow.ParsePortalToken(token)
	if err != nil {
		return c.renderError(ctx, fiber.StatusUnauthorized, "This link is invalid or has expired.")
	}

	provider := ctx.Params("provider", c.provider)

	if err := c.flow.Revoke(ctx.RequestCtx(), userID, provider); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to revoke authorization")
		return c.renderError(ctx, fiber.StatusInternalServerError, "Failed to revoke authorization.")
	}

	ctx.Type("html")
	return ctx.SendString("<html><body><h2>Disconnected</h2><p>Your account has been unlinked.</p></body></html>")
}

func (c *PortalController) renderError(ctx fiber.Ctx, status int, message string) error {
	ctx.Type("html")
	return ctx.Status(status).SendString(
		"<html><body><h2>Authorization error</h2><p>" + html.EscapeString(message) + "</p></body></html>",
	)
}
