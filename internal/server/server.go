package server

import (
	"context"
	"time"

	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/auth"
	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/controllers"
	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/middlewares"
	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/version"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type HTTPServerDependencies struct {
	SlackController  *controllers.SlackController
	PortalController *controllers.PortalController
	TokenController  *controllers.TokenController

	// APIVerifier guards the internal credential API. When nil the internal
	// routes are not registered at all.
	APIVerifier *auth.SignatureVerifier
}

func NewHTTPServer(ctx context.Context, deps HTTPServerDependencies) *fiber.App {
	router := fiber.New(fiber.Config{
		AppName: "agentbot",
	})

	router.Use(cors.New())
	router.Use(logger.New())

	// Health check endpoint (no authentication required)
	router.Get("/health", func(c fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status":    "healthy",
			"service":   "agentbot",
			"version":   version.GetVersion(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	// Slack ingress authenticates with its own HMAC signature inside the
	// handler, not with middleware, because the raw body is part of the check.
	router.Post("/slack/events", deps.SlackController.HandleEvent)

	router.Get("/", deps.PortalController.Landing)
	router.Get("/callback/:provider", deps.PortalController.Callback)
	router.Post("/revoke/:provider", deps.PortalController.Revoke)

	if deps.APIVerifier != nil {
		internal := router.Group("/internal")
		internal.Use(middlewares.APISignatureMiddleware(deps.APIVerifier))

		internal.Post("/tokens", deps.TokenController.AcquireToken)
		internal.Get("/gateway-token", deps.TokenController.GatewayToken)
	}

	return router
}
