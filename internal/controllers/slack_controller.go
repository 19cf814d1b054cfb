package controllers

import (
	"errors"

	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/domain"
	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/ingress"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
)

// SlackController is the public webhook surface. Everything it accepts is
// validated and handed off; it holds no credentials beyond the signing
// secret inside the receiver.
type SlackController struct {
	receiver *ingress.Receiver
}

type SlackControllerDependencies struct {
	Receiver *ingress.Receiver
}

func NewSlackController(deps SlackControllerDependencies) *SlackController {
	return &SlackController{receiver: deps.Receiver}
}

// HandleEvent processes one Slack Events API delivery.
func (c *SlackController) HandleEvent(ctx fiber.Ctx) error {
	response, err := c.receiver.Handle(
		ctx.RequestCtx(),
		ctx.Get("X-Slack-Signature"),
		ctx.Get("X-Slack-Request-Timestamp"),
		ctx.Body(),
	)

	var validationErr *domain.ValidationError
	switch {
	case errors.As(err, &validationErr):
		log.Warn().Str("reason", validationErr.Reason).Msg("Rejected inbound event")
		return ctx.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid request"})

	case errors.Is(err, domain.ErrQueueFull):
		log.Warn().Msg("Dispatch queue full, shedding event")
		return ctx.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "busy"})

	case err != nil:
		log.Error().Err(err).Msg("Failed to handle inbound event")
		return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}

	if response.Challenge != "" {
		return ctx.JSON(fiber.Map{"challenge": response.Challenge})
	}

	return ctx.JSON(fiber.Map{"message": "event received"})
}
