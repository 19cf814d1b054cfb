package middlewares

import (
	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/auth"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
)

// APISignatureMiddleware guards the internal credential API. Every request
// must carry a valid Ed25519 signature over the canonical request; anything
// else is rejected before the handler runs.
func APISignatureMiddleware(verifier *auth.SignatureVerifier) fiber.Handler {
	return func(c fiber.Ctx) error {
		signatureHeader := c.Get("X-Agent-Signature")
		timestampHeader := c.Get("X-Agent-Timestamp")

		err := verifier.VerifyRequest(
			c.Method(),
			c.Path(),
			signatureHeader,
			timestampHeader,
			c.Body(),
		)

		if err != nil {
			log.Warn().
				Err(err).
				Str("path", c.Path()).
				Str("method", c.Method()).
				Str("timestamp", timestampHeader).
				Msg("Request signature verification failed")

			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid request signature",
			})
		}

		log.Debug().
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("Request signature verified")

		return c.Next()
	}
}
