// handlers/errors.go
package handlers

import (
	"errors"

	"gem-duel-system/logger"
	"gem-duel-system/services"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// statusFor maps the service error taxonomy to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, services.ErrInsufficientFunds):
		return fiber.StatusPaymentRequired
	case errors.Is(err, services.ErrConflict):
		return fiber.StatusConflict
	case errors.Is(err, services.ErrResourceUnavailable):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, services.ErrExternalDependency):
		return fiber.StatusBadGateway
	case errors.Is(err, services.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, services.ErrForbidden):
		return fiber.StatusForbidden
	default:
		return fiber.StatusInternalServerError
	}
}

// respondError writes the error response. Internal failures are logged with
// detail and answered with a generic message.
func respondError(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	switch status {
	case fiber.StatusInternalServerError:
		logger.Error("[HTTP] internal error",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err))
		return c.Status(status).JSON(fiber.Map{"error": "internal server error"})
	case fiber.StatusBadGateway:
		logger.Warn("[HTTP] upstream unavailable", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(status).JSON(fiber.Map{"error": "upstream dependency unavailable, try again later"})
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}
