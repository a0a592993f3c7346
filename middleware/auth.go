// middleware/auth.go
package middleware

import (
	"slices"
	"strings"

	"gem-duel-system/logger"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const (
	RoleAdmin      = "admin"
	RoleGameServer = "game_server"
)

// UserContextMiddleware extracts the identity and roles set by the gateway.
// Routes under /s/ require a user id.
func UserContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := strings.TrimSpace(c.Get("X-User-ID"))
		rolesStr := c.Get("X-User-Roles")

		path := c.Path()
		if strings.HasPrefix(path, "/s/") && userID == "" {
			logger.Warn("[USER_CTX] X-User-ID required but missing on secured route", zap.String("path", path))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing X-User-ID, request must come through gateway with auth context",
			})
		}

		var roles []string
		for _, r := range strings.Split(rolesStr, ",") {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, r)
			}
		}

		c.Locals("user_id", userID)
		c.Locals("user_roles", roles)

		logger.Debug("[USER_CTX] request context",
			zap.String("user_id", userID),
			zap.Strings("roles", roles),
			zap.String("path", path))
		return c.Next()
	}
}

// UserID returns the gateway-supplied user id, or "" when absent.
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals("user_id").(string)
	return id
}

func Roles(c *fiber.Ctx) []string {
	roles, _ := c.Locals("user_roles").([]string)
	return roles
}

// RequireRole rejects requests whose roles do not include role.
func RequireRole(role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !slices.Contains(Roles(c), role) {
			logger.Warn("[USER_CTX] role required",
				zap.String("role", role),
				zap.String("user_id", UserID(c)),
				zap.String("path", c.Path()))
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "insufficient permissions",
			})
		}
		return c.Next()
	}
}
