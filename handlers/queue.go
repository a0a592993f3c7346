// handlers/queue.go
package handlers

import (
	"gem-duel-system/middleware"
	"gem-duel-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupQueueRoutes(app *fiber.App, mm *services.MatchmakingService) {
	g := app.Group("/s/queue", middleware.UserContextMiddleware())

	g.Post("/", func(c *fiber.Ctx) error {
		var req services.JoinRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON")
		}
		req.UserID = middleware.UserID(c)
		entry, err := mm.Join(c.UserContext(), req)
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(entry)
	})

	g.Get("/", func(c *fiber.Ctx) error {
		status, err := mm.Status(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(status)
	})

	g.Delete("/", func(c *fiber.Ctx) error {
		if err := mm.Leave(c.UserContext(), middleware.UserID(c)); err != nil {
			return respondError(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}
