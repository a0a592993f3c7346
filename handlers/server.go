// handlers/server.go
package handlers

import (
	"encoding/json"

	"gem-duel-system/middleware"
	"gem-duel-system/models"
	"gem-duel-system/services"

	"github.com/gofiber/fiber/v2"
)

// SetupServerRoutes is the surface used by game servers: liveness, the
// session transcript and result reporting.
func SetupServerRoutes(app *fiber.App, allocator *services.Allocator, duels *services.DuelService) {
	g := app.Group("/s/server", middleware.UserContextMiddleware(), middleware.RequireRole(middleware.RoleGameServer))

	g.Post("/heartbeat", func(c *fiber.Ctx) error {
		var req services.HeartbeatRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON")
		}
		slot, err := allocator.Heartbeat(c.UserContext(), req)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(slot)
	})

	g.Post("/duels/:id/events", func(c *fiber.Ctx) error {
		var body struct {
			UserID  string               `json:"user_id"`
			Kind    models.DuelEventKind `json:"kind"`
			Payload json.RawMessage      `json:"payload,omitempty"`
		}
		if err := c.BodyParser(&body); err != nil {
			return badRequest(c, "invalid JSON")
		}
		ev, err := duels.AppendEvent(c.UserContext(), c.Params("id"), body.UserID, body.Kind, body.Payload)
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(ev)
	})

	g.Post("/duels/:id/result", func(c *fiber.Ctx) error {
		var body struct {
			WinnerID string `json:"winner_id"`
		}
		if err := c.BodyParser(&body); err != nil {
			return badRequest(c, "invalid JSON")
		}
		duel, err := duels.ReportResult(c.UserContext(), c.Params("id"), body.WinnerID)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(duel)
	})
}
