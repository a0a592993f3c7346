// handlers/duel.go
package handlers

import (
	"strings"

	"gem-duel-system/middleware"
	"gem-duel-system/models"
	"gem-duel-system/services"
	"gem-duel-system/utils"

	"github.com/gofiber/fiber/v2"
)

// SetupDuelRoutes registers the player-facing duel endpoints under /s/duels.
// evidence may be nil, in which case disputes are text only.
func SetupDuelRoutes(app *fiber.App, duels *services.DuelService, evidence *utils.EvidenceStore) {
	g := app.Group("/s/duels", middleware.UserContextMiddleware())

	g.Post("/", func(c *fiber.Ctx) error {
		var req services.ChallengeRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON")
		}
		req.ChallengerID = middleware.UserID(c)
		duel, err := duels.CreateChallenge(c.UserContext(), req)
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(duel)
	})

	g.Get("/", func(c *fiber.Ctx) error {
		status := models.DuelStatus(c.Query("status"))
		list, total, err := duels.ListForUser(c.UserContext(), middleware.UserID(c), status,
			c.QueryInt("page", 1), c.QueryInt("size", 20))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"duels": list, "total": total})
	})

	g.Get("/:id", func(c *fiber.Ctx) error {
		duel, err := duels.GetForUser(c.UserContext(), c.Params("id"), middleware.UserID(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(duel)
	})

	g.Get("/:id/events", func(c *fiber.Ctx) error {
		if _, err := duels.GetForUser(c.UserContext(), c.Params("id"), middleware.UserID(c)); err != nil {
			return respondError(c, err)
		}
		events, err := duels.Events(c.UserContext(), c.Params("id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"events": events})
	})

	g.Post("/:id/accept", func(c *fiber.Ctx) error {
		duel, err := duels.Accept(c.UserContext(), c.Params("id"), middleware.UserID(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(duel)
	})

	g.Post("/:id/decline", func(c *fiber.Ctx) error {
		duel, err := duels.Decline(c.UserContext(), c.Params("id"), middleware.UserID(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(duel)
	})

	g.Post("/:id/cancel", func(c *fiber.Ctx) error {
		duel, err := duels.Cancel(c.UserContext(), c.Params("id"), middleware.UserID(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(duel)
	})

	g.Post("/:id/start", func(c *fiber.Ctx) error {
		duel, slot, err := duels.Start(c.UserContext(), c.Params("id"), middleware.UserID(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{
			"duel":           duel,
			"server_id":      slot.ServerID,
			"server_address": slot.Address,
		})
	})

	g.Post("/:id/ack", func(c *fiber.Ctx) error {
		duel, err := duels.Acknowledge(c.UserContext(), c.Params("id"), middleware.UserID(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(duel)
	})

	// Accepts JSON, or multipart with "reason" and an optional "evidence" file.
	g.Post("/:id/dispute", func(c *fiber.Ctx) error {
		duelID := c.Params("id")
		userID := middleware.UserID(c)
		req := services.DisputeRequest{DuelID: duelID, ReporterID: userID}

		if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
			req.Reason = c.FormValue("reason")
			if fh, err := c.FormFile("evidence"); err == nil {
				if evidence == nil {
					return badRequest(c, "evidence upload is not enabled")
				}
				// Only participants may upload against the duel.
				if _, err := duels.GetForUser(c.UserContext(), duelID, userID); err != nil {
					return respondError(c, err)
				}
				url, err := evidence.UploadEvidence(c.UserContext(), duelID, fh)
				if err != nil {
					return badRequest(c, err.Error())
				}
				req.EvidenceURL = url
			}
		} else {
			var body struct {
				Reason string `json:"reason"`
			}
			if err := c.BodyParser(&body); err != nil {
				return badRequest(c, "invalid JSON")
			}
			req.Reason = body.Reason
		}

		dispute, err := duels.Dispute(c.UserContext(), req)
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(dispute)
	})
}
