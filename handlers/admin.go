// handlers/admin.go
package handlers

import (
	"gem-duel-system/middleware"
	"gem-duel-system/models"
	"gem-duel-system/services"

	"github.com/gofiber/fiber/v2"
)

// AdminDeps groups the services the admin surface operates on.
type AdminDeps struct {
	Ledger      *services.Ledger
	Duels       *services.DuelService
	Matchmaking *services.MatchmakingService
	Sweeper     *services.Sweeper
	Deposits    *services.DepositReconciler
	Allocator   *services.Allocator
}

func SetupAdminRoutes(app *fiber.App, d AdminDeps) {
	g := app.Group("/s/admin", middleware.UserContextMiddleware(), middleware.RequireRole(middleware.RoleAdmin))

	g.Post("/accounts/:id/adjust", func(c *fiber.Ctx) error {
		var body struct {
			Delta int64  `json:"delta"`
			Note  string `json:"note"`
		}
		if err := c.BodyParser(&body); err != nil {
			return badRequest(c, "invalid JSON")
		}
		if body.Note == "" {
			return badRequest(c, "note is required for manual adjustments")
		}
		balance, err := d.Ledger.Adjust(c.UserContext(), c.Params("id"), body.Delta, middleware.UserID(c), body.Note)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"account_id": c.Params("id"), "balance": balance})
	})

	g.Post("/accounts/:id/withdraw", func(c *fiber.Ctx) error {
		var body struct {
			Amount   int64  `json:"amount"`
			PayoutID string `json:"payout_id"`
			Note     string `json:"note"`
		}
		if err := c.BodyParser(&body); err != nil {
			return badRequest(c, "invalid JSON")
		}
		balance, err := d.Ledger.Withdraw(c.UserContext(), c.Params("id"), body.Amount, body.PayoutID, body.Note)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"account_id": c.Params("id"), "balance": balance})
	})

	g.Get("/accounts/:id/reconcile", func(c *fiber.Ctx) error {
		balance, sum, err := d.Ledger.Reconcile(c.UserContext(), c.Params("id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{
			"account_id":  c.Params("id"),
			"balance":     balance,
			"entries_sum": sum,
			"consistent":  balance == sum,
		})
	})

	g.Get("/accounts/:id/history", func(c *fiber.Ctx) error {
		page, err := d.Ledger.History(c.UserContext(), c.Params("id"), c.QueryInt("page", 1), c.QueryInt("size", 20))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(page)
	})

	g.Get("/disputes", func(c *fiber.Ctx) error {
		list, err := d.Duels.ListDisputes(c.UserContext(), models.DisputeStatus(c.Query("status", string(models.DisputeOpen))))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"disputes": list})
	})

	g.Post("/duels/:id/resolve", func(c *fiber.Ctx) error {
		var body struct {
			Decision models.DisputeDecision `json:"decision"`
		}
		if err := c.BodyParser(&body); err != nil {
			return badRequest(c, "invalid JSON")
		}
		duel, err := d.Duels.ResolveDispute(c.UserContext(), c.Params("id"), middleware.UserID(c), body.Decision)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(duel)
	})

	g.Get("/duels/:id", func(c *fiber.Ctx) error {
		duel, err := d.Duels.Get(c.UserContext(), c.Params("id"))
		if err != nil {
			return respondError(c, err)
		}
		events, err := d.Duels.Events(c.UserContext(), duel.ID)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"duel": duel, "events": events})
	})

	g.Get("/servers", func(c *fiber.Ctx) error {
		slots, err := d.Allocator.ListServers(c.UserContext(), c.Query("region"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"servers": slots})
	})

	// Manual triggers for the background passes.
	g.Post("/jobs/matchmaking", func(c *fiber.Ctx) error {
		res, err := d.Matchmaking.RunPass(c.UserContext())
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(res)
	})

	g.Post("/jobs/sweeper", func(c *fiber.Ctx) error {
		return c.JSON(d.Sweeper.RunOnce(c.UserContext()))
	})

	g.Post("/jobs/deposits", func(c *fiber.Ctx) error {
		res, err := d.Deposits.ConfirmPending(c.UserContext())
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(res)
	})
}
