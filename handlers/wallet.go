// handlers/wallet.go
package handlers

import (
	"errors"

	"gem-duel-system/middleware"
	"gem-duel-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupWalletRoutes(app *fiber.App, ledger *services.Ledger, deposits *services.DepositReconciler) {
	g := app.Group("/s/wallet", middleware.UserContextMiddleware())

	g.Get("/balance", func(c *fiber.Ctx) error {
		userID := middleware.UserID(c)
		balance, err := ledger.Balance(c.UserContext(), userID)
		if errors.Is(err, services.ErrNotFound) {
			// No account yet means nothing was ever credited.
			return c.JSON(fiber.Map{"account_id": userID, "balance": 0})
		}
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{
			"account_id": userID,
			"balance":    balance,
			"formatted":  services.FormatGems(balance),
		})
	})

	g.Get("/history", func(c *fiber.Ctx) error {
		page, err := ledger.History(c.UserContext(), middleware.UserID(c), c.QueryInt("page", 1), c.QueryInt("size", 20))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(page)
	})

	g.Get("/deposits", func(c *fiber.Ctx) error {
		list, err := deposits.ListForUser(c.UserContext(), middleware.UserID(c), c.QueryInt("limit", 50))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"deposits": list})
	})
}
