// handlers/accounts.go
package handlers

import (
	"gem-duel-system/middleware"
	"gem-duel-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupAccountRoutes(app *fiber.App, accounts *services.AccountService) {
	g := app.Group("/s/accounts", middleware.UserContextMiddleware())

	g.Get("/search", func(c *fiber.Ctx) error {
		res, err := accounts.Search(c.UserContext(), c.Query("q"), c.QueryInt("limit", 50))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(res)
	})

	g.Get("/leaderboard", func(c *fiber.Ctx) error {
		res, err := accounts.Leaderboard(c.UserContext(), c.QueryInt("limit", 50))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"leaderboard": res})
	})

	g.Get("/me", func(c *fiber.Ctx) error {
		res, err := accounts.Profile(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(res)
	})

	g.Get("/:id", func(c *fiber.Ctx) error {
		res, err := accounts.Profile(c.UserContext(), c.Params("id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(res)
	})
}
