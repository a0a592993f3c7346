// handlers/notifications.go
package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"gem-duel-system/logger"
	"gem-duel-system/middleware"
	"gem-duel-system/services"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// StreamPollInterval is how often the SSE stream tails the notifications table.
var StreamPollInterval = 2 * time.Second

func SetupNotificationRoutes(app *fiber.App, notifier *services.DBNotifier) {
	g := app.Group("/s/notifications", middleware.UserContextMiddleware())

	g.Get("/", func(c *fiber.Ctx) error {
		list, err := notifier.List(c.UserContext(), middleware.UserID(c), c.QueryBool("unread", false), c.QueryInt("limit", 50))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"notifications": list})
	})

	g.Post("/read", func(c *fiber.Ctx) error {
		var body struct {
			IDs []string `json:"ids"`
		}
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&body); err != nil {
				return badRequest(c, "invalid JSON")
			}
		}
		n, err := notifier.MarkViewed(c.UserContext(), middleware.UserID(c), body.IDs)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"updated": n})
	})

	g.Get("/stream", func(c *fiber.Ctx) error {
		userID := middleware.UserID(c)
		ctx := c.Context()

		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("X-Accel-Buffering", "no")

		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			ticker := time.NewTicker(StreamPollInterval)
			defer ticker.Stop()

			cursor := time.Now().UTC()

			w.WriteString(":\n\n")
			if err := w.Flush(); err != nil {
				return
			}

			for {
				select {
				case <-ticker.C:
					rows, err := notifier.Since(ctx, userID, cursor)
					if err != nil {
						logger.Warn("[SSE] notification query failed", zap.String("user_id", userID), zap.Error(err))
						continue
					}
					if len(rows) == 0 {
						// Keepalive so proxies and dead clients are noticed.
						w.WriteString(":\n\n")
					}
					for _, n := range rows {
						payload, _ := json.Marshal(n)
						fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", n.ID, n.Kind, payload)
						cursor = n.CreatedAt
					}
					if err := w.Flush(); err != nil {
						return
					}
				case <-ctx.Done():
					return
				}
			}
		})
		return nil
	})
}
