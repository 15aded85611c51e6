package handler

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/zemo/api/internal/model"
	ws "github.com/zemo/api/internal/websocket"
)

// Routes mounts the job API and the realtime channels on an app.
type Routes struct {
	Jobs        *JobHandler
	Hub         *ws.Hub
	Auth        fiber.Handler
	SubmitLimit fiber.Handler
}

func (r Routes) Mount(app *fiber.App) {
	api := app.Group("/api", r.Auth)

	jobs := api.Group("/jobs")
	jobs.Post("/", r.SubmitLimit, r.Jobs.Submit)
	jobs.Get("/", r.Jobs.List)
	jobs.Get("/stats", r.Jobs.Stats)
	jobs.Get("/:jobId", r.Jobs.Get)
	jobs.Get("/:jobId/logs", r.Jobs.Logs)
	jobs.Post("/:jobId/cancel", r.Jobs.Cancel)

	if r.Hub == nil {
		return
	}

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		r.Hub.HandleConnection(c, model.JobChannel(c.Params("jobId")))
	}))

	app.Get("/ws/types/:type", func(c *fiber.Ctx) error {
		if _, ok := model.ParseJobType(c.Params("type")); !ok {
			return fiber.NewError(fiber.StatusNotFound, "unknown job type")
		}
		return c.Next()
	}, websocket.New(func(c *websocket.Conn) {
		t, _ := model.ParseJobType(c.Params("type"))
		r.Hub.HandleConnection(c, model.TypeChannel(t))
	}))
}
