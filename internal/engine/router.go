package engine

import "github.com/gofiber/fiber/v2"

func RegisterDynamicRoutes(app fiber.Router, h *Handler) {
	api := app.Group("/api")

	api.Get("/:table", h.List)
	api.Get("/:table/:id", h.GetByID)
	api.Post("/:table", h.Create)
	api.Put("/:table/:id", h.Update)
	api.Patch("/:table/:id", h.Update)
	api.Delete("/:table/:id", h.Delete)
}

func RegisterWorkflowRoutes(app fiber.Router, h *WorkflowHandler) {
	wf := app.Group("/api/_workflows")

	wf.Get("/", h.List)
	wf.Post("/:name", h.Execute)
}
