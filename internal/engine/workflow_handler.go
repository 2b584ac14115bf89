package engine

import (
	"github.com/gofiber/fiber/v2"

	"denim/internal/metadata"
)

type WorkflowHandler struct {
	workflows *Workflows
}

func NewWorkflowHandler(w *Workflows) *WorkflowHandler {
	return &WorkflowHandler{workflows: w}
}

// List handles GET /api/_workflows
func (h *WorkflowHandler) List(c *fiber.Ctx) error {
	names := h.workflows.Names()
	if names == nil {
		names = []string{}
	}
	return c.JSON(fiber.Map{"data": names})
}

// Execute handles POST /api/_workflows/:name
func (h *WorkflowHandler) Execute(c *fiber.Ctx) error {
	input, err := parseBody(c)
	if err != nil {
		return err
	}

	ctx := c.UserContext()
	result, err := h.workflows.Execute(ctx, c.Params("name"), input, metadata.UserFromContext(ctx))
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"data": result})
}
