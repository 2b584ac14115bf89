package engine

import (
	"github.com/gofiber/fiber/v2"

	"denim/internal/metadata"
	"denim/internal/query"
)

type Handler struct {
	provider *Provider
}

func NewHandler(p *Provider) *Handler {
	return &Handler{provider: p}
}

// List handles GET /api/:table
func (h *Handler) List(c *fiber.Ctx) error {
	table, err := h.resolveTable(c)
	if err != nil {
		return err
	}

	q, err := ParseQueryParams(c, table)
	if err != nil {
		return err
	}

	rows, err := h.provider.RetrieveRecords(c.UserContext(), table.Name, q)
	if err != nil {
		return err
	}

	// Ensure non-nil slice for JSON
	if rows == nil {
		rows = []metadata.Record{}
	}

	page, size := query.PageBounds(q)
	return c.JSON(fiber.Map{
		"data": rows,
		"meta": fiber.Map{
			"page":      page,
			"page_size": size,
			"count":     len(rows),
		},
	})
}

// GetByID handles GET /api/:table/:id
func (h *Handler) GetByID(c *fiber.Ctx) error {
	table, err := h.resolveTable(c)
	if err != nil {
		return err
	}

	id := c.Params("id")
	row, err := h.provider.RetrieveRecord(c.UserContext(), table.Name, id, parseExpand(c))
	if err != nil {
		return err
	}
	if row == nil {
		return NotFoundError(table.Name, id)
	}

	return c.JSON(fiber.Map{"data": row})
}

// Create handles POST /api/:table
func (h *Handler) Create(c *fiber.Ctx) error {
	table, err := h.resolveTable(c)
	if err != nil {
		return err
	}

	body, err := parseBody(c)
	if err != nil {
		return err
	}

	record, err := h.provider.CreateRecord(c.UserContext(), table.Name, body)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": record})
}

// Update handles PUT and PATCH /api/:table/:id. Both merge the body over the
// stored record.
func (h *Handler) Update(c *fiber.Ctx) error {
	table, err := h.resolveTable(c)
	if err != nil {
		return err
	}

	body, err := parseBody(c)
	if err != nil {
		return err
	}

	record, err := h.provider.UpdateRecord(c.UserContext(), table.Name, c.Params("id"), body)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"data": record})
}

// Delete handles DELETE /api/:table/:id
func (h *Handler) Delete(c *fiber.Ctx) error {
	table, err := h.resolveTable(c)
	if err != nil {
		return err
	}

	id := c.Params("id")
	if err := h.provider.DeleteRecord(c.UserContext(), table.Name, id); err != nil {
		return err
	}

	return c.JSON(fiber.Map{"data": fiber.Map{"id": id}})
}

func (h *Handler) resolveTable(c *fiber.Ctx) (*metadata.Table, error) {
	return h.provider.Table(c.Params("table"))
}

func parseBody(c *fiber.Ctx) (metadata.Record, error) {
	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return nil, InvalidPayloadError("Invalid JSON body")
	}
	if body == nil {
		body = map[string]any{}
	}
	return metadata.Record(body), nil
}
