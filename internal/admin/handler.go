package admin

import (
	"github.com/gofiber/fiber/v2"

	"denim/internal/authz"
	"denim/internal/engine"
	"denim/internal/metadata"
	"denim/internal/query"
	"denim/internal/store"
)

type Handler struct {
	provider   *engine.Provider
	authorizer *authz.Authorizer
	reloader   *Reloader
	store      *store.Store
}

// NewHandler returns the admin handler. s may be nil when events are not
// recorded in SQL.
func NewHandler(p *engine.Provider, a *authz.Authorizer, r *Reloader, s *store.Store) *Handler {
	return &Handler{provider: p, authorizer: a, reloader: r, store: s}
}

// RegisterAdminRoutes registers the admin surface behind adminMW and the
// caller's own permissions behind authMW.
func RegisterAdminRoutes(app fiber.Router, h *Handler, authMW, adminMW fiber.Handler) {
	app.Get("/api/_permissions/:table", authMW, h.Permissions)

	admin := app.Group("/api/_admin", authMW, adminMW)
	admin.Get("/tables", h.ListTables)
	admin.Get("/tables/:table", h.GetTable)
	admin.Get("/tables/:table/operators", h.Operators)
	admin.Get("/roles", h.ListRoles)
	admin.Post("/reload", h.Reload)
	admin.Get("/events", h.ListEvents)
	admin.Get("/events/trace/:traceId", h.GetTrace)
}

// --- Schema ---

func (h *Handler) ListTables(c *fiber.Ctx) error {
	tables := h.provider.Registry().AllTables()
	if tables == nil {
		tables = []*metadata.Table{}
	}
	return c.JSON(fiber.Map{"data": tables})
}

func (h *Handler) GetTable(c *fiber.Ctx) error {
	table, err := h.provider.Table(c.Params("table"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": table})
}

// Operators handles GET /api/_admin/tables/:table/operators: the operators a
// condition may use on each column.
func (h *Handler) Operators(c *fiber.Ctx) error {
	table, err := h.provider.Table(c.Params("table"))
	if err != nil {
		return err
	}
	ops := make(map[string][]metadata.Operator, len(table.Columns)+1)
	id, _ := query.ColumnFor(table, "id")
	ops["id"] = query.ValidOperatorsFor(id)
	for i := range table.Columns {
		col := &table.Columns[i]
		ops[col.Name] = query.ValidOperatorsFor(col)
	}
	return c.JSON(fiber.Map{"data": ops})
}

func (h *Handler) ListRoles(c *fiber.Ctx) error {
	roles := h.provider.Registry().Roles()
	if roles == nil {
		roles = []*metadata.AuthorizationRole{}
	}
	return c.JSON(fiber.Map{"data": roles})
}

// Reload handles POST /api/_admin/reload.
func (h *Handler) Reload(c *fiber.Ctx) error {
	def, err := h.reloader.Reload(c.UserContext())
	if err != nil {
		return engine.NewAppError("RELOAD_FAILED", 422, err.Error())
	}
	return c.JSON(fiber.Map{"data": fiber.Map{
		"version":   h.provider.Registry().Version(),
		"tables":    len(def.Tables),
		"roles":     len(def.Roles),
		"workflows": len(def.Workflows),
	}})
}

// Permissions handles GET /api/_permissions/:table: the caller's decision for
// every action on the table.
func (h *Handler) Permissions(c *fiber.Ctx) error {
	table, err := h.provider.Table(c.Params("table"))
	if err != nil {
		return err
	}
	decisions, err := h.authorizer.Explain(metadata.UserFromContext(c.UserContext()), table)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": decisions})
}

// --- Events ---

// ListEvents handles GET /api/_admin/events
func (h *Handler) ListEvents(c *fiber.Ctx) error {
	if h.store == nil {
		return engine.NewAppError("NOT_FOUND", 404, "Events are not recorded")
	}
	f := store.EventFilter{
		Source:    c.Query("source"),
		Component: c.Query("component"),
		Action:    c.Query("action"),
		Entity:    c.Query("entity"),
		TraceID:   c.Query("trace_id"),
		UserID:    c.Query("user_id"),
		Status:    c.Query("status"),
		Page:      c.QueryInt("page", 1),
		PerPage:   c.QueryInt("per_page", 50),
	}
	rows, total, err := h.store.ListEvents(c.UserContext(), f)
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return c.JSON(fiber.Map{
		"data": rows,
		"meta": fiber.Map{"total": total, "page": max(f.Page, 1), "per_page": f.PerPage},
	})
}

// GetTrace handles GET /api/_admin/events/trace/:traceId
func (h *Handler) GetTrace(c *fiber.Ctx) error {
	if h.store == nil {
		return engine.NewAppError("NOT_FOUND", 404, "Events are not recorded")
	}
	traceID := c.Params("traceId")
	rows, err := h.store.TraceEvents(c.UserContext(), traceID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return engine.NewAppError("NOT_FOUND", 404, "Trace not found: "+traceID)
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"trace_id": traceID, "spans": rows}})
}
