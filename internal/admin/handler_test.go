package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"denim/internal/authz"
	"denim/internal/config"
	"denim/internal/engine"
	"denim/internal/instrument"
	"denim/internal/metadata"
	"denim/internal/store"
)

const baseDefinition = `
tables:
  - name: Employee
    nameField: Name
    columns:
      - {name: Name, type: text}
      - {name: Salary, type: number}
      - {name: Access Level, type: select, options: [Employee, Administrator]}
roles:
  - id: Employee
    tables:
      - table: Employee
        readAction:
          field: id
          operator: equals
          value: {$user: id}
          allowedFields: [Name]
  - id: Administrator
    readAction: allow
    roleQuery:
      field: Access Level
      operator: equals
      value: Administrator
`

const extendedDefinition = baseDefinition + `
  - id: Auditor
    readAction: allow
`

const brokenDefinition = `
tables:
  - name: Employee
    columns:
      - {name: Name, type: text}
roles:
  - id: Broken
    roleQuery:
      field: Clearance
      operator: equals
      value: x
`

type fixture struct {
	app        *fiber.App
	provider   *engine.Provider
	store      *store.Store
	definition atomic.Value
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}
	f.definition.Store(baseDefinition)
	src := func() (*metadata.AppDefinition, error) {
		return metadata.ParseDefinition([]byte(f.definition.Load().(string)))
	}

	reg := metadata.NewRegistry()
	_, err := metadata.LoadAll(src, reg)
	require.NoError(t, err)

	ctx := context.Background()
	f.store, err = store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Path: t.TempDir(), Name: "admin"}, nil)
	require.NoError(t, err)
	t.Cleanup(f.store.Close)
	require.NoError(t, f.store.Bootstrap(ctx))
	mig := store.NewMigrator(f.store)
	require.NoError(t, mig.MigrateAll(ctx, reg))

	a := authz.New(reg, "Employee", nil)
	hooks := engine.NewHooks()
	a.Register(hooks)
	f.provider = engine.NewProvider(reg, engine.NewBackendSet(store.NewSQLBackend(f.store)), hooks, nil, nil)

	h := NewHandler(f.provider, a, NewReloader(f.provider, src, mig, a, nil), f.store)
	f.app = fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var appErr *engine.AppError
			if errors.As(err, &appErr) {
				return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
			}
			return c.Status(500).JSON(fiber.Map{"error": fiber.Map{"code": "INTERNAL_ERROR", "message": err.Error()}})
		},
	})
	asBob := func(c *fiber.Ctx) error {
		user := &metadata.UserContext{ID: "e2", Roles: []string{"Employee"}, Record: metadata.Record{"id": "e2", "Access Level": "Employee"}}
		c.SetUserContext(metadata.WithUser(c.UserContext(), user))
		return c.Next()
	}
	pass := func(c *fiber.Ctx) error { return c.Next() }
	RegisterAdminRoutes(f.app, h, asBob, pass)
	return f
}

func (f *fixture) get(t *testing.T, method, path string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, path, nil)
	require.NoError(t, err)
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body), "body %s", raw)
	return resp.StatusCode, body
}

func TestTablesAndOperators(t *testing.T) {
	f := newFixture(t)

	status, body := f.get(t, http.MethodGet, "/api/_admin/tables")
	require.Equal(t, http.StatusOK, status)
	tables := body["data"].([]any)
	require.Len(t, tables, 1)
	assert.Equal(t, "Employee", tables[0].(map[string]any)["name"])

	status, body = f.get(t, http.MethodGet, "/api/_admin/tables/Employee/operators")
	require.Equal(t, http.StatusOK, status)
	ops := body["data"].(map[string]any)
	assert.Contains(t, ops["Salary"], "greater_than")
	assert.NotContains(t, ops["Access Level"], "contains")
	assert.Contains(t, ops["id"], "equals")

	status, _ = f.get(t, http.MethodGet, "/api/_admin/tables/Payroll")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPermissions(t *testing.T) {
	f := newFixture(t)

	status, body := f.get(t, http.MethodGet, "/api/_permissions/Employee")
	require.Equal(t, http.StatusOK, status)
	data := body["data"].(map[string]any)
	read := data["read"].(map[string]any)
	assert.Equal(t, "conditional", read["kind"])
	assert.Equal(t, []any{"Name"}, read["allowedFields"])
	assert.Equal(t, "block", data["delete"].(map[string]any)["kind"])
}

func TestReload(t *testing.T) {
	f := newFixture(t)
	version := f.provider.Registry().Version()

	f.definition.Store(extendedDefinition)
	status, body := f.get(t, http.MethodPost, "/api/_admin/reload")
	require.Equal(t, http.StatusOK, status, "body %v", body)
	assert.Equal(t, float64(3), body["data"].(map[string]any)["roles"])
	assert.Equal(t, version+1, f.provider.Registry().Version())

	f.definition.Store(brokenDefinition)
	status, body = f.get(t, http.MethodPost, "/api/_admin/reload")
	assert.Equal(t, 422, status)
	assert.Equal(t, "RELOAD_FAILED", body["error"].(map[string]any)["code"])

	status, body = f.get(t, http.MethodGet, "/api/_admin/roles")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["data"], 3, "a rejected definition is rolled back")
}

func TestEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	status := "ok"
	require.NoError(t, f.store.WriteEvents(ctx, []instrument.Event{
		{TraceID: "t1", SpanID: "a", EventType: "request", Source: "http", Component: "request", Action: "GET", Status: &status, CreatedAt: time.Now()},
		{TraceID: "t1", SpanID: "b", EventType: "span", Source: "engine", Component: "provider", Action: "record.retrieve", Status: &status, CreatedAt: time.Now().Add(time.Millisecond)},
	}))

	code, body := f.get(t, http.MethodGet, "/api/_admin/events?source=engine")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["data"], 1)
	assert.Equal(t, float64(1), body["meta"].(map[string]any)["total"])

	code, body = f.get(t, http.MethodGet, "/api/_admin/events/trace/t1")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["data"].(map[string]any)["spans"], 2)

	code, _ = f.get(t, http.MethodGet, "/api/_admin/events/trace/missing")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(baseDefinition), 0o644))

	reg := metadata.NewRegistry()
	src := metadata.FileSource(path, nil)
	_, err := metadata.LoadAll(src, reg)
	require.NoError(t, err)
	p := engine.NewProvider(reg, engine.NewBackendSet(store.NewMemoryBackend()), nil, nil, nil)
	r := NewReloader(p, src, nil, authz.New(reg, "Employee", nil), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Watch(ctx, path))

	require.NoError(t, os.WriteFile(path, []byte(extendedDefinition), 0o644))
	assert.Eventually(t, func() bool { return len(reg.Roles()) == 3 }, 5*time.Second, 50*time.Millisecond)
}
