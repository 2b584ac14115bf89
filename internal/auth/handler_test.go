package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"denim/internal/authz"
	"denim/internal/config"
	"denim/internal/engine"
	"denim/internal/metadata"
	"denim/internal/store"
)

func newTestApp(t *testing.T) (*fiber.App, *store.Store) {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Path: t.TempDir(), Name: "auth"}, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Bootstrap(ctx))

	employees := &metadata.Table{
		Name: "Employee", NameField: "Name",
		Columns: []metadata.Column{
			{Name: "Name", Type: metadata.TextType{}},
			{Name: "Access Level", Type: metadata.SelectType{Options: []string{"Employee", "Administrator"}}},
		},
	}
	reg := metadata.NewRegistry()
	require.NoError(t, reg.Load(&metadata.AppDefinition{
		Tables: []*metadata.Table{employees},
		Roles: []*metadata.AuthorizationRole{
			{ID: "Employee"},
			{ID: "Administrator", RoleQuery: metadata.Where("Access Level", metadata.OpEquals, metadata.Lit("Administrator"))},
		},
	}))
	mem := store.NewMemoryBackend()
	mem.Seed(employees,
		metadata.Record{"id": "e1", "Name": "Ann", "Access Level": "Administrator"},
		metadata.Record{"id": "e2", "Name": "Bob", "Access Level": "Employee"},
	)
	_, err = s.EnsureCredential(ctx, "ann@example.com", "pw-ann", "e1")
	require.NoError(t, err)
	_, err = s.EnsureCredential(ctx, "bob@example.com", "pw-bob", "e2")
	require.NoError(t, err)
	_, err = s.EnsureCredential(ctx, "ghost@example.com", "pw-ghost", "e9")
	require.NoError(t, err)

	p := engine.NewProvider(reg, engine.NewBackendSet(mem), nil, nil, nil)
	svc := NewService(s, p, authz.New(reg, "Employee", nil), "Employee", "test-secret", nil)

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var appErr *engine.AppError
			if errors.As(err, &appErr) {
				return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
			}
			return c.Status(500).JSON(fiber.Map{"error": fiber.Map{"code": "INTERNAL_ERROR"}})
		},
	})
	mw := AuthMiddleware(svc)
	RegisterAuthRoutes(app, NewAuthHandler(svc), mw)
	app.Get("/admin-only", mw, RequireRole("Administrator"), func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"caller": metadata.UserFromContext(c.UserContext()).ID})
	})
	return app, s
}

func call(t *testing.T, app *fiber.App, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	raw, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(raw, &decoded), "body %s", raw)
	return resp.StatusCode, decoded
}

func login(t *testing.T, app *fiber.App, email, password string) (access, refresh string) {
	t.Helper()
	status, body := call(t, app, http.MethodPost, "/api/auth/login", "", fiber.Map{"email": email, "password": password})
	require.Equal(t, http.StatusOK, status, "body %v", body)
	data := body["data"].(map[string]any)
	return data["access_token"].(string), data["refresh_token"].(string)
}

func errorCode(body map[string]any) any {
	errBody, _ := body["error"].(map[string]any)
	return errBody["code"]
}

func TestLoginAndMe(t *testing.T) {
	app, _ := newTestApp(t)
	access, _ := login(t, app, "bob@example.com", "pw-bob")

	status, body := call(t, app, http.MethodGet, "/api/auth/me", access, nil)
	require.Equal(t, http.StatusOK, status)
	data := body["data"].(map[string]any)
	assert.Equal(t, "e2", data["id"])
	assert.Equal(t, []any{"Employee"}, data["roles"])
	assert.Equal(t, "Bob", data["record"].(map[string]any)["Name"])
}

func TestLogin_Failures(t *testing.T) {
	app, _ := newTestApp(t)

	status, body := call(t, app, http.MethodPost, "/api/auth/login", "", fiber.Map{"email": "bob@example.com", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, engine.CodeUnauthorized, errorCode(body))

	status, _ = call(t, app, http.MethodPost, "/api/auth/login", "", fiber.Map{"email": "who@example.com", "password": "x"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = call(t, app, http.MethodPost, "/api/auth/login", "", fiber.Map{"email": "bob@example.com"})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestMiddleware_RejectsBadTokens(t *testing.T) {
	app, _ := newTestApp(t)

	status, _ := call(t, app, http.MethodGet, "/api/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = call(t, app, http.MethodGet, "/api/auth/me", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	// a valid token for a user record that no longer exists
	access, _ := login(t, app, "ghost@example.com", "pw-ghost")
	status, _ = call(t, app, http.MethodGet, "/api/auth/me", access, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestRequireRole(t *testing.T) {
	app, _ := newTestApp(t)

	bob, _ := login(t, app, "bob@example.com", "pw-bob")
	status, body := call(t, app, http.MethodGet, "/admin-only", bob, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, engine.CodeForbidden, errorCode(body))

	ann, _ := login(t, app, "ann@example.com", "pw-ann")
	status, body = call(t, app, http.MethodGet, "/admin-only", ann, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "e1", body["caller"])
}

func TestRefreshRotatesTokens(t *testing.T) {
	app, _ := newTestApp(t)
	_, refresh := login(t, app, "bob@example.com", "pw-bob")

	status, body := call(t, app, http.MethodPost, "/api/auth/refresh", "", fiber.Map{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, status)
	next := body["data"].(map[string]any)["refresh_token"].(string)
	assert.NotEqual(t, refresh, next)

	status, _ = call(t, app, http.MethodPost, "/api/auth/refresh", "", fiber.Map{"refresh_token": refresh})
	assert.Equal(t, http.StatusUnauthorized, status, "refresh tokens are single use")

	status, _ = call(t, app, http.MethodPost, "/api/auth/logout", "", fiber.Map{"refresh_token": next})
	assert.Equal(t, http.StatusOK, status)
	status, _ = call(t, app, http.MethodPost, "/api/auth/refresh", "", fiber.Map{"refresh_token": next})
	assert.Equal(t, http.StatusUnauthorized, status)
}
