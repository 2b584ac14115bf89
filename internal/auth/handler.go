package auth

import (
	"github.com/gofiber/fiber/v2"

	"denim/internal/engine"
)

// AuthHandler handles authentication endpoints.
type AuthHandler struct {
	svc *Service
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(svc *Service) *AuthHandler {
	return &AuthHandler{svc: svc}
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.InvalidPayloadError("Invalid request body")
	}
	if body.Email == "" || body.Password == "" {
		return engine.UnauthorizedError("Email and password are required")
	}

	pair, err := h.svc.Login(c.UserContext(), body.Email, body.Password)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": pair})
}

// Refresh handles POST /api/auth/refresh.
func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	token, err := refreshToken(c)
	if err != nil {
		return err
	}
	pair, err := h.svc.Refresh(c.UserContext(), token)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": pair})
}

// Logout handles POST /api/auth/logout.
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	token, err := refreshToken(c)
	if err != nil {
		return err
	}
	if err := h.svc.Logout(c.UserContext(), token); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"message": "Logged out"})
}

// Me handles GET /api/auth/me: the authenticated caller, its record and the
// roles that apply to it.
func (h *AuthHandler) Me(c *fiber.Ctx) error {
	user := GetUser(c)
	if user == nil {
		return engine.UnauthorizedError("Missing auth token")
	}
	return c.JSON(fiber.Map{"data": user})
}

func refreshToken(c *fiber.Ctx) (string, error) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil {
		return "", engine.InvalidPayloadError("Invalid request body")
	}
	if body.RefreshToken == "" {
		return "", engine.UnauthorizedError("Refresh token is required")
	}
	return body.RefreshToken, nil
}

// RegisterAuthRoutes registers auth routes on the given Fiber app. The
// middleware guards /me.
func RegisterAuthRoutes(app fiber.Router, h *AuthHandler, mw fiber.Handler) {
	auth := app.Group("/api/auth")
	auth.Post("/login", h.Login)
	auth.Post("/refresh", h.Refresh)
	auth.Post("/logout", h.Logout)
	auth.Get("/me", mw, h.Me)
}
