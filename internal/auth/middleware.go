package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"denim/internal/engine"
	"denim/internal/metadata"
)

// AuthMiddleware returns a Fiber middleware that validates JWT tokens
// and sets the UserContext on the request.
func AuthMiddleware(svc *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return engine.UnauthorizedError("Missing auth token")
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return engine.UnauthorizedError("Invalid auth header format")
		}

		user, err := svc.Authenticate(c.UserContext(), parts[1])
		if err != nil {
			return err
		}

		c.Locals("user", user)
		c.SetUserContext(metadata.WithUser(c.UserContext(), user))
		return c.Next()
	}
}

// RequireRole is a Fiber middleware that checks the authenticated user holds
// the given role.
func RequireRole(role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		user := GetUser(c)
		if user == nil {
			return engine.UnauthorizedError("Missing auth token")
		}
		if !user.System && !user.HasRole(role) {
			return engine.ForbiddenError(role + " access required")
		}
		return c.Next()
	}
}

// GetUser extracts the UserContext from a Fiber context.
func GetUser(c *fiber.Ctx) *metadata.UserContext {
	user, _ := c.Locals("user").(*metadata.UserContext)
	return user
}
