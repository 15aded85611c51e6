package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/zemo/api/pkg/response"
)

// GatewayAuthMiddleware reads user identity from X-User-* headers
// set by the gateway's ForwardAuth and populates Fiber context locals.
// With required=false a missing identity passes through anonymously.
func GatewayAuthMiddleware(required bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get("X-User-Id")
		if userID == "" {
			if required {
				return response.Unauthorized(c, "Missing user identity headers")
			}
			return c.Next()
		}

		c.Locals("userId", userID)
		c.Locals("email", c.Get("X-User-Email"))
		c.Locals("name", c.Get("X-User-Name"))

		return c.Next()
	}
}

// GetUserID returns the caller identity, or "" for anonymous requests.
func GetUserID(c *fiber.Ctx) string {
	if id, ok := c.Locals("userId").(string); ok {
		return id
	}
	return ""
}
