package middleware

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/zemo/api/internal/ratelimit"
	"github.com/zemo/api/pkg/response"
)

type RateLimiter struct {
	limiter ratelimit.Limiter
	logger  *slog.Logger
}

func NewRateLimiter(limiter ratelimit.Limiter, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{limiter: limiter, logger: logger}
}

// Limit creates a rate limiting middleware keyed by caller identity, or
// by client IP for anonymous callers.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		caller := GetUserID(c)
		if caller == "" {
			caller = "ip:" + c.IP()
		}

		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, caller)
		allowed, retryIn, err := rl.limiter.Allow(c.Context(), key, maxRequests, window)
		if err != nil {
			// If the limiter fails, allow the request but log the error
			rl.logger.Warn("rate limiter unavailable",
				slog.String("key", key), slog.String("error", err.Error()))
			return c.Next()
		}

		c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", maxRequests))
		if !allowed {
			c.Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(retryIn.Seconds()))))
			return response.RateLimited(c)
		}

		return c.Next()
	}
}

// SubmitLimit limits job submissions per minute.
func (rl *RateLimiter) SubmitLimit(maxPerMin int) fiber.Handler {
	return rl.Limit("submit", maxPerMin, time.Minute)
}
