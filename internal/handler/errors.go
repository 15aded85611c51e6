package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/zemo/api/internal/apperr"
	"github.com/zemo/api/internal/dispatcher"
	"github.com/zemo/api/pkg/response"
)

// writeError maps a classified error onto the response envelope. Internal
// details stay in the process log.
func writeError(c *fiber.Ctx, logger *slog.Logger, err error) error {
	var e *apperr.Error
	msg := err.Error()
	if errors.As(err, &e) && e.Message != "" {
		msg = e.Message
	}

	switch apperr.KindOf(err) {
	case apperr.Validation:
		return response.ValidationError(c, msg, nil)
	case apperr.NotFound:
		return response.NotFound(c, msg)
	case apperr.Conflict:
		if errors.Is(err, dispatcher.ErrCancelRejected) {
			return response.CancelRejected(c, dispatcher.ErrCancelRejected.Error(), nil)
		}
		return response.Conflict(c, msg, nil)
	case apperr.RateLimited:
		if after := apperr.RetryAfterOf(err); after > 0 {
			c.Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(after.Seconds()))))
		}
		return response.RateLimited(c)
	default:
		logger.Error("request failed",
			slog.String("path", c.Path()),
			slog.String("error", err.Error()))
		return response.ServiceError(c, "Internal server error")
	}
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
