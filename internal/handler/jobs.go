package handler

import (
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/zemo/api/internal/middleware"
	"github.com/zemo/api/internal/model"
	"github.com/zemo/api/internal/service"
	"github.com/zemo/api/pkg/response"
)

type JobHandler struct {
	service   *service.JobService
	validator *validator.Validate
	logger    *slog.Logger
}

func NewJobHandler(svc *service.JobService, v *validator.Validate, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		service:   svc,
		validator: v,
		logger:    logger,
	}
}

// Submit handles POST /api/jobs
func (h *JobHandler) Submit(c *fiber.Ctx) error {
	var req model.SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	job, err := h.service.Submit(c.Context(), &req, middleware.GetUserID(c))
	if err != nil {
		return writeError(c, h.logger, err)
	}

	return response.Accepted(c, fiber.Map{"job": job})
}

// List handles GET /api/jobs
func (h *JobHandler) List(c *fiber.Ctx) error {
	page, err := h.service.List(c.Context(),
		c.Query("status"),
		c.Query("type"),
		c.QueryInt("page", 1),
		c.QueryInt("limit", 0),
	)
	if err != nil {
		return writeError(c, h.logger, err)
	}

	return response.OK(c, page)
}

// Stats handles GET /api/jobs/stats
func (h *JobHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.service.Stats(c.Context())
	if err != nil {
		return writeError(c, h.logger, err)
	}

	return response.OK(c, stats)
}

// Get handles GET /api/jobs/:jobId
func (h *JobHandler) Get(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	detail, err := h.service.Get(c.Context(), jobID)
	if err != nil {
		return writeError(c, h.logger, err)
	}

	return response.OK(c, detail)
}

// Logs handles GET /api/jobs/:jobId/logs
func (h *JobHandler) Logs(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	logs, err := h.service.Logs(c.Context(), jobID, c.QueryInt("page", 1), c.QueryInt("limit", 0))
	if err != nil {
		return writeError(c, h.logger, err)
	}

	return response.OK(c, logs)
}

// Cancel handles POST /api/jobs/:jobId/cancel
func (h *JobHandler) Cancel(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, err := h.service.Cancel(c.Context(), jobID)
	if err != nil {
		return writeError(c, h.logger, err)
	}

	return response.OK(c, fiber.Map{"job": job})
}
