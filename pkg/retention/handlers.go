package retention

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/axialops/axplatform/pkg/axerror"
	"github.com/axialops/axplatform/pkg/models"
	"github.com/axialops/axplatform/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// Handlers exposes retention policy CRUD and the manual sweep trigger.
type Handlers struct {
	manager  *Manager
	validate *validator.Validate
	logger   *slog.Logger
}

func NewHandlers(manager *Manager, logger *slog.Logger) *Handlers {
	return &Handlers{
		manager:  manager,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With("module", "retention_http"),
	}
}

// Register mounts the /v1/retention routes.
func (h *Handlers) Register(app *fiber.App) {
	v1 := app.Group("/v1/retention")

	v1.Get("/policies", h.ListPolicies)
	v1.Post("/policies", h.CreatePolicy)
	v1.Get("/policies/:tag", h.GetPolicy)
	v1.Put("/policies/:tag", h.UpdatePolicy)
	v1.Delete("/policies/:tag", h.DeletePolicy)

	v1.Post("/sweep", h.TriggerSweep)
}

func (h *Handlers) ListPolicies(c fiber.Ctx) error {
	policies, err := h.manager.ListPolicies(c.Context())
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(fiber.Map{"data": policies})
}

func (h *Handlers) CreatePolicy(c fiber.Ctx) error {
	var body struct {
		TagName     string `json:"tag_name" validate:"required"`
		PolicyMS    int64  `json:"policy_ms" validate:"required,gt=0"`
		Description string `json:"description,omitempty"`
	}

	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return web.RenderError(c, axerror.ErrInvalidParam.WithDetailf("unparseable body: %v", err))
	}

	if err := h.validate.Struct(&body); err != nil {
		return web.RenderError(c, axerror.ErrInvalidParam.New(err.Error()))
	}

	p, err := h.manager.CreatePolicy(c.Context(), &models.RetentionPolicy{
		TagName:     body.TagName,
		PolicyMS:    body.PolicyMS,
		Description: body.Description,
	})
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.Status(fiber.StatusCreated).JSON(p)
}

func (h *Handlers) GetPolicy(c fiber.Ctx) error {
	p, err := h.manager.GetPolicy(c.Context(), c.Params("tag"))
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(p)
}

func (h *Handlers) UpdatePolicy(c fiber.Ctx) error {
	var body struct {
		PolicyMS    *int64  `json:"policy_ms,omitempty"`
		Description *string `json:"description,omitempty"`
	}

	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return web.RenderError(c, axerror.ErrInvalidParam.WithDetailf("unparseable body: %v", err))
	}

	p, err := h.manager.UpdatePolicy(c.Context(), c.Params("tag"), body.PolicyMS, body.Description)
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(p)
}

func (h *Handlers) DeletePolicy(c fiber.Ctx) error {
	err := h.manager.DeletePolicy(c.Context(), c.Params("tag"))
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(fiber.Map{"deleted": c.Params("tag")})
}

// TriggerSweep starts a sweep immediately, ignoring the daily pacing.
func (h *Handlers) TriggerSweep(c fiber.Ctx) error {
	go func() {
		if err := h.manager.Sweep(context.Background()); err != nil {
			h.logger.Error("Manual retention sweep failed", "error", err)
		}
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"sweeping": true})
}
