package adc

import (
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/axialops/axplatform/pkg/axerror"
	"github.com/axialops/axplatform/pkg/models"
	"github.com/axialops/axplatform/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// Handlers exposes the admission controller over HTTP.
type Handlers struct {
	manager  *Manager
	validate *validator.Validate
	logger   *slog.Logger
}

func NewHandlers(manager *Manager, logger *slog.Logger) *Handlers {
	return &Handlers{
		manager:  manager,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With("module", "adc_http"),
	}
}

// Register mounts the /v1/adc routes.
func (h *Handlers) Register(app *fiber.App) {
	v1 := app.Group("/v1/adc")

	v1.Get("/state", h.GetState)
	v1.Post("/state", h.SetState)

	v1.Get("/workflows", h.ListWorkflows)
	v1.Post("/workflows", h.CreateWorkflow)
	v1.Delete("/workflows/all", h.DeleteAllWorkflows)
	v1.Get("/workflows/:id", h.GetWorkflow)
	v1.Delete("/workflows/:id", h.DeleteWorkflow)

	v1.Post("/notification/workflow", h.WorkflowNotification)
	v1.Post("/notification/resource", h.ResourceNotification)

	v1.Put("/resource", h.PutReservation)
	v1.Delete("/resource/:resource_id", h.DeleteReservation)
}

func (h *Handlers) GetState(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"state": h.manager.StateNow(),
		"used":  h.manager.Used(),
		"total": h.manager.Total(),
	})
}

func (h *Handlers) SetState(c fiber.Ctx) error {
	var body struct {
		State State `json:"state" validate:"required"`
	}

	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return web.RenderError(c, axerror.ErrInvalidParam.WithDetailf("unparseable body: %v", err))
	}

	if err := h.validate.Struct(&body); err != nil {
		return web.RenderError(c, axerror.ErrInvalidParam.New(err.Error()))
	}

	if err := h.manager.SetState(body.State); err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(fiber.Map{"state": h.manager.StateNow()})
}

func (h *Handlers) ListWorkflows(c fiber.Ctx) error {
	var recentSec int64

	if recent := c.Query("recent"); recent != "" {
		parsed, err := strconv.ParseInt(recent, 10, 64)
		if err != nil {
			return web.RenderError(c, axerror.ErrInvalidParam.WithDetailf("bad recent value %q", recent))
		}

		recentSec = parsed
	}

	workflows, err := h.manager.ListWorkflows(c.Context(), recentSec)
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	if c.Query("verbose") == "true" {
		docs := make([]map[string]any, 0, len(workflows))

		for _, wf := range workflows {
			doc, err := h.manager.GetWorkflow(c.Context(), wf.ID, true)
			if err != nil {
				return web.LogHandlerError(c, h.logger, err)
			}

			docs = append(docs, doc)
		}

		return c.JSON(fiber.Map{"data": docs})
	}

	return c.JSON(fiber.Map{"data": workflows})
}

func (h *Handlers) CreateWorkflow(c fiber.Ctx) error {
	wf, err := h.manager.CreateWorkflow(c.Context(), json.RawMessage(c.Body()))
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.Status(fiber.StatusCreated).JSON(wf)
}

func (h *Handlers) GetWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	verbose := c.Query("state_only") != "true"

	doc, err := h.manager.GetWorkflow(c.Context(), id, verbose)
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(doc)
}

func (h *Handlers) DeleteWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	force := c.Query("force") == "true"

	err := h.manager.DeleteWorkflow(c.Context(), id, force)
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(fiber.Map{"deleted": id})
}

func (h *Handlers) DeleteAllWorkflows(c fiber.Ctx) error {
	err := h.manager.DeleteAllWorkflows(c.Context())
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(fiber.Map{"deleted": "all"})
}

func (h *Handlers) WorkflowNotification(c fiber.Ctx) error {
	var n WorkflowNotification

	if err := json.Unmarshal(c.Body(), &n); err != nil {
		return web.RenderError(c, axerror.ErrInvalidParam.WithDetailf("unparseable body: %v", err))
	}

	if err := h.validate.Struct(&n); err != nil {
		return web.RenderError(c, axerror.ErrInvalidParam.New(err.Error()))
	}

	if err := h.manager.HandleWorkflowNotification(c.Context(), &n); err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(fiber.Map{"ack": n.WorkflowID})
}

// ResourceNotification wakes the admission loop after an external capacity
// change.
func (h *Handlers) ResourceNotification(c fiber.Ctx) error {
	h.manager.cond.Broadcast()

	return c.JSON(fiber.Map{"ack": true})
}

func (h *Handlers) PutReservation(c fiber.Ctx) error {
	var r models.CategoryReservation

	if err := json.Unmarshal(c.Body(), &r); err != nil {
		return web.RenderError(c, axerror.ErrInvalidParam.WithDetailf("unparseable body: %v", err))
	}

	if err := h.manager.ReserveCategory(c.Context(), &r); err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(&r)
}

func (h *Handlers) DeleteReservation(c fiber.Ctx) error {
	resourceID := c.Params("resource_id")

	err := h.manager.ReleaseCategory(c.Context(), resourceID)
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(fiber.Map{"deleted": resourceID})
}
