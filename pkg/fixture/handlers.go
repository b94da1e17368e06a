package fixture

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/axialops/axplatform/pkg/axerror"
	"github.com/axialops/axplatform/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// Handlers exposes the fixture manager over HTTP.
type Handlers struct {
	manager  *Manager
	validate *validator.Validate
	logger   *slog.Logger
}

func NewHandlers(manager *Manager, logger *slog.Logger) *Handlers {
	return &Handlers{
		manager:  manager,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With("module", "fixture_http"),
	}
}

// Register mounts the /v1/fixture routes.
func (h *Handlers) Register(app *fiber.App) {
	v1 := app.Group("/v1/fixture")

	v1.Get("/classes", h.ListClasses)
	v1.Post("/classes", h.InstallClass)
	v1.Get("/classes/:id", h.GetClass)
	v1.Put("/classes/:id", h.InstallClass)
	v1.Delete("/classes/:id", h.DeleteClass)

	v1.Get("/instances", h.ListInstances)
	v1.Post("/instances", h.CreateInstance)
	v1.Get("/instances/:id", h.GetInstance)
	v1.Put("/instances/:id", h.UpdateInstance)
	v1.Delete("/instances/:id", h.DeleteInstance)
	v1.Post("/instances/:id/action", h.RunAction)

	v1.Post("/action_result", h.ActionResult)
	v1.Post("/template_updates", h.TemplateUpdates)

	v1.Get("/requests", h.ListRequests)
	v1.Post("/requests", h.CreateRequest)
	v1.Get("/requests/:service_id", h.GetRequest)
	v1.Delete("/requests/:service_id", h.DeleteRequest)

	v1.Get("/summary", h.Summary)
}

func (h *Handlers) ListClasses(c fiber.Ctx) error {
	classes, err := h.manager.ListClasses(c.Context())
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(fiber.Map{"data": classes})
}

// InstallClass serves both POST /classes and PUT /classes/<id>; either way
// the body names the upstream template to install from.
func (h *Handlers) InstallClass(c fiber.Ctx) error {
	var body struct {
		TemplateID string `json:"template_id" validate:"required"`
	}

	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return web.RenderError(c, axerror.ErrInvalidParam.WithDetailf("unparseable body: %v", err))
	}

	if err := h.validate.Struct(&body); err != nil {
		return web.RenderError(c, axerror.ErrInvalidParam.New(err.Error()))
	}

	class, err := h.manager.InstallClass(c.Context(), body.TemplateID)
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(class)
}

func (h *Handlers) GetClass(c fiber.Ctx) error {
	class, err := h.manager.GetClass(c.Context(), c.Params("id"))
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(class)
}

func (h *Handlers) DeleteClass(c fiber.Ctx) error {
	err := h.manager.DeleteClass(c.Context(), c.Params("id"))
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(fiber.Map{"deleted": c.Params("id")})
}

func (h *Handlers) ListInstances(c fiber.Ctx) error {
	instances, err := h.manager.ListInstances(c.Context())
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(fiber.Map{"data": instances})
}

func (h *Handlers) CreateInstance(c fiber.Ctx) error {
	var req CreateInstanceRequest

	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return web.RenderError(c, axerror.ErrInvalidParam.WithDetailf("unparseable body: %v", err))
	}

	if err := h.validate.Struct(&req); err != nil {
		return web.RenderError(c, axerror.ErrInvalidParam.New(err.Error()))
	}

	// The gateway's pre-authenticated identity backfills ownership.
	userID, username := web.User(c)
	if req.Creator == "" {
		req.Creator = username
	}

	if req.Creator == "" {
		req.Creator = userID
	}

	if req.Owner == "" {
		req.Owner = req.Creator
	}

	inst, err := h.manager.CreateInstance(c.Context(), &req)
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.Status(fiber.StatusCreated).JSON(inst)
}

func (h *Handlers) GetInstance(c fiber.Ctx) error {
	inst, err := h.manager.GetInstance(c.Context(), c.Params("id"))
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(inst)
}

func (h *Handlers) UpdateInstance(c fiber.Ctx) error {
	var req UpdateInstanceRequest

	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return web.RenderError(c, axerror.ErrInvalidParam.WithDetailf("unparseable body: %v", err))
	}

	inst, err := h.manager.UpdateInstance(c.Context(), c.Params("id"), &req)
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(inst)
}

func (h *Handlers) DeleteInstance(c fiber.Ctx) error {
	err := h.manager.DeleteInstance(c.Context(), c.Params("id"))
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(fiber.Map{"deleted": c.Params("id")})
}

func (h *Handlers) RunAction(c fiber.Ctx) error {
	var body struct {
		Action    string         `json:"action" validate:"required"`
		Arguments map[string]any `json:"arguments,omitempty"`
	}

	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return web.RenderError(c, axerror.ErrInvalidParam.WithDetailf("unparseable body: %v", err))
	}

	if err := h.validate.Struct(&body); err != nil {
		return web.RenderError(c, axerror.ErrInvalidParam.New(err.Error()))
	}

	inst, err := h.manager.RunAction(c.Context(), c.Params("id"), body.Action, body.Arguments)
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(inst)
}

func (h *Handlers) ActionResult(c fiber.Ctx) error {
	var result ActionResult

	if err := json.Unmarshal(c.Body(), &result); err != nil {
		return web.RenderError(c, axerror.ErrInvalidParam.WithDetailf("unparseable body: %v", err))
	}

	if err := h.validate.Struct(&result); err != nil {
		return web.RenderError(c, axerror.ErrInvalidParam.New(err.Error()))
	}

	if err := h.manager.HandleActionResult(c.Context(), &result); err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(fiber.Map{"ack": result.ServiceID})
}

func (h *Handlers) TemplateUpdates(c fiber.Ctx) error {
	var body struct {
		Templates []*ClassTemplate `json:"templates"`
	}

	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return web.RenderError(c, axerror.ErrInvalidParam.WithDetailf("unparseable body: %v", err))
	}

	if err := h.manager.ApplyTemplateUpdates(c.Context(), body.Templates); err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(fiber.Map{"ack": true})
}

func (h *Handlers) ListRequests(c fiber.Ctx) error {
	requests, err := h.manager.ListRequests(c.Context())
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(fiber.Map{"data": requests})
}

func (h *Handlers) CreateRequest(c fiber.Ctx) error {
	req, err := NormalizeRequest(c.Body())
	if err != nil {
		return web.RenderError(c, err)
	}

	if req.User == "" {
		userID, _ := web.User(c)
		req.User = userID
	}

	out, err := h.manager.CreateRequest(c.Context(), req)
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.Status(fiber.StatusCreated).JSON(out)
}

func (h *Handlers) GetRequest(c fiber.Ctx) error {
	req, err := h.manager.GetRequest(c.Context(), c.Params("service_id"))
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(req)
}

func (h *Handlers) DeleteRequest(c fiber.Ctx) error {
	err := h.manager.DeleteRequest(c.Context(), c.Params("service_id"))
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(fiber.Map{"deleted": c.Params("service_id")})
}

func (h *Handlers) Summary(c fiber.Ctx) error {
	var groupBy []string

	if raw := c.Query("group_by"); raw != "" {
		groupBy = strings.Split(raw, ",")
	}

	filters := make(map[string]string)

	for field := range summaryFields {
		if v := c.Query(field); v != "" {
			filters[field] = v
		}
	}

	rows, err := h.manager.Summary(c.Context(), groupBy, filters)
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(fiber.Map{"data": rows})
}
