package volume

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

// Handlers exposes volume management over HTTP.
type Handlers struct {
	manager  *Manager
	validate *validator.Validate
	logger   *slog.Logger
}

func NewHandlers(manager *Manager, logger *slog.Logger) *Handlers {
	return &Handlers{
		manager:  manager,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With("module", "volume_http"),
	}
}

// Register mounts the /v1/storage routes.
func (h *Handlers) Register(app *fiber.App) {
	v1 := app.Group("/v1/storage")

	v1.Get("/volumes", h.ListVolumes)
	v1.Post("/volumes", h.CreateVolume)
	v1.Get("/volumes/:id", h.GetVolume)
	v1.Put("/volumes/:id", h.UpdateVolume)
	v1.Delete("/volumes/:id", h.DeleteVolume)
}

func (h *Handlers) ListVolumes(c fiber.Ctx) error {
	var filter ListFilter

	if raw := c.Query("anonymous"); raw != "" {
		anonymous, err := strconv.ParseBool(raw)
		if err != nil {
			return web.RenderError(c, axerror.ErrInvalidParam.WithDetailf("bad anonymous filter: %v", err))
		}

		filter.Anonymous = &anonymous
	}

	filter.DeploymentID = c.Query("deployment_id")

	volumes, err := h.manager.ListVolumes(c.Context(), filter)
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(fiber.Map{"data": volumes})
}

// CreateVolume serves POST /volumes, the named-volume entry point. Anonymous
// volumes are never created here; they come from fixture requests.
func (h *Handlers) CreateVolume(c fiber.Ctx) error {
	var body struct {
		Name         string         `json:"name" validate:"required"`
		StorageClass string         `json:"storage_class" validate:"required"`
		Owner        string         `json:"owner,omitempty"`
		Creator      string         `json:"creator,omitempty"`
		Enabled      *bool          `json:"enabled,omitempty"`
		Concurrency  int            `json:"concurrency,omitempty"`
		Attributes   map[string]any `json:"attributes" validate:"required"`
	}

	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return web.RenderError(c, axerror.ErrInvalidParam.WithDetailf("unparseable body: %v", err))
	}

	if err := h.validate.Struct(&body); err != nil {
		return web.RenderError(c, axerror.ErrInvalidParam.New(err.Error()))
	}

	userID, username := web.User(c)
	if body.Creator == "" {
		body.Creator = username
	}

	if body.Creator == "" {
		body.Creator = userID
	}

	if body.Owner == "" {
		body.Owner = body.Creator
	}

	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}

	attrs := map[string]any{"owner": body.Owner, "creator": body.Creator}
	for k, v := range body.Attributes {
		attrs[k] = v
	}

	vol, err := h.manager.CreateVolume(c.Context(), &models.Volume{
		Name:         body.Name,
		AXRN:         models.NamedAXRN(body.Name),
		StorageClass: body.StorageClass,
		Enabled:      enabled,
		Concurrency:  body.Concurrency,
		Attributes:   attrs,
	})
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.Status(fiber.StatusCreated).JSON(vol)
}

func (h *Handlers) GetVolume(c fiber.Ctx) error {
	vol, err := h.manager.GetVolume(c.Context(), c.Params("id"))
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(vol)
}

func (h *Handlers) UpdateVolume(c fiber.Ctx) error {
	var req UpdateRequest

	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return web.RenderError(c, axerror.ErrInvalidParam.WithDetailf("unparseable body: %v", err))
	}

	vol, err := h.manager.UpdateVolume(c.Context(), c.Params("id"), &req)
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(vol)
}

func (h *Handlers) DeleteVolume(c fiber.Ctx) error {
	vol, err := h.manager.GetVolume(c.Context(), c.Params("id"))
	if err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	if err := h.manager.DeleteVolume(c.Context(), vol.ID); err != nil {
		return web.LogHandlerError(c, h.logger, err)
	}

	return c.JSON(fiber.Map{"deleted": vol.ID})
}
