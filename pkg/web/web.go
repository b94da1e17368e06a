// Package web provides the fiber plumbing shared by the platform's HTTP
// services: the platform headers middleware and the coded error envelope.
package web

import (
	"errors"
	"log/slog"

	"github.com/axialops/axplatform/pkg/axerror"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

// Platform headers. Every response is uncacheable and echoes the caller's
// request uuid so clients can correlate replies.
const (
	HeaderRequestUUID     = "X-Request-UUID"
	HeaderRequestUUIDEcho = "X-Request-UUID-Echo"
	HeaderUserID          = "X-AXUserID"
	HeaderUsername        = "X-AXUsername"
)

// Locals keys set by PlatformHeaders.
const (
	LocalUserID   = "ax_user_id"
	LocalUsername = "ax_username"
)

// NewApp builds a fiber app with the standard middleware stack and the coded
// error handler.
func NewApp(serviceName string) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      serviceName,
		ErrorHandler: errorHandler,
	})
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))
	app.Use(PlatformHeaders())

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	return app
}

// PlatformHeaders stamps the no-cache pragma, echoes X-Request-UUID, and
// stashes the caller identity headers in locals.
func PlatformHeaders() fiber.Handler {
	return func(c fiber.Ctx) error {
		c.Set("Pragma", "no-cache")

		if reqUUID := c.Get(HeaderRequestUUID); reqUUID != "" {
			c.Set(HeaderRequestUUIDEcho, reqUUID)
		}

		if userID := c.Get(HeaderUserID); userID != "" {
			c.Locals(LocalUserID, userID)
		}

		if username := c.Get(HeaderUsername); username != "" {
			c.Locals(LocalUsername, username)
		}

		return c.Next()
	}
}

// User returns the caller identity extracted by PlatformHeaders; empty
// strings for unauthenticated internal calls.
func User(c fiber.Ctx) (id, name string) {
	if v, ok := c.Locals(LocalUserID).(string); ok {
		id = v
	}

	if v, ok := c.Locals(LocalUsername).(string); ok {
		name = v
	}

	return id, name
}

// RenderError writes the {code, message, detail} envelope with the status
// mapped from the error's code.
func RenderError(c fiber.Ctx, err error) error {
	ax := axerror.Convert(err)

	return c.Status(ax.HTTPStatus()).JSON(ax)
}

func errorHandler(c fiber.Ctx, err error) error {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		if fiberErr.Code == fiber.StatusNotFound {
			return RenderError(c, axerror.ErrResourceNotFound.New(c.Path()))
		}

		return RenderError(c, axerror.ErrInternal.New(fiberErr.Message))
	}

	return RenderError(c, err)
}

// LogHandlerError records a handler failure with the request's correlation
// fields before rendering it.
func LogHandlerError(c fiber.Ctx, logger *slog.Logger, err error) error {
	logger.ErrorContext(c.Context(), "Request failed",
		"path", c.Path(),
		"method", c.Method(),
		"request_uuid", c.Get(HeaderRequestUUID),
		"error", err,
	)

	return RenderError(c, err)
}
