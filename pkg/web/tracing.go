package web

import (
	"github.com/axialops/axplatform/pkg/otelhelper"
	"github.com/gofiber/fiber/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Tracing opens a span per request, tagged with the method, path and the
// platform correlation uuid.
func Tracing(tracer trace.Tracer) fiber.Handler {
	return func(c fiber.Ctx) error {
		ctx, span := otelhelper.StartSpan(c.Context(), tracer, c.Method()+" "+c.Path(),
			attribute.String("http.request.method", c.Method()),
			attribute.String("url.path", c.Path()),
			attribute.String("axplatform.request.uuid", c.Get(HeaderRequestUUID)),
		)
		defer span.End()

		c.SetContext(ctx)

		err := c.Next()
		if err != nil {
			otelhelper.SetError(span, err)
		}

		span.SetAttributes(attribute.Int("http.response.status_code", c.Response().StatusCode()))

		return err
	}
}
