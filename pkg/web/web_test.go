package web_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/axialops/axplatform/pkg/axerror"
	"github.com/axialops/axplatform/pkg/web"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlatformHeaders(t *testing.T) {
	app := web.NewApp("test")
	app.Get("/whoami", func(c fiber.Ctx) error {
		id, name := web.User(c)

		return c.JSON(fiber.Map{"id": id, "name": name})
	})

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(web.HeaderRequestUUID, "req-123")
	req.Header.Set(web.HeaderUserID, "u-1")
	req.Header.Set(web.HeaderUsername, "alice")

	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "no-cache", resp.Header.Get("Pragma"))
	assert.Equal(t, "req-123", resp.Header.Get(web.HeaderRequestUUIDEcho))

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "u-1", body["id"])
	assert.Equal(t, "alice", body["name"])
}

func TestRenderErrorEnvelope(t *testing.T) {
	app := web.NewApp("test")
	app.Get("/boom", func(c fiber.Ctx) error {
		return web.RenderError(c, axerror.ErrIllegalOperation.New("workflow is RUNNING"))
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var envelope axerror.AXError
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.Equal(t, "ERR_AX_ILLEGAL_OPERATION", envelope.Code)
	assert.Equal(t, "workflow is RUNNING", envelope.Detail)
}

func TestUnknownRouteEnvelope(t *testing.T) {
	app := web.NewApp("test")

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var envelope axerror.AXError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "ERR_API_RESOURCE_NOT_FOUND", envelope.Code)
}
