package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/internal/adapter/llm"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/tools"
	"github.com/xiaot623/gogo/internal/transport/http/respond"
)

// ListTools returns the tools a run may invoke.
// GET /v1/tools
func (h *Handler) ListTools(c echo.Context) error {
	defs := h.service.ListTools()
	if defs == nil {
		defs = []llm.Tool{}
	}
	return c.JSON(http.StatusOK, map[string]any{"tools": defs})
}

// InvokeTool runs a tool through the policy hooks on behalf of a run.
// A blocked call returns 403 with the tool response. A call the tool itself
// failed returns 200 with the response, except unknown tools and bad
// arguments which are request errors.
// POST /v1/tools/:tool_name/invoke
func (h *Handler) InvokeTool(c echo.Context) error {
	var req domain.ToolInvokeRequest
	if err := c.Bind(&req); err != nil {
		return respond.BadRequest(c, "invalid request body")
	}

	resp, err := h.service.InvokeTool(c.Request().Context(), c.Param("tool_name"), req)
	if resp == nil {
		if err == nil {
			err = errors.New("tool returned no response")
		}
		return respond.Error(c, err)
	}
	switch {
	case resp.Status == tools.StatusBlocked:
		return c.JSON(http.StatusForbidden, resp)
	case errors.Is(err, tools.ErrUnknownTool), errors.Is(err, tools.ErrInvalidArgs):
		return respond.Error(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}
