// Package internalapi serves the control plane: run transitions driven by
// workers, model pool status and metrics. It is not exposed to end users.
package internalapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/internal/metrics"
	"github.com/xiaot623/gogo/internal/service"
)

// Handler handles internal HTTP requests.
type Handler struct {
	service *service.Service
	metrics *metrics.Metrics
}

// NewHandler creates a new internal API handler. m may be nil.
func NewHandler(service *service.Service, m *metrics.Metrics) *Handler {
	return &Handler{
		service: service,
		metrics: m,
	}
}

// RegisterRoutes registers internal routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Run transitions
	e.POST("/internal/runs/:run_id/start", h.StartRun)
	e.POST("/internal/runs/:run_id/suspend", h.SuspendRun)
	e.POST("/internal/runs/:run_id/complete", h.CompleteRun)
	e.POST("/internal/runs/:run_id/fail", h.FailRun)
	e.POST("/internal/runs/:run_id/cancel", h.CancelRun)

	e.GET("/internal/model_pool", h.ModelPoolStatus)

	if h.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(h.metrics.Handler()))
	}
	e.GET("/health", h.Health)
}

// Health reports storage health and the executions running in this process.
func (h *Handler) Health(c echo.Context) error {
	if err := h.service.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":            "healthy",
		"active_executions": h.service.ActiveExecutions(),
	})
}
