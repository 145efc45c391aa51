// Package http assembles the engine's HTTP servers.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gogo/internal/metrics"
	"github.com/xiaot623/gogo/internal/service"
	"github.com/xiaot623/gogo/internal/transport/http/internalapi"
	"github.com/xiaot623/gogo/internal/transport/http/llmproxy"
	v1 "github.com/xiaot623/gogo/internal/transport/http/v1"
)

// NewExternalServer creates the public server: the run API, event streams,
// tool invocation and the LLM proxy.
func NewExternalServer(svc *service.Service) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	v1Handler := v1.NewHandler(svc)
	llmHandler := llmproxy.NewHandler(svc)

	// Register Routes
	v1Handler.RegisterRoutes(e)
	llmHandler.RegisterRoutes(e)

	return e
}

// NewInternalServer creates the control plane server used by workers and
// operators.
func NewInternalServer(svc *service.Service, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	internalHandler := internalapi.NewHandler(svc, m)
	internalHandler.RegisterRoutes(e)

	return e
}
