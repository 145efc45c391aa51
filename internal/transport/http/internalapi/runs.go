package internalapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/transport/http/respond"
)

// SuspendRunRequest is the body of a suspend call.
type SuspendRunRequest struct {
	Checkpoint *domain.Checkpoint `json:"checkpoint"`
}

// FailRunRequest is the body of a fail call.
type FailRunRequest struct {
	Error *domain.RunError `json:"error"`
}

// StartRun moves a queued or waiting run to running.
// POST /internal/runs/:run_id/start
func (h *Handler) StartRun(c echo.Context) error {
	return reply(c)(h.service.StartRun(c.Request().Context(), c.Param("run_id")))
}

// SuspendRun moves a running run to waiting_input.
// POST /internal/runs/:run_id/suspend
func (h *Handler) SuspendRun(c echo.Context) error {
	var req SuspendRunRequest
	if err := c.Bind(&req); err != nil {
		return respond.BadRequest(c, "invalid request body")
	}
	if req.Checkpoint == nil {
		return respond.BadRequest(c, "checkpoint is required")
	}
	if req.Checkpoint.Version == 0 {
		req.Checkpoint.Version = domain.CheckpointVersion
	}
	return reply(c)(h.service.SuspendRun(c.Request().Context(), c.Param("run_id"), req.Checkpoint))
}

// CompleteRun moves a running run to completed.
// POST /internal/runs/:run_id/complete
func (h *Handler) CompleteRun(c echo.Context) error {
	return reply(c)(h.service.CompleteRun(c.Request().Context(), c.Param("run_id")))
}

// FailRun moves a running run to failed.
// POST /internal/runs/:run_id/fail
func (h *Handler) FailRun(c echo.Context) error {
	var req FailRunRequest
	if err := c.Bind(&req); err != nil {
		return respond.BadRequest(c, "invalid request body")
	}
	if req.Error == nil || req.Error.Code == "" {
		return respond.BadRequest(c, "error.code is required")
	}
	return reply(c)(h.service.FailRun(c.Request().Context(), c.Param("run_id"), req.Error))
}

// CancelRun cancels a run on behalf of a worker.
// POST /internal/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	var req domain.CancelRunRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return respond.BadRequest(c, "invalid request body")
		}
	}
	return reply(c)(h.service.CancelRun(c.Request().Context(), c.Param("run_id"), req.Reason))
}

func reply(c echo.Context) func(*domain.Run, error) error {
	return func(run *domain.Run, err error) error {
		if err != nil {
			return respond.Error(c, err)
		}
		return c.JSON(http.StatusOK, run)
	}
}
