package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/service"
	"github.com/xiaot623/gogo/internal/transport/http/respond"
)

// HeaderIdempotencyKey carries the client's idempotency key.
const HeaderIdempotencyKey = "Idempotency-Key"

// CreateRun creates a run, optionally with a plan to execute.
// POST /v1/runs
func (h *Handler) CreateRun(c echo.Context) error {
	var req domain.CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return respond.BadRequest(c, "invalid request body")
	}
	if key := c.Request().Header.Get(HeaderIdempotencyKey); key != "" {
		req.IdempotencyKey = key
	}
	ctx := c.Request().Context()

	reply, err := h.service.Idempotent(ctx, service.CreateRunKey(req.SessionID, req.IdempotencyKey), func() (int, any, error) {
		run, err := h.service.CreateRun(ctx, req)
		return http.StatusCreated, run, err
	})
	if err != nil {
		return respond.Error(c, err)
	}
	return writeReply(c, reply)
}

// GetRun returns a run.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.service.GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return respond.Error(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// ResumeRun resumes a run waiting for input.
// POST /v1/runs/:run_id/resume
func (h *Handler) ResumeRun(c echo.Context) error {
	var req domain.ResumeRunRequest
	if err := c.Bind(&req); err != nil {
		return respond.BadRequest(c, "invalid request body")
	}
	if key := c.Request().Header.Get(HeaderIdempotencyKey); key != "" {
		req.IdempotencyKey = key
	}
	runID := c.Param("run_id")
	ctx := c.Request().Context()

	reply, err := h.service.Idempotent(ctx, service.ResumeRunKey(runID, req.IdempotencyKey), func() (int, any, error) {
		run, err := h.service.ResumeRun(ctx, runID, req.Input)
		return http.StatusOK, run, err
	})
	if err != nil {
		return respond.Error(c, err)
	}
	return writeReply(c, reply)
}

// CancelRun cancels a run. Cancelling a finished run returns it unchanged.
// POST /v1/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	var req domain.CancelRunRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return respond.BadRequest(c, "invalid request body")
		}
	}
	run, err := h.service.CancelRun(c.Request().Context(), c.Param("run_id"), req.Reason)
	if err != nil {
		return respond.Error(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// ListTasks returns the tasks of a run's plan.
// GET /v1/runs/:run_id/tasks
func (h *Handler) ListTasks(c echo.Context) error {
	tasks, err := h.service.ListTasks(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return respond.Error(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"tasks": tasks})
}

// ListSessionRuns returns the runs of a session, newest first.
// GET /v1/sessions/:session_id/runs
func (h *Handler) ListSessionRuns(c echo.Context) error {
	limit, ok := intQuery(c, "limit")
	if !ok {
		return respond.BadRequest(c, "limit must be a non-negative integer")
	}
	runs, err := h.service.ListRuns(c.Request().Context(), c.Param("session_id"), int(limit))
	if err != nil {
		return respond.Error(c, err)
	}
	if runs == nil {
		runs = []*domain.Run{}
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}

func writeReply(c echo.Context, reply *service.Reply) error {
	if reply.Replayed {
		c.Response().Header().Set("Idempotent-Replayed", "true")
	}
	return c.JSONBlob(reply.StatusCode, reply.Body)
}
