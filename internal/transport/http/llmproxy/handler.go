// Package llmproxy serves an OpenAI compatible chat completion API backed by
// the model pool.
package llmproxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/internal/adapter/llm"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/service"
	"github.com/xiaot623/gogo/internal/transport/http/respond"
)

// Headers tying a proxied call to a run.
const (
	HeaderModelRole = "X-Model-Role"
	HeaderSessionID = "X-Session-ID"
	HeaderRunID     = "X-Run-ID"
	HeaderTaskID    = "X-Task-ID"
)

// Handler handles LLM proxy HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new LLM proxy handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers LLM proxy routes.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// OpenAI-compatible endpoints
	e.POST("/v1/chat/completions", h.ChatCompletions)
	e.GET("/v1/models", h.ListModels)
}

// ChatCompletions handles chat completion requests. The model role comes
// from X-Model-Role, or from the model field when it names a role.
// POST /v1/chat/completions
func (h *Handler) ChatCompletions(c echo.Context) error {
	var req llm.ChatCompletionRequest
	if err := c.Bind(&req); err != nil {
		return invalidRequest(c, "invalid request body", "")
	}
	if len(req.Messages) == 0 {
		return invalidRequest(c, "messages is required", "messages")
	}

	header := c.Request().Header
	role := domain.ModelRole(header.Get(HeaderModelRole))
	if role == "" && domain.ModelRole(req.Model).Valid() {
		role = domain.ModelRole(req.Model)
	}
	scope := domain.EventScope{
		SessionID: header.Get(HeaderSessionID),
		RunID:     header.Get(HeaderRunID),
		TaskID:    header.Get(HeaderTaskID),
	}

	if req.Stream {
		return h.stream(c, scope, role, &req)
	}

	resp, err := h.service.ProxyChatCompletion(c.Request().Context(), scope, role, &req)
	if err != nil {
		return upstreamError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) stream(c echo.Context, scope domain.EventScope, role domain.ModelRole, req *llm.ChatCompletionRequest) error {
	w := c.Response()
	started := false
	err := h.service.ProxyChatCompletionStream(c.Request().Context(), scope, role, req, func(chunk *llm.StreamChunk) error {
		data, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		w.Flush()
		return nil
	})

	// Until the first chunk the status code can still report the failure.
	if !started {
		if err != nil {
			return upstreamError(c, err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
	}
	if err != nil {
		log.WithError(err).WithField("run_id", scope.RunID).Warn("LLM streaming request failed")
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	w.Flush()
	return nil
}

// ListModels lists the model roles clients may request.
// GET /v1/models
func (h *Handler) ListModels(c echo.Context) error {
	models, err := h.service.ListModels(c.Request().Context())
	if err != nil {
		return upstreamError(c, err)
	}
	return c.JSON(http.StatusOK, llm.ModelsResponse{
		Object: "list",
		Data:   models,
	})
}

func invalidRequest(c echo.Context, msg, param string) error {
	return c.JSON(http.StatusBadRequest, llm.ErrorResponse{
		Error: &llm.APIError{
			Message: msg,
			Type:    "invalid_request_error",
			Param:   param,
		},
	})
}

func upstreamError(c echo.Context, err error) error {
	status := respond.StatusFor(err)
	errType := "upstream_error"
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrNotFound):
		errType = "invalid_request_error"
	case status == http.StatusInternalServerError:
		status = http.StatusBadGateway
	}
	return c.JSON(status, llm.ErrorResponse{
		Error: &llm.APIError{
			Message: err.Error(),
			Type:    errType,
			Code:    domain.ErrorCode(err),
		},
	})
}
