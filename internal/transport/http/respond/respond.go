// Package respond maps engine errors to HTTP replies.
package respond

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/tools"
)

// StatusFor returns the HTTP status of err.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, tools.ErrUnknownTool):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrDuplicateActiveRun),
		errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrCycleDetected),
		errors.Is(err, tools.ErrInvalidArgs):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrPolicyViolation):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Error writes err as an ErrorResponse.
func Error(c echo.Context, err error) error {
	status := StatusFor(err)
	code := domain.ErrorCode(err)
	switch {
	case errors.Is(err, tools.ErrUnknownTool):
		code = "unknown_tool"
	case errors.Is(err, tools.ErrInvalidArgs):
		code = "invalid_arguments"
	}
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.Path()).Error("request failed")
	}
	return c.JSON(status, domain.ErrorResponse{Error: err.Error(), Code: code})
}

// BadRequest writes a validation error with msg.
func BadRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, domain.ErrorResponse{Error: msg, Code: "validation"})
}
