package internalapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/modelpool"
)

// ModelPoolStatus reports candidate health per role.
// GET /internal/model_pool
func (h *Handler) ModelPoolStatus(c echo.Context) error {
	pool := h.service.Pool()
	if pool == nil {
		return c.JSON(http.StatusServiceUnavailable, domain.ErrorResponse{
			Error: "model pool is not configured",
			Code:  domain.ErrorCode(domain.ErrModelUnavailable),
		})
	}
	return c.JSON(http.StatusOK, map[string][]modelpool.RoleStatus{"roles": pool.Status()})
}
