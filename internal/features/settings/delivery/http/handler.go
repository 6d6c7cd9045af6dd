package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "actionpay-backend/internal/common/errors"
	"actionpay-backend/internal/features/settings/service"
)

type Handler struct {
	service *service.Service
}

func NewHandler(svc *service.Service) *Handler {
	return &Handler{service: svc}
}

func (h *Handler) RegisterRoutes(admin *gin.RouterGroup) {
	admin.GET("/settings", h.get)
	admin.PUT("/settings", h.update)
}

// @Summary Get system settings
// @Tags admin
// @Produce json
// @Security AdminToken
// @Success 200 {object} models.SystemSettings
// @Router /admin/settings [get]
func (h *Handler) get(c *gin.Context) {
	s, err := h.service.Get(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// @Summary Update system settings
// @Description Partial update. Percentages must stay within 0..100 and sum to 100 when all three are sent.
// @Tags admin
// @Accept json
// @Produce json
// @Security AdminToken
// @Param patch body service.Patch true "Fields to change"
// @Success 200 {object} models.SystemSettings
// @Failure 400 {object} middleware.ErrorResponse
// @Router /admin/settings [put]
func (h *Handler) update(c *gin.Context) {
	var patch service.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		_ = c.Error(apperrors.NewValidationError("body", err.Error()))
		return
	}
	s, err := h.service.Update(c.Request.Context(), patch)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, s)
}
