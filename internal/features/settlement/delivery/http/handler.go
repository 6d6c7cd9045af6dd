package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "actionpay-backend/internal/common/errors"
	"actionpay-backend/internal/features/settlement/service"
)

const defaultRoundLimit = 20

type Handler struct {
	service *service.Service
}

func NewHandler(svc *service.Service) *Handler {
	return &Handler{service: svc}
}

func (h *Handler) RegisterAdminRoutes(admin *gin.RouterGroup) {
	rounds := admin.Group("/rounds")
	rounds.GET("", h.list)
	rounds.GET("/stuck", h.stuck)
	rounds.GET("/:id", h.get)
	rounds.POST("/:id/retry", h.retry)
}

func roundID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.NewValidationError("id", "must be a positive integer")
	}
	return id, nil
}

// @Summary List prize rounds
// @Tags admin
// @Produce json
// @Security AdminToken
// @Param limit query int false "Max rounds, latest first" default(20)
// @Success 200 {array} models.PrizeRound
// @Router /admin/rounds [get]
func (h *Handler) list(c *gin.Context) {
	limit := defaultRoundLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			_ = c.Error(apperrors.NewValidationError("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}
	rounds, err := h.service.ListRounds(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, rounds)
}

// @Summary Get a prize round
// @Tags admin
// @Produce json
// @Security AdminToken
// @Param id path int true "Round id"
// @Success 200 {object} models.PrizeRound
// @Failure 404 {object} middleware.ErrorResponse
// @Router /admin/rounds/{id} [get]
func (h *Handler) get(c *gin.Context) {
	id, err := roundID(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	round, err := h.service.GetRound(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, round)
}

// @Summary Retry a round now
// @Description Resets attempt counters of unpaid winners and pays them immediately.
// @Tags admin
// @Produce json
// @Security AdminToken
// @Param id path int true "Round id"
// @Success 200 {object} models.PrizeRound
// @Failure 404 {object} middleware.ErrorResponse
// @Failure 409 {object} middleware.ErrorResponse
// @Router /admin/rounds/{id}/retry [post]
func (h *Handler) retry(c *gin.Context) {
	id, err := roundID(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	round, err := h.service.ForceRetry(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, round)
}

// @Summary List winners out of automatic retries
// @Tags admin
// @Produce json
// @Security AdminToken
// @Success 200 {array} models.StuckWinner
// @Router /admin/rounds/stuck [get]
func (h *Handler) stuck(c *gin.Context) {
	winners, err := h.service.StuckWinners(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, winners)
}
