package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "actionpay-backend/internal/common/errors"
	"actionpay-backend/internal/common/middleware"
	"actionpay-backend/internal/features/verification/service"
)

type Handler struct {
	service *service.Service
}

func NewHandler(svc *service.Service) *Handler {
	return &Handler{service: svc}
}

func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/verification/action", h.submitAction)
	api.POST("/verification/holder", h.submitHolderCheck)
	api.POST("/executions/claim", h.claimBatch)
}

// RegisterAdminRoutes mounts the manual review endpoint.
func (h *Handler) RegisterAdminRoutes(admin *gin.RouterGroup) {
	admin.POST("/executions/:id/review", h.review)
}

type SubmitActionRequest struct {
	ActionID   int64  `json:"actionId" binding:"required,gt=0"`
	UserWallet string `json:"userWallet" binding:"required,solana_address"`
	Proof      string `json:"proof"`
}

type ClaimRequest struct {
	WalletAddress string  `json:"walletAddress" binding:"required,solana_address"`
	ExecutionIDs  []int64 `json:"executionIds" binding:"required,min=1,max=100,dive,gt=0"`
}

type ReviewRequest struct {
	Approve *bool `json:"approve" binding:"required"`
}

func bindError(err error) error {
	return apperrors.New(apperrors.ErrCodeValidation, "Invalid request body").WithDetail("reason", err.Error())
}

// @Summary Submit an action for verification
// @Tags verification
// @Accept json
// @Produce json
// @Param request body SubmitActionRequest true "Claim"
// @Success 200 {object} service.ActionResult
// @Failure 400 {object} service.ActionResult "Rejected claim"
// @Failure 404 {object} middleware.ErrorResponse
// @Router /api/v1/verification/action [post]
func (h *Handler) submitAction(c *gin.Context) {
	var req SubmitActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(bindError(err))
		return
	}
	middleware.SetWallet(c, req.UserWallet)

	result, err := h.service.SubmitAction(c.Request.Context(), req.UserWallet, req.ActionID, req.Proof)
	if err != nil {
		_ = c.Error(err)
		return
	}
	status := http.StatusOK
	if result.Status == service.ActionRejected {
		status = http.StatusBadRequest
	}
	c.JSON(status, result)
}

// @Summary Check or claim holder qualification
// @Description actionId carries the holder campaign id. Send proof {"claim": true} to claim a ready state.
// @Tags verification
// @Accept json
// @Produce json
// @Param request body SubmitActionRequest true "Check"
// @Success 200 {object} service.HolderResult
// @Failure 404 {object} middleware.ErrorResponse
// @Router /api/v1/verification/holder [post]
func (h *Handler) submitHolderCheck(c *gin.Context) {
	var req SubmitActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(bindError(err))
		return
	}
	middleware.SetWallet(c, req.UserWallet)

	result, err := h.service.SubmitHolderCheck(c.Request.Context(), req.UserWallet, req.ActionID, req.Proof)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// @Summary Claim verified executions
// @Tags verification
// @Accept json
// @Produce json
// @Param request body ClaimRequest true "Executions to claim"
// @Success 200 {object} service.ClaimResult
// @Failure 409 {object} middleware.ErrorResponse "Claim already running"
// @Failure 502 {object} middleware.ErrorResponse "Transfer failed"
// @Router /api/v1/executions/claim [post]
func (h *Handler) claimBatch(c *gin.Context) {
	var req ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(bindError(err))
		return
	}
	middleware.SetWallet(c, req.WalletAddress)

	result, err := h.service.ClaimBatch(c.Request.Context(), req.WalletAddress, req.ExecutionIDs)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// @Summary Review a pending execution
// @Tags admin
// @Accept json
// @Produce json
// @Security AdminToken
// @Param id path int true "Execution ID"
// @Param request body ReviewRequest true "Decision"
// @Success 200 {object} models.Execution
// @Router /admin/executions/{id}/review [post]
func (h *Handler) review(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		_ = c.Error(apperrors.NewValidationError("id", "must be a positive integer"))
		return
	}
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(bindError(err))
		return
	}
	exec, err := h.service.ReviewExecution(c.Request.Context(), id, *req.Approve)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, exec)
}
