package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "actionpay-backend/internal/common/errors"
	"actionpay-backend/internal/features/fraud/service"
	"actionpay-backend/internal/features/ledger/models"
)

type Handler struct {
	service *service.Service
}

func NewHandler(svc *service.Service) *Handler {
	return &Handler{service: svc}
}

func (h *Handler) RegisterAdminRoutes(admin *gin.RouterGroup) {
	fraud := admin.Group("/fraud")
	fraud.GET("/ip/:ip", h.walletsByIP)
	fraud.GET("/flagged", h.flagged)
	fraud.GET("/users", h.suspiciousUsers)
	fraud.GET("/campaigns", h.suspiciousCampaigns)

	admin.POST("/campaigns/:id/status", h.setCampaignStatus)
}

type CampaignStatusRequest struct {
	Status models.CampaignStatus `json:"status" binding:"required,oneof=active paused"`
}

// @Summary Wallets seen behind an IP
// @Tags admin
// @Produce json
// @Security AdminToken
// @Param ip path string true "Client IP"
// @Success 200 {object} service.IPReport
// @Router /admin/fraud/ip/{ip} [get]
func (h *Handler) walletsByIP(c *gin.Context) {
	report, err := h.service.WalletsByIP(c.Request.Context(), c.Param("ip"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// @Summary Wallets flagged by the IP threshold
// @Tags admin
// @Produce json
// @Security AdminToken
// @Success 200 {array} string
// @Router /admin/fraud/flagged [get]
func (h *Handler) flagged(c *gin.Context) {
	wallets, err := h.service.FlaggedWallets(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallets": wallets, "count": len(wallets)})
}

// @Summary Suspicious users
// @Tags admin
// @Produce json
// @Security AdminToken
// @Success 200 {array} models.User
// @Router /admin/fraud/users [get]
func (h *Handler) suspiciousUsers(c *gin.Context) {
	users, err := h.service.SuspiciousUsers(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, users)
}

// @Summary Suspicious campaigns
// @Tags admin
// @Produce json
// @Security AdminToken
// @Success 200 {array} models.Campaign
// @Router /admin/fraud/campaigns [get]
func (h *Handler) suspiciousCampaigns(c *gin.Context) {
	campaigns, err := h.service.SuspiciousCampaigns(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, campaigns)
}

// @Summary Pause or resume a campaign
// @Tags admin
// @Accept json
// @Produce json
// @Security AdminToken
// @Param id path int true "Campaign id"
// @Param request body CampaignStatusRequest true "Target status"
// @Success 200 {object} models.Campaign
// @Failure 409 {object} middleware.ErrorResponse
// @Router /admin/campaigns/{id}/status [post]
func (h *Handler) setCampaignStatus(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		_ = c.Error(apperrors.NewValidationError("id", "must be a positive integer"))
		return
	}
	var req CampaignStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewValidationError("status", err.Error()))
		return
	}
	campaign, err := h.service.SetCampaignStatus(c.Request.Context(), id, req.Status)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, campaign)
}
