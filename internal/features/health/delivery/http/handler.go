package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"actionpay-backend/internal/common/errors"
	"actionpay-backend/internal/features/health/service"
)

type Handler struct {
	monitor *service.Monitor
	stuck   service.StuckSource
}

func NewHandler(monitor *service.Monitor, stuck service.StuckSource) *Handler {
	return &Handler{monitor: monitor, stuck: stuck}
}

func (h *Handler) RegisterAdminRoutes(admin *gin.RouterGroup) {
	admin.GET("/health", h.signals)
	admin.GET("/reconciliation", h.reconciliation)
}

// @Summary Latest payout health signals
// @Description Runs a check when the monitor has not produced one yet.
// @Tags admin
// @Produce json
// @Security AdminToken
// @Success 200 {object} service.Report
// @Router /admin/health [get]
func (h *Handler) signals(c *gin.Context) {
	report := h.monitor.Latest()
	if report == nil {
		var err error
		report, err = h.monitor.Check(c.Request.Context())
		if err != nil {
			_ = c.Error(errors.NewDatabaseError("health check", err))
			return
		}
	}
	c.JSON(http.StatusOK, report)
}

// @Summary Ledger reconciliation
// @Tags admin
// @Produce json
// @Security AdminToken
// @Success 200 {object} service.Reconciliation
// @Router /admin/reconciliation [get]
func (h *Handler) reconciliation(c *gin.Context) {
	r, err := h.monitor.Reconcile(c.Request.Context(), h.stuck)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"healthy": r.Healthy(), "report": r})
}
