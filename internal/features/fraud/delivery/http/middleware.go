package http

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"actionpay-backend/internal/common/middleware"
	"actionpay-backend/internal/features/fraud/service"
)

const walletHeader = "X-Wallet-Address"

// TrackIP records the client IP against the wallet a request resolved,
// taken from the handler or the X-Wallet-Address header.
func TrackIP(svc *service.Service, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		wallet := c.GetString(middleware.WalletKey)
		if wallet == "" {
			wallet = c.GetHeader(walletHeader)
		}
		if wallet == "" {
			return
		}
		if err := svc.Track(c.Request.Context(), c.ClientIP(), wallet); err != nil {
			log.Warn().Err(err).Str("request_id", middleware.GetRequestID(c)).Msg("Failed to track ip wallet")
		}
	}
}
