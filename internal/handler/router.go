package handler

import (
	"net/http"

	"picfit/internal/config"
	"picfit/internal/metrics"
	"picfit/internal/ratelimit"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRouter registers middleware and routes. A nil guard disables rate
// limiting.
func SetupRouter(h *Handler, guard ratelimit.Guard, cfg *config.Config, log *zap.Logger) *gin.Engine {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}

	r := gin.New()
	r.MaxMultipartMemory = 8 << 20

	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log))
	r.Use(CORSMiddleware())

	limit := func(bucket string, lc config.LimitConfig, key ratelimit.KeyFunc) gin.HandlerFunc {
		if guard == nil {
			return func(c *gin.Context) { c.Next() }
		}
		return ratelimit.Middleware(guard, bucket, lc, key, log)
	}

	api := r.Group("/api/v1")

	// provider callbacks are authenticated by signature and stay outside the per-IP bucket
	api.POST("/payment/webhook/stripe", h.StripeWebhook)
	api.POST("/payment-events", h.PaymentEvent)

	limited := api.Group("", limit("ip", cfg.RateLimit.IP, ratelimit.ByClientIP))
	{
		account := limited.Group("/account")
		{
			account.POST("/ensure", h.EnsureAccount)
			account.GET("/balance", h.GetBalance)
			account.GET("/transactions", h.ListTransactions)
		}

		generation := limited.Group("/generation")
		{
			generation.POST("/submit", limit("gen", cfg.RateLimit.Generation, ratelimit.ByAccount), h.Submit)
			generation.GET("/detail", h.GetJob)
			generation.GET("/list", h.ListJobs)
			generation.POST("/cancel", h.CancelJob)
		}

		limited.POST("/payment/checkout", limit("checkout", cfg.RateLimit.Checkout, checkoutAccount), h.CreateCheckout)

		// operator views span every account; without a token they are not served at all
		if cfg.Server.AdminToken != "" {
			admin := limited.Group("/admin", AdminAuthMiddleware(cfg.Server.AdminToken))
			{
				admin.GET("/stats", h.Stats)
				admin.GET("/failures", h.RecentFailures)
				admin.GET("/processing", h.Processing)
			}
		}
	}

	r.GET("/metrics", metrics.Handler())
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}

// checkoutAccount keys the checkout bucket on the header only; the JSON
// body is left for the handler to bind.
func checkoutAccount(c *gin.Context) string {
	if id := c.GetHeader("X-Account-ID"); id != "" {
		return id
	}
	return c.ClientIP()
}
