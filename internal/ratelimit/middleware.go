package ratelimit

import (
	"math"
	"net/http"
	"strconv"

	"picfit/internal/config"
	"picfit/internal/metrics"
	"picfit/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// KeyFunc extracts the identity part of the key; "" skips limiting.
type KeyFunc func(c *gin.Context) string

func ByClientIP(c *gin.Context) string { return c.ClientIP() }

// ByAccount reads the account id from the X-Account-ID header, the query,
// or the form, in that order.
func ByAccount(c *gin.Context) string {
	if id := c.GetHeader("X-Account-ID"); id != "" {
		return id
	}
	if id := c.Query("account_id"); id != "" {
		return id
	}
	return c.PostForm("account_id")
}

// Middleware rejects requests over limit with 429 and Retry-After. Store
// errors let the request through and are logged.
func Middleware(g Guard, bucket string, limit config.LimitConfig, keyFn KeyFunc, log *zap.Logger) gin.HandlerFunc {
	log = log.Named("ratelimit")
	return func(c *gin.Context) {
		if limit.Limit <= 0 {
			c.Next()
			return
		}
		id := keyFn(c)
		if id == "" {
			c.Next()
			return
		}

		d, err := g.Hit(c.Request.Context(), bucket+":"+id, limit.Limit, limit.Window())
		if err != nil {
			log.Error("rate guard unavailable", zap.String("bucket", bucket), zap.Error(err))
			c.Next()
			return
		}
		if !d.Allowed {
			metrics.RateLimitedTotal.WithLabelValues(bucket).Inc()
			log.Info("rate limited",
				zap.String("bucket", bucket),
				zap.String("key", id),
				zap.Int64("count", d.Count))
			retry := int(math.Ceil(d.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			response.AbortWithStatus(c, http.StatusTooManyRequests, response.CodeRateLimited, "too many requests, retry later")
			return
		}
		c.Next()
	}
}
