package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Limiter decides whether the caller identified by key may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// RateLimit applies limiter per client IP under the given scope. onReject may be nil.
// When the limiter itself fails the request is let through.
func RateLimit(limiter Limiter, scope string, onReject func(), logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ratelimit:" + scope + ":" + c.ClientIP()

		allowed, remaining, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			logger.Warn("Rate limiter unavailable, allowing request",
				"key", key,
				"correlation_id", GetCorrelationID(c),
				"error", err,
			)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Remaining", strconv.Itoa(int(remaining)))
		if !allowed {
			if onReject != nil {
				onReject()
			}
			logger.Info("Request rate limited", "key", key, "correlation_id", GetCorrelationID(c))

			c.Header("Retry-After", "1")
			body := gin.H{
				"error": gin.H{
					"code":    "RATE_LIMITED",
					"message": "Too many uploads, slow down",
				},
			}
			if correlationID := GetCorrelationID(c); correlationID != "" {
				body["correlation_id"] = correlationID
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, body)
			return
		}

		c.Next()
	}
}
