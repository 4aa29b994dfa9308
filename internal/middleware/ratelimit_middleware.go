package middleware

import (
	"context"
	"net/http"
	"strconv"

	"relay-chat/internal/metrics"
	"relay-chat/internal/redis"
	"relay-chat/internal/services"
	"relay-chat/internal/transport/httpdto"
	"relay-chat/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Limiter consumes one unit of a policy for a user.
type Limiter interface {
	Allow(ctx context.Context, policy redis.Policy, userID int64) (*redis.RateLimitResult, error)
}

// RateLimit applies policy per authenticated user. It must run after
// AuthMiddleware. When the limiter itself fails the request goes through.
func RateLimit(limiter Limiter, policy redis.Policy, m *metrics.Metrics, l *logger.Logger) gin.HandlerFunc {
	l = logger.OrNop(l)
	return func(c *gin.Context) {
		userID, ok := services.UserIDFromContext(c.Request.Context())
		if !ok || limiter == nil {
			c.Next()
			return
		}

		result, err := limiter.Allow(c.Request.Context(), policy, userID)
		if err != nil {
			l.WithContext(c.Request.Context()).Warnw("rate limit check failed", "policy", policy.Name, "error", err)
			c.Next()
			return
		}

		setRateLimitHeaders(c, result)

		if !result.Allowed {
			m.RateLimited(policy.Name)
			c.Header("Retry-After", strconv.FormatInt(int64(result.ResetIn.Seconds()), 10))
			c.JSON(http.StatusTooManyRequests, httpdto.NewErrorResponse("Too many requests. Please wait a moment.", httpdto.CodeRateLimited))
			c.Abort()
			return
		}

		c.Next()
	}
}

// setRateLimitHeaders sets standard rate limit response headers
func setRateLimitHeaders(c *gin.Context, result *redis.RateLimitResult) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(int64(result.ResetIn.Seconds()), 10))
}
