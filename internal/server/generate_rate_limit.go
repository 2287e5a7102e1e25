package server

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GenerateRateLimit throttles batch creation per user when the redis limiter
// is configured. Limiter outages fail closed to 503 rather than letting an
// unthrottled burst through to the provider.
func (s *Server) GenerateRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.generateLimiter == nil || !s.generateLimiter.Enabled() {
			c.Next()
			return
		}

		result, err := s.generateLimiter.AllowUser(c.Request.Context(), currentUserID(c))
		if err != nil {
			zap.L().Named("http").Warn("generate rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			AbortWithError(c, &rateLimitedError{retryAfter: result.RetryAfter})
			return
		}

		c.Next()
	}
}
