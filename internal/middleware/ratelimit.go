package middleware

import (
	"net/http"
	"time"

	"github.com/charliepank/blockchain-relay-utility/internal/security"
	"github.com/gin-gonic/gin"
)

// RateLimitMiddleware enforces the per-key request budget from the
// security settings. Must run after AuthMiddleware.
func RateLimitMiddleware(store *security.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if store == nil {
			c.Next()
			return
		}
		rawKey, exists := c.Get(ContextRawKey)
		if !exists {
			// Unauthenticated paths are not rate limited here.
			c.Next()
			return
		}

		limiter := store.LimiterFor(rawKey.(string))
		if limiter == nil {
			c.Next()
			return
		}

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":     "Too Many Requests",
				"message":   "rate limit exceeded for this API key",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
