package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/charliepank/blockchain-relay-utility/internal/model"
	"github.com/charliepank/blockchain-relay-utility/internal/pkg/logger"
	"github.com/charliepank/blockchain-relay-utility/internal/pkg/metrics"
	"github.com/charliepank/blockchain-relay-utility/internal/security"
	"github.com/gin-gonic/gin"
)

const (
	HeaderAPIKey = "X-API-Key"

	ContextTenantKey = "tenant"
	ContextRawKey    = "api_key_raw"
)

// bypassPaths skip authentication entirely.
var bypassPaths = map[string]struct{}{
	"/health":          {},
	"/ping":            {},
	"/status":          {},
	"/actuator/health": {},
}

// clientIPHeaders are consulted in order before falling back to the
// transport peer address.
var clientIPHeaders = []string{
	"X-Forwarded-For",
	"X-Real-IP",
	"X-Client-IP",
	"CF-Connecting-IP",
	"True-Client-IP",
}

// AuthMiddleware validates the API key and source IP against the current
// security snapshot and attaches the resolved TenantContext. The settings
// read, the key lookup and the whitelist check each load the current
// snapshot separately, so they are not pinned to one snapshot if a reload
// lands between them. Once the TenantContext is attached, a concurrent
// reload does not affect the request.
func AuthMiddleware(store *security.Store, enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := bypassPaths[c.Request.URL.Path]; ok {
			c.Next()
			return
		}
		if !enabled || store == nil {
			c.Next()
			return
		}

		settings := store.Settings()
		clientIP := ExtractClientIP(c)

		if !settings.RequireAPIKey {
			c.Next()
			return
		}

		key := extractAPIKey(c)
		record, ok := store.ValidateKey(key)
		if !ok {
			rejectUnauthorized(c, settings, clientIP, "missing or invalid API key")
			return
		}

		if settings.EnforceIPWhitelist && !store.IsAllowed(clientIP, record) {
			rejectUnauthorized(c, settings, clientIP, "IP address not allowed for this API key")
			return
		}

		tenant := &model.TenantContext{
			APIKeyName: record.Name,
			ClientIP:   clientIP,
			Wallet:     record.Wallet,
		}
		c.Set(ContextTenantKey, tenant)
		c.Set(ContextRawKey, record.Key)
		c.Next()
	}
}

func extractAPIKey(c *gin.Context) string {
	if key := c.GetHeader(HeaderAPIKey); key != "" {
		return key
	}
	if auth := c.GetHeader("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}
	return c.Query("api_key")
}

// ExtractClientIP resolves the effective client IP, honoring the usual
// proxy headers before the transport peer.
func ExtractClientIP(c *gin.Context) string {
	for _, header := range clientIPHeaders {
		value := strings.TrimSpace(c.GetHeader(header))
		if value == "" {
			continue
		}
		if header == "X-Forwarded-For" {
			// First token is the originating client.
			if idx := strings.Index(value, ","); idx >= 0 {
				value = strings.TrimSpace(value[:idx])
			}
		}
		if value != "" {
			return value
		}
	}
	return c.ClientIP()
}

func rejectUnauthorized(c *gin.Context, settings model.SecuritySettings, clientIP, message string) {
	metrics.AuthFailures.WithLabelValues("unauthorized").Inc()
	if settings.LogFailedAttempts {
		logger.Warn("Rejected request",
			"path", c.Request.URL.Path, "client_ip", clientIP, "reason", message)
	}
	c.JSON(http.StatusUnauthorized, gin.H{
		"error":     "Unauthorized",
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	c.Abort()
}
