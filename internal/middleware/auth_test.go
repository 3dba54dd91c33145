package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/charliepank/blockchain-relay-utility/internal/model"
	"github.com/charliepank/blockchain-relay-utility/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *security.Store {
	t.Helper()
	cfg := model.SecurityConfig{
		APIKeys: []model.APIKeyRecord{
			{Key: "open-key", Name: "open", Enabled: true},
			{Key: "cidr-key", Name: "cidr", Enabled: true, AllowedIPs: []string{"10.0.0.0/8"}},
		},
		GlobalIPWhitelist: []string{},
		Settings: model.SecuritySettings{
			RequireAPIKey:      true,
			EnforceIPWhitelist: true,
			LogFailedAttempts:  false,
		},
	}
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "security-config.json")
	require.NoError(t, os.WriteFile(path, raw, 0600))

	store, err := security.NewStore(path)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func newAuthRouter(store *security.Store, enabled bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(store, enabled))
	r.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/protected", func(c *gin.Context) {
		tenant := c.MustGet(ContextTenantKey).(*model.TenantContext)
		c.JSON(http.StatusOK, gin.H{"name": tenant.APIKeyName, "ip": tenant.ClientIP})
	})
	return r
}

func TestAuthMiddleware_BypassPaths(t *testing.T) {
	r := newAuthRouter(newTestStore(t), true)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthMiddleware_MissingKey(t *testing.T) {
	r := newAuthRouter(newTestStore(t), true)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Unauthorized", body["error"])
	assert.NotEmpty(t, body["message"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestAuthMiddleware_HeaderKey(t *testing.T) {
	r := newAuthRouter(newTestStore(t), true)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set(HeaderAPIKey, "open-key")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"open"`)
}

func TestAuthMiddleware_BearerToken(t *testing.T) {
	r := newAuthRouter(newTestStore(t), true)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer open-key")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthMiddleware_QueryParam(t *testing.T) {
	r := newAuthRouter(newTestStore(t), true)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected?api_key=open-key", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthMiddleware_HeaderWinsOverQuery(t *testing.T) {
	r := newAuthRouter(newTestStore(t), true)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected?api_key=open-key", nil)
	req.Header.Set(HeaderAPIKey, "bogus")
	r.ServeHTTP(w, req)

	// The bogus header is used first and rejected
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddleware_IPWhitelist(t *testing.T) {
	r := newAuthRouter(newTestStore(t), true)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set(HeaderAPIKey, "cidr-key")
	req.Header.Set("X-Forwarded-For", "10.1.2.3, 172.16.0.1")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set(HeaderAPIKey, "cidr-key")
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddleware_DisabledPassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(nil, false))
	r.GET("/anything", func(c *gin.Context) {
		_, exists := c.Get(ContextTenantKey)
		c.JSON(http.StatusOK, gin.H{"tenant": exists})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"tenant":false`)
}

func TestExtractClientIP_HeaderOrder(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"forwarded-for first token", map[string]string{"X-Forwarded-For": "1.2.3.4, 5.6.7.8"}, "1.2.3.4"},
		{"real-ip fallback", map[string]string{"X-Real-IP": "9.9.9.9"}, "9.9.9.9"},
		{"cf header", map[string]string{"CF-Connecting-IP": "8.8.4.4"}, "8.8.4.4"},
		{"forwarded-for beats real-ip", map[string]string{
			"X-Forwarded-For": "1.1.1.1",
			"X-Real-IP":       "2.2.2.2",
		}, "1.1.1.1"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tc.headers {
				c.Request.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, ExtractClientIP(c))
		})
	}
}
