package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestDefaultCallbackConfig(t *testing.T) {
	cfg := DefaultCallbackConfig()
	assert.Equal(t, float64(5), cfg.Rate)
	assert.Equal(t, 10, cfg.Burst)
}

func TestNewClampsBurst(t *testing.T) {
	rl := New(Config{Rate: 1})
	assert.Equal(t, 1, rl.Config().Burst)
}

func TestAllowPerKey(t *testing.T) {
	rl := New(Config{Rate: 0.001, Burst: 2})

	assert.True(t, rl.Allow("127.0.0.1"))
	assert.True(t, rl.Allow("127.0.0.1"))
	assert.False(t, rl.Allow("127.0.0.1"), "burst exhausted")
	assert.True(t, rl.Allow("::1"), "other clients have their own bucket")
	assert.Equal(t, 2, rl.Len())
}

func TestMiddleware(t *testing.T) {
	rl := New(Config{Rate: 0.001, Burst: 1})
	var rejected []string
	rl.OnReject = func(key string) { rejected = append(rejected, key) }

	router := gin.New()
	router.Use(rl.Middleware())
	router.GET("/callback", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/callback", nil)
		req.RemoteAddr = "127.0.0.1:50000"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	require.Equal(t, http.StatusOK, send().Code)

	w := send()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, []string{"127.0.0.1"}, rejected)
}
