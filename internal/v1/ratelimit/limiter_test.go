package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RoseWrightdev/screenshare/internal/v1/config"
)

func newTestLimiter(t *testing.T, rate string) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	rl, err := NewRateLimiter(&config.Config{RateLimitHTTP: rate}, rc)
	require.NoError(t, err)
	return rl, mr
}

func newTestRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	r.GET("/screen-share", append(handlers, ok)...)
	r.GET("/health/live", append(handlers, ok)...)
	return r
}

func get(r http.Handler, path, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestNewRateLimiter_Memory(t *testing.T) {
	rl, err := NewRateLimiter(&config.Config{RateLimitHTTP: "10-M"}, nil)
	require.NoError(t, err)
	assert.Nil(t, rl.redisClient)
}

func TestNewRateLimiter_InvalidRate(t *testing.T) {
	_, err := NewRateLimiter(&config.Config{RateLimitHTTP: "lots"}, nil)
	assert.Error(t, err)
}

func TestMiddleware_LimitsPerIP(t *testing.T) {
	rl, _ := newTestLimiter(t, "5-M")
	r := newTestRouter(rl.Middleware())

	for i := 0; i < 5; i++ {
		resp := get(r, "/screen-share", "10.0.0.1:1234")
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, "5", resp.Header().Get("X-RateLimit-Limit"))
	}

	resp := get(r, "/screen-share", "10.0.0.1:1234")
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.Contains(t, resp.Body.String(), "Too many requests")
	assert.NotEmpty(t, resp.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, get(r, "/screen-share", "10.0.0.2:1234").Code, "other clients are unaffected")
	assert.Equal(t, http.StatusOK, get(r, "/health/live", "10.0.0.1:1234").Code, "routes are counted separately")
}

func TestMiddleware_FailsOpen(t *testing.T) {
	rl, mr := newTestLimiter(t, "1-M")
	r := newTestRouter(rl.Middleware())
	mr.Close()

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, get(r, "/screen-share", "10.0.0.1:1234").Code)
	}
}

func TestScrapeMiddleware(t *testing.T) {
	rl, err := NewRateLimiter(&config.Config{RateLimitHTTP: "2-M"}, nil)
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", rl.ScrapeMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/screen-share", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, get(r, "/metrics", "10.0.0.1:1").Code)
	assert.Equal(t, http.StatusOK, get(r, "/metrics", "10.0.0.1:1").Code)

	resp := get(r, "/metrics", "10.0.0.1:1")
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.Equal(t, "Limit exceeded", resp.Body.String())

	assert.Equal(t, http.StatusOK, get(r, "/screen-share", "10.0.0.1:1").Code, "scrapes use their own keys")
}
